package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/syncflow/link-server/internal/util"
)

// CredentialVault holds minted credentials out of the session record itself.
// A session only carries the reference returned by Put.
type CredentialVault interface {
	Put(ctx context.Context, credential string, ttl time.Duration) (string, error)
	// Take returns the credential and removes it. A second Take for the same
	// reference returns "", nil.
	Take(ctx context.Context, ref string) (string, error)
	Discard(ctx context.Context, ref string) error
}

type credentialVault struct {
	client        *redis.Client
	keyPrefix     string
	encryptionKey string
}

// NewCredentialVault returns a Redis vault. With a non-empty encryptionKey the
// credential is sealed with AES-GCM and bound to its reference, so a stored
// value copied under another reference does not open.
func NewCredentialVault(client *redis.Client, keyPrefix, encryptionKey string) CredentialVault {
	return &credentialVault{client: client, keyPrefix: keyPrefix, encryptionKey: encryptionKey}
}

func (v *credentialVault) key(ref string) string {
	return v.keyPrefix + "credentials/" + ref
}

func (v *credentialVault) Put(ctx context.Context, credential string, ttl time.Duration) (string, error) {
	ref := uuid.NewString()
	value := credential
	if v.encryptionKey != "" {
		sealed, err := util.Seal(v.encryptionKey, credential, ref)
		if err != nil {
			return "", fmt.Errorf("seal credential: %w", err)
		}
		value = sealed
	}

	if err := v.client.Set(ctx, v.key(ref), value, ttl).Err(); err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}
	return ref, nil
}

func (v *credentialVault) Take(ctx context.Context, ref string) (string, error) {
	value, err := v.client.GetDel(ctx, v.key(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("take credential: %w", err)
	}

	if v.encryptionKey == "" {
		return value, nil
	}
	credential, err := util.Open(v.encryptionKey, value, ref)
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	return credential, nil
}

func (v *credentialVault) Discard(ctx context.Context, ref string) error {
	if err := v.client.Del(ctx, v.key(ref)).Err(); err != nil {
		return fmt.Errorf("discard credential: %w", err)
	}
	return nil
}
