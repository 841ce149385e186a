package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/syncflow/link-server/internal/model"
)

// ScheduledDeletion identifies a session due for removal.
type ScheduledDeletion struct {
	Version model.ProtocolVersion
	Token   string
	DueAt   time.Time
}

// DeletionQueue is a durable schedule of session deletions, kept in a sorted
// set scored by due time so that pending deletions survive restarts.
type DeletionQueue interface {
	Schedule(ctx context.Context, version model.ProtocolVersion, token string, at time.Time) error
	Due(ctx context.Context, now time.Time, limit int64) ([]ScheduledDeletion, error)
	Remove(ctx context.Context, version model.ProtocolVersion, token string) error
}

type deletionQueue struct {
	client    *redis.Client
	keyPrefix string
}

func NewDeletionQueue(client *redis.Client, keyPrefix string) DeletionQueue {
	return &deletionQueue{client: client, keyPrefix: keyPrefix}
}

func (q *deletionQueue) key() string {
	return q.keyPrefix + "deletions"
}

func deletionMember(version model.ProtocolVersion, token string) string {
	return version.Namespace() + ":" + token
}

func parseDeletionMember(member string) (model.ProtocolVersion, string, bool) {
	ns, token, ok := strings.Cut(member, ":")
	if !ok || token == "" || !strings.HasPrefix(ns, "v") {
		return 0, "", false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(ns, "v"))
	if err != nil {
		return 0, "", false
	}
	version := model.ProtocolVersion(n)
	if !version.Valid() {
		return 0, "", false
	}
	return version, token, true
}

func (q *deletionQueue) Schedule(ctx context.Context, version model.ProtocolVersion, token string, at time.Time) error {
	err := q.client.ZAdd(ctx, q.key(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: deletionMember(version, token),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule deletion: %w", err)
	}
	return nil
}

// Due returns up to limit entries whose due time is at or before now.
// Unparseable members are dropped from the queue.
func (q *deletionQueue) Due(ctx context.Context, now time.Time, limit int64) ([]ScheduledDeletion, error) {
	results, err := q.client.ZRangeByScoreWithScores(ctx, q.key(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read due deletions: %w", err)
	}

	due := make([]ScheduledDeletion, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		version, token, ok := parseDeletionMember(member)
		if !ok {
			q.client.ZRem(ctx, q.key(), z.Member)
			continue
		}
		due = append(due, ScheduledDeletion{
			Version: version,
			Token:   token,
			DueAt:   time.UnixMilli(int64(z.Score)),
		})
	}
	return due, nil
}

func (q *deletionQueue) Remove(ctx context.Context, version model.ProtocolVersion, token string) error {
	if err := q.client.ZRem(ctx, q.key(), deletionMember(version, token)).Err(); err != nil {
		return fmt.Errorf("remove deletion: %w", err)
	}
	return nil
}
