package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                  int    `env:"PORT" envDefault:"8080"`
	DatabaseURL           string `env:"DATABASE_URL,required"`
	RedisURL              string `env:"REDIS_URL,required"`
	RedisKeyPrefix        string `env:"REDIS_KEY_PREFIX" envDefault:"link:"`
	CredentialSigningKey  string `env:"CREDENTIAL_SIGNING_KEY,required"`
	CredentialIssuer      string `env:"CREDENTIAL_ISSUER" envDefault:"link-server"`
	CredentialTTLSeconds  int    `env:"CREDENTIAL_TTL_SECONDS" envDefault:"3600"`
	AccountTokenSecret    string `env:"ACCOUNT_TOKEN_SECRET"`
	AccountJWKSURL        string `env:"ACCOUNT_JWKS_URL"`
	AccountTokenIssuer    string `env:"ACCOUNT_TOKEN_ISSUER"`
	EncryptionKey         string `env:"ENCRYPTION_KEY"`
	PlanCacheTTLSeconds   int    `env:"PLAN_CACHE_TTL_SECONDS" envDefault:"30"`
	CreateRateLimitPerMin int    `env:"CREATE_RATE_LIMIT_PER_MIN" envDefault:"20"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) CredentialTTL() time.Duration {
	return time.Duration(c.CredentialTTLSeconds) * time.Second
}

func (c *Config) PlanCacheTTL() time.Duration {
	return time.Duration(c.PlanCacheTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.AccountTokenSecret == "" && c.AccountJWKSURL == "" {
		return fmt.Errorf("one of ACCOUNT_TOKEN_SECRET or ACCOUNT_JWKS_URL must be set")
	}

	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (generate with: openssl rand -hex 32)")
		}
	}

	if c.CredentialTTLSeconds <= 0 {
		return fmt.Errorf("CREDENTIAL_TTL_SECONDS must be positive")
	}

	if isProduction {
		if err := validateSecret("CREDENTIAL_SIGNING_KEY", c.CredentialSigningKey); err != nil {
			return err
		}
		if c.AccountTokenSecret != "" {
			if err := validateSecret("ACCOUNT_TOKEN_SECRET", c.AccountTokenSecret); err != nil {
				return err
			}
		}

		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: minted credentials are held in redis unencrypted")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
