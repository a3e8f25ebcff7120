// Package config resolves runtime configuration from CLI flags and the
// environment. Invalid security-critical values are startup-fatal.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/fidarail/fida/crypto/envelope"
	"github.com/fidarail/fida/crypto/keys"
)

// Flags defines every runtime flag; each one is bound to the environment
// variable the deployment contract names.
var Flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "http-addr",
		Usage:   "Address for the HTTP listener",
		Value:   ":8080",
		EnvVars: []string{"FIDA_HTTP_ADDR"},
	},
	&cli.StringFlag{
		Name:     "database-url",
		Usage:    "Postgres connection string",
		Required: true,
		EnvVars:  []string{"DATABASE_URL"},
	},
	&cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Optional Redis URL for the shared-cache rate limiter",
		EnvVars: []string{"REDIS_URL"},
	},
	&cli.StringFlag{
		Name:     "master-key",
		Usage:    "32-byte base64url master key for the at-rest envelope",
		Required: true,
		EnvVars:  []string{"FIDA_MASTER_KEY_B64"},
	},
	&cli.StringFlag{
		Name:     "bootstrap-token",
		Usage:    "Token required by the one-shot bootstrap endpoint",
		Required: true,
		EnvVars:  []string{"FIDA_BOOTSTRAP_TOKEN"},
	},
	&cli.IntFlag{
		Name:    "rate-limit-burst",
		Usage:   "Requests allowed per API key per second",
		Value:   40,
		EnvVars: []string{"FIDA_RATE_LIMIT_BURST"},
	},
	&cli.IntFlag{
		Name:    "checkpoint-batch",
		Usage:   "Events per Merkle checkpoint",
		Value:   5000,
		EnvVars: []string{"FIDA_CHECKPOINT_BATCH"},
	},
	&cli.Int64Flag{
		Name:    "max-body-bytes",
		Usage:   "Hard cap on request body size",
		Value:   200000,
		EnvVars: []string{"FIDA_MAX_BODY_BYTES"},
	},
	&cli.StringFlag{
		Name:    "allowed-origins",
		Usage:   "Comma-separated CORS origins, * for any",
		Value:   "*",
		EnvVars: []string{"FIDA_ALLOWED_ORIGINS"},
	},
	&cli.DurationFlag{
		Name:    "db-timeout",
		Usage:   "Deadline applied to database operations",
		Value:   5 * time.Second,
		EnvVars: []string{"FIDA_DB_TIMEOUT"},
	},
}

// Config is the resolved runtime configuration.
type Config struct {
	HTTPAddr        string
	DatabaseURL     string
	RedisURL        string
	MasterKey       []byte
	BootstrapToken  string
	RateLimitBurst  int
	CheckpointBatch int
	MaxBodyBytes    int64
	AllowedOrigins  []string
	DBTimeout       time.Duration
}

// Load validates and assembles the configuration from a CLI context.
func Load(cliCtx *cli.Context) (*Config, error) {
	masterKey, err := keys.B64UDecode(cliCtx.String("master-key"))
	if err != nil {
		return nil, errors.Wrap(err, "FIDA_MASTER_KEY_B64")
	}
	if len(masterKey) != envelope.MasterKeyLength {
		return nil, errors.Wrapf(envelope.ErrMasterKeyLength, "FIDA_MASTER_KEY_B64 is %d bytes", len(masterKey))
	}
	if cliCtx.String("bootstrap-token") == "" {
		return nil, errors.New("FIDA_BOOTSTRAP_TOKEN must not be empty")
	}
	if cliCtx.Int("rate-limit-burst") < 1 {
		return nil, errors.New("FIDA_RATE_LIMIT_BURST must be >= 1")
	}
	if cliCtx.Int("checkpoint-batch") < 1 {
		return nil, errors.New("FIDA_CHECKPOINT_BATCH must be >= 1")
	}
	if cliCtx.Int64("max-body-bytes") < 1 {
		return nil, errors.New("FIDA_MAX_BODY_BYTES must be >= 1")
	}
	return &Config{
		HTTPAddr:        cliCtx.String("http-addr"),
		DatabaseURL:     cliCtx.String("database-url"),
		RedisURL:        cliCtx.String("redis-url"),
		MasterKey:       masterKey,
		BootstrapToken:  cliCtx.String("bootstrap-token"),
		RateLimitBurst:  cliCtx.Int("rate-limit-burst"),
		CheckpointBatch: cliCtx.Int("checkpoint-batch"),
		MaxBodyBytes:    cliCtx.Int64("max-body-bytes"),
		AllowedOrigins:  SplitOrigins(cliCtx.String("allowed-origins")),
		DBTimeout:       cliCtx.Duration("db-timeout"),
	}, nil
}

// SplitOrigins parses the comma-separated origin list; empty input means any
// origin.
func SplitOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return []string{"*"}
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
