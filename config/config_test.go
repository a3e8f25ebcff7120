package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/fidarail/fida/crypto/keys"
)

func loadWithArgs(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var loadErr error
	app := &cli.App{
		Flags: Flags,
		Action: func(cliCtx *cli.Context) error {
			cfg, loadErr = Load(cliCtx)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"fida"}, args...)))
	return cfg, loadErr
}

func validArgs(extra ...string) []string {
	masterKey := keys.B64U(bytes.Repeat([]byte{0x11}, 32))
	base := []string{
		"--database-url", "postgres://localhost/fida",
		"--master-key", masterKey,
		"--bootstrap-token", "tok",
	}
	return append(base, extra...)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadWithArgs(t, validArgs()...)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 40, cfg.RateLimitBurst)
	assert.Equal(t, 5000, cfg.CheckpointBatch)
	assert.Equal(t, int64(200000), cfg.MaxBodyBytes)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.DBTimeout)
	assert.Len(t, cfg.MasterKey, 32)
}

func TestLoad_BadMasterKey(t *testing.T) {
	_, err := loadWithArgs(t,
		"--database-url", "postgres://localhost/fida",
		"--master-key", keys.B64U([]byte("short")),
		"--bootstrap-token", "tok")
	assert.Error(t, err)
}

func TestLoad_BadBounds(t *testing.T) {
	_, err := loadWithArgs(t, validArgs("--rate-limit-burst", "0")...)
	assert.Error(t, err)
	_, err = loadWithArgs(t, validArgs("--checkpoint-batch", "0")...)
	assert.Error(t, err)
	_, err = loadWithArgs(t, validArgs("--max-body-bytes", "0")...)
	assert.Error(t, err)
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, SplitOrigins(""))
	assert.Equal(t, []string{"*"}, SplitOrigins("*"))
	assert.Equal(t, []string{"*"}, SplitOrigins(" , "))
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		SplitOrigins(" https://a.example, https://b.example "))
}
