package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, LedgerModeEmbedded, cfg.Ledger.Mode)
	assert.Equal(t, ContentModeLevelDB, cfg.Content.Mode)
	assert.Equal(t, int64(10<<20), cfg.Content.MaxUploadBytes)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Ledger())
	assert.Equal(t, 15*time.Second, cfg.Timeouts.Content())
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL())
	assert.Equal(t, AuditSinkLog, cfg.Audit.Sink)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("NUVORA_TIMEOUTS_LEDGER_MS", "2500")
	t.Setenv("NUVORA_AUTH_SESSION_SECRET", "from-prefixed-env")
	t.Setenv("PORT", "9443")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, cfg.Timeouts.Ledger())
	assert.Equal(t, "from-prefixed-env", cfg.Auth.SessionSecret)
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
content:
  mode: pinata
  pinata_jwt: token
cache:
  size: 64
`), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, ContentModePinata, cfg.Content.Mode)
	assert.Equal(t, "token", cfg.Content.PinataJWT)
	assert.Equal(t, 64, cfg.Cache.Size)
}

func TestValidate(t *testing.T) {
	t.Run("fabric mode requires credentials", func(t *testing.T) {
		t.Setenv("NUVORA_LEDGER_MODE", "fabric")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("pinata mode requires keys", func(t *testing.T) {
		t.Setenv("NUVORA_CONTENT_MODE", "pinata")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("postgres audit sink requires a password", func(t *testing.T) {
		t.Setenv("NUVORA_AUDIT_SINK", "postgres")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("unknown ledger mode", func(t *testing.T) {
		t.Setenv("NUVORA_LEDGER_MODE", "carrier-pigeon")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}
