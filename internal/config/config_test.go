package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "random", string(cfg.Runtime.Strategy))
	assert.Equal(t, 60, cfg.Runtime.RefreshIntervalMin)
}

func TestLoad_OverlaysPersistedDocument(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "runtime.json")
	require.NoError(t, os.WriteFile(docPath, []byte(`{"strategy":"high","rpm_limit":42}`), 0o600))

	cfg, err := Load("", docPath)
	require.NoError(t, err)
	assert.Equal(t, "high", string(cfg.Runtime.Strategy))
	assert.EqualValues(t, 42, cfg.Runtime.RPMLimit)
}

func TestSanitize_RedactsSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Runtime.ProxyAPIToken = "secret-token"
	cfg.Runtime.AdminPassword = "hunter2"

	sanitized := Sanitize(cfg)
	assert.Equal(t, redactionValue, sanitized.Runtime.ProxyAPIToken)
	assert.Equal(t, redactionValue, sanitized.Runtime.AdminPassword)
	assert.Equal(t, "secret-token", cfg.Runtime.ProxyAPIToken, "original must be untouched")
}
