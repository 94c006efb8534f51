package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen:
  address: ":9090"
backends:
  - name: vllm-a
    address: http://10.0.0.1:8000
    model: llama-3-8b
    weight: 200
  - name: vllm-b
    address: http://10.0.0.2:8000
    model: llama-3-8b
cache:
  enabled: true
  type: memory
  ttl: "90s"
auth:
  apiKeys:
    - key: sk-test-1
      principal: user-1
      tier: basic
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen.Address)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "vllm-a", cfg.Backends[0].Name)
	assert.Equal(t, 200, cfg.Backends[0].Weight)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL.Duration())
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	// Omitted fields fall back to defaults.
	assert.Equal(t, DefaultBackendWeight, cfg.Backends[1].Weight)
	assert.Equal(t, DefaultMaxInFlight, cfg.Backends[1].MaxInFlight)
	assert.Equal(t, 50, cfg.CircuitBreaker.WindowSize)
	assert.Equal(t, 60, cfg.RateLimit.Tiers["basic"].PerMinute)
	assert.Equal(t, 10*time.Second, cfg.Probes.Interval.Duration())
}

func TestLoad_EnvSubstitution(t *testing.T) {
	t.Setenv("BACKEND_ADDR", "http://10.1.2.3:8000")

	content := strings.ReplaceAll(sampleConfig,
		"http://10.0.0.1:8000", "${BACKEND_ADDR}")
	content = strings.ReplaceAll(content,
		"http://10.0.0.2:8000", "${MISSING_ADDR:-http://10.9.9.9:8000}")

	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, "http://10.1.2.3:8000", cfg.Backends[0].Address)
	assert.Equal(t, "http://10.9.9.9:8000", cfg.Backends[1].Address)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "backends: [}"))
	assert.Error(t, err)
}

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	assert.Len(t, cfg.Backends, 2)
}

func TestDuration_Roundtrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1h30m"`)))
	assert.Equal(t, 90*time.Minute, d.Duration())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1h30m0s"`, string(out))

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Equal(t, time.Duration(0), d.Duration())
}
