package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holytunnel/holytunnel/internal/ptr"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}

	assert.Equal(t, "127.0.0.1", cfg.GetListenAddr())
	assert.Equal(t, 8007, cfg.GetListenPort())
	assert.Equal(t, 1024, cfg.GetPoolCapacity())
	assert.Equal(t, 8192, cfg.GetBufferSize())
	assert.Equal(t, "8.8.8.8:53", cfg.DNSServer())
	assert.False(t, cfg.GetEnableDOH())
	assert.Equal(t, DefaultDOHEndpoint, cfg.GetDOHEndpoint())
	assert.Equal(t, 32, cfg.GetCacheShards())
	assert.Equal(t, 10*time.Second, cfg.GetHeaderTimeout())
	assert.Equal(t, 3*time.Second, cfg.GetResolveTimeout())
	assert.Equal(t, time.Duration(0), cfg.GetIdleTimeout())
	assert.Positive(t, cfg.GetWorkers())
}

func TestWorkersDefaultsToCPUCount(t *testing.T) {
	cfg := &Config{Workers: ptr.FromValue(0)}
	assert.Positive(t, cfg.GetWorkers())

	cfg = &Config{Workers: ptr.FromValue(3)}
	assert.Equal(t, 3, cfg.GetWorkers())
}

func TestMerge(t *testing.T) {
	base := &Config{
		ListenPort: ptr.FromValue(9000),
		DNSAddr:    ptr.FromValue("1.1.1.1"),
		Debug:      ptr.FromValue(true),
	}

	over := &Config{
		ListenPort: ptr.FromValue(8080),
		EnableDOH:  ptr.FromValue(true),
	}

	merged := over.Merge(base)

	// Overlay wins.
	assert.Equal(t, 8080, merged.GetListenPort())
	// Base fills the gaps.
	assert.Equal(t, "1.1.1.1", merged.GetDNSAddr())
	assert.True(t, merged.GetDebug())
	// Overlay-only fields survive.
	assert.True(t, merged.GetEnableDOH())
	// Untouched fields keep their defaults.
	assert.Equal(t, "127.0.0.1", merged.GetListenAddr())
}

func TestMergeNilBase(t *testing.T) {
	over := &Config{ListenPort: ptr.FromValue(8080)}
	merged := over.Merge(nil)

	assert.Equal(t, 8080, merged.GetListenPort())
}

func TestMergeDoesNotAlias(t *testing.T) {
	base := &Config{ListenPort: ptr.FromValue(9000)}
	merged := (&Config{}).Merge(base)

	*merged.ListenPort = 1
	assert.Equal(t, 9000, *base.ListenPort)
}

func TestTimeoutZeroDisables(t *testing.T) {
	cfg := &Config{HeaderTimeoutMs: ptr.FromValue(0)}
	assert.Equal(t, time.Duration(0), cfg.GetHeaderTimeout())

	cfg = &Config{HeaderTimeoutMs: ptr.FromValue(250)}
	assert.Equal(t, 250*time.Millisecond, cfg.GetHeaderTimeout())
}

func TestFromTomlFile(t *testing.T) {
	tomlContent := `
listen-addr = "0.0.0.0"
listen-port = 3128
workers = 2
enable-doh = true
doh-endpoint = "https://cloudflare-dns.com/dns-query"
idle-timeout = 60000
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "holytunnel.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(tomlContent), 0o644))

	cfg, err := fromTomlFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.GetListenAddr())
	assert.Equal(t, 3128, cfg.GetListenPort())
	assert.Equal(t, 2, cfg.GetWorkers())
	assert.True(t, cfg.GetEnableDOH())
	assert.Equal(t, "https://cloudflare-dns.com/dns-query", cfg.GetDOHEndpoint())
	assert.Equal(t, time.Minute, cfg.GetIdleTimeout())

	// Unset fields fall back to defaults.
	assert.Equal(t, 8192, cfg.GetBufferSize())
}

func TestSearchTomlFileCustomPathMissing(t *testing.T) {
	_, err := searchTomlFile("/nonexistent/holytunnel.toml")
	assert.Error(t, err)
}

func TestSearchTomlFileCustomPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "holytunnel.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(""), 0o644))

	found, err := searchTomlFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, configPath, found)
}
