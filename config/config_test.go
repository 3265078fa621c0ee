package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_PoolConfigDefaults(t *testing.T) {
	cfg, err := Load[PoolConfig]()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.MaxConnections)
	assert.Equal(t, 0.3, cfg.MinHealth)
	assert.Equal(t, 5*time.Second, cfg.PublishAckTimeout)
	assert.True(t, cfg.AutoDiscoverRelays)
}

func TestLoad_PoolConfigFromEnv(t *testing.T) {
	t.Setenv("MAX_CONNECTIONS", "8")
	t.Setenv("MIN_HEALTH", "0.5")

	cfg, err := Load[PoolConfig]()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Equal(t, 0.5, cfg.MinHealth)
}

func TestPoolConfig_ToPoolConfig(t *testing.T) {
	c := PoolConfig{MaxConnections: 10, MinHealth: 0.4, AutoDiscoverRelays: false}
	connCfg := ResilienceConfig{}.ToConnectionConfig()
	pc := c.ToPoolConfig(connCfg)
	assert.Equal(t, 10, pc.MaxConnections)
	assert.Equal(t, 0.4, pc.MinHealth)
	assert.False(t, pc.AutoDiscoverRelays)
	assert.Equal(t, connCfg, pc.ConnectionConfig)
}

func TestCacheConfig_ToCacheConfig_MemoryOnlyByDefault(t *testing.T) {
	c := CacheConfig{MaxMemoryEvents: 100}
	cc := c.ToCacheConfig()
	assert.Equal(t, 100, cc.MaxMemoryEvents)
	assert.Nil(t, cc.Disk)
}

func TestCacheConfig_ToCacheConfig_DiskEnabled(t *testing.T) {
	c := CacheConfig{MaxMemoryEvents: 100, DiskDir: "/tmp/relaykit-cache", DiskMaxSize: 1024}
	cc := c.ToCacheConfig()
	require.NotNil(t, cc.Disk)
	assert.Equal(t, "/tmp/relaykit-cache", cc.Disk.Dir)
	assert.EqualValues(t, 1024, cc.Disk.MaxSize)
}

func TestOverlayConfig_RateLimiter(t *testing.T) {
	o := OverlayConfig{RateLimitPerMinute: 10}
	rl := o.RateLimiter()
	assert.True(t, rl.Allow())
}

func TestLoadRelayListFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.yaml")
	doc := "relays:\n" +
		"  - url: wss://relay.one\n" +
		"    read: true\n" +
		"    write: true\n" +
		"    primary: true\n" +
		"  - url: wss://relay.two\n" +
		"    read: true\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	list, err := LoadRelayListFile(path)
	require.NoError(t, err)
	require.Len(t, list.Relays, 2)
	assert.Equal(t, "wss://relay.one", list.Relays[0].URL)
	assert.True(t, list.Relays[0].Write)
	assert.True(t, list.Relays[0].Primary)
	assert.Equal(t, "wss://relay.two", list.Relays[1].URL)
	assert.False(t, list.Relays[1].Write)
}

func TestLoadRelayListFile_MissingFile(t *testing.T) {
	_, err := LoadRelayListFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
