package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "STUDYSYNC_TRANSPORT", "NATS_URL", "STUDYSYNC_STATS_DB", "STUDYSYNC_AUTO_BREAKS"} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "nats", cfg.Transport)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, "studysync.db", cfg.StatsPath)
	assert.False(t, cfg.Protocol.AutoChainBreaks)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("STUDYSYNC_TRANSPORT", "memory")
	t.Setenv("STUDYSYNC_STATS_DB", "")
	t.Setenv("STUDYSYNC_AUTO_BREAKS", "true")

	cfg := FromEnv()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "memory", cfg.Transport)
	assert.Equal(t, "studysync.db", cfg.StatsPath, "empty env falls back to default")
	assert.True(t, cfg.Protocol.AutoChainBreaks)
}

func TestSessionConfig_DefaultsWhenUnset(t *testing.T) {
	cfg := Config{}
	sc := cfg.SessionConfig()

	assert.Equal(t, 5*time.Second, sc.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, sc.StalenessTimeout)
	assert.Equal(t, 5*time.Second, sc.SweepInterval)
	assert.Equal(t, time.Second, sc.TickInterval)
	assert.Equal(t, 4, sc.Timer.LongBreakEvery)
}

func TestSessionConfig_AppliesProtocolTuning(t *testing.T) {
	cfg := Config{Protocol: Protocol{
		HeartbeatSeconds: 2,
		StalenessSeconds: 6,
		SweepSeconds:     2,
		TickSeconds:      1,
		AutoChainBreaks:  true,
		LongBreakEvery:   3,
	}}
	sc := cfg.SessionConfig()

	assert.Equal(t, 2*time.Second, sc.HeartbeatInterval)
	assert.Equal(t, 6*time.Second, sc.StalenessTimeout)
	assert.True(t, sc.Timer.AutoChainBreaks)
	assert.Equal(t, 3, sc.Timer.LongBreakEvery)
}

func TestLoadProtocolFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studysync.yaml")
	data := []byte("heartbeat_seconds: 3\nstaleness_seconds: 9\nauto_chain_breaks: true\nlong_break_every: 2\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := FromEnv()
	require.NoError(t, cfg.LoadProtocolFile(path))

	assert.Equal(t, 3, cfg.Protocol.HeartbeatSeconds)
	assert.Equal(t, 9, cfg.Protocol.StalenessSeconds)
	assert.True(t, cfg.Protocol.AutoChainBreaks)
	assert.Equal(t, 2, cfg.Protocol.LongBreakEvery)
}

func TestLoadProtocolFile_Missing(t *testing.T) {
	cfg := FromEnv()
	assert.Error(t, cfg.LoadProtocolFile("/nonexistent/studysync.yaml"))
}
