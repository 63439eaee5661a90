package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindling-ai/kindling/internal/config"
	"github.com/kindling-ai/kindling/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.ManifestsDir = filepath.Join(dir, "manifests")
	cfg.Gateway.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Logging.Console = false
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestDaemon_StartStop(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())

	st := d.Status()
	assert.True(t, st.Running)
	assert.Equal(t, os.Getpid(), st.PID)

	// PID file exists while running
	_, err = os.Stat(filepath.Join(cfg.DataDir, "kindling.pid"))
	assert.NoError(t, err)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)

	// PID file removed on shutdown
	_, err = os.Stat(filepath.Join(cfg.DataDir, "kindling.pid"))
	assert.True(t, os.IsNotExist(err))

	// Stop is idempotent
	assert.NoError(t, d.Stop())
}

func TestDaemon_DoubleStartRejected(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Error(t, d.Start())
}

func TestDaemon_ManifestSyncOnStart(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.ManifestsDir, 0755))

	manifest := `{"provider":"anthropic","model":"claude-sonnet-4-20250514","system_prompt":"hi"}`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ManifestsDir, "helper.json"), []byte(manifest), 0644))

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := d.configs.Get(d.ctx, "helper"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("manifest was not imported")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemon_InvalidConfigRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.IdleTTL = 0

	_, err := New(cfg, testLogger(t))
	assert.Error(t, err)
}
