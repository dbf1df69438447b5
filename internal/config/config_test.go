package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// reset clears viper's global state so tests do not leak into each other.
func reset(t *testing.T) {
	t.Helper()
	viper.Reset()
	cfg = nil
	configPathOverride = ""
	t.Cleanup(func() {
		viper.Reset()
		cfg = nil
		configPathOverride = ""
	})
}

// chdir changes the working directory for the test, restoring it on
// cleanup (t.Chdir requires Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestDefaultsWithoutConfigFile(t *testing.T) {
	reset(t)
	chdir(t, t.TempDir())

	require.NoError(t, Init())
	c := Get()
	require.Equal(t, DefaultConfig, *c)
	require.Equal(t, 8555, c.Server.Port)
	require.Equal(t, "0.0.0.0", c.Server.BindAddress)
	require.Equal(t, 3, c.Devices.NumTrackers)
	require.True(t, c.Devices.WithHMD)
	require.False(t, c.Metrics.Enabled)
}

func TestExplicitConfigFile(t *testing.T) {
	reset(t)

	path := filepath.Join(t.TempDir(), "vtrackd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9000
bind_address = "127.0.0.1"

[devices]
num_trackers = 1
with_hmd = false

[metrics]
enabled = true
address = "127.0.0.1:9000"

[logging]
log_level = "debug"
`), 0o644))

	SetConfigPath(path)
	require.NoError(t, Init())
	c := Get()
	require.Equal(t, 9000, c.Server.Port)
	require.Equal(t, "127.0.0.1", c.Server.BindAddress)
	require.Equal(t, 1, c.Devices.NumTrackers)
	require.False(t, c.Devices.WithHMD)
	require.True(t, c.Metrics.Enabled)
	require.Equal(t, "debug", c.Logging.LogLevel)

	// Unset keys keep their defaults.
	require.Equal(t, DefaultConfig.Server.Backlog, c.Server.Backlog)
	require.Equal(t, DefaultConfig.Devices.NumButtons, c.Devices.NumButtons)
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	reset(t)
	SetConfigPath(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, Init())
}

func TestInvalidConfigFile(t *testing.T) {
	reset(t)
	path := filepath.Join(t.TempDir(), "vtrackd.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o644))
	SetConfigPath(path)
	require.Error(t, Init())
}

func TestGetFallsBackToDefaults(t *testing.T) {
	reset(t)
	SetConfigPath(filepath.Join(t.TempDir(), "missing.toml"))
	c := Get()
	require.Equal(t, DefaultConfig, *c)
}
