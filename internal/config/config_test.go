package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/rpc"
)

func TestDefaults(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	conf, err := NewLoader(nil, "").Load()
	require.NoError(t, err)

	assert.Equal(t, "info", conf.Log.Level)
	assert.Equal(t, log.InfoLevel, conf.LogLevel())
	assert.Equal(t, "/run/user/1000/hyperipc-main.sock", conf.IPC.MainHandle)
	assert.Equal(t, "/run/user/1000/hyperipc-shared.sock", conf.IPC.SharedHandle)
	assert.Equal(t, rpc.DefaultReconnectGrace, conf.IPC.ReconnectGrace)
	assert.Equal(t, rpc.DefaultMaxFrameSize, conf.IPC.MaxFrameSize)
	assert.Equal(t, 5*time.Second, conf.Remote.IdleTimeout)
	assert.False(t, conf.Metrics.Enabled)
	assert.Equal(t, rpc.FramerConfig{MaxFrameSize: rpc.DefaultMaxFrameSize, CompressThreshold: 64 * 1024}, conf.IPC.Framer())
}

func TestFileEnvAndFlags(t *testing.T) {
	file := filepath.Join(t.TempDir(), "hyperipc.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
log:
  level: debug
ipc:
  main_handle: /tmp/from-file.sock
  reconnect_grace: 12s
remote:
  idle_timeout: 2s
metrics:
  enabled: true
`), 0o600))

	t.Setenv("HYPERIPC_REMOTE_IDLE_TIMEOUT", "750ms")
	t.Setenv("HYPERIPC_METRICS_ADDRESS", ":9999")

	cmd := &cobra.Command{Use: "test"}
	DefineFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--ipc.main_handle", "/tmp/from-flag.sock"}))

	conf, err := NewLoader(cmd, file).Load()
	require.NoError(t, err)

	assert.Equal(t, log.DebugLevel, conf.LogLevel())
	assert.Equal(t, "/tmp/from-flag.sock", conf.IPC.MainHandle)
	assert.Equal(t, 12*time.Second, conf.IPC.ReconnectGrace)
	assert.Equal(t, 750*time.Millisecond, conf.Remote.IdleTimeout)
	assert.True(t, conf.Metrics.Enabled)
	assert.Equal(t, ":9999", conf.Metrics.Address)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	conf, err := NewLoader(nil, filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, "info", conf.Log.Level)
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("HYPERIPC_LOG_LEVEL", "chatty")
	_, err := NewLoader(nil, "").Load()
	assert.ErrorContains(t, err, "unknown log level")

	t.Setenv("HYPERIPC_LOG_LEVEL", "info")
	t.Setenv("HYPERIPC_IPC_RECONNECT_GRACE", "soon")
	_, err = NewLoader(nil, "").Load()
	assert.ErrorContains(t, err, "error unmarshaling config")
}

func TestValidate(t *testing.T) {
	valid := Config{
		Log:    LogConfig{Level: "warn"},
		IPC:    IPCConfig{MainHandle: "/tmp/a.sock", MaxFrameSize: 1024},
		Remote: RemoteConfig{IdleTimeout: time.Second},
	}
	require.NoError(t, valid.Validate())

	c := valid
	c.IPC.MainHandle = ""
	assert.Error(t, c.Validate())

	c = valid
	c.IPC.ReconnectGrace = -time.Second
	assert.Error(t, c.Validate())

	c = valid
	c.IPC.MaxFrameSize = 0
	assert.Error(t, c.Validate())

	c = valid
	c.Remote.IdleTimeout = 0
	assert.Error(t, c.Validate())
}

func TestWatch(t *testing.T) {
	file := filepath.Join(t.TempDir(), "hyperipc.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log:\n  level: info\n"), 0o600))

	loader := NewLoader(nil, file)
	_, err := loader.Load()
	require.NoError(t, err)

	var mu sync.Mutex
	var levels []string
	require.NoError(t, loader.Watch(func(conf Config, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		levels = append(levels, conf.Log.Level)
		mu.Unlock()
	}))
	assert.Error(t, loader.Watch(func(Config, error) {}))

	require.NoError(t, os.WriteFile(file, []byte("log:\n  level: trace\n"), 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "trace"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchWithoutFile(t *testing.T) {
	assert.Error(t, NewLoader(nil, "").Watch(func(Config, error) {}))
}
