// Package config contains the hyperipc Config and the code to load it from
// flags, environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/rpc"
)

const envPrefix = "HYPERIPC"

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	IPC     IPCConfig     `mapstructure:"ipc"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	// Level is one of trace, debug, info, warn, error or off.
	Level string `mapstructure:"level"`
	// File receives logs instead of stdout when set.
	File string `mapstructure:"file"`
}

type IPCConfig struct {
	// MainHandle is the socket of the primary instance.
	MainHandle string `mapstructure:"main_handle"`
	// SharedHandle is the socket the shared process serves on.
	SharedHandle      string        `mapstructure:"shared_handle"`
	ReconnectGrace    time.Duration `mapstructure:"reconnect_grace"`
	MaxFrameSize      int           `mapstructure:"max_frame_size"`
	CompressThreshold int           `mapstructure:"compress_threshold"`
}

// Framer returns the framer settings for every transport.
func (c IPCConfig) Framer() rpc.FramerConfig {
	return rpc.FramerConfig{
		MaxFrameSize:      c.MaxFrameSize,
		CompressThreshold: c.CompressThreshold,
	}
}

type RemoteConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

func defaults() map[string]any {
	dir := runtimeDir()
	return map[string]any{
		"log.level":              "info",
		"log.file":               "",
		"ipc.main_handle":        filepath.Join(dir, "hyperipc-main.sock"),
		"ipc.shared_handle":      filepath.Join(dir, "hyperipc-shared.sock"),
		"ipc.reconnect_grace":    rpc.DefaultReconnectGrace,
		"ipc.max_frame_size":     rpc.DefaultMaxFrameSize,
		"ipc.compress_threshold": 64 * 1024,
		"remote.idle_timeout":    5 * time.Second,
		"metrics.enabled":        false,
		"metrics.address":        "127.0.0.1:9464",
	}
}

var flagKeys = []string{
	"log.level", "log.file", "ipc.main_handle", "ipc.shared_handle", "ipc.reconnect_grace",
	"metrics.enabled", "metrics.address",
}

// DefineFlags adds the config flags to cmd as persistent flags.
func DefineFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	cmd.PersistentFlags().StringP("log.level", "", "info", "set the log level: trace, debug, info, warn, error or off")
	cmd.PersistentFlags().StringP("log.file", "", "", "optional log file - if not specified logs go to STDOUT")
	cmd.PersistentFlags().StringP("ipc.main_handle", "", "", "socket path of the primary instance")
	cmd.PersistentFlags().StringP("ipc.shared_handle", "", "", "socket path of the shared process")
	cmd.PersistentFlags().DurationP("ipc.reconnect_grace", "", rpc.DefaultReconnectGrace, "how long a dropped session may be resumed")
	cmd.PersistentFlags().BoolP("metrics.enabled", "", false, "enable Prometheus metrics endpoint")
	cmd.PersistentFlags().StringP("metrics.address", "", "127.0.0.1:9464", "address of the metrics endpoint")
}

// Loader reads Config and can watch its file for changes.
type Loader struct {
	v    *viper.Viper
	file string

	mu       sync.Mutex
	watching bool
}

// NewLoader binds the flags of cmd (when not nil) and the HYPERIPC_
// environment. Flags that were not set fall back to the file, then to the
// defaults.
func NewLoader(cmd *cobra.Command, configFile string) *Loader {
	v := viper.NewWithOptions(viper.WithDecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)))

	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for _, key := range flagKeys {
			flag := cmd.Flags().Lookup(key)
			if flag == nil {
				flag = cmd.PersistentFlags().Lookup(key)
			}
			if flag != nil {
				_ = v.BindPFlag(key, flag)
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	return &Loader{v: v, file: configFile}
}

// Load reads the config file, when one was given, and decodes the result.
func (l *Loader) Load() (Config, error) {
	if l.file != "" {
		if err := l.v.ReadInConfig(); err != nil {
			var notFound *os.PathError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("error reading config file %s: %w", l.file, err)
			}
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	conf := Config{}
	if err := l.v.Unmarshal(&conf); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// Watch calls fn with the new config every time the config file changes.
// Invalid files are reported through fn's error and otherwise ignored.
func (l *Loader) Watch(fn func(Config, error)) error {
	if l.file == "" {
		return errors.New("no config file to watch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watching {
		return errors.New("already watching")
	}
	l.watching = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
	return nil
}

func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.IPC.MainHandle == "" {
		return errors.New("ipc.main_handle is required")
	}
	if c.IPC.ReconnectGrace < 0 {
		return fmt.Errorf("ipc.reconnect_grace must not be negative, got %s", c.IPC.ReconnectGrace)
	}
	if c.IPC.MaxFrameSize <= 0 {
		return fmt.Errorf("ipc.max_frame_size must be positive, got %d", c.IPC.MaxFrameSize)
	}
	if c.Remote.IdleTimeout <= 0 {
		return fmt.Errorf("remote.idle_timeout must be positive, got %s", c.Remote.IdleTimeout)
	}
	return nil
}

// LogLevel returns the parsed log level. Validate has already checked it.
func (c Config) LogLevel() log.Level {
	level, _ := log.ParseLevel(c.Log.Level)
	return level
}
