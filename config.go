package wsys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/glycerine/wsys/wire"
)

// Config holds the startup parameters of a Server or Client.
// The zero value is not useful; start from NewConfig.
type Config struct {

	// SocketDir is where the server puts its rendezvous
	// socket, named wsys-<pid>. Defaults to $XDG_RUNTIME_DIR,
	// else os.TempDir().
	SocketDir string `yaml:"socket_dir"`

	// SocketPath overrides the derived path entirely. A
	// client must set it (or ServerPid) to find a server.
	SocketPath string `yaml:"socket_path"`

	// ServerPid lets a client derive the server's path
	// from SocketDir the same way the server did.
	ServerPid int `yaml:"server_pid"`

	// MaxPacket bounds packet_len on every channel.
	MaxPacket int `yaml:"max_packet"`

	// ReadChunk is the size of each raw read.
	ReadChunk int `yaml:"read_chunk"`

	// MetricsAddr, if set, is where cmd/wsrv serves /metrics.
	MetricsAddr string `yaml:"metrics_addr"`

	Log LogConfig `yaml:"log"`

	// The defaults of 0 mean wait forever.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// LogConfig configures the zerolog sink.
type LogConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	Pretty bool   `yaml:"pretty"`
}

func NewConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// LoadConfig reads a yaml file, expanding $VARS in it, then
// applies WSYS_* environment overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

// ConfigFromEnv is LoadConfig without a file.
func ConfigFromEnv() (*Config, error) {
	var cfg Config
	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WSYS_SOCKET_DIR"); v != "" {
		cfg.SocketDir = v
	}
	if v := os.Getenv("WSYS_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("WSYS_SERVER_PID"); v != "" {
		if pid, err := strconv.Atoi(v); err == nil {
			cfg.ServerPid = pid
		}
	}
	if v := os.Getenv("WSYS_MAX_PACKET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPacket = n
		}
	}
	if v := os.Getenv("WSYS_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("WSYS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WSYS_LOG_PRETTY"); v != "" {
		cfg.Log.Pretty = v == "1" || v == "true"
	}
	if v := os.Getenv("WSYS_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CallTimeout = d
		}
	}
	if v := os.Getenv("WSYS_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ConnectTimeout = d
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.Getenv("XDG_RUNTIME_DIR")
		if cfg.SocketDir == "" {
			cfg.SocketDir = os.TempDir()
		}
	}
	if cfg.MaxPacket <= 0 {
		cfg.MaxPacket = wire.DefaultMaxPacket
	}
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = 64 << 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (cfg *Config) validate() error {
	if cfg.MaxPacket < 32 {
		return fmt.Errorf("max_packet %v is below the smallest packet", cfg.MaxPacket)
	}
	return nil
}

// SocketPathFor is the rendezvous path of the server with
// process id pid.
func (cfg *Config) SocketPathFor(pid int) string {
	return filepath.Join(cfg.SocketDir, fmt.Sprintf("wsys-%v", pid))
}

// ServerSocketPath is the path a server in this process
// listens on.
func (cfg *Config) ServerSocketPath() string {
	if cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	return cfg.SocketPathFor(os.Getpid())
}

// ClientSocketPath is the path a client dials.
func (cfg *Config) ClientSocketPath() (string, error) {
	switch {
	case cfg.SocketPath != "":
		return cfg.SocketPath, nil
	case cfg.ServerPid > 0:
		return cfg.SocketPathFor(cfg.ServerPid), nil
	}
	return "", errors.New("wsys: no server socket configured (set socket_path or server_pid)")
}
