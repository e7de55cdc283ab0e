package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Mode selects which role the process plays.
type Mode int

const (
	// ModeBroadcast serves a pty to connecting observers.
	ModeBroadcast Mode = iota
	// ModeRelay connects the local terminal to a remote session.
	ModeRelay
)

func (m Mode) String() string {
	switch m {
	case ModeBroadcast:
		return "broadcast"
	case ModeRelay:
		return "relay"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

type Config struct {
	ListenAddress    string `yaml:"socket"`
	MirrorToLog      bool   `yaml:"log"`
	MirrorLocalInput bool   `yaml:"input"`
	RemoteAddress    string `yaml:"connect"`
	DisableSignals   bool   `yaml:"no_isig"`

	Command          string `yaml:"exec"`
	WorkDir          string `yaml:"dir"`
	Cols             int    `yaml:"cols"`
	Rows             int    `yaml:"rows"`
	JournalPath      string `yaml:"journal"`
	WebSocketAddress string `yaml:"ws_listen"`
	WebSocketToken   string `yaml:"ws_token"`
	LogLevel         string `yaml:"log_level"`

	ConfigPath string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Cols:     120,
		Rows:     30,
		LogLevel: "info",
	}
}

// DefaultPath returns $HOME/.config/ptyrelay/config.yaml, or "" when the
// home directory is unknown.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "ptyrelay", "config.yaml")
}

// RegisterFlags defines every command-line override on flags.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("config", "", "path to config file (default $HOME/.config/ptyrelay/config.yaml)")
	flags.String("socket", "", "bind the pty server on the specified address (host:port or unix socket path)")
	flags.Bool("log", false, "mirror pty output to stdout too")
	flags.Bool("input", false, "read from the original stdin in addition to connected clients")
	flags.String("connect", "", "connect the current terminal to a pty server")
	flags.Bool("no-isig", false, "disable ISIG terminal attribute (Ctrl-C is sent as data)")
	flags.String("exec", "", "command to run on the pty (default $SHELL)")
	flags.String("dir", "", "working directory for the command")
	flags.Int("cols", d.Cols, "initial pty width")
	flags.Int("rows", d.Rows, "initial pty height")
	flags.String("journal", "", "sqlite file recording session events")
	flags.String("ws-listen", "", "serve a websocket gateway to the pty server on this address")
	flags.String("ws-token", "", "token required by the websocket gateway (?token=)")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
}

// Load builds the configuration from defaults, the config file and the
// flags that were explicitly set, in that order of precedence. The result
// is not validated; callers that serve or relay a session call Validate.
func Load(flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	path, _ := flags.GetString("config")
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	cfg.ConfigPath = path

	if path != "" {
		if err := cfg.loadFromFile(); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if err := cfg.applyFlags(flags); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %q: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) applyFlags(flags *pflag.FlagSet) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	flags.Visit(func(f *pflag.Flag) {
		var err error
		switch f.Name {
		case "socket":
			c.ListenAddress, err = flags.GetString(f.Name)
		case "log":
			c.MirrorToLog, err = flags.GetBool(f.Name)
		case "input":
			c.MirrorLocalInput, err = flags.GetBool(f.Name)
		case "connect":
			c.RemoteAddress, err = flags.GetString(f.Name)
		case "no-isig":
			c.DisableSignals, err = flags.GetBool(f.Name)
		case "exec":
			c.Command, err = flags.GetString(f.Name)
		case "dir":
			c.WorkDir, err = flags.GetString(f.Name)
		case "cols":
			c.Cols, err = flags.GetInt(f.Name)
		case "rows":
			c.Rows, err = flags.GetInt(f.Name)
		case "journal":
			c.JournalPath, err = flags.GetString(f.Name)
		case "ws-listen":
			c.WebSocketAddress, err = flags.GetString(f.Name)
		case "ws-token":
			c.WebSocketToken, err = flags.GetString(f.Name)
		case "log-level":
			c.LogLevel, err = flags.GetString(f.Name)
		}
		keep(err)
	})
	if firstErr != nil {
		return fmt.Errorf("read flags: %w", firstErr)
	}
	return nil
}

// Mode reports relay mode when a remote address is configured.
func (c *Config) Mode() Mode {
	if strings.TrimSpace(c.RemoteAddress) != "" {
		return ModeRelay
	}
	return ModeBroadcast
}

// Validate checks the configuration for the selected mode.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Mode() == ModeRelay {
		if _, _, err := ParseAddress(c.RemoteAddress); err != nil {
			return fmt.Errorf("invalid connect address: %w", err)
		}
		return nil
	}

	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("either a listen address (--socket) or a remote address (--connect) is required")
	}
	if _, _, err := ParseAddress(c.ListenAddress); err != nil {
		return fmt.Errorf("invalid socket address: %w", err)
	}
	if c.Cols < 1 || c.Cols > 65535 {
		return fmt.Errorf("invalid cols %d: must be between 1 and 65535", c.Cols)
	}
	if c.Rows < 1 || c.Rows > 65535 {
		return fmt.Errorf("invalid rows %d: must be between 1 and 65535", c.Rows)
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", name)
	}
}
