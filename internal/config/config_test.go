package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse(args); err != nil {
		t.Fatalf("Parse(%v) error = %v", args, err)
	}
	return flags
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}
	return path
}

func TestLoadFromFileAndFlagOverride(t *testing.T) {
	path := writeConfig(t, "socket: /tmp/relay.sock\nlog: true\nexec: bash -l\njournal: /tmp/ptyrelay.db\ncols: 100\n")

	cfg, err := Load(newFlags(t, "--config", path, "--socket", "127.0.0.1:4000", "--no-isig"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenAddress != "127.0.0.1:4000" {
		t.Errorf("ListenAddress = %q, want flag value", cfg.ListenAddress)
	}
	if !cfg.MirrorToLog {
		t.Error("MirrorToLog should come from the file")
	}
	if !cfg.DisableSignals {
		t.Error("DisableSignals should come from the flag")
	}
	if cfg.Command != "bash -l" {
		t.Errorf("Command = %q, want %q", cfg.Command, "bash -l")
	}
	if cfg.Cols != 100 || cfg.Rows != 30 {
		t.Errorf("size = %dx%d, want 100x30", cfg.Cols, cfg.Rows)
	}
	if cfg.JournalPath != "/tmp/ptyrelay.db" {
		t.Errorf("JournalPath = %q", cfg.JournalPath)
	}
	if cfg.Mode() != ModeBroadcast {
		t.Errorf("Mode() = %v, want broadcast", cfg.Mode())
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--socket", "/tmp/x.sock"))
	if err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestLoadRelayMode(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(newFlags(t, "--connect", "/tmp/relay.sock"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode() != ModeRelay {
		t.Errorf("Mode() = %v, want relay", cfg.Mode())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"no address", func(c *Config) {}, true},
		{"unix socket", func(c *Config) { c.ListenAddress = "/tmp/relay.sock" }, false},
		{"tcp", func(c *Config) { c.ListenAddress = "0.0.0.0:3022" }, false},
		{"bad tcp", func(c *Config) { c.ListenAddress = "host:port:extra" }, true},
		{"relay", func(c *Config) { c.RemoteAddress = "127.0.0.1:3022" }, false},
		{"bad level", func(c *Config) { c.ListenAddress = "/tmp/s"; c.LogLevel = "loud" }, true},
		{"zero cols", func(c *Config) { c.ListenAddress = "/tmp/s"; c.Cols = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input   string
		network string
		address string
		wantErr bool
	}{
		{"/run/ptyrelay.sock", "unix", "/run/ptyrelay.sock", false},
		{"relay.sock", "unix", "relay.sock", false},
		{"127.0.0.1:3022", "tcp", "127.0.0.1:3022", false},
		{":3022", "tcp", ":3022", false},
		{"[::1]:3022", "tcp", "[::1]:3022", false},
		{"", "", "", true},
		{"a:b:c", "", "", true},
	}
	for _, tt := range tests {
		network, address, err := ParseAddress(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if network != tt.network || address != tt.address {
			t.Errorf("ParseAddress(%q) = (%q, %q), want (%q, %q)", tt.input, network, address, tt.network, tt.address)
		}
	}
}

func TestListenAndDialUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.sock")

	ln, addr, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	if addr.String() != path {
		t.Errorf("bound address = %q, want %q", addr.String(), path)
	}

	conn, err := Dial(path, time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	conn.Close()

	if info, err := os.Lstat(path); err != nil || info.Mode()&os.ModeSocket == 0 {
		t.Fatalf("socket file should remain after closing the net.Listener: %v", err)
	}

	ln.Close()
	again, _, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen() over stale socket error = %v", err)
	}
	again.Close()
}

func TestListenRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, _, err := Listen(path); err == nil {
		t.Fatal("expected error when the path is a regular file")
	}
}

func TestListenTCPEphemeral(t *testing.T) {
	ln, addr, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	conn, err := Dial(addr.String(), time.Second)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", addr, err)
	}
	conn.Close()
}
