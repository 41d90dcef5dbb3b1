package replayrelay

import (
	"flag"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(newFlagSet(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("expected defaults %+v, got %+v", DefaultConfig(), cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to be valid, got %v", err)
	}
}

func TestParseConfigEnv(t *testing.T) {
	t.Setenv("REPLAYRELAY_WORKERS", "8")
	t.Setenv("REPLAYRELAY_HANDSHAKE_TIMEOUT", "3s")
	t.Setenv("REPLAYRELAY_LOG_LEVEL", "DEBUG")
	t.Setenv("REPLAYRELAY_METRICS_ADDR", ":9090")
	t.Setenv("REPLAYRELAY_STREAM_IDLE_TIMEOUT", "1m")

	cfg, err := ParseConfig(newFlagSet(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Workers)
	}
	if cfg.HandshakeTimeout != 3*time.Second {
		t.Errorf("expected handshake timeout 3s, got %s", cfg.HandshakeTimeout)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected log level DEBUG, got %s", cfg.LogLevel)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected metrics address :9090, got %q", cfg.MetricsAddr)
	}
	if cfg.StreamIdleTimeout != time.Minute {
		t.Errorf("expected stream idle timeout 1m, got %s", cfg.StreamIdleTimeout)
	}
}

func TestParseConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("REPLAYRELAY_WORKERS", "8")

	cfg, err := ParseConfig(newFlagSet(), []string{"-workers", "2", "-chunk-size", "65536", "-log-level", "warn", "-replay-retention", "1h"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 2 {
		t.Errorf("expected flag to override env, got %d workers", cfg.Workers)
	}
	if cfg.ChunkSize != ChunkSize64K {
		t.Errorf("expected chunk size %d, got %d", ChunkSize64K, cfg.ChunkSize)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("expected log level WARN, got %s", cfg.LogLevel)
	}
	if cfg.ReplayRetention != time.Hour {
		t.Errorf("expected replay retention 1h, got %s", cfg.ReplayRetention)
	}
}

func TestParseConfigErrors(t *testing.T) {
	t.Run("Invalid env", func(t *testing.T) {
		t.Setenv("REPLAYRELAY_WORKERS", "many")
		_, err := ParseConfig(newFlagSet(), nil)
		if err == nil || !strings.Contains(err.Error(), "parse env") {
			t.Errorf("expected parse env error, got %v", err)
		}
	})
	t.Run("Invalid flag", func(t *testing.T) {
		if _, err := ParseConfig(newFlagSet(), []string{"-unknown"}); err == nil {
			t.Error("expected an error for an unknown flag")
		}
	})
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"Default", func(*Config) {}, false},
		{"Zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"Zero queue size", func(c *Config) { c.QueueSize = 0 }, true},
		{"Unsupported chunk size", func(c *Config) { c.ChunkSize = 1000 }, true},
		{"Largest chunk size", func(c *Config) { c.ChunkSize = ChunkSize256K }, false},
		{"Zero handshake timeout", func(c *Config) { c.HandshakeTimeout = 0 }, true},
		{"Zero max key length", func(c *Config) { c.MaxKeyLen = 0 }, true},
		{"Zero backlog", func(c *Config) { c.Backlog = 0 }, true},
		{"No stream idle timeout", func(c *Config) { c.StreamIdleTimeout = 0 }, false},
		{"Negative stream idle timeout", func(c *Config) { c.StreamIdleTimeout = -time.Second }, true},
		{"No replay retention", func(c *Config) { c.ReplayRetention = 0 }, false},
		{"Negative replay retention", func(c *Config) { c.ReplayRetention = -time.Second }, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected an error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}
