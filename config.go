package replayrelay

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/holmberd/go-replayrelay/internal/server"
)

// Config holds the relay configuration. Every field can be set from the
// environment and overridden by a command line flag.
type Config struct {
	// Addr is the TCP address replay clients connect to.
	Addr string `env:"REPLAYRELAY_ADDR" envDefault:":7400"`

	// Workers is the number of merge workers. Streams of the same replay are
	// always handled by the same worker.
	Workers int `env:"REPLAYRELAY_WORKERS" envDefault:"4"`

	// QueueSize is the number of connections each worker can have waiting.
	QueueSize int `env:"REPLAYRELAY_QUEUE_SIZE" envDefault:"64"`

	// ChunkSize is the buffer chunk size in bytes, one of DefaultChunkSizes.
	ChunkSize int `env:"REPLAYRELAY_CHUNK_SIZE" envDefault:"16384"`

	// ChunkPoolFreeThreshold is the number of free chunks per size the chunk pool
	// holds before returning memory to the operating system.
	ChunkPoolFreeThreshold int `env:"REPLAYRELAY_CHUNK_POOL_FREE_THRESHOLD" envDefault:"256"`

	HandshakeTimeout time.Duration `env:"REPLAYRELAY_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	MaxKeyLen        int           `env:"REPLAYRELAY_MAX_KEY_LEN" envDefault:"256"`
	Backlog          int           `env:"REPLAYRELAY_BACKLOG" envDefault:"128"`

	// StreamIdleTimeout ends a replay stream that sends nothing for this long.
	// Zero disables it.
	StreamIdleTimeout time.Duration `env:"REPLAYRELAY_STREAM_IDLE_TIMEOUT" envDefault:"30s"`

	// ReplayRetention is how long a replay is held after its last stream ends.
	// Zero releases it as soon as the stream ends.
	ReplayRetention time.Duration `env:"REPLAYRELAY_REPLAY_RETENTION" envDefault:"5m"`

	// MetricsAddr is the HTTP address serving /metrics. Empty disables it.
	MetricsAddr string `env:"REPLAYRELAY_METRICS_ADDR"`

	LogLevel slog.Level `env:"REPLAYRELAY_LOG_LEVEL" envDefault:"INFO"`
}

func DefaultConfig() Config {
	return Config{
		Addr:                   ":7400",
		Workers:                4,
		QueueSize:              64,
		ChunkSize:              ChunkSize16K,
		ChunkPoolFreeThreshold: 256,
		HandshakeTimeout:       server.DefaultHandshakeTimeout,
		MaxKeyLen:              server.DefaultMaxKeyLen,
		Backlog:                server.DefaultBacklog,
		StreamIdleTimeout:      30 * time.Second,
		ReplayRetention:        5 * time.Minute,
		LogLevel:               slog.LevelInfo,
	}
}

// ParseConfig loads a Config from the environment, then applies flags parsed
// from args.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "replay listen address")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of merge workers")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "connections waiting per worker")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "buffer chunk size in bytes")
	fs.IntVar(&cfg.ChunkPoolFreeThreshold, "chunk-pool-free-threshold", cfg.ChunkPoolFreeThreshold, "free chunks held per size before releasing memory")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "time allowed to send the handshake")
	fs.IntVar(&cfg.MaxKeyLen, "max-key-len", cfg.MaxKeyLen, "maximum replay key length")
	fs.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "maximum connections in handshake")
	fs.DurationVar(&cfg.StreamIdleTimeout, "stream-idle-timeout", cfg.StreamIdleTimeout, "end streams idle for this long (0 disables)")
	fs.DurationVar(&cfg.ReplayRetention, "replay-retention", cfg.ReplayRetention, "time a replay is held after its last stream ends")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "metrics listen address (empty disables)")
	fs.TextVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (DEBUG, INFO, WARN, ERROR)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, errors.New("invalid config: workers must be positive"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("invalid config: queue size must be positive"))
	}
	if !slices.Contains(DefaultChunkSizes, c.ChunkSize) {
		errs = append(errs, fmt.Errorf("invalid config: invalid chunk size %d must be one of %v", c.ChunkSize, DefaultChunkSizes))
	}
	if c.StreamIdleTimeout < 0 {
		errs = append(errs, errors.New("invalid config: stream idle timeout must not be negative"))
	}
	if c.ReplayRetention < 0 {
		errs = append(errs, errors.New("invalid config: replay retention must not be negative"))
	}
	if err := c.serverConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) serverConfig() server.Config {
	return server.Config{
		Addr:             c.Addr,
		HandshakeTimeout: c.HandshakeTimeout,
		MaxKeyLen:        c.MaxKeyLen,
		Backlog:          c.Backlog,
	}
}

// evictionInterval is how often replays past their retention are released.
func (c Config) evictionInterval() time.Duration {
	return min(max(c.ReplayRetention/4, time.Second), time.Minute)
}

func (c Config) chunkPoolConfig() ChunkPoolConfig {
	return ChunkPoolConfig{
		Sizes:         DefaultChunkSizes,
		FreeThreshold: c.ChunkPoolFreeThreshold,
	}
}
