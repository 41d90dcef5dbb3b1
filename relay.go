// Package replayrelay accepts replay streams over TCP and keeps one merged copy of
// each replay in memory.
//
// Clients connect, send the replay key on a single line and then stream the raw
// replay bytes. Streams of the same key are routed to the same worker, which
// deduplicates them against the replay's reference stream. A replay is released
// once it has had no stream for the retention period.
package replayrelay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/holmberd/go-replayrelay/internal/buffer"
	"github.com/holmberd/go-replayrelay/internal/metrics"
	"github.com/holmberd/go-replayrelay/internal/replays"
	"github.com/holmberd/go-replayrelay/internal/server"
	"github.com/holmberd/go-replayrelay/internal/workers"
)

// Relay ties the accept loop, the intake loop and the merge workers together.
type Relay struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	chunkPool *ChunkPool
	server    *server.Server
	merger    *replays.Merger[*ChunkPool]
}

// New creates a Relay. Metrics are registered with reg when it is not nil.
func New(config Config, logger *slog.Logger, reg prometheus.Registerer) (*Relay, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	chunkPool, err := NewChunkPool(config.chunkPoolConfig(), logger)
	if err != nil {
		return nil, err
	}
	m := metrics.New(reg)
	merger := replays.NewMerger(chunkPool, buffer.Config{ChunkSize: config.ChunkSize}, logger, m,
		replays.WithStreamIdleTimeout(config.StreamIdleTimeout),
		replays.WithRetention(config.ReplayRetention),
	)
	return &Relay{
		config:    config,
		logger:    logger,
		metrics:   m,
		chunkPool: chunkPool,
		server:    server.New(config.serverConfig(), logger, m),
		merger:    merger,
	}, nil
}

// Run serves replay connections until ctx is done or the listener fails.
//
// On return every worker has stopped and all replay memory is released. Run
// returns nil when stopped by ctx. A Relay can only be run once.
func (r *Relay) Run(ctx context.Context) error {
	pool, err := workers.New(ctx, r.merger.Work, r.config.Workers,
		workers.WithQueueSize(r.config.QueueSize),
		workers.WithLogger(r.logger),
		workers.WithObserver(r.metrics),
	)
	if err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer func() {
		pool.Stop()
		r.merger.Close()
		r.chunkPool.Release()
	}()

	conns := make(chan *server.Connection)
	intake := replays.New(r.logger, conns, pool.AssignConnection)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.server.Serve(gctx, conns)
	})
	g.Go(func() error {
		// Nothing is dispatched once intake has returned.
		defer pool.Stop()
		return intake.Lifetime(gctx)
	})
	g.Go(func() error {
		r.merger.RunEviction(gctx, r.config.evictionInterval())
		return nil
	})
	err = g.Wait()

	stats := intake.Stats()
	held := r.merger.Stats()
	r.logger.Info("replay relay stopped",
		"received", stats.Received,
		"handedOff", stats.HandedOff,
		"dropped", stats.Dropped,
		"replays", held.Replays,
		"activeStreams", held.Active,
		"replayBytes", held.Bytes,
	)
	return err
}

// Ready returns a channel that is closed once the relay accepts connections.
func (r *Relay) Ready() <-chan struct{} {
	return r.server.Ready()
}

// Addr returns the address the relay listens on, or nil before it is ready.
func (r *Relay) Addr() net.Addr {
	return r.server.Addr()
}

// OpenReplay returns a reader over the merged stream of a replay.
// It may be called from any goroutine while the relay is running.
func (r *Relay) OpenReplay(key string) (io.ReadSeeker, bool) {
	reader, ok := r.merger.Open(key)
	if !ok {
		return nil, false
	}
	return reader, true
}

// Replays returns the keys of the replays held, in sorted order.
func (r *Relay) Replays() []string {
	return r.merger.Keys()
}
