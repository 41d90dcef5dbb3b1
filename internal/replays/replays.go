// Package replays receives accepted replay connections and merges the streams of
// each replay into a single reference buffer.
package replays

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/holmberd/go-replayrelay/internal/server"
)

// Handoff passes ownership of an accepted connection to its next owner.
// When it returns an error the connection still belongs to the caller.
type Handoff func(ctx context.Context, conn *server.Connection) error

type Stats struct {
	Received  int64 // Connections taken from the channel.
	HandedOff int64 // Connections accepted by the handoff.
	Dropped   int64 // Connections closed without being handed off.
}

// Replays is the connection intake loop. It owns every connection between the
// moment it is received and the moment the handoff accepts it.
type Replays struct {
	logger      *slog.Logger
	connections <-chan *server.Connection
	handoff     Handoff

	received  atomic.Int64
	handedOff atomic.Int64
	dropped   atomic.Int64
}

// New creates the intake loop over connections. A nil handoff closes every
// received connection.
func New(logger *slog.Logger, connections <-chan *server.Connection, handoff Handoff) *Replays {
	return &Replays{
		logger:      logger,
		connections: connections,
		handoff:     handoff,
	}
}

// Lifetime receives connections until the channel is closed or ctx is done,
// handing each one off in order. Both ways of stopping return nil.
func (r *Replays) Lifetime(ctx context.Context) error {
	for {
		// Observe cancellation before taking more work.
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case conn, ok := <-r.connections:
			if !ok {
				r.logger.Debug("connection channel closed")
				return nil
			}
			r.received.Add(1)
			r.accept(ctx, conn)
		}
	}
}

func (r *Replays) accept(ctx context.Context, conn *server.Connection) {
	if r.handoff == nil {
		r.drop(conn)
		return
	}
	if err := r.handoff(ctx, conn); err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("failed to hand off connection", "connection", conn.String(), "error", err)
		}
		r.drop(conn)
		return
	}
	r.handedOff.Add(1)
}

func (r *Replays) drop(conn *server.Connection) {
	r.dropped.Add(1)
	if err := conn.Close(); err != nil {
		r.logger.Debug("failed to close dropped connection", "connection", conn.String(), "error", err)
	}
}

func (r *Replays) Stats() Stats {
	return Stats{
		Received:  r.received.Load(),
		HandedOff: r.handedOff.Load(),
		Dropped:   r.dropped.Load(),
	}
}
