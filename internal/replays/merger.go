package replays

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/holmberd/go-replayrelay/internal/buffer"
	"github.com/holmberd/go-replayrelay/internal/metrics"
	"github.com/holmberd/go-replayrelay/internal/server"
)

// MergeObserver receives merge events. *metrics.Metrics satisfies it.
type MergeObserver interface {
	RecordReplayBytes(outcome string, n int)
	RecordReplaysEvicted(n int)
	SetReplays(n int)
}

type nopMergeObserver struct{}

func (nopMergeObserver) RecordReplayBytes(string, int) {}
func (nopMergeObserver) RecordReplaysEvicted(int)      {}
func (nopMergeObserver) SetReplays(int)                {}

// keepReplays disables eviction; replays are held until Close.
const keepReplays time.Duration = -1

type mergerOptions struct {
	idleTimeout time.Duration
	retention   time.Duration
}

// MergerOption configures a Merger.
type MergerOption func(*mergerOptions)

// WithStreamIdleTimeout ends a stream that sends nothing for d. Zero disables it.
func WithStreamIdleTimeout(d time.Duration) MergerOption {
	return func(o *mergerOptions) {
		o.idleTimeout = max(d, 0)
	}
}

// WithRetention evicts a replay once it has had no active stream for d.
// With zero a replay is evicted as soon as its last stream ends.
func WithRetention(d time.Duration) MergerOption {
	return func(o *mergerOptions) {
		o.retention = max(d, 0)
	}
}

// Merger merges the streams of each replay into one reference stream per key.
//
// The reference of a key is created by its first stream. Every stream for the key,
// the first included, is compared against the reference as it arrives: bytes the
// reference already holds are discarded, bytes past the end of the reference are
// appended to it, and a stream that disagrees with the reference is drained and
// dropped.
//
// Streams are merged concurrently. Each comparison and append runs under the
// reference's lock, so a reference only ever grows by bytes that agree with
// everything it already holds. Open may be called from any goroutine.
type Merger[P buffer.ChunkPooler] struct {
	pool     P
	config   buffer.Config
	logger   *slog.Logger
	observer MergeObserver
	opts     mergerOptions

	replays *registry[P]
}

// NewMerger creates a Merger whose buffers take chunks from pool.
// It panics if config is invalid for the pool. A nil observer records nothing.
// Without WithRetention replays are held until Close.
func NewMerger[P buffer.ChunkPooler](pool P, config buffer.Config, logger *slog.Logger, observer MergeObserver, opts ...MergerOption) *Merger[P] {
	if err := config.Validate(pool); err != nil {
		panic(err)
	}
	if observer == nil {
		observer = nopMergeObserver{}
	}
	o := mergerOptions{retention: keepReplays}
	for _, opt := range opts {
		opt(&o)
	}
	return &Merger[P]{
		pool:     pool,
		config:   config,
		logger:   logger,
		observer: observer,
		opts:     o,
		replays:  newRegistry[P](),
	}
}

// Work takes connections from queue in order and merges each one on its own
// goroutine until ctx is done. It returns once every stream it started has ended.
// It has the signature of a worker entry function.
func (m *Merger[P]) Work(ctx context.Context, worker int, queue <-chan *server.Connection) {
	logger := m.logger.With("worker", worker)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case conn := <-queue:
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.handle(ctx, logger, conn)
			}()
		}
	}
}

func (m *Merger[P]) handle(ctx context.Context, logger *slog.Logger, conn *server.Connection) {
	res, err := m.merge(ctx, conn, make([]byte, m.config.ChunkSize))
	if cerr := conn.Close(); cerr != nil {
		logger.Debug("failed to close connection", "connection", conn.String(), "error", cerr)
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("replay stream failed", "connection", conn.String(), "error", err)
		}
		return
	}
	logger.Debug("replay stream merged",
		"connection", conn.String(),
		"outcome", res.outcome,
		"stored", res.stored,
		"deduplicated", res.deduplicated,
		"diverged", res.diverged,
	)
}

// Open returns a reader over the reference stream of key, starting at its first byte.
func (m *Merger[P]) Open(key string) (*buffer.Reader, bool) {
	ref, ok := m.replays.Get(key)
	if !ok {
		return nil, false
	}
	return ref.Reader(0), true
}

// Keys returns the keys of all replays held, in sorted order.
func (m *Merger[P]) Keys() []string {
	return m.replays.Keys()
}

func (m *Merger[P]) Stats() RegistryStats {
	var s RegistryStats
	m.replays.UpdateStats(&s)
	return s
}

// Delete releases the replay of key. A replay that still has active streams is
// kept, and Delete reports false. Readers opened before Delete return io.EOF.
func (m *Merger[P]) Delete(key string) bool {
	if !m.replays.Delete(key) {
		return false
	}
	m.observer.RecordReplaysEvicted(1)
	m.observer.SetReplays(m.replays.Len())
	return true
}

// Evict releases every replay that has had no active stream for the retention
// period as of now, and returns the number released. It does nothing when
// replays are held until Close.
func (m *Merger[P]) Evict(now time.Time) int {
	if m.opts.retention < 0 {
		return 0
	}
	n := m.replays.Evict(now.Add(-m.opts.retention))
	if n > 0 {
		m.observer.RecordReplaysEvicted(n)
		m.observer.SetReplays(m.replays.Len())
		m.logger.Debug("evicted idle replays", "count", n)
	}
	return n
}

// RunEviction calls Evict every interval until ctx is done.
func (m *Merger[P]) RunEviction(ctx context.Context, interval time.Duration) {
	if m.opts.retention < 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Evict(now)
		}
	}
}

// Close releases the chunks of every reference stream. It must only be called
// once no worker is running Work. Readers opened before Close return io.EOF.
func (m *Merger[P]) Close() {
	m.replays.Clear()
	m.observer.SetReplays(0)
}

// acquire returns the reference stream of the connection's key, creating it if
// it does not exist, and counts the connection as one of its active streams.
func (m *Merger[P]) acquire(conn *server.Connection) (*buffer.Shared[P], error) {
	ref, created, err := m.replays.GetOrCreate(conn.Key, conn.ID(), func() *buffer.Shared[P] {
		return buffer.NewShared(buffer.New(m.pool, m.logger, m.config))
	})
	if created {
		m.observer.SetReplays(m.replays.Len())
	}
	return ref, err
}

// release ends the connection's stream, evicting its replay right away when
// the retention period is zero.
func (m *Merger[P]) release(conn *server.Connection) {
	idle := m.replays.Release(conn.Key, conn.ID(), time.Now())
	if idle && m.opts.retention == 0 {
		m.Delete(conn.Key)
	}
}

var errMergerClosed = errors.New("merger closed")

type mergeResult struct {
	outcome      string
	stored       int
	deduplicated int
	diverged     int
}

// merge reads conn until EOF and merges its bytes into the reference of its key.
func (m *Merger[P]) merge(ctx context.Context, conn *server.Connection, scratch []byte) (mergeResult, error) {
	// Interrupt a blocked read once ctx is done.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	ref, err := m.acquire(conn)
	if err != nil {
		return mergeResult{}, err
	}
	defer m.release(conn)

	s := newStream(m.pool, m.config, m.logger, ref)
	defer s.release()
	for {
		m.armReadDeadline(ctx, conn)
		n, err := conn.Read(scratch)
		if n > 0 {
			s.merge(scratch[:n])
		}
		if err != nil {
			res := s.result()
			m.record(res)
			return res, readError(ctx, err)
		}
	}
}

// armReadDeadline sets the idle deadline for the next read of conn. A deadline
// set by cancellation is never pushed back.
func (m *Merger[P]) armReadDeadline(ctx context.Context, conn *server.Connection) {
	if m.opts.idleTimeout <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.idleTimeout))
	if ctx.Err() != nil {
		_ = conn.SetReadDeadline(time.Now())
	}
}

func (m *Merger[P]) record(res mergeResult) {
	m.observer.RecordReplayBytes(metrics.OutcomeStored, res.stored)
	m.observer.RecordReplayBytes(metrics.OutcomeDeduplicated, res.deduplicated)
	m.observer.RecordReplayBytes(metrics.OutcomeDiverged, res.diverged)
}

var errStreamIdle = errors.New("replay stream idle")

// readError maps the error that ended a stream: io.EOF is a clean end, and a
// deadline hit reports the cancellation if ctx is done or an idle stream otherwise.
func readError(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", errStreamIdle, err)
	}
	return fmt.Errorf("read replay stream: %w", err)
}

// stream tracks a stream being compared against the reference of its key.
//
// Bytes of the stream are appended to incoming. Everything below matched agrees
// with the reference and is discarded from incoming as soon as it is compared.
type stream[P buffer.ChunkPooler] struct {
	ref      *buffer.Shared[P]
	incoming *buffer.Buffer[P]
	matched  int

	res mergeResult
}

func newStream[P buffer.ChunkPooler](pool P, config buffer.Config, logger *slog.Logger, ref *buffer.Shared[P]) *stream[P] {
	return &stream[P]{
		ref:      ref,
		incoming: buffer.New(pool, logger, config),
		res:      mergeResult{outcome: metrics.OutcomeDeduplicated},
	}
}

// merge appends p to the stream and advances the comparison with the reference.
func (s *stream[P]) merge(p []byte) {
	if s.res.outcome == metrics.OutcomeDiverged {
		s.res.diverged += len(p) // Drained.
		return
	}
	s.incoming.Append(p)

	s.ref.Update(func(ref *buffer.Buffer[P]) {
		start := s.matched
		s.matched = buffer.CommonPrefixFrom(ref, s.incoming, start)
		s.res.deduplicated += s.matched - start

		switch {
		case s.matched < ref.Len() && s.matched < s.incoming.Len():
			// Both hold a byte at matched and they differ.
			s.res.outcome = metrics.OutcomeDiverged
			s.res.diverged += s.incoming.Len() - s.matched
			s.incoming.DiscardAll()
			return
		case s.matched == ref.Len() && s.incoming.Len() > s.matched:
			// The stream extends the reference.
			n := ref.AppendFrom(s.incoming, s.matched)
			s.matched += n
			s.res.stored += n
			s.res.outcome = metrics.OutcomeStored
		}
		s.incoming.Discard(s.matched)
	})
}

func (s *stream[P]) result() mergeResult {
	return s.res
}

func (s *stream[P]) release() {
	s.incoming.Reset()
}
