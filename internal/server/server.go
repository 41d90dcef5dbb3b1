// Package server accepts replay connections over TCP and reads their handshake.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxKeyLen        = 256
	DefaultBacklog          = 128

	minReadBufferSize = 4096
)

type Config struct {
	// Addr is the TCP address to listen on, e.g. ":7400".
	Addr string

	// HandshakeTimeout bounds the time a client has to send its handshake line.
	HandshakeTimeout time.Duration

	// MaxKeyLen is the maximum length in bytes of a replay key.
	MaxKeyLen int

	// Backlog is the maximum number of accepted connections that may be in the
	// handshake at once. Accepting pauses while the limit is reached.
	Backlog int
}

func DefaultConfig() Config {
	return Config{
		Addr:             ":7400",
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxKeyLen:        DefaultMaxKeyLen,
		Backlog:          DefaultBacklog,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("invalid server config: handshake timeout must be positive"))
	}
	if c.MaxKeyLen <= 0 {
		errs = append(errs, errors.New("invalid server config: max key length must be positive"))
	}
	if c.Backlog <= 0 {
		errs = append(errs, errors.New("invalid server config: backlog must be positive"))
	}
	return errors.Join(errs...)
}

// Observer receives connection events. *metrics.Metrics satisfies it.
type Observer interface {
	RecordConnectionAccepted()
	RecordHandshakeFailure()
}

type nopObserver struct{}

func (nopObserver) RecordConnectionAccepted() {}
func (nopObserver) RecordHandshakeFailure()   {}

// Server accepts TCP connections and emits them once their handshake is read.
type Server struct {
	config   Config
	logger   *slog.Logger
	observer Observer

	listen func(network, address string) (net.Listener, error)

	listenerMu sync.RWMutex
	listener   net.Listener
	ready      chan struct{}
}

// New creates a Server. It panics if the config is invalid.
// A nil observer records nothing.
func New(config Config, logger *slog.Logger, observer Observer) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Server{
		config:   config,
		logger:   logger,
		observer: observer,
		listen:   net.Listen,
		ready:    make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listener's address, or nil before the server is ready.
func (s *Server) Addr() net.Addr {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve listens on the configured address and sends every connection that
// completes its handshake to out, until ctx is done.
//
// On return the listener is closed, every in-flight handshake has finished and out
// is closed. Serve returns nil when stopped by ctx.
func (s *Server) Serve(ctx context.Context, out chan<- *Connection) error {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(out)
	}()

	ln, err := s.listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()
	close(s.ready)

	s.logger.Info("replay server listening", "address", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		s.logger.Info("replay server shutdown signal received", "error", ctx.Err())
		_ = ln.Close()
	})
	defer stop()
	defer ln.Close()

	slots := make(chan struct{}, s.config.Backlog)
	var acceptDelay time.Duration // How long to sleep on accept failure.
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil // Listener closed by shutdown.
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			acceptDelay = nextAcceptDelay(acceptDelay)
			s.logger.Debug("error accepting replay connection", "error", err, "retryIn", acceptDelay)
			t := time.NewTimer(acceptDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil
			}
			continue
		}
		acceptDelay = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			s.handshake(ctx, conn, out)
		}()
	}
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// nextAcceptDelay doubles the delay after a failed accept, up to maxAcceptDelay.
func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	return min(2*d, maxAcceptDelay)
}

// handshake reads the handshake line from conn and sends the resulting Connection
// to out. conn is closed on any failure.
func (s *Server) handshake(ctx context.Context, conn net.Conn, out chan<- *Connection) {
	addr := conn.RemoteAddr().String()

	if err := conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
		s.logger.Debug("failed to set handshake deadline", "address", addr, "error", err)
	}
	// Interrupt a pending handshake read on shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})

	r := bufio.NewReaderSize(conn, max(s.config.MaxKeyLen+2, minReadBufferSize))
	key, err := readHandshake(r, s.config.MaxKeyLen)
	interrupted := !stop()
	if err != nil || interrupted {
		if !interrupted {
			s.observer.RecordHandshakeFailure()
			s.logger.Debug("replay handshake failed", "address", addr, "error", err)
		}
		_ = conn.Close()
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		s.logger.Debug("failed to clear handshake deadline", "address", addr, "error", err)
	}

	c := NewConnection(conn, r, NewHeader(key))
	s.observer.RecordConnectionAccepted()
	s.logger.Debug("replay connection accepted",
		"address", addr, "key", c.Key, "id", c.Header.ID, "session", c.Session)

	select {
	case out <- c:
	case <-ctx.Done():
		_ = c.Close()
	}
}
