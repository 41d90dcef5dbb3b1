package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	accepted atomic.Int64
	failed   atomic.Int64
}

func (o *countingObserver) RecordConnectionAccepted() { o.accepted.Add(1) }
func (o *countingObserver) RecordHandshakeFailure()   { o.failed.Add(1) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a server on a loopback port until the test ends.
func startServer(t *testing.T, config Config) (*Server, <-chan *Connection, *countingObserver) {
	t.Helper()
	config.Addr = "127.0.0.1:0"
	obs := &countingObserver{}
	s := New(config, testLogger(), obs)
	out := make(chan *Connection, 8)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ctx, out)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	}
	return s, out, obs
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestReadHandshake(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
		err      error
	}{
		{"Key", "replay-1\nDATA", "replay-1", nil},
		{"CRLF", "replay-1\r\nDATA", "replay-1", nil},
		{"Max length", "abcd\n", "abcd", nil},
		{"Too long", "abcde\n", "", ErrKeyTooLong},
		{"Too long for buffer", strings.Repeat("x", 64) + "\n", "", ErrKeyTooLong},
		{"Empty", "\n", "", ErrEmptyKey},
		{"No delimiter", "abc", "", errNoDelimiter},
		{"No data", "", "", io.EOF},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := bufio.NewReaderSize(strings.NewReader(tc.input), 16)
			key, err := readHandshake(r, 4)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected error %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if key != tc.expected {
				t.Errorf("expected key %q, got %q", tc.expected, key)
			}
		})
	}
}

func TestNewHeader(t *testing.T) {
	a := NewHeader("replay-1")
	b := NewHeader("replay-1")
	if a.ID != xxhash.Sum64String("replay-1") {
		t.Errorf("expected ID to be the xxhash of the key, got %d", a.ID)
	}
	if a.ID != b.ID {
		t.Error("expected equal keys to have equal IDs")
	}
	if a.Session == b.Session {
		t.Error("expected a unique session per header")
	}
}

func TestServeHandshake(t *testing.T) {
	s, out, obs := startServer(t, DefaultConfig())

	client := dial(t, s)
	_, err := client.Write([]byte("replay-1\nhello"))
	require.NoError(t, err)

	var c *Connection
	select {
	case c = <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
	defer c.Close()

	require.Equal(t, "replay-1", c.Key)
	require.Equal(t, xxhash.Sum64String("replay-1"), c.ID())

	// Bytes sent together with the handshake are not lost.
	p := make([]byte, 5)
	_, err = io.ReadFull(c, p)
	require.NoError(t, err)
	require.Equal(t, "hello", string(p))

	_, err = client.Write([]byte(" world"))
	require.NoError(t, err)
	require.NoError(t, client.Close())
	rest, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, " world", string(rest))

	require.EqualValues(t, 1, obs.accepted.Load())
}

func TestServeRejectsOversizedKey(t *testing.T) {
	config := DefaultConfig()
	config.MaxKeyLen = 4
	s, out, obs := startServer(t, config)

	client := dial(t, s)
	_, err := client.Write([]byte("too-long\nDATA"))
	require.NoError(t, err)

	// The server closes the connection without emitting it.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = client.Read(make([]byte, 1))
	require.Error(t, err)
	require.False(t, isTimeout(err), "expected the server to close the connection")

	require.Eventually(t, func() bool { return obs.failed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	select {
	case c := <-out:
		t.Fatalf("unexpected connection %s", c)
	default:
	}
}

func TestServeHandshakeTimeout(t *testing.T) {
	config := DefaultConfig()
	config.HandshakeTimeout = 50 * time.Millisecond
	s, out, obs := startServer(t, config)

	client := dial(t, s)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Read(make([]byte, 1))
	require.Error(t, err)
	require.False(t, isTimeout(err), "expected the server to close the connection")

	require.Eventually(t, func() bool { return obs.failed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, out)
}

func TestServeShutdown(t *testing.T) {
	config := DefaultConfig()
	config.Addr = "127.0.0.1:0"
	s := New(config, testLogger(), nil)
	out := make(chan *Connection)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ctx, out)
	}()
	<-s.Ready()

	// A client that never completes its handshake must not delay shutdown.
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	_, ok := <-out
	require.False(t, ok, "expected out to be closed")

	_, err = net.DialTimeout("tcp", s.Addr().String(), 100*time.Millisecond)
	require.Error(t, err, "expected listener to be closed")
}

func TestServeListenError(t *testing.T) {
	s := New(DefaultConfig(), testLogger(), nil)
	s.config.Addr = "256.0.0.1:0"
	out := make(chan *Connection)
	err := s.Serve(context.Background(), out)
	require.Error(t, err)
	_, ok := <-out
	require.False(t, ok, "expected out to be closed")
}

// failingListener fails every Accept until it is closed.
type failingListener struct {
	accepts atomic.Int64
	closed  chan struct{}
	once    sync.Once
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}
	}
}

func (l *failingListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServeAcceptErrorBackoff(t *testing.T) {
	ln := &failingListener{closed: make(chan struct{})}
	s := New(DefaultConfig(), testLogger(), nil)
	s.listen = func(string, string) (net.Listener, error) {
		return ln, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Serve(ctx, make(chan *Connection))
	require.NoError(t, err)

	// 5ms doubling: accepts at roughly 0, 5, 15, 35, 75 and 155ms.
	n := ln.accepts.Load()
	require.GreaterOrEqual(t, n, int64(2), "expected accept to be retried")
	require.LessOrEqual(t, n, int64(10), "expected failed accepts to back off")
}

func TestNextAcceptDelay(t *testing.T) {
	var d time.Duration
	var got []time.Duration
	for range 10 {
		d = nextAcceptDelay(d)
		got = append(got, d)
	}
	require.Equal(t, minAcceptDelay, got[0])
	require.Equal(t, 10*time.Millisecond, got[1])
	require.Equal(t, maxAcceptDelay, got[len(got)-1])
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("expected default config to be valid, got %v", err)
	}
	if err := (Config{}).Validate(); err == nil {
		t.Error("expected zero config to be invalid")
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
