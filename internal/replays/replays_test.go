package replays

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holmberd/go-replayrelay/internal/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newPipeConnection returns a handshaken connection for key and the client end
// of the pipe behind it.
func newPipeConnection(t *testing.T, key string) (*server.Connection, net.Conn) {
	t.Helper()
	srv, client := net.Pipe()
	t.Cleanup(func() {
		_ = srv.Close()
		_ = client.Close()
	})
	return server.NewConnection(srv, bufio.NewReader(srv), server.NewHeader(key)), client
}

// expectClosed fails the test unless the server end of client's pipe was closed.
func expectClosed(t *testing.T, client net.Conn) {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestLifetimeChannelClosed(t *testing.T) {
	conns := make(chan *server.Connection)
	close(conns)
	r := New(testLogger(), conns, nil)
	require.NoError(t, r.Lifetime(context.Background()))
}

func TestLifetimeCancelled(t *testing.T) {
	conns := make(chan *server.Connection)
	r := New(testLogger(), conns, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Lifetime(ctx)
	}()
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Lifetime did not return after cancellation")
	}
}

func TestLifetimeNilHandoffClosesConnections(t *testing.T) {
	conns := make(chan *server.Connection, 2)
	c1, client1 := newPipeConnection(t, "a")
	c2, client2 := newPipeConnection(t, "b")
	conns <- c1
	conns <- c2
	close(conns)

	r := New(testLogger(), conns, nil)
	require.NoError(t, r.Lifetime(context.Background()))

	expectClosed(t, client1)
	expectClosed(t, client2)
	require.Equal(t, Stats{Received: 2, Dropped: 2}, r.Stats())
}

func TestLifetimeHandoff(t *testing.T) {
	conns := make(chan *server.Connection, 3)
	for _, key := range []string{"a", "b", "c"} {
		c, _ := newPipeConnection(t, key)
		conns <- c
	}
	close(conns)

	var (
		mu   sync.Mutex
		keys []string
	)
	handoff := func(_ context.Context, conn *server.Connection) error {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, conn.Key)
		return nil
	}

	r := New(testLogger(), conns, handoff)
	require.NoError(t, r.Lifetime(context.Background()))
	require.Equal(t, []string{"a", "b", "c"}, keys, "connections are handed off in arrival order")
	require.Equal(t, Stats{Received: 3, HandedOff: 3}, r.Stats())
}

func TestLifetimeHandoffError(t *testing.T) {
	conns := make(chan *server.Connection, 2)
	c1, client1 := newPipeConnection(t, "fail")
	c2, _ := newPipeConnection(t, "ok")
	conns <- c1
	conns <- c2
	close(conns)

	handoff := func(_ context.Context, conn *server.Connection) error {
		if conn.Key == "fail" {
			return errors.New("boom")
		}
		return nil
	}

	// A failed handoff drops the connection and the loop carries on.
	r := New(testLogger(), conns, handoff)
	require.NoError(t, r.Lifetime(context.Background()))
	expectClosed(t, client1)
	require.Equal(t, Stats{Received: 2, HandedOff: 1, Dropped: 1}, r.Stats())
}
