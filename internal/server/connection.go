package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

var (
	ErrEmptyKey    = errors.New("handshake: empty replay key")
	ErrKeyTooLong  = errors.New("handshake: replay key too long")
	errNoDelimiter = errors.New("handshake: missing line delimiter")
)

// Header identifies an accepted connection.
type Header struct {
	// ID is the routing identifier derived from Key. Connections carrying the same
	// key have the same ID.
	ID uint64

	// Key is the replay key sent by the client in the handshake.
	Key string

	// Session is unique per accepted connection.
	Session uuid.UUID
}

// NewHeader returns the header for a connection that announced key.
func NewHeader(key string) Header {
	return Header{
		ID:      xxhash.Sum64String(key),
		Key:     key,
		Session: uuid.New(),
	}
}

// Connection is an accepted connection whose handshake has been read.
// Reads return the replay bytes that follow the handshake line.
type Connection struct {
	net.Conn
	Header

	r *bufio.Reader
}

// NewConnection wraps conn, reading through r which may hold bytes already
// buffered past the handshake.
func NewConnection(conn net.Conn, r *bufio.Reader, header Header) *Connection {
	return &Connection{Conn: conn, Header: header, r: r}
}

// Read serves bytes buffered during the handshake before reading from the network.
func (c *Connection) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// ID returns the routing identifier of the connection.
func (c *Connection) ID() uint64 {
	return c.Header.ID
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s/%s", c.Key, c.Session)
}

// readHandshake reads the handshake line "<key>\n" from r.
// r must have been created with a buffer larger than maxKeyLen.
func readHandshake(r *bufio.Reader, maxKeyLen int) (string, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", ErrKeyTooLong
		}
		if len(line) > 0 {
			return "", fmt.Errorf("%w: %w", errNoDelimiter, err)
		}
		return "", fmt.Errorf("handshake: %w", err)
	}
	key := bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'})
	if len(key) == 0 {
		return "", ErrEmptyKey
	}
	if len(key) > maxKeyLen {
		return "", ErrKeyTooLong
	}
	return string(key), nil
}
