// Package connection tracks live client connections and the session
// identities bound to them.
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
)

// Connection is one accepted client socket.
type Connection struct {
	Conn   net.Conn
	ConnID string
}

func NewConnection(conn net.Conn) *Connection {
	return &Connection{Conn: conn, ConnID: uuid.NewString()[:8]}
}

// Write sends data in full, bounded by timeout when it is positive.
func (c *Connection) Write(data []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return Send(c.Conn, data, c.ConnID)
}

func (c *Connection) Close() error {
	return c.Conn.Close()
}

// IsExpectedCloseError reports whether err is a normal termination of the
// peer: EOF, a closed socket, a broken pipe or a reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.EPIPE || errno == unix.ECONNRESET
	}
	return false
}

func HandleReadError(connID string, err error) {
	switch {
	case IsExpectedCloseError(err):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}
