package connection

import (
	"net"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
)

// Send writes all of data to conn. It is shared by the hub and the client,
// so tag is whatever the caller uses to label its log lines.
func Send(conn net.Conn, data []byte, tag string) error {
	written := 0
	for written < len(data) {
		n, err := conn.Write(data[written:])
		written += n
		if err != nil {
			logger.DebugF("[%s] Write failed after %d of %d bytes, details: %v", tag, written, len(data), err)
			return err
		}
	}
	logger.DebugF("[%s] Wrote %d bytes", tag, written)
	return nil
}
