package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/database"
)

// socketDir keeps socket paths short enough for sun_path.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "hub-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testOptions(t *testing.T) Options {
	return Options{
		SocketPath:   filepath.Join(socketDir(t), "hub.sock"),
		PollInterval: 50 * time.Millisecond,
		WriteTimeout: time.Second,
	}
}

func runBroker(t *testing.T, b *Broker) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(context.Background()) }()
	select {
	case <-b.Ready():
	case err := <-errCh:
		t.Fatalf("hub failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not become ready")
	}
	return errCh
}

func startBroker(t *testing.T, store database.Store) *Broker {
	t.Helper()
	b := New(testOptions(t), store)
	errCh := runBroker(t, b)
	t.Cleanup(func() {
		b.Stop()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return b
}

type rawClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, b *Broker) *rawClient {
	t.Helper()
	conn, err := net.Dial("unix", b.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func register(t *testing.T, b *Broker, id string) *rawClient {
	t.Helper()
	c := dial(t, b)
	c.send(`{"type":"REGISTER","session_id":"` + id + `"}`)
	msg := c.next()
	require.Equal(t, "REGISTERED", msg["type"])
	require.Equal(t, id, msg["session_id"])
	return c
}

func (c *rawClient) send(line string) {
	c.t.Helper()
	c.sendRaw(line + "\n")
}

func (c *rawClient) sendRaw(data string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(data))
	require.NoError(c.t, err)
}

func (c *rawClient) next() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err, "waiting for a frame")
	var msg map[string]any
	require.NoError(c.t, json.Unmarshal(line, &msg))
	return msg
}

func (c *rawClient) nextOfType(msgType string) map[string]any {
	c.t.Helper()
	msg := c.next()
	require.Equal(c.t, msgType, msg["type"], "unexpected frame %v", msg)
	return msg
}

// expectSilence asserts that nothing arrives for a short while.
func (c *rawClient) expectSilence() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	line, err := c.reader.ReadBytes('\n')
	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected no frame, got %q err=%v", line, err)
}

// expectClosed asserts that the hub closed this connection.
func (c *rawClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, err := c.reader.ReadBytes('\n')
		if err == nil {
			continue
		}
		var netErr net.Error
		require.False(c.t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
		return
	}
}
