// Package client connects a session to the hub, confirms deliveries and
// buffers inbound traffic for polling.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/config"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/connection"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/protocol"
)

var (
	ErrBrokerNotRunning   = errors.New("hub not running")
	ErrRegistrationFailed = errors.New("registration failed")
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected")
)

const readBufferSize = 64 * 1024

type Options struct {
	SocketPath      string
	RegisterTimeout time.Duration
	SendTimeout     time.Duration
	PollInterval    time.Duration // read deadline used to re-check the stop flag
	StopTimeout     time.Duration
	MaxFrameSize    int
}

func OptionsFromConfig(c config.Config) Options {
	return Options{
		SocketPath:      c.Hub.SocketPath,
		RegisterTimeout: c.Client.RegisterTimeoutDuration(),
		SendTimeout:     c.Client.SendTimeoutDuration(),
		PollInterval:    c.Client.PollIntervalDuration(),
		StopTimeout:     c.Client.StopTimeoutDuration(),
		MaxFrameSize:    c.Hub.MaxFrameSize,
	}
}

type Registration struct {
	SessionID string   `json:"session_id"`
	Online    []string `json:"online"`
}

// Outgoing is an application message to send. An empty To broadcasts.
type Outgoing struct {
	Type string
	Body any
	To   []string
}

// SendResult describes the hub's confirmation. A send that was written but
// not confirmed in time is reported with Confirmed false, not as an error.
type SendResult struct {
	Confirmed bool     `json:"confirmed"`
	ID        string   `json:"id,omitempty"`
	To        []string `json:"to,omitempty"`
	Broadcast bool     `json:"broadcast"`
}

type Status struct {
	SessionID string `json:"session_id"`
	Connected bool   `json:"connected"`
	Socket    string `json:"socket"`
	Queued    int    `json:"queued_messages"`
}

type Client struct {
	sessionID string
	opts      Options
	inbox     *Queue[protocol.Message]

	mu       sync.Mutex
	conn     net.Conn
	loopDone chan struct{}

	connected atomic.Bool
	stop      atomic.Bool
	gen       atomic.Uint64 // bumped per registration so a stale loop cannot reset connected
}

func New(sessionID string, opts Options) *Client {
	if opts.SocketPath == "" {
		opts.SocketPath = config.DefaultSocketPath
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = 5 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	return &Client{sessionID: sessionID, opts: opts, inbox: NewQueue[protocol.Message]()}
}

func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials the hub and registers. When registration fails the socket
// stays open but the client reports itself as not connected.
func (c *Client) Connect(ctx context.Context) (*Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil, ErrAlreadyConnected
	}
	if _, err := os.Stat(c.opts.SocketPath); err != nil {
		return nil, fmt.Errorf("%w: no socket at %s", ErrBrokerNotRunning, c.opts.SocketPath)
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBrokerNotRunning, err)
	}
	c.conn = conn

	if err := c.write(conn, protocol.Register{SessionID: c.sessionID}, c.opts.RegisterTimeout); err != nil {
		return nil, fmt.Errorf("%w: sending REGISTER: %w", ErrRegistrationFailed, err)
	}

	splitter := protocol.NewSplitter(c.opts.MaxFrameSize)
	frames, err := c.handshake(ctx, conn, splitter)
	if err != nil {
		return nil, err
	}

	first, err := protocol.DecodeFromBroker(frames[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	registered, ok := first.(*protocol.Registered)
	if !ok {
		if reply, isErr := first.(*protocol.ErrorReply); isErr {
			return nil, fmt.Errorf("%w: %s", ErrRegistrationFailed, reply.Message)
		}
		return nil, fmt.Errorf("%w: unexpected %s reply", ErrRegistrationFailed, first.Kind())
	}

	for _, frame := range frames[1:] {
		c.enqueue(frame)
	}
	c.stop.Store(false)
	c.connected.Store(true)
	c.loopDone = make(chan struct{})
	go c.receiveLoop(conn, splitter, c.gen.Add(1), c.loopDone)

	logger.InfoF("Session %s registered, %d online", c.sessionID, len(registered.Online))
	return &Registration{SessionID: registered.SessionID, Online: registered.Online}, nil
}

// handshake reads until at least one complete frame arrives.
func (c *Client) handshake(ctx context.Context, conn net.Conn, splitter *protocol.Splitter) ([][]byte, error) {
	deadline := time.Now().Add(c.opts.RegisterTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			var frames [][]byte
			splitter.FeedAll(buf[:n], func(batch [][]byte, _ bool) bool {
				frames = append(frames, batch...)
				return true
			})
			if len(frames) > 0 {
				return frames, nil
			}
		}
		if err != nil {
			if os.IsTimeout(err) {
				return nil, fmt.Errorf("%w: no reply within %v", ErrRegistrationFailed, c.opts.RegisterTimeout)
			}
			return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
		}
	}
}

func (c *Client) receiveLoop(conn net.Conn, splitter *protocol.Splitter, gen uint64, done chan struct{}) {
	defer close(done)
	defer func() {
		if c.gen.Load() == gen {
			c.connected.Store(false)
		}
	}()

	buf := make([]byte, readBufferSize)
	for !c.stop.Load() {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			splitter.FeedAll(buf[:n], func(frames [][]byte, tooLarge bool) bool {
				for _, frame := range frames {
					c.enqueue(frame)
				}
				if tooLarge {
					logger.WarnF("Session %s dropped an inbound frame: %v", c.sessionID, protocol.ErrFrameTooLarge)
				}
				return true
			})
		}
		if err == nil || os.IsTimeout(err) {
			continue
		}
		if connection.IsExpectedCloseError(err) {
			logger.InfoF("Session %s: hub closed the connection", c.sessionID)
		} else {
			logger.WarnF("Session %s: error occured while reading, details: %v", c.sessionID, err)
		}
		return
	}
}

func (c *Client) enqueue(frame []byte) {
	msg, err := protocol.DecodeFromBroker(frame)
	if err != nil {
		logger.WarnF("Session %s ignored an invalid frame: %v", c.sessionID, err)
		return
	}
	c.inbox.Push(msg)
}

func (c *Client) write(conn net.Conn, msg protocol.Message, timeout time.Duration) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	return connection.Send(conn, data, c.sessionID)
}

// Send writes an application message and waits briefly for its SENT
// confirmation. Anything else that arrives first is put back untouched.
func (c *Client) Send(ctx context.Context, out Outgoing) (SendResult, error) {
	result := SendResult{To: slices.Clone(out.To), Broadcast: len(out.To) == 0}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if !c.connected.Load() || conn == nil {
		return result, ErrNotConnected
	}

	msg := &protocol.Application{Type: out.Type, To: out.To}
	if out.Body != nil {
		body, err := json.Marshal(out.Body)
		if err != nil {
			return result, fmt.Errorf("encoding body: %w", err)
		}
		msg.Body = body
	}
	if err := c.write(conn, msg, c.opts.SendTimeout); err != nil {
		return result, fmt.Errorf("sending message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()
	item, ok := c.inbox.Pop(ctx)
	if !ok {
		logger.DebugF("Session %s: no confirmation within %v", c.sessionID, c.opts.SendTimeout)
		return result, nil
	}
	sent, isSent := item.(*protocol.Sent)
	if !isSent {
		c.inbox.PushFront(item)
		return result, nil
	}
	result.Confirmed = true
	result.ID = sent.ID
	result.To = sent.To
	result.Broadcast = sent.Broadcast
	return result, nil
}

// Receive pops the next inbound message. A zero timeout never blocks.
func (c *Client) Receive(timeout time.Duration) (protocol.Message, bool) {
	if timeout <= 0 {
		return c.inbox.TryPop()
	}
	return c.inbox.PopTimeout(timeout)
}

func (c *Client) ReceiveAll() []protocol.Message {
	return c.inbox.Drain()
}

// Disconnect stops the receive loop, waiting at most StopTimeout, and then
// closes the socket regardless.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stop.Store(true)
	if c.loopDone != nil {
		select {
		case <-c.loopDone:
		case <-time.After(c.opts.StopTimeout):
			logger.WarnF("Session %s: receive loop did not stop within %v", c.sessionID, c.opts.StopTimeout)
		}
		c.loopDone = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
}

func (c *Client) Status() Status {
	return Status{
		SessionID: c.sessionID,
		Connected: c.connected.Load(),
		Socket:    c.opts.SocketPath,
		Queued:    c.inbox.Len(),
	}
}
