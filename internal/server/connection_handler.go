package server

import (
	"errors"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/connection"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/protocol"
)

const readBufferSize = 64 * 1024

const (
	errInvalidJSON   = "Invalid JSON"
	errNotRegistered = "Not registered. Send REGISTER first."
	errFrameTooLarge = "Frame too large"
)

// readLoop reassembles frames from c and posts each read's frames to the
// loop as one batch. It never touches the registry.
func (b *Broker) readLoop(c *connection.Connection) {
	defer b.readers.Done()

	splitter := protocol.NewSplitter(b.opts.MaxFrameSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.Conn.Read(buf)
		if n > 0 {
			posted := true
			splitter.FeedAll(buf[:n], func(frames [][]byte, tooLarge bool) bool {
				if tooLarge {
					logger.WarnF("[%s] Frame exceeds %d bytes, dropped", c.ConnID, b.opts.MaxFrameSize)
				}
				posted = b.post(loopEvent{kind: eventFrames, conn: c, frames: frames, tooLarge: tooLarge})
				return posted
			})
			if !posted {
				return
			}
		}
		if err != nil {
			connection.HandleReadError(c.ConnID, err)
			b.post(loopEvent{kind: eventClosed, conn: c})
			return
		}
	}
}

// handleFrames processes one batch in order. tooLarge marks a dropped frame
// that followed the batch, so its ERROR is sent last. Connections that fail
// a write are disconnected after the frame that caused it.
func (b *Broker) handleFrames(c *connection.Connection, frames [][]byte, tooLarge bool) {
	for _, frame := range frames {
		if !b.registry.Contains(c) {
			logger.DebugF("[%s] Connection gone, %d frames discarded", c.ConnID, len(frames))
			return
		}
		b.handleFrame(c, frame)
		b.flushPending()
	}
	if tooLarge && b.registry.Contains(c) {
		b.deliver(c, protocol.ErrorReply{Message: errFrameTooLarge})
		b.flushPending()
	}
}

func (b *Broker) handleFrame(c *connection.Connection, frame []byte) {
	msg, err := protocol.DecodeFromClient(frame)
	if err != nil {
		var fieldErr *protocol.FieldError
		if errors.As(err, &fieldErr) {
			logger.WarnF("[%s] Invalid frame, details: %v", c.ConnID, fieldErr)
			b.deliver(c, protocol.ErrorReply{Message: fieldErr.Error()})
			return
		}
		logger.WarnF("[%s] Malformed frame received", c.ConnID)
		b.deliver(c, protocol.ErrorReply{Message: errInvalidJSON})
		return
	}

	switch m := msg.(type) {
	case *protocol.Register:
		b.handleRegister(c, m)
	case *protocol.Application:
		sender := b.registry.IdentityOf(c)
		if sender == "" {
			b.deliver(c, protocol.ErrorReply{Message: errNotRegistered})
			return
		}
		b.route(c, sender, m)
	}
}

func (b *Broker) handleRegister(c *connection.Connection, m *protocol.Register) {
	current := b.registry.IdentityOf(c)
	_, previous := b.registry.Register(m.SessionID, c)
	logger.InfoF("[%s] Session %s registered", c.ConnID, m.SessionID)

	b.deliver(c, protocol.Registered{SessionID: m.SessionID, Online: b.registry.Identities()})

	ts := protocol.Timestamp(b.now())
	if previous != "" {
		logger.InfoF("[%s] Session %s renamed to %s", c.ConnID, previous, m.SessionID)
		b.broadcast(protocol.Leave{SessionID: previous, Timestamp: ts}, c)
	}
	if current != m.SessionID {
		b.broadcast(protocol.Join{SessionID: m.SessionID, Timestamp: ts}, c)
	}
}
