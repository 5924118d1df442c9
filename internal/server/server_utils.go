package server

import (
	"slices"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/connection"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/protocol"
)

// route stamps an application message, delivers it and confirms to the sender.
func (b *Broker) route(c *connection.Connection, sender string, msg *protocol.Application) {
	msg.From = sender
	msg.Timestamp = protocol.Timestamp(b.now())
	msg.ID = protocol.MessageID(sender, msg.Timestamp)
	if b.recentIDs.Contains(msg.ID) {
		logger.WarnF("[%s] Message id %s reused within %v", c.ConnID, msg.ID, b.opts.IDCollisionWindow)
	}
	b.recentIDs.Add(msg.ID, struct{}{})

	data, err := protocol.Encode(msg)
	if err != nil {
		logger.ErrorF("[%s] Fail to encode message %s, details: %v", c.ConnID, msg.ID, err)
		b.deliver(c, protocol.ErrorReply{Message: errInvalidJSON})
		return
	}

	if len(msg.To) == 0 {
		delivered := 0
		for _, target := range b.registry.Registered() {
			if target != c && b.write(target, data) {
				delivered++
			}
		}
		logger.DebugF("[%s] %s broadcast %s to %d sessions", c.ConnID, sender, msg.ID, delivered)
	} else {
		seen := make(map[string]struct{}, len(msg.To))
		for _, id := range msg.To {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			target, ok := b.registry.Lookup(id)
			if !ok {
				logger.WarnF("Session %s not connected, message %s dropped", id, msg.ID)
				continue
			}
			b.write(target, data)
		}
	}

	b.deliver(c, protocol.Sent{ID: msg.ID, To: slices.Clone(msg.To), Broadcast: len(msg.To) == 0})
	b.journalMessage(msg)
}

func (b *Broker) journalMessage(msg *protocol.Application) {
	if b.journal == nil {
		return
	}
	select {
	case b.journal <- database.NewMessageRecord(msg):
	default:
		logger.WarnF("Message journal is busy, %s not recorded", msg.ID)
	}
}

// broadcast sends msg to every registered session except exclude.
func (b *Broker) broadcast(msg protocol.Message, exclude *connection.Connection) {
	data, err := protocol.Encode(msg)
	if err != nil {
		logger.ErrorF("Fail to encode %s frame, details: %v", msg.Kind(), err)
		return
	}
	for _, target := range b.registry.Registered() {
		if target != exclude {
			b.write(target, data)
		}
	}
}

func (b *Broker) deliver(c *connection.Connection, msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		logger.ErrorF("[%s] Fail to encode %s frame, details: %v", c.ConnID, msg.Kind(), err)
		return false
	}
	return b.write(c, data)
}

// write never aborts the caller; a failing connection is queued for disconnect.
func (b *Broker) write(c *connection.Connection, data []byte) bool {
	if slices.Contains(b.pending, c) {
		return false
	}
	if err := c.Write(data, b.opts.WriteTimeout); err != nil {
		if !connection.IsExpectedCloseError(err) {
			logger.WarnF("[%s] Fail to send data, details: %v", c.ConnID, err)
		}
		b.pending = append(b.pending, c)
		return false
	}
	return true
}

func (b *Broker) flushPending() {
	for len(b.pending) > 0 {
		c := b.pending[0]
		b.pending = b.pending[1:]
		b.disconnect(c)
	}
}

// disconnect closes c and announces LEAVE if it was registered. Repeated
// calls for the same connection are no-ops apart from the close.
func (b *Broker) disconnect(c *connection.Connection) {
	id, registered := b.registry.Unregister(c)
	if err := c.Close(); err != nil && !connection.IsExpectedCloseError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", c.ConnID, err)
	}
	if !registered {
		logger.DebugF("[%s] Connection closed", c.ConnID)
		return
	}
	logger.InfoF("[%s] Session %s left", c.ConnID, id)
	b.broadcast(protocol.Leave{SessionID: id, Timestamp: protocol.Timestamp(b.now())}, nil)
}
