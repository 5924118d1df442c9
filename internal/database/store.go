package database

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/protocol"
)

const (
	MessageCollectionName = "messages"
	ReceiptCollectionName = "receipts"
)

var (
	ErrNotFound       = errors.New("document does not exist")
	ErrMessageIDEmpty = errors.New("msg_id is empty")
	ErrSessionEmpty   = errors.New("session is empty")
)

// MessageRecord is the journaled form of a routed application message.
type MessageRecord struct {
	ID        string   `bson:"msg_id" json:"id"`
	Type      string   `bson:"type" json:"type"`
	From      string   `bson:"from" json:"from"`
	To        []string `bson:"to,omitempty" json:"to,omitempty"`
	Body      string   `bson:"body,omitempty" json:"body,omitempty"`
	Timestamp string   `bson:"timestamp" json:"timestamp"`
}

type ReadEntry struct {
	Session   string `bson:"session" json:"session"`
	Timestamp string `bson:"timestamp" json:"timestamp"`
}

// Receipt lists the sessions that acknowledged reading a message.
type Receipt struct {
	MsgID  string      `bson:"msg_id" json:"msg_id"`
	ReadBy []ReadEntry `bson:"read_by" json:"read_by"`
}

type AckStatus string

const (
	AckStatusAcked        AckStatus = "acked"
	AckStatusAlreadyAcked AckStatus = "already_acked"
)

type AckResult struct {
	Status       AckStatus `json:"status"`
	MsgID        string    `json:"msg_id"`
	Session      string    `json:"session"`
	Timestamp    string    `json:"timestamp,omitempty"`
	FirstAck     string    `json:"first_ack,omitempty"`
	TotalReaders int       `json:"total_readers,omitempty"`
}

// Store journals routed messages and their read receipts. The hub only
// writes to it; nothing is ever redelivered from it.
type Store interface {
	SaveMessage(ctx context.Context, record *MessageRecord) error
	GetMessage(ctx context.Context, msgID string) (*MessageRecord, error)
	Ack(ctx context.Context, msgID, session string, at time.Time) (*AckResult, error)
	Receipts(ctx context.Context, msgID string) (*Receipt, error)
	Close(ctx context.Context) error
}

// NewMessageRecord captures the fields downstream tooling keys on.
func NewMessageRecord(app *protocol.Application) *MessageRecord {
	return &MessageRecord{
		ID:        app.ID,
		Type:      app.Type,
		From:      app.From,
		To:        slices.Clone(app.To),
		Body:      app.BodyString(),
		Timestamp: app.Timestamp,
	}
}

// NormalizeID strips the "#" prefix users may type in front of an id.
func NormalizeID(msgID string) string {
	return strings.TrimLeft(strings.TrimSpace(msgID), "#")
}

func (r *Receipt) Readers() []string {
	readers := make([]string, 0, len(r.ReadBy))
	for _, entry := range r.ReadBy {
		readers = append(readers, entry.Session)
	}
	return readers
}

func (r *Receipt) entryFor(session string) (ReadEntry, bool) {
	for _, entry := range r.ReadBy {
		if entry.Session == session {
			return entry, true
		}
	}
	return ReadEntry{}, false
}

// UnreadBy returns the sessions, in the given order, that have not acked.
func UnreadBy(receipt *Receipt, sessions []string) []string {
	unread := make([]string, 0, len(sessions))
	for _, session := range sessions {
		if receipt == nil {
			unread = append(unread, session)
			continue
		}
		if _, ok := receipt.entryFor(session); !ok {
			unread = append(unread, session)
		}
	}
	return unread
}

// StoreCloseCallback closes a Store during shutdown.
type StoreCloseCallback struct {
	store Store
}

func NewStoreCloseCallback(store Store) *StoreCloseCallback {
	return &StoreCloseCallback{store: store}
}

func (sc *StoreCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing message store")
	return sc.store.Close(ctx)
}
