package database

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/protocol"
)

const DefaultJournalSize = 4096

// MemoryStore keeps the most recent messages and receipts in process.
type MemoryStore struct {
	mu       sync.Mutex
	messages *lru.Cache[string, *MessageRecord]
	receipts *lru.Cache[string, *Receipt]
}

func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultJournalSize
	}
	messages, err := lru.New[string, *MessageRecord](size)
	if err != nil {
		return nil, fmt.Errorf("creating message journal: %w", err)
	}
	receipts, err := lru.New[string, *Receipt](size)
	if err != nil {
		return nil, fmt.Errorf("creating receipt journal: %w", err)
	}
	return &MemoryStore{messages: messages, receipts: receipts}, nil
}

func (ms *MemoryStore) SaveMessage(_ context.Context, record *MessageRecord) error {
	if record.ID == "" {
		return ErrMessageIDEmpty
	}
	copied := *record
	copied.To = slices.Clone(record.To)
	if evicted := ms.messages.Add(record.ID, &copied); evicted {
		logger.DebugF("Message journal full, oldest entry evicted")
	}
	return nil
}

func (ms *MemoryStore) GetMessage(_ context.Context, msgID string) (*MessageRecord, error) {
	msgID = NormalizeID(msgID)
	record, ok := ms.messages.Get(msgID)
	if !ok {
		return nil, fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}
	copied := *record
	copied.To = slices.Clone(record.To)
	return &copied, nil
}

func (ms *MemoryStore) Ack(_ context.Context, msgID, session string, at time.Time) (*AckResult, error) {
	msgID = NormalizeID(msgID)
	if msgID == "" {
		return nil, ErrMessageIDEmpty
	}
	if session == "" {
		return nil, ErrSessionEmpty
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	receipt, ok := ms.receipts.Get(msgID)
	if !ok {
		receipt = &Receipt{MsgID: msgID}
	}
	if entry, found := receipt.entryFor(session); found {
		return &AckResult{
			Status:   AckStatusAlreadyAcked,
			MsgID:    msgID,
			Session:  session,
			FirstAck: entry.Timestamp,
		}, nil
	}

	ts := protocol.Timestamp(at)
	receipt.ReadBy = append(receipt.ReadBy, ReadEntry{Session: session, Timestamp: ts})
	ms.receipts.Add(msgID, receipt)
	return &AckResult{
		Status:       AckStatusAcked,
		MsgID:        msgID,
		Session:      session,
		Timestamp:    ts,
		TotalReaders: len(receipt.ReadBy),
	}, nil
}

// Receipts returns an empty receipt for messages nobody acked.
func (ms *MemoryStore) Receipts(_ context.Context, msgID string) (*Receipt, error) {
	msgID = NormalizeID(msgID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	receipt, ok := ms.receipts.Get(msgID)
	if !ok {
		return &Receipt{MsgID: msgID, ReadBy: []ReadEntry{}}, nil
	}
	return &Receipt{MsgID: msgID, ReadBy: slices.Clone(receipt.ReadBy)}, nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	ms.messages.Purge()
	ms.receipts.Purge()
	return nil
}
