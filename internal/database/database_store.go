package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/protocol"
)

// DBStore is the MongoDB backed Store.
type DBStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
}

func wrapError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) messages() *mongo.Collection {
	return ds.db.Collection(MessageCollectionName)
}

func (ds *DBStore) receipts() *mongo.Collection {
	return ds.db.Collection(ReceiptCollectionName)
}

func (ds *DBStore) SaveMessage(ctx context.Context, record *MessageRecord) error {
	if record.ID == "" {
		return ErrMessageIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "msg_id", Value: record.ID}}
	result, err := ds.messages().ReplaceOne(ctx, filter, record, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapError(err)
	}
	if result.MatchedCount > 0 {
		logger.WarnF("Message %s overwrote an earlier journal entry", record.ID)
	}
	return nil
}

func (ds *DBStore) GetMessage(ctx context.Context, msgID string) (*MessageRecord, error) {
	msgID = NormalizeID(msgID)
	if msgID == "" {
		return nil, ErrMessageIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	var record MessageRecord
	startTime := time.Now()
	err := ds.messages().FindOne(ctx, bson.D{{Key: "msg_id", Value: msgID}}).Decode(&record)
	logger.DebugF("message query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, wrapError(err)
	}
	return &record, nil
}

// Ack appends session to the readers of msgID unless it is already there.
// The filter excludes receipts that already name the session, so a repeat
// ack turns into an upsert that collides with the unique msg_id index.
func (ds *DBStore) Ack(ctx context.Context, msgID, session string, at time.Time) (*AckResult, error) {
	msgID = NormalizeID(msgID)
	if msgID == "" {
		return nil, ErrMessageIDEmpty
	}
	if session == "" {
		return nil, ErrSessionEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	ts := protocol.Timestamp(at)
	filter := bson.D{
		{Key: "msg_id", Value: msgID},
		{Key: "read_by.session", Value: bson.D{{Key: "$ne", Value: session}}},
	}
	update := bson.D{{Key: "$push", Value: bson.D{{Key: "read_by", Value: ReadEntry{Session: session, Timestamp: ts}}}}}
	_, err := ds.receipts().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, wrapError(err)
	}

	receipt, findErr := ds.findReceipt(ctx, msgID)
	if findErr != nil {
		return nil, findErr
	}
	if err != nil {
		entry, _ := receipt.entryFor(session)
		return &AckResult{Status: AckStatusAlreadyAcked, MsgID: msgID, Session: session, FirstAck: entry.Timestamp}, nil
	}
	return &AckResult{
		Status:       AckStatusAcked,
		MsgID:        msgID,
		Session:      session,
		Timestamp:    ts,
		TotalReaders: len(receipt.ReadBy),
	}, nil
}

func (ds *DBStore) Receipts(ctx context.Context, msgID string) (*Receipt, error) {
	msgID = NormalizeID(msgID)
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	receipt, err := ds.findReceipt(ctx, msgID)
	if errors.Is(err, ErrNotFound) {
		return &Receipt{MsgID: msgID, ReadBy: []ReadEntry{}}, nil
	}
	return receipt, err
}

func (ds *DBStore) findReceipt(ctx context.Context, msgID string) (*Receipt, error) {
	var receipt Receipt
	if err := ds.receipts().FindOne(ctx, bson.D{{Key: "msg_id", Value: msgID}}).Decode(&receipt); err != nil {
		return nil, wrapError(err)
	}
	return &receipt, nil
}

func (ds *DBStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	return ds.client.Disconnect(ctx)
}
