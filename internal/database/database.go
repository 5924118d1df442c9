package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/config"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/utils"
)

// Open returns the store selected by configuration: MongoDB when enabled,
// otherwise an in-process journal.
func Open(ctx context.Context, c config.Config) (Store, error) {
	if !c.Database.Enabled {
		return NewMemoryStore(c.Database.JournalSize)
	}
	store, err := Connect(ctx, c.Database, c.AppName)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func databaseURL(c config.DatabaseConfig) string {
	// 编码特殊字符
	if c.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", c.Host, c.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		url.QueryEscape(c.Username), url.QueryEscape(c.Password),
		c.Host, c.Port,
	)
}

// Connect dials MongoDB and prepares the journal collections.
func Connect(ctx context.Context, c config.DatabaseConfig, appName string) (*DBStore, error) {
	logger.DebugF("Connecting to database...")

	clientOptions := options.Client().ApplyURI(databaseURL(c)).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(c.MinPoolSize)
	clientOptions.SetMaxPoolSize(c.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(c.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTime(c.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(c.SocketTimeout))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(c.Heartbeat))
	if c.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(c.Database)
	for _, name := range []string{MessageCollectionName, ReceiptCollectionName} {
		_, err = db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "msg_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(name + "_msg_id_unique"),
		})
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
		}
	}

	return &DBStore{
		client:           client,
		db:               db,
		operationTimeout: c.OperationTimeoutDuration(),
	}, nil
}
