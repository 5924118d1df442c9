package database

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/config"
)

func TestDatabaseURL(t *testing.T) {
	tests := []struct {
		input  config.DatabaseConfig
		expect string
	}{
		{config.DatabaseConfig{Host: "127.0.0.1", Port: 27017}, "mongodb://127.0.0.1:27017/"},
		{config.DatabaseConfig{Host: "db", Port: 27018, Username: "hub", Password: "p@ss/word"}, "mongodb://hub:p%40ss%2Fword@db:27018/?authSource=admin"},
	}
	for _, tt := range tests {
		if got := databaseURL(tt.input); got != tt.expect {
			t.Errorf("expect=%s got=%s", tt.expect, got)
		}
	}
}

func TestWrapError(t *testing.T) {
	if err := wrapError(mongo.ErrNoDocuments); !errors.Is(err, ErrNotFound) || !errors.Is(err, mongo.ErrNoDocuments) {
		t.Fatalf("no documents should map to ErrNotFound, got %v", err)
	}
	if err := wrapError(errors.New("boom")); errors.Is(err, ErrNotFound) {
		t.Fatalf("generic errors must not map to ErrNotFound")
	}
}
