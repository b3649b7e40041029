// Package storage defines the relay log: a metadata-only record of every
// relayed backend call. Request and response bodies are never stored.
package storage

import (
	"context"
	"time"
)

// RelayRecord describes one relayed call.
type RelayRecord struct {
	ID        string
	RequestID string
	Endpoint  string
	Streaming bool
	Status    int
	Lines     int
	Duration  time.Duration
	Error     string
	CreatedAt time.Time
}

// RelayLog persists relay records.
type RelayLog interface {
	Record(ctx context.Context, rec *RelayRecord) error
	Recent(ctx context.Context, limit int) ([]*RelayRecord, error)
	Close() error
}
