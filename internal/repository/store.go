package repository

import (
	"context"
	"strconv"
)

const (
	BatchKeyPrefix          = "batch:"
	ResultKeyPrefix         = "result:"
	PendingNotificationsKey = "notifications:pending"
)

// Store is the durable key/value port the scheduler checkpoints into.
// Get returns domain.ErrNotFound for a missing key.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

func BatchKey(batchID string) string {
	return BatchKeyPrefix + batchID
}

func ResultKey(batchID string, index int) string {
	return ResultKeyPrefix + batchID + ":" + strconv.Itoa(index)
}

// ResultKeysPrefix is the prefix of every persisted result of a batch.
func ResultKeysPrefix(batchID string) string {
	return ResultKeyPrefix + batchID + ":"
}
