package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for an unknown document.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned by Create when the document is already there.
	ErrExists = errors.New("document already exists")
	// ErrOffsetMismatch is returned by Append when offset is not the current log size.
	ErrOffsetMismatch = errors.New("append offset does not match log size")
)

// DocumentInfo holds document metadata. The log itself is read with ReadFrom.
type DocumentInfo struct {
	ID        string
	Token     string
	Size      int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentStore persists the relay's per-document byte log. A log only
// grows; every append names the offset it expects to write at.
// Implementations: MemoryStore, CachedStore, FirestoreStore, RedisStore,
// PostgresStore.
type DocumentStore interface {
	Create(ctx context.Context, id, token string) error
	Get(ctx context.Context, id string) (*DocumentInfo, error)
	List(ctx context.Context) ([]DocumentInfo, error)
	Append(ctx context.Context, id string, chunk []byte, offset int64) error
	ReadFrom(ctx context.Context, id string, offset int64) ([]byte, error)
}
