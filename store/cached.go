package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// dirtyState tracks what needs flushing for a single document.
type dirtyState struct {
	flushed int64 // log bytes already in the backing store
	created bool  // doc created locally but not yet in backing store
}

// CachedStore wraps a backing DocumentStore with an in-memory cache.
// All reads and writes are served from the cache. New log bytes are
// flushed to the backing store periodically in the background.
type CachedStore struct {
	logger        *zap.Logger
	cache         *MemoryStore
	backing       DocumentStore
	mu            sync.Mutex
	dirty         map[string]*dirtyState
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// CachedOpt configures a CachedStore.
type CachedOpt func(*CachedStore)

// WithLogger sets the logger used for flush failures.
func WithLogger(logger *zap.Logger) CachedOpt {
	return func(cs *CachedStore) {
		cs.logger = logger
	}
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty documents to the backing store every flushInterval.
func NewCachedStore(backing DocumentStore, flushInterval time.Duration, opts ...CachedOpt) *CachedStore {
	cs := &CachedStore{
		logger:        zap.NewNop(),
		cache:         NewMemoryStore(),
		backing:       backing,
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cs)
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, id, token string) error {
	if _, err := cs.Get(ctx, id); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := cs.cache.Create(ctx, id, token); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dirty[id] = &dirtyState{created: true}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	info, err := cs.cache.Get(ctx, id)
	if err == nil {
		return info, nil
	}
	// Cache miss, load from backing store.
	if err := cs.loadFromBacking(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.Get(ctx, id)
}

// List merges the backing store's documents with those only in the cache.
func (cs *CachedStore) List(ctx context.Context) ([]DocumentInfo, error) {
	backed, err := cs.backing.List(ctx)
	if err != nil {
		return nil, err
	}
	cached, err := cs.cache.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(backed))
	for i, info := range backed {
		byID[info.ID] = i
	}
	for _, info := range cached {
		if i, ok := byID[info.ID]; ok {
			backed[i] = info
		} else {
			backed = append(backed, info)
		}
	}
	return backed, nil
}

func (cs *CachedStore) Append(ctx context.Context, id string, chunk []byte, offset int64) error {
	// Ensure doc is in cache.
	info, err := cs.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := cs.cache.Append(ctx, id, chunk, offset); err != nil {
		return err
	}
	// Mark dirty so the flush loop picks up the new bytes.
	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushed: info.Size}
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) ReadFrom(ctx context.Context, id string, offset int64) ([]byte, error) {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.ReadFrom(ctx, id, offset)
}

// loadFromBacking loads a document and its log from the backing store into
// the cache.
func (cs *CachedStore) loadFromBacking(ctx context.Context, id string) error {
	info, err := cs.backing.Get(ctx, id)
	if err != nil {
		return err
	}
	data, err := cs.backing.ReadFrom(ctx, id, 0)
	if err != nil {
		return err
	}
	info.Size = int64(len(data))

	// Write directly into cache's internal map.
	cs.cache.mu.Lock()
	if _, exists := cs.cache.docs[id]; !exists {
		cs.cache.docs[id] = &docRecord{info: *info, log: data}
	}
	cs.cache.mu.Unlock()
	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty documents to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	// Snapshot the dirty map and work on a copy.
	snapshot := make(map[string]dirtyState, len(cs.dirty))
	for id, ds := range cs.dirty {
		snapshot[id] = *ds
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for id, ds := range snapshot {
		// Read current state from cache.
		cs.cache.mu.RLock()
		rec, ok := cs.cache.docs[id]
		if !ok {
			cs.cache.mu.RUnlock()
			continue
		}
		token := rec.info.Token
		total := int64(len(rec.log))
		var pending []byte
		if ds.flushed < total {
			pending = make([]byte, total-ds.flushed)
			copy(pending, rec.log[ds.flushed:])
		}
		cs.cache.mu.RUnlock()

		if ds.created {
			err := cs.backing.Create(ctx, id, token)
			if err != nil && !errors.Is(err, ErrExists) {
				cs.logger.Warn("create in backing store failed", zap.String("doc", id), zap.Error(err))
				continue
			}
			ds.created = false
		}

		if len(pending) > 0 {
			if err := cs.backing.Append(ctx, id, pending, ds.flushed); err != nil {
				// retried next cycle
				cs.logger.Warn("flush failed",
					zap.String("doc", id),
					zap.Int64("offset", ds.flushed),
					zap.Int("bytes", len(pending)),
					zap.Error(err),
				)
			} else {
				ds.flushed = total
			}
		}

		// Update the authoritative dirty state.
		cs.mu.Lock()
		if cur := cs.dirty[id]; cur != nil {
			cur.flushed = ds.flushed
			cur.created = ds.created
			if !cur.created {
				// Re-check the log size, new bytes may have arrived.
				cs.cache.mu.RLock()
				if r, ok := cs.cache.docs[id]; ok && cur.flushed >= int64(len(r.log)) {
					delete(cs.dirty, id)
				}
				cs.cache.mu.RUnlock()
			}
		}
		cs.mu.Unlock()
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
