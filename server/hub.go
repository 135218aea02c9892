package server

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/store"
	"github.com/alimasry/go-whiteboard/wire"
)

type joinRequest struct {
	client *Client
	start  wire.StartParams
}

// Opt configures a Hub or Server.
type Opt func(*options)

type options struct {
	logger *zap.Logger
	cfg    Config
}

func WithLogger(logger *zap.Logger) Opt {
	return func(o *options) {
		o.logger = logger
	}
}

func WithConfig(cfg Config) Opt {
	return func(o *options) {
		o.cfg = cfg
	}
}

func buildOptions(opts []Opt) options {
	o := options{logger: zap.NewNop(), cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Hub manages document sessions and routes clients to the right session.
type Hub struct {
	logger   *zap.Logger
	cfg      Config
	store    store.DocumentStore
	sessions map[string]*Session
	mu       sync.RWMutex

	joinDoc chan joinRequest
	done    chan struct{}
}

func NewHub(st store.DocumentStore, opts ...Opt) *Hub {
	o := buildOptions(opts)
	return &Hub{
		logger:   o.logger,
		cfg:      o.cfg,
		store:    st,
		sessions: make(map[string]*Session),
		joinDoc:  make(chan joinRequest, 64),
		done:     make(chan struct{}),
	}
}

// Run is the hub's main loop. Sessions it starts stop with ctx.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case req := <-h.joinDoc:
			h.handleJoinDoc(ctx, req)
		case <-ctx.Done():
			h.mu.RLock()
			sessions := make([]*Session, 0, len(h.sessions))
			for _, s := range h.sessions {
				sessions = append(sessions, s)
			}
			h.mu.RUnlock()
			for _, s := range sessions {
				<-s.done
			}
			return
		}
	}
}

// ServeConn runs the protocol on conn until the client leaves.
func (h *Hub) ServeConn(conn io.ReadWriteCloser) {
	c := newClient(h, conn)
	go c.WritePump()
	c.ReadPump()
}

func (h *Hub) handleJoinDoc(ctx context.Context, req joinRequest) {
	docID := req.start.Document
	h.mu.Lock()
	s, ok := h.sessions[docID]
	if !ok {
		info, err := h.loadOrCreate(ctx, docID, req.start.Token)
		if err != nil {
			h.logger.Error("failed to open document", zap.String("doc", docID), zap.Error(err))
			h.mu.Unlock()
			req.client.refuse()
			return
		}
		s = newSession(h.logger, info, h.store)
		h.sessions[docID] = s
		go s.Run(ctx)
	}
	h.mu.Unlock()

	select {
	case s.join <- req:
	case <-s.done:
		req.client.refuse()
	}
}

// loadOrCreate opens docID, creating it owned by token if it is new.
func (h *Hub) loadOrCreate(ctx context.Context, docID, token string) (*store.DocumentInfo, error) {
	info, err := h.store.Get(ctx, docID)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	err = h.store.Create(ctx, docID, token)
	switch {
	case err == nil:
		h.logger.Info("document created", zap.String("doc", docID))
	case !errors.Is(err, store.ErrExists):
		return nil, err
	}
	return h.store.Get(ctx, docID)
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(docID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}

// Documents lists stored documents with their live client counts.
func (h *Hub) Documents(ctx context.Context) ([]DocSummary, error) {
	infos, err := h.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DocSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, h.summary(info))
	}
	return out, nil
}

func (h *Hub) summary(info store.DocumentInfo) DocSummary {
	var n int
	if s := h.GetSession(info.ID); s != nil {
		n = s.Clients()
	}
	return newDocSummary(info, n)
}
