package server

import (
	"context"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/store"
)

type chunkMessage struct {
	client *Client
	data   []byte
}

// Session relays one document. All appends and broadcasts are serialized
// through a single goroutine, which is what gives every client the same
// total order.
type Session struct {
	logger  *zap.Logger
	docID   string
	token   string
	size    int64
	store   store.DocumentStore
	clients map[*Client]bool
	count   atomic.Int32

	incoming chan chunkMessage
	join     chan joinRequest
	leave    chan *Client
	done     chan struct{}
}

func newSession(logger *zap.Logger, info *store.DocumentInfo, st store.DocumentStore) *Session {
	return &Session{
		logger:   logger.With(zap.String("doc", info.ID)),
		docID:    info.ID,
		token:    info.Token,
		size:     info.Size,
		store:    st,
		clients:  make(map[*Client]bool),
		incoming: make(chan chunkMessage, 64),
		join:     make(chan joinRequest, 16),
		leave:    make(chan *Client, 16),
		done:     make(chan struct{}),
	}
}

// Run is the session's main loop. It serializes all appends.
func (s *Session) Run(ctx context.Context) {
	activeSessions.Inc()
	defer activeSessions.Dec()
	defer close(s.done)
	for {
		select {
		case req := <-s.join:
			s.handleJoin(ctx, req)
		case c := <-s.leave:
			s.handleLeave(ctx, c)
		case m := <-s.incoming:
			s.handleData(ctx, m)
		case <-ctx.Done():
			for c := range s.clients {
				s.remove(c)
			}
			return
		}
	}
}

// Clients returns the number of joined clients.
func (s *Session) Clients() int {
	return int(s.count.Load())
}

func (s *Session) handleJoin(ctx context.Context, req joinRequest) {
	c := req.client
	if !tokenMatches(s.token, req.start.Token) {
		s.logger.Info("access denied", zap.String("user", c.Name))
		accessDenied.Inc()
		c.deny()
		return
	}

	offset := int64(req.start.Offset)
	if offset > s.size {
		s.logger.Warn("client is ahead of the log, replaying nothing",
			zap.String("user", c.Name),
			zap.Int64("offset", offset),
			zap.Int64("size", s.size),
		)
		offset = s.size
	}
	replay, err := s.store.ReadFrom(ctx, s.docID, offset)
	if err != nil {
		s.logger.Error("reading log for replay", zap.Error(err))
		c.refuse()
		return
	}

	s.clients[c] = true
	s.count.Add(1)
	connectedClients.Inc()
	c.setSession(s)
	c.joined <- s

	s.logger.Info("client joined",
		zap.String("user", c.Name),
		zap.Uint64("connect_id", c.ConnectID),
		zap.String("replay", humanize.Bytes(uint64(len(replay)))),
	)
	if len(replay) > 0 && !c.sendBytes(replay) {
		s.remove(c)
		return
	}
	if err := s.appendAndBroadcast(ctx, connectGroup(c.Name, c.ConnectID)); err != nil {
		s.logger.Error("appending connect", zap.Error(err))
	}
}

func (s *Session) handleLeave(ctx context.Context, c *Client) {
	if !s.clients[c] {
		c.closeSend()
		return
	}
	s.remove(c)
	s.logger.Info("client left", zap.String("user", c.Name))
	if err := s.appendAndBroadcast(ctx, disconnectGroup(c.Name)); err != nil {
		s.logger.Error("appending disconnect", zap.Error(err))
	}
}

func (s *Session) handleData(ctx context.Context, m chunkMessage) {
	if !s.clients[m.client] {
		return
	}
	if err := s.appendAndBroadcast(ctx, m.data); err != nil {
		// The sender resends everything unconfirmed when it reconnects.
		s.logger.Error("appending data, dropping sender",
			zap.String("user", m.client.Name),
			zap.Int("bytes", len(m.data)),
			zap.Error(err),
		)
		s.handleLeave(ctx, m.client)
	}
}

// appendAndBroadcast persists b at the end of the log and queues it for
// every client, the sender included. Clients that cannot keep up are cut
// off; they resume from their offset when they reconnect.
func (s *Session) appendAndBroadcast(ctx context.Context, b []byte) error {
	if err := s.store.Append(ctx, s.docID, b, s.size); err != nil {
		return err
	}
	s.size += int64(len(b))
	bytesRelayed.Add(float64(len(b)))

	var slow []*Client
	for c := range s.clients {
		if !c.sendBytes(b) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		s.logger.Warn("client too slow, disconnecting", zap.String("user", c.Name))
		s.handleLeave(ctx, c)
	}
	return nil
}

func (s *Session) remove(c *Client) {
	if !s.clients[c] {
		return
	}
	delete(s.clients, c)
	s.count.Add(-1)
	connectedClients.Dec()
	c.setSession(nil)
	c.closeSend()
}
