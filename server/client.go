package server

import (
	"bufio"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/wire"
)

const (
	maxLineLen = 4096
	sendBuffer = 256
)

// Client is one connection speaking the line protocol, over raw TCP or a
// WebSocket byte stream.
type Client struct {
	ID        string
	Name      string
	ConnectID uint64

	hub    *Hub
	conn   io.ReadWriteCloser
	logger *zap.Logger
	send   chan []byte
	joined chan *Session

	closeOnce sync.Once

	// The session this client is currently in (nil if not joined).
	mu      sync.Mutex
	session *Session
}

var (
	adjectives = []string{"Red", "Blue", "Green", "Gold", "Silver", "Purple", "Orange", "Teal", "Coral", "Jade"}
	animals    = []string{"Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer", "Lynx", "Crow", "Dove", "Seal"}
)

func newClient(hub *Hub, conn io.ReadWriteCloser) *Client {
	id := uuid.NewString()
	return &Client{
		ID:     id,
		hub:    hub,
		conn:   conn,
		logger: hub.logger.With(zap.String("client", id)),
		send:   make(chan []byte, sendBuffer),
		joined: make(chan *Session, 1),
	}
}

// guestName is used for clients that join without a user name.
func guestName() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return adjectives[r.Intn(len(adjectives))] + " " + animals[r.Intn(len(animals))]
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// ReadPump reads request lines and routes them. A client must start with
// /start; after that it sends /data frames until /end or hang-up.
func (c *Client) ReadPump() {
	defer func() {
		if s := c.currentSession(); s != nil {
			select {
			case s.leave <- c:
			case <-s.done:
				c.closeSend()
			}
		} else {
			c.closeSend()
		}
	}()

	r := bufio.NewReaderSize(c.conn, maxLineLen)
	for {
		line, err := r.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				c.logger.Warn("request line too long")
			} else if !errors.Is(err, io.EOF) && c.currentSession() != nil {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		req, err := wire.ParseRequest(string(line))
		if err != nil {
			c.logger.Warn("bad request", zap.Error(err))
			return
		}

		switch req.Kind {
		case wire.RequestStart:
			if c.currentSession() != nil {
				c.logger.Warn("repeated start request ignored")
				continue
			}
			if !c.join(req.Start) {
				return
			}
		case wire.RequestData:
			if req.Length > c.hub.cfg.MaxChunk {
				c.logger.Warn("data frame too large", zap.Int("length", req.Length))
				return
			}
			buf := make([]byte, req.Length)
			if _, err := io.ReadFull(r, buf); err != nil {
				c.logger.Debug("short data frame", zap.Error(err))
				return
			}
			s := c.currentSession()
			if s == nil {
				c.logger.Warn("data before start")
				return
			}
			select {
			case s.incoming <- chunkMessage{client: c, data: buf}:
			case <-s.done:
				return
			}
		case wire.RequestEnd:
			return
		}
	}
}

// join hands the start request to the hub and waits until the session has
// replayed the log, so that data following the start line is never ahead
// of the join.
func (c *Client) join(p wire.StartParams) bool {
	c.Name = p.User
	if c.Name == "" {
		c.Name = guestName()
	}
	c.ConnectID = p.ConnectID
	select {
	case c.hub.joinDoc <- joinRequest{client: c, start: p}:
	case <-c.hub.done:
		return false
	}
	select {
	case s := <-c.joined:
		return s != nil
	case <-c.hub.done:
		return false
	}
}

// WritePump writes queued bytes to the connection until the send channel
// is closed, then hangs up.
func (c *Client) WritePump() {
	defer c.conn.Close()
	for data := range c.send {
		if _, err := c.conn.Write(data); err != nil {
			c.logger.Debug("write error", zap.Error(err))
			return
		}
	}
}

// sendBytes queues b, reporting false when the client is too slow to keep up.
func (c *Client) sendBytes(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// deny sends accessdenied and hangs up.
func (c *Client) deny() {
	c.sendBytes(accessDeniedGroup())
	c.closeSend()
	c.joined <- nil
}

// refuse hangs up without a reply.
func (c *Client) refuse() {
	c.closeSend()
	c.joined <- nil
}
