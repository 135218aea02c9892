package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens a byte stream to a relay.
type Dialer interface {
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

// TCPDialer dials the relay's raw TCP port.
type TCPDialer struct {
	DefaultPort int
}

// Dial connects to addr, adding DefaultPort when addr has no port.
func (d TCPDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil && d.DefaultPort > 0 {
		addr = net.JoinHostPort(addr, strconv.Itoa(d.DefaultPort))
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// WebSocketDialer reaches the relay through its HTTP endpoint, for networks
// where only HTTP gets through.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Path   string
}

// Dial connects to addr, which may be a ws:// URL or a bare host:port.
func (d WebSocketDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		u = &url.URL{Scheme: "ws", Host: addr}
	}
	if u.Path == "" {
		u.Path = d.Path
		if u.Path == "" {
			u.Path = "/ws"
		}
	}
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	c, _, err := wd.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return NewWebSocketConn(c), nil
}

// WebSocketConn adapts a websocket connection to a byte stream. Each Write is
// sent as one binary message; message boundaries carry no meaning.
type WebSocketConn struct {
	ws *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex
}

// NewWebSocketConn wraps c.
func NewWebSocketConn(c *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: c}
}

func (c *WebSocketConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetReadDeadline lets the drain on close be bounded.
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close sends a close frame and closes the socket.
func (c *WebSocketConn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}
