// Package transport owns the relay connection. A single worker goroutine does
// all socket I/O and hands each completed operation to the consumer as an
// Event; it does not start another operation until the consumer calls Ack.
// The consumer therefore never touches the socket, and the worker never
// touches the document.
package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/wire"
)

// EventKind tells the consumer what the worker just did.
type EventKind int

const (
	// Connected: the socket is open. Ack before the worker starts I/O.
	Connected EventKind = iota + 1
	// Received: Data holds bytes read from the relay. Ack when processed.
	Received
	// Sent: N bytes of the last Write went out, or Err is set. Ack when processed.
	Sent
	// Disconnected: an established connection was lost. The worker waits for Reconnect.
	Disconnected
	// Failed: a dial attempt failed. The worker waits for Reconnect.
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Received:
		return "received"
	case Sent:
		return "sent"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Event is posted by the worker to the consumer.
type Event struct {
	Kind EventKind
	Data []byte
	N    int
	Err  error
}

// Config holds connection timing.
type Config struct {
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration `mapstructure:"dial-timeout"`
	// DrainTimeout bounds how long Close waits for the relay to hang up after /end.
	DrainTimeout time.Duration `mapstructure:"drain-timeout"`
	// DefaultPort is used when the server address has none.
	DefaultPort int `mapstructure:"default-port"`
	// ReadBufferSize is the size of each read.
	ReadBufferSize int `mapstructure:"read-buffer-size"`
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:    8 * time.Second,
		DrainTimeout:   4 * time.Second,
		DefaultPort:    7001,
		ReadBufferSize: 64 << 10,
	}
}

type Opt func(*Manager)

func WithLogger(logger *zap.Logger) Opt {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithConfig(cfg Config) Opt {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithDialer replaces the default TCP dialer.
func WithDialer(d Dialer) Opt {
	return func(m *Manager) {
		m.dialer = d
	}
}

// Manager runs the connection worker.
type Manager struct {
	logger *zap.Logger
	cfg    Config
	dialer Dialer

	events    chan Event
	ack       chan struct{}
	writes    chan []byte
	reconnect chan struct{}
	stop      chan struct{}
	done      chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Manager. Nothing happens until Start.
func New(opts ...Opt) *Manager {
	m := &Manager{
		logger:    zap.NewNop(),
		cfg:       DefaultConfig(),
		events:    make(chan Event, 1),
		ack:       make(chan struct{}, 1),
		writes:    make(chan []byte, 1),
		reconnect: make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = TCPDialer{DefaultPort: m.cfg.DefaultPort}
	}
	return m
}

// Start launches the worker, which immediately tries to connect to addr.
func (m *Manager) Start(ctx context.Context, addr string) {
	m.startOnce.Do(func() {
		go m.run(ctx, addr)
		go func() {
			select {
			case <-ctx.Done():
				m.stopOnce.Do(func() { close(m.stop) })
			case <-m.done:
			}
		}()
	})
}

// Events is the channel the consumer drains, one event at a time.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Ack releases the worker after a Connected, Received or Sent event.
func (m *Manager) Ack() {
	select {
	case m.ack <- struct{}{}:
	case <-m.done:
	}
}

// Write queues p for the worker. Only one write may be outstanding; it
// returns false if the previous one has not been picked up yet.
func (m *Manager) Write(p []byte) bool {
	select {
	case m.writes <- p:
		return true
	default:
		return false
	}
}

// Reconnect asks a disconnected worker to dial again.
func (m *Manager) Reconnect() {
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

// Done is closed when the worker has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Close stops the worker. A live connection is sent /end and drained until
// the relay hangs up or DrainTimeout passes. Close blocks until the worker exits.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	// never started: nothing will close done
	m.startOnce.Do(func() { close(m.done) })
	<-m.done
	return nil
}

type readResult struct {
	data []byte
	err  error
}

func (m *Manager) run(ctx context.Context, addr string) {
	defer close(m.done)
	for {
		m.discardWrites()
		conn, err := m.dial(ctx, addr)
		if err != nil {
			m.logger.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
			if !m.post(Event{Kind: Failed, Err: err}) || !m.waitReconnect() {
				return
			}
			continue
		}
		m.logger.Debug("connected", zap.String("addr", addr))
		if !m.post(Event{Kind: Connected}) || !m.waitAck() {
			m.hangUp(conn, nil)
			return
		}
		stopped, err := m.serve(conn)
		if stopped {
			return
		}
		m.logger.Debug("disconnected", zap.String("addr", addr), zap.Error(err))
		if !m.post(Event{Kind: Disconnected, Err: err}) || !m.waitReconnect() {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return m.dialer.Dial(ctx, addr)
}

// serve shuttles I/O for one connection. It returns stopped=true if Close was
// called, otherwise the error that ended the connection.
func (m *Manager) serve(conn io.ReadWriteCloser) (stopped bool, err error) {
	reads := make(chan readResult)
	quit := make(chan struct{})
	go m.readLoop(conn, reads, quit)
	defer close(quit)

	for {
		// reads take priority over writes
		select {
		case r := <-reads:
			if done, stopped, err := m.handleRead(conn, reads, r); done {
				return stopped, err
			}
			continue
		default:
		}

		select {
		case r := <-reads:
			if done, stopped, err := m.handleRead(conn, reads, r); done {
				return stopped, err
			}
		case p := <-m.writes:
			n, err := conn.Write(p)
			if !m.post(Event{Kind: Sent, N: n, Err: err}) || !m.waitAck() {
				m.hangUp(conn, reads)
				return true, nil
			}
			if err != nil {
				conn.Close()
				return false, err
			}
		case <-m.stop:
			m.hangUp(conn, reads)
			return true, nil
		}
	}
}

func (m *Manager) handleRead(conn io.ReadWriteCloser, reads <-chan readResult, r readResult) (done, stopped bool, err error) {
	if len(r.data) > 0 {
		if !m.post(Event{Kind: Received, Data: r.data}) || !m.waitAck() {
			if r.err == nil {
				m.hangUp(conn, reads)
			} else {
				conn.Close()
			}
			return true, true, nil
		}
	}
	if r.err != nil {
		conn.Close()
		return true, false, r.err
	}
	return false, false, nil
}

func (m *Manager) readLoop(conn io.Reader, reads chan<- readResult, quit <-chan struct{}) {
	for {
		buf := make([]byte, m.cfg.ReadBufferSize)
		n, err := conn.Read(buf)
		select {
		case reads <- readResult{data: buf[:n], err: err}:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// hangUp sends /end and waits for the relay to close its side.
func (m *Manager) hangUp(conn io.ReadWriteCloser, reads <-chan readResult) {
	defer conn.Close()
	if _, err := io.WriteString(conn, wire.EndRequest); err != nil || reads == nil {
		return
	}
	if d, ok := conn.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(m.cfg.DrainTimeout))
	}
	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	for {
		select {
		case r := <-reads:
			if r.err != nil {
				return
			}
		case <-timer.C:
			m.logger.Debug("drain timed out")
			return
		}
	}
}

func (m *Manager) post(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.stop:
		return false
	}
}

func (m *Manager) waitAck() bool {
	select {
	case <-m.ack:
		return true
	case <-m.stop:
		return false
	}
}

func (m *Manager) waitReconnect() bool {
	select {
	case <-m.reconnect:
		return true
	case <-m.stop:
		return false
	}
}

func (m *Manager) discardWrites() {
	for {
		select {
		case <-m.writes:
		default:
			return
		}
	}
}
