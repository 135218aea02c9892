// Package whiteboard keeps a local document and its undo history in sync with
// other clients through a relay that rebroadcasts every byte it receives, in
// one global order, to every client including the sender.
//
// Each client sends its own undo groups as they are made (or their inverses
// as they are undone), recognizes its own groups when the relay echoes them,
// and replays everyone else's groups onto the document at the point in local
// history the relay has confirmed. Nothing is merged: the relay's order wins.
//
// Pages are identified on the wire by index only. A remote addpage or delpage
// that races a local page reorder can therefore land on the wrong page; this
// matches every existing peer and is left as is.
package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/doc"
	"github.com/alimasry/go-whiteboard/transport"
	"github.com/alimasry/go-whiteboard/undo"
	"github.com/alimasry/go-whiteboard/wire"
)

var (
	// ErrNotConnected is returned by operations that need a sync session.
	ErrNotConnected = errors.New("whiteboard: not connected")
	// ErrAlreadyConnected is returned by Connect on a live session.
	ErrAlreadyConnected = errors.New("whiteboard: already connected")
	// ErrAborted means the sync session was torn down while waiting.
	ErrAborted = errors.New("whiteboard: session closed")
	// ErrAccessDenied means the relay rejected our token.
	ErrAccessDenied = errors.New("whiteboard: access denied")
	// ErrClosed is returned once the session loop has exited.
	ErrClosed = errors.New("whiteboard: session loop stopped")
)

// State is the connection state.
type State int

const (
	Off State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	// TickInterval drives reconnects and view sync.
	TickInterval time.Duration `mapstructure:"tick-interval"`
	// ReconnectTicks is the number of ticks between reconnect attempts.
	ReconnectTicks int `mapstructure:"reconnect-ticks"`
	// QuietPeriod is how long after local input a followed viewport is held back.
	QuietPeriod time.Duration `mapstructure:"quiet-period"`
	// CompressionLevel is the gzip level for large payloads; 0 disables compression.
	CompressionLevel int `mapstructure:"compression-level"`
	// CompressionThreshold is the payload size above which compression applies.
	CompressionThreshold int `mapstructure:"compression-threshold"`
	// SendImmediately transmits history as it changes; otherwise only on QueueForSend(true).
	SendImmediately bool `mapstructure:"send-immediately"`
	// ViewPageOffset is added to the page of every received viewport.
	ViewPageOffset int `mapstructure:"view-page-offset"`
	// BootstrapBaseID numbers pre-existing strokes from BootstrapBaseID+1.
	BootstrapBaseID uint64 `mapstructure:"bootstrap-base-id"`

	Transport transport.Config `mapstructure:"transport"`
}

func DefaultConfig() Config {
	return Config{
		TickInterval:         time.Second,
		ReconnectTicks:       5,
		QuietPeriod:          4 * time.Second,
		CompressionLevel:     6,
		CompressionThreshold: wire.DefaultThreshold,
		SendImmediately:      true,
		BootstrapBaseID:      2000,
		Transport:            transport.DefaultConfig(),
	}
}

type Opt func(*Session)

func WithLogger(logger *zap.Logger) Opt {
	return func(s *Session) {
		s.logger = logger
	}
}

func WithConfig(cfg Config) Opt {
	return func(s *Session) {
		s.cfg = cfg
	}
}

// WithViewer enables view sync against v.
func WithViewer(v Viewer) Opt {
	return func(s *Session) {
		s.viewer = v
	}
}

// WithIDSource replaces the random id source.
func WithIDSource(ids IDSource) Opt {
	return func(s *Session) {
		s.ids = ids
	}
}

// WithDialer selects how the relay is reached; the default is raw TCP.
func WithDialer(d transport.Dialer) Opt {
	return func(s *Session) {
		s.dialer = d
	}
}

func withClock(clock clockwork.Clock) Opt {
	return func(s *Session) {
		s.clock = clock
	}
}

func withConn(newConn func() conn) Opt {
	return func(s *Session) {
		s.newConn = newConn
	}
}

// conn is the part of transport.Manager the session drives.
type conn interface {
	Start(ctx context.Context, addr string)
	Events() <-chan transport.Event
	Ack()
	Write(p []byte) bool
	Reconnect()
	Close() error
}

// JoinParams identify the user and the shared document.
type JoinParams struct {
	User     string
	Document string
	Token    string
	// RxOnly puts joiners in lecture mode: they receive but never transmit.
	RxOnly bool
}

type waiter struct {
	ready func() bool
	ch    chan struct{}
}

// Session syncs one document. All of its state, along with the document and
// history it was given, belongs to the goroutine running Run; other
// goroutines reach it through Do and the exported methods.
type Session struct {
	logger *zap.Logger
	cfg    Config
	clock  clockwork.Clock
	ids    IDSource
	dialer transport.Dialer

	doc     *doc.Document
	hist    *undo.History
	editor  Editor
	viewer  Viewer
	strokes *IdentityMap

	newConn func() conn
	conn    conn
	runCtx  context.Context
	calls   chan func()
	done    chan struct{}

	state     State
	server    string
	params    JoinParams
	connectID uint64
	bytesRcvd uint64
	dec       wire.Decoder
	deferred  bool
	tickCount int

	pending       []byte
	writeInFlight bool

	awaitingBootstrap bool
	placeholder       bool
	docLoaded         bool
	docReady          chan struct{}
	closed            chan struct{}
	closeErr          error
	enableTX          bool
	blocking          bool
	waiters           []*waiter

	clients []string
	master  string
	notify  strings.Builder

	viewMode    ViewMode
	lastView    ViewBox
	pendingView ViewBox
}

// New creates a session over d and h. ed receives notifications; it may be nil.
func New(d *doc.Document, h *undo.History, ed Editor, opts ...Opt) *Session {
	if ed == nil {
		ed = nopEditor{}
	}
	s := &Session{
		logger:      zap.NewNop(),
		cfg:         DefaultConfig(),
		clock:       clockwork.NewRealClock(),
		ids:         RandomIDs{},
		doc:         d,
		hist:        h,
		editor:      ed,
		strokes:     NewIdentityMap(),
		calls:       make(chan func()),
		done:        make(chan struct{}),
		lastView:    invalidViewBox,
		pendingView: invalidViewBox,
		closed:      make(chan struct{}),
		docReady:    make(chan struct{}),
		runCtx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newConn == nil {
		s.newConn = func() conn {
			opts := []transport.Opt{
				transport.WithLogger(s.logger.Named("transport")),
				transport.WithConfig(s.cfg.Transport),
			}
			if s.dialer != nil {
				opts = append(opts, transport.WithDialer(s.dialer))
			}
			return transport.New(opts...)
		}
	}
	return s
}

// Run is the session loop. It owns the document and history while it runs.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.runCtx = ctx
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		var events <-chan transport.Event
		if s.conn != nil {
			events = s.conn.Events()
		}
		select {
		case ev := <-events:
			s.handleEvent(ev)
		case <-ticker.Chan():
			s.tick()
		case fn := <-s.calls:
			fn()
		case <-ctx.Done():
			s.disconnect()
			return ctx.Err()
		}
		s.checkWaiters()
	}
}

// Do runs fn on the session loop and waits for it to finish.
func (s *Session) Do(fn func()) error {
	finished := make(chan struct{})
	call := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.calls <- call:
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Connect starts syncing with the relay at server. The originator is the
// client that shares its existing document; everyone else joins.
func (s *Session) Connect(server string, p JoinParams, originator bool) error {
	var err error
	if derr := s.Do(func() { err = s.connect(server, p, originator) }); derr != nil {
		return derr
	}
	return err
}

func (s *Session) connect(server string, p JoinParams, originator bool) error {
	if s.state != Off {
		return ErrAlreadyConnected
	}
	s.server = server
	s.params = p
	s.hist.SetUser(p.User)
	s.hist.ResetCursors()
	s.strokes.Reset()
	s.dec.Reset()
	s.bytesRcvd = 0
	s.connectID = 0
	s.deferred = false
	s.pending = nil
	s.writeInFlight = false
	s.clients = nil
	s.master = ""
	s.closed = make(chan struct{})
	s.closeErr = nil
	s.docReady = make(chan struct{})
	s.docLoaded = false

	s.awaitingBootstrap = originator
	s.placeholder = false
	if originator {
		s.markDocReady()
	} else if s.doc.PageCount() == 0 {
		// the editor always expects a page; this one goes away with the first addpage
		s.doc.InsertPage(doc.NewPage(doc.DefaultPageProps()), 0)
		s.placeholder = true
	}
	s.enableTX = originator || !p.RxOnly
	s.viewMode = ViewOff
	if p.RxOnly {
		s.viewMode = ViewFollower
		if originator {
			s.viewMode = ViewMaster
		}
	}
	s.lastView = invalidViewBox
	s.pendingView = invalidViewBox

	s.logger.Info("connecting",
		zap.String("server", server),
		zap.String("doc", p.Document),
		zap.String("user", p.User),
		zap.Bool("originator", originator),
		zap.Bool("rxonly", p.RxOnly),
	)
	s.state = Connecting
	s.conn = s.newConn()
	s.conn.Start(s.runCtx, server)
	return nil
}

// Disconnect ends the sync session. It blocks while the relay is sent /end
// and drained.
func (s *Session) Disconnect() error {
	return s.Do(s.disconnect)
}

func (s *Session) disconnect() {
	if s.state == Off && s.conn == nil {
		return
	}
	s.state = Off
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("closing connection", zap.Error(err))
		}
		s.conn = nil
	}
	s.pending = nil
	s.writeInFlight = false
	s.blocking = false
	s.hist.ResetCursors()
	close(s.closed)
	s.waiters = nil
	s.logger.Info("disconnected", zap.String("doc", s.params.Document))
}

// IsActive reports whether local changes are currently being exchanged.
func (s *Session) IsActive() bool {
	var active bool
	if err := s.Do(func() { active = s.isActive() }); err != nil {
		return false
	}
	return active
}

func (s *Session) isActive() bool {
	return s.state == Connected && s.conn != nil
}

// State returns the connection state.
func (s *Session) State() State {
	st := Off
	_ = s.Do(func() { st = s.state })
	return st
}

// Clients returns the names of connected clients, ourselves included.
func (s *Session) Clients() []string {
	var out []string
	_ = s.Do(func() { out = slices.Clone(s.clients) })
	return out
}

// Master returns the client whose viewport is followed.
func (s *Session) Master() string {
	var m string
	_ = s.Do(func() { m = s.master })
	return m
}

// BytesReceived is the resume offset sent on reconnect.
func (s *Session) BytesReceived() uint64 {
	var n uint64
	_ = s.Do(func() { n = s.bytesRcvd })
	return n
}

// WaitForDocument blocks a joiner until the first page has arrived. If ctx
// ends first the session is abandoned.
func (s *Session) WaitForDocument(ctx context.Context) error {
	var ready, closed chan struct{}
	if err := s.Do(func() { ready, closed = s.docReady, s.closed }); err != nil {
		return err
	}
	select {
	case <-ready:
		return nil
	case <-closed:
		return s.closeError()
	case <-ctx.Done():
		_ = s.Disconnect()
		return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
	}
}

func (s *Session) closeError() error {
	err := ErrAborted
	_ = s.Do(func() {
		if s.closeErr != nil {
			err = s.closeErr
		}
	})
	return err
}

func (s *Session) handleEvent(ev transport.Event) {
	c := s.conn
	switch ev.Kind {
	case transport.Connected:
		s.onConnected()
		c.Ack()
	case transport.Received:
		s.onReceived(ev.Data)
		c.Ack()
	case transport.Sent:
		s.onSent(ev.N, ev.Err)
		c.Ack()
	case transport.Disconnected:
		s.onDisconnected(ev.Err)
	case transport.Failed:
		s.onSocketError(ev.Err)
	}
}

func (s *Session) onConnected() {
	// the relay echoes this id in our <connect>, which is how this attempt
	// is told apart from earlier ones
	s.connectID = s.ids.NewID()
	s.pending = nil
	s.writeInFlight = false
	s.logger.Debug("handshake",
		zap.Uint64("connect_id", s.connectID),
		zap.Uint64("offset", s.bytesRcvd),
	)
	s.sendRaw([]byte(wire.StartRequest(wire.StartParams{
		User:      s.params.User,
		Document:  s.params.Document,
		Token:     s.params.Token,
		ConnectID: s.connectID,
		Offset:    s.bytesRcvd,
	})))
	if s.awaitingBootstrap {
		s.startSession()
	}
}

func (s *Session) onDisconnected(err error) {
	s.logger.Info("connection lost", zap.Error(err))
	s.editor.Message("Disconnected from shared session.", LevelWarning)
	s.state = Disconnected
	s.pending = nil
	s.writeInFlight = false
	// retry on the next tick
	s.tickCount = 0
}

func (s *Session) onSocketError(err error) {
	s.logger.Info("connect failed", zap.Error(err))
	s.editor.Message("Error connecting to sync server.", LevelWarning)
	s.state = Disconnected
	// wait a full reconnect period
	s.tickCount = 1
}

func (s *Session) onSent(n int, err error) {
	s.writeInFlight = false
	if err != nil {
		// the worker follows up with Disconnected
		return
	}
	s.pending = s.pending[min(n, len(s.pending)):]
	if len(s.pending) > 0 {
		s.flush()
		return
	}
	s.pending = nil
	s.sendHistory(false)
}

func (s *Session) sendRaw(p []byte) {
	s.pending = append(s.pending, p...)
	s.flush()
}

func (s *Session) flush() {
	if s.writeInFlight || len(s.pending) == 0 || s.conn == nil {
		return
	}
	if s.conn.Write(s.pending) {
		s.writeInFlight = true
	}
}

// sendData frames payload, compressing it when large enough.
func (s *Session) sendData(payload []byte) {
	packed, err := wire.Pack(payload, s.cfg.CompressionLevel, s.cfg.CompressionThreshold)
	if err != nil {
		s.logger.Warn("compress failed, sending plain", zap.Error(err))
		packed = payload
	}
	bytesSent.Add(float64(len(packed)))
	s.sendRaw(wire.DataFrame(packed))
}

func (s *Session) tick() {
	if s.state == Disconnected {
		if s.tickCount%s.cfg.ReconnectTicks == 0 {
			s.logger.Debug("reconnecting", zap.String("server", s.server))
			reconnects.Inc()
			s.state = Connecting
			s.conn.Reconnect()
		}
		s.tickCount++
	}
	if s.deferred && !s.editor.Busy() {
		s.processReceived()
	}
	if s.state != Connected {
		return
	}
	s.tickViewSync()
}

func (s *Session) waitFor(ready func() bool) *waiter {
	w := &waiter{ready: ready, ch: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	return w
}

func (s *Session) checkWaiters() {
	s.waiters = slices.DeleteFunc(s.waiters, func(w *waiter) bool {
		if w.ready() {
			close(w.ch)
			return true
		}
		return false
	})
}
