package whiteboard

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/alimasry/go-whiteboard/doc"
	"github.com/alimasry/go-whiteboard/transport"
	"github.com/alimasry/go-whiteboard/undo"
	"github.com/alimasry/go-whiteboard/wire"
)

// mockRelay behaves like the relay server without sockets: it keeps the
// document byte log, replays it from the requested offset, and broadcasts
// every payload to every attached connection including the sender.
type mockRelay struct {
	mu    sync.Mutex
	log   []byte
	token string
	down  bool
	conns map[*mockConn]bool
}

func newMockRelay() *mockRelay {
	return &mockRelay{conns: make(map[*mockConn]bool)}
}

func (r *mockRelay) newConn() *mockConn {
	return &mockConn{relay: r, events: make(chan transport.Event, 4096)}
}

// Log returns a copy of everything broadcast so far.
func (r *mockRelay) Log() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.log)
}

// Groups decodes the log.
func (r *mockRelay) Groups(t *testing.T) []wire.Group {
	t.Helper()
	var dec wire.Decoder
	dec.Feed(r.Log())
	groups, err := dec.Decode()
	require.NoError(t, err)
	return groups
}

// Inject broadcasts g as if some other client had sent it.
func (r *mockRelay) Inject(g wire.Group) {
	r.InjectRaw(wire.AppendGroup(nil, g))
}

// InjectRaw broadcasts b as if a peer had sent it.
func (r *mockRelay) InjectRaw(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast(b)
}

// Drop cuts c off as if the network failed.
func (r *mockRelay) Drop(c *mockConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detach(c)
	c.live = false
	c.events <- transport.Event{Kind: transport.Disconnected}
}

func (r *mockRelay) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *mockRelay) broadcast(b []byte) {
	r.log = append(r.log, b...)
	for c := range r.conns {
		c.deliver(b)
	}
}

func (r *mockRelay) detach(c *mockConn) {
	if !r.conns[c] {
		return
	}
	delete(r.conns, c)
	r.broadcast(wire.AppendGroup(nil, wire.Group{
		PageHint: -1,
		Records:  []wire.Record{wire.Disconnect{Client: c.user}},
	}))
}

// consume handles complete requests buffered from c.
func (r *mockRelay) consume(c *mockConn) {
	for {
		i := bytes.IndexByte(c.in, '\n')
		if i < 0 {
			return
		}
		req, err := wire.ParseRequest(string(c.in[:i+1]))
		if err != nil {
			c.in = c.in[i+1:]
			continue
		}
		switch req.Kind {
		case wire.RequestStart:
			c.in = c.in[i+1:]
			if r.token == "" {
				r.token = req.Start.Token
			} else if req.Start.Token != r.token {
				c.deliver(wire.AppendGroup(nil, wire.Group{
					PageHint: -1,
					Records:  []wire.Record{wire.AccessDenied{}},
				}))
				c.live = false
				return
			}
			c.user = req.Start.User
			if off := int(req.Start.Offset); off < len(r.log) {
				c.deliver(r.log[off:])
			}
			r.conns[c] = true
			r.broadcast(wire.AppendGroup(nil, wire.Group{
				PageHint: -1,
				Records:  []wire.Record{wire.Connect{Client: c.user, UUID: req.Start.ConnectID}},
			}))
		case wire.RequestData:
			if len(c.in) < i+1+req.Length {
				return
			}
			payload := c.in[i+1 : i+1+req.Length]
			c.in = c.in[i+1+req.Length:]
			r.broadcast(payload)
		case wire.RequestEnd:
			c.in = c.in[i+1:]
			r.detach(c)
		}
	}
}

// mockConn stands in for transport.Manager. Writes are handled synchronously
// by the relay, which queues the resulting events.
type mockConn struct {
	relay  *mockRelay
	events chan transport.Event
	in     []byte
	user   string
	live   bool

	reconnects atomic.Int32
	closed     atomic.Bool
}

func (c *mockConn) Start(context.Context, string) {
	c.dial()
}

func (c *mockConn) dial() {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	if c.relay.down {
		c.events <- transport.Event{Kind: transport.Failed, Err: context.DeadlineExceeded}
		return
	}
	c.live = true
	c.in = nil
	c.events <- transport.Event{Kind: transport.Connected}
}

func (c *mockConn) Events() <-chan transport.Event { return c.events }

func (c *mockConn) Ack() {}

func (c *mockConn) Write(p []byte) bool {
	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	if !c.live {
		return false
	}
	c.in = append(c.in, p...)
	r.consume(c)
	c.events <- transport.Event{Kind: transport.Sent, N: len(p)}
	return true
}

func (c *mockConn) Reconnect() {
	c.reconnects.Add(1)
	c.dial()
}

func (c *mockConn) Close() error {
	c.closed.Store(true)
	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.live {
		r.detach(c)
	}
	c.live = false
	return nil
}

func (c *mockConn) deliver(b []byte) {
	if c.live {
		c.events <- transport.Event{Kind: transport.Received, Data: bytes.Clone(b)}
	}
}

type message struct {
	text  string
	level Level
}

// mockEditor records notifications. Its methods run on the session loop.
type mockEditor struct {
	mu             sync.Mutex
	messages       []message
	repaints       int
	remoteChanges  []int
	strokesAtApply []int
	invalidated    []*doc.Stroke
	busy           atomic.Bool
	doc            *doc.Document
}

func (e *mockEditor) Repaint() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repaints++
}

func (e *mockEditor) Message(text string, level Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, message{text, level})
}

func (e *mockEditor) RemoteChange(pageHint, prevPageCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteChanges = append(e.remoteChanges, pageHint)
	if e.doc != nil {
		e.strokesAtApply = append(e.strokesAtApply, e.doc.StrokeCount())
	}
}

func (e *mockEditor) InvalidateStroke(s *doc.Stroke) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidated = append(e.invalidated, s)
}

func (e *mockEditor) InvalidatePage(*doc.Page) {}

func (e *mockEditor) Busy() bool { return e.busy.Load() }

func (e *mockEditor) Messages() []message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]message(nil), e.messages...)
}

func (e *mockEditor) hasMessage(sub string) bool {
	for _, m := range e.Messages() {
		if strings.Contains(m.text, sub) {
			return true
		}
	}
	return false
}

type mockViewer struct {
	mu        sync.Mutex
	vb        ViewBox
	applied   []ViewBox
	lastInput time.Time
}

func (v *mockViewer) ViewBox() ViewBox {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vb
}

func (v *mockViewer) SetViewBox(vb ViewBox) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vb = vb
	v.applied = append(v.applied, vb)
}

func (v *mockViewer) LastInput() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastInput
}

func (v *mockViewer) Applied() []ViewBox {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]ViewBox(nil), v.applied...)
}

type testClient struct {
	s      *Session
	ed     *mockEditor
	conn   *mockConn
	clock  clockwork.FakeClock
	doc    *doc.Document
	cancel context.CancelFunc
}

// startClient runs a session over d against relay. It is not connected yet.
func startClient(t *testing.T, relay *mockRelay, d *doc.Document, opts ...Opt) *testClient {
	t.Helper()
	c := &testClient{
		ed:    &mockEditor{doc: d},
		conn:  relay.newConn(),
		clock: clockwork.NewFakeClock(),
		doc:   d,
	}
	cfg := DefaultConfig()
	cfg.CompressionLevel = 0
	base := []Opt{
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(cfg),
		withClock(c.clock),
		withConn(func() conn { return c.conn }),
	}
	c.s = New(d, undo.NewHistory(d, ""), c.ed, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	errc := make(chan error, 1)
	go func() { errc <- c.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return c
}

// join connects and waits until the session is live.
func (c *testClient) join(t *testing.T, user string, originator bool, p JoinParams) {
	t.Helper()
	p.User = user
	if p.Document == "" {
		p.Document = "board"
	}
	require.NoError(t, c.s.Connect("relay", p, originator))
	eventually(t, func() bool { return c.s.State() == Connected })
	if originator {
		// wait for the dump to come back so the log is settled
		eventually(t, func() bool {
			var waiting bool
			c.with(t, func(s *Session) { waiting = s.awaitingBootstrap })
			return !waiting
		})
	}
}

// dataGroups returns the logged groups that are not relay control groups.
func dataGroups(t *testing.T, relay *mockRelay) []wire.Group {
	t.Helper()
	var out []wire.Group
	for _, g := range relay.Groups(t) {
		if g.ID != wire.IDControl {
			out = append(out, g)
		}
	}
	return out
}

// tick advances the fake clock by one tick interval.
func (c *testClient) tick() {
	c.clock.Advance(c.s.cfg.TickInterval)
}

// with runs fn on the session loop.
func (c *testClient) with(t *testing.T, fn func(s *Session)) {
	t.Helper()
	require.NoError(t, c.s.Do(func() { fn(c.s) }))
}

func (c *testClient) strokeCount(t *testing.T) int {
	var n int
	c.with(t, func(*Session) { n = c.doc.StrokeCount() })
	return n
}

func (c *testClient) geometries(t *testing.T, page int) []string {
	var out []string
	c.with(t, func(*Session) {
		if p := c.doc.Page(page); p != nil {
			for _, st := range p.Strokes {
				out = append(out, st.Geometry)
			}
		}
	})
	return out
}

// draw adds one stroke per geometry, all in a single group.
func (c *testClient) draw(t *testing.T, page int, geoms ...string) []*doc.Stroke {
	t.Helper()
	var added []*doc.Stroke
	require.NoError(t, c.s.Edit(func(h *undo.History) error {
		if err := h.StartAction(page); err != nil {
			return err
		}
		defer h.EndAction()
		p := h.Doc().Page(page)
		for _, g := range geoms {
			st := doc.NewStroke(g, doc.StrokeProps{Color: 0xFF000000, Width: 2})
			if err := h.Apply(&undo.StrokeAdded{Stroke: st, Page: p}); err != nil {
				return err
			}
			added = append(added, st)
		}
		return nil
	}))
	return added
}

// confirmed reports whether every local entry has been sent and echoed.
func (c *testClient) confirmed(t *testing.T) bool {
	var ok bool
	c.with(t, func(s *Session) {
		h := s.hist
		ok = h.Sent() == h.Pos() && h.Received() == h.Pos()
	})
	return ok
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

func path(n int) string {
	return fmt.Sprintf("<path d='M0 0 L%d 10'/>", n)
}

func pageWith(geoms ...string) *doc.Page {
	p := doc.NewPage(doc.DefaultPageProps())
	for _, g := range geoms {
		p.Insert(doc.NewStroke(g, doc.StrokeProps{Color: 0xFF000000, Width: 1}), nil)
	}
	return p
}
