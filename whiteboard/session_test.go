package whiteboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-whiteboard/doc"
	"github.com/alimasry/go-whiteboard/undo"
	"github.com/alimasry/go-whiteboard/wire"
)

func TestSession_OriginatorBootstrapsAndJoinerReplays(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith(path(1))))
	a.join(t, "alice", true, JoinParams{Token: "t"})

	b := startClient(t, relay, doc.NewDocument())
	require.NoError(t, b.s.Connect("relay", JoinParams{User: "bob", Document: "board", Token: "t"}, false))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.s.WaitForDocument(ctx))
	eventually(t, func() bool { return b.s.State() == Connected })

	groups := dataGroups(t, relay)
	require.NotEmpty(t, groups)
	boot := groups[0]
	assert.Equal(t, wire.IDBootstrap, boot.ID)
	require.Len(t, boot.Records, 1)
	addPage, ok := boot.Records[0].(wire.AddPage)
	require.True(t, ok)
	assert.Equal(t, 0, addPage.PageNum)
	assert.Equal(t, uint64(2001), addPage.FirstID)

	// the placeholder page is gone and the stroke kept its bootstrap id
	b.with(t, func(s *Session) {
		require.Equal(t, 1, b.doc.PageCount())
		st, ok := s.strokes.Lookup(2001)
		require.True(t, ok)
		assert.Equal(t, path(1), st.Geometry)
		assert.Same(t, b.doc.Page(0), b.doc.PageForStroke(st))
	})
	a.with(t, func(*Session) {
		assert.Equal(t, uint64(2001), a.doc.Page(0).Strokes[0].ID)
	})
	assert.ElementsMatch(t, []string{"alice", "bob"}, b.s.Clients())
	assert.True(t, b.ed.hasMessage("Connected as bob to whiteboard board with alice."))
	eventually(t, func() bool { return a.ed.hasMessage("bob connected. ") })
}

func TestSession_OriginatorSendsPreSharingEditsAfterBootstrap(t *testing.T) {
	relay := newMockRelay()
	d := doc.NewDocument(pageWith(path(1)))
	h := undo.NewHistory(d, "alice")
	require.NoError(t, h.StartAction(0))
	require.NoError(t, h.Apply(&undo.StrokeAdded{Stroke: doc.NewStroke(path(2), doc.StrokeProps{Width: 1}), Page: d.Page(0)}))
	h.EndAction()

	a := startClient(t, relay, d)
	a.with(t, func(s *Session) { s.hist = h })
	a.join(t, "alice", true, JoinParams{})

	eventually(t, func() bool { return a.confirmed(t) })

	// the dump has the document as it was before the edit, which follows as a group of its own
	groups := dataGroups(t, relay)
	require.GreaterOrEqual(t, len(groups), 2)
	boot := groups[0].Records[0].(wire.AddPage)
	require.Len(t, boot.Page.Strokes, 1)
	assert.Equal(t, path(1), boot.Page.Strokes[0].Geometry)
	edit := groups[1]
	require.Len(t, edit.Records, 1)
	add := edit.Records[0].(wire.AddStroke)
	assert.Equal(t, path(2), add.Stroke.Geometry)
	assert.Equal(t, 2, a.strokeCount(t))
}

func TestSession_EchoIsNotReapplied(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})

	a.draw(t, 0, path(1))
	eventually(t, func() bool { return a.confirmed(t) })

	assert.Equal(t, []string{path(1)}, a.geometries(t, 0))
	a.with(t, func(s *Session) {
		assert.Equal(t, 2, s.hist.Len())
		assert.Equal(t, 2, s.hist.Received())
	})
	a.ed.mu.Lock()
	defer a.ed.mu.Unlock()
	assert.Empty(t, a.ed.remoteChanges)
}

func TestSession_RemoteGroupAppliedAsOneUnit(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	b := startClient(t, relay, doc.NewDocument())
	b.join(t, "bob", false, JoinParams{})

	a.draw(t, 0, path(1), path(2), path(3))
	eventually(t, func() bool { return b.strokeCount(t) == 3 })

	b.ed.mu.Lock()
	defer b.ed.mu.Unlock()
	// one notification for the addpage dump, one for the three strokes
	assert.Equal(t, []int{0, 3}, b.ed.strokesAtApply)
	assert.Equal(t, []int{-1, 0}, b.ed.remoteChanges)
}

func TestSession_RemoteDeleteAndStaleDuplicate(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith(path(1))))
	a.join(t, "alice", true, JoinParams{})
	b := startClient(t, relay, doc.NewDocument())
	b.join(t, "bob", false, JoinParams{})
	eventually(t, func() bool { return b.strokeCount(t) == 1 })

	require.NoError(t, a.s.Edit(func(h *undo.History) error {
		if err := h.StartAction(0); err != nil {
			return err
		}
		defer h.EndAction()
		p := h.Doc().Page(0)
		return h.Apply(&undo.StrokeDeleted{Stroke: p.Strokes[0], Page: p})
	}))
	eventually(t, func() bool { return b.strokeCount(t) == 0 })

	var delGroup wire.Group
	for _, g := range relay.Groups(t) {
		if len(g.Records) == 1 {
			if d, ok := g.Records[0].(wire.DelStroke); ok {
				delGroup = g
				assert.Equal(t, uint64(2001), d.StrokeID)
			}
		}
	}
	require.Equal(t, "alice", delGroup.User)
	b.with(t, func(s *Session) {
		_, ok := s.strokes.Lookup(2001)
		assert.False(t, ok)
	})

	// a stale client deletes it again; nobody minds
	relay.Inject(wire.Group{ID: 77, PageHint: 0, User: "carol", Records: []wire.Record{wire.DelStroke{StrokeID: 2001}}})
	b.draw(t, 0, path(5))
	eventually(t, func() bool { return a.strokeCount(t) == 1 && b.confirmed(t) })
	assert.Equal(t, []string{path(5)}, a.geometries(t, 0))
	assert.Equal(t, []string{path(5)}, b.geometries(t, 0))
}

func TestSession_RemoteDeleteDisablesLocalHistory(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	b := startClient(t, relay, doc.NewDocument())
	b.join(t, "bob", false, JoinParams{})

	mine := b.draw(t, 0, path(1))[0]
	eventually(t, func() bool { return a.strokeCount(t) == 1 && b.confirmed(t) })

	// alice erases bob's stroke; bob's own addstroke entry must stop referring to it
	require.NoError(t, a.s.Edit(func(h *undo.History) error {
		if err := h.StartAction(0); err != nil {
			return err
		}
		defer h.EndAction()
		p := h.Doc().Page(0)
		return h.Apply(&undo.StrokeDeleted{Stroke: p.Strokes[0], Page: p})
	}))
	eventually(t, func() bool { return b.strokeCount(t) == 0 })

	b.with(t, func(s *Session) {
		_, disabled := s.hist.Entry(1).(*undo.Disabled)
		assert.True(t, disabled)
	})
	b.ed.mu.Lock()
	assert.Contains(t, b.ed.invalidated, mine)
	b.ed.mu.Unlock()

	// undoing the disabled group is a no-op locally but still travels
	_, err := b.s.Undo()
	require.NoError(t, err)
	eventually(t, func() bool { return b.confirmed(t) })
	assert.Equal(t, 0, a.strokeCount(t))
	assert.Equal(t, 0, b.strokeCount(t))
}

func TestSession_UndoAndRedoPropagate(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	b := startClient(t, relay, doc.NewDocument())
	b.join(t, "bob", false, JoinParams{})

	st := a.draw(t, 0, path(1))[0]
	eventually(t, func() bool { return b.strokeCount(t) == 1 && a.confirmed(t) })
	var firstID uint64
	a.with(t, func(*Session) { firstID = st.ID })

	hint, err := a.s.Undo()
	require.NoError(t, err)
	assert.Equal(t, 0, hint)
	eventually(t, func() bool { return b.strokeCount(t) == 0 && a.confirmed(t) })
	a.with(t, func(s *Session) { assert.Equal(t, 0, s.hist.Received()) })

	_, err = a.s.Redo()
	require.NoError(t, err)
	eventually(t, func() bool { return b.strokeCount(t) == 1 && a.confirmed(t) })
	a.with(t, func(*Session) { assert.NotEqual(t, firstID, st.ID, "re-added strokes get a fresh id") })
}

func TestSession_RemoteGroupGoesUnderUnconfirmedLocal(t *testing.T) {
	relay := newMockRelay()
	d := doc.NewDocument(pageWith())
	a := startClient(t, relay, d)
	a.join(t, "alice", true, JoinParams{})
	a.draw(t, 0, path(1))
	eventually(t, func() bool { return a.confirmed(t) })

	// hold alice's next group back so it is sent but not yet echoed
	relay.mu.Lock()
	a.conn.live = false
	relay.mu.Unlock()
	a.with(t, func(s *Session) {
		require.NoError(t, s.hist.StartAction(0))
		p := d.Page(0)
		require.NoError(t, s.hist.Apply(&undo.StrokeAdded{Stroke: doc.NewStroke(path(3), doc.StrokeProps{}), Page: p}))
		s.hist.EndAction()
		s.hist.SetSent(s.hist.Pos())
		s.onReceived(wire.AppendGroup(nil, wire.Group{
			ID: 500, PageHint: 0, User: "bob",
			Records: []wire.Record{wire.AddStroke{StrokeID: 900, Stroke: wire.StrokeData{Geometry: path(2), Scale: [2]float64{1, 1}}}},
		}))
		assert.Equal(t, 4, s.hist.Pos(), "playhead restored")
		assert.Equal(t, 2, s.hist.Received())
	})
	assert.Equal(t, []string{path(1), path(2), path(3)}, a.geometries(t, 0))
}

func TestSession_UndoGate(t *testing.T) {
	d := doc.NewDocument(pageWith())
	h := undo.NewHistory(d, "alice")
	group := func(n int) {
		require.NoError(t, h.StartAction(0))
		for i := 0; i < n; i++ {
			require.NoError(t, h.Apply(&undo.StrokeAdded{Stroke: doc.NewStroke(path(i), doc.StrokeProps{}), Page: d.Page(0)}))
		}
		h.EndAction()
	}
	group(4)
	group(2)
	require.Equal(t, 8, h.Len())

	s := New(d, h, nil)
	s.state = Disconnected
	h.SetSent(5)
	h.SetReceived(5)

	assert.True(t, s.canUndo(), "the last group was never exchanged")
	assert.Equal(t, 0, h.Undo())
	assert.Equal(t, 5, h.Pos())
	assert.False(t, s.canUndo(), "undoing past the cursors needs the relay")

	s.state = Off
	assert.True(t, s.canUndo())
}

func TestSession_UndoBlockedWhileDisconnected(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	a.draw(t, 0, path(1))
	eventually(t, func() bool { return a.confirmed(t) })

	relay.SetDown(true)
	relay.Drop(a.conn)
	eventually(t, func() bool { return a.s.State() == Disconnected })
	assert.True(t, a.ed.hasMessage("Disconnected from shared session."))
	assert.False(t, a.s.CanUndo())
	_, err := a.s.Undo()
	require.ErrorIs(t, err, undo.ErrUnconfirmed)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = a.s.ResyncForUndo(ctx)
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, Off, a.s.State())
	assert.True(t, a.ed.hasMessage("Unable to reconnect - whiteboard session closed."))
}

func TestSession_ResyncForUndoReconnects(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	a.draw(t, 0, path(1))
	eventually(t, func() bool { return a.confirmed(t) })

	relay.Drop(a.conn)
	eventually(t, func() bool { return a.s.State() == Disconnected })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.s.ResyncForUndo(ctx))
	assert.True(t, a.s.CanUndo())
	_, err := a.s.Undo()
	require.NoError(t, err)
	eventually(t, func() bool { return a.confirmed(t) })
	assert.Equal(t, 0, a.strokeCount(t))
}

func TestSession_ReconnectReplaysMissedHistory(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	b := startClient(t, relay, doc.NewDocument())
	b.join(t, "bob", false, JoinParams{})

	relay.Drop(b.conn)
	eventually(t, func() bool { return b.s.State() == Disconnected })

	a.draw(t, 0, path(1))
	b.draw(t, 0, path(2))
	eventually(t, func() bool { return a.confirmed(t) })
	assert.Equal(t, 1, a.strokeCount(t))

	// the first tick after a drop reconnects
	eventually(t, func() bool {
		b.tick()
		return b.s.State() == Connected
	})
	eventually(t, func() bool { return b.confirmed(t) && a.strokeCount(t) == 2 })

	assert.Equal(t, uint64(len(relay.Log())), b.s.BytesReceived())
	assert.ElementsMatch(t, []string{path(1), path(2)}, b.geometries(t, 0))
	assert.ElementsMatch(t, []string{path(1), path(2)}, a.geometries(t, 0))
	assert.Equal(t, int32(1), b.conn.reconnects.Load())
}

func TestSession_FailedDialWaitsFullPeriod(t *testing.T) {
	relay := newMockRelay()
	relay.SetDown(true)
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	require.NoError(t, a.s.Connect("relay", JoinParams{User: "alice", Document: "board"}, true))
	eventually(t, func() bool { return a.s.State() == Disconnected })
	assert.True(t, a.ed.hasMessage("Error connecting to sync server."))

	for i := 0; i < 4; i++ {
		a.tick()
		a.with(t, func(*Session) {})
	}
	assert.Equal(t, int32(0), a.conn.reconnects.Load())

	relay.SetDown(false)
	eventually(t, func() bool {
		a.tick()
		return a.s.State() == Connected
	})
	assert.Equal(t, int32(1), a.conn.reconnects.Load())
}

func TestSession_AccessDenied(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{Token: "secret"})

	b := startClient(t, relay, doc.NewDocument())
	require.NoError(t, b.s.Connect("relay", JoinParams{User: "bob", Document: "board", Token: "guess"}, false))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := b.s.WaitForDocument(ctx)
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, Off, b.s.State())
	require.NotEmpty(t, b.ed.Messages())
	last := b.ed.Messages()[len(b.ed.Messages())-1]
	assert.Equal(t, message{"Error connecting to whiteboard. Please try again.", LevelError}, last)
}

func TestSession_LectureModeJoinerNeverTransmits(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{RxOnly: true})
	b := startClient(t, relay, doc.NewDocument())
	b.join(t, "bob", false, JoinParams{RxOnly: true})

	assert.True(t, b.ed.hasMessage("Whiteboard is in lecture mode"))
	assert.Equal(t, ViewMaster, a.s.ViewMode())
	assert.Equal(t, ViewFollower, b.s.ViewMode())

	before := len(relay.Log())
	b.draw(t, 0, path(1))
	require.NoError(t, b.s.QueueForSend(true))
	b.with(t, func(*Session) {})
	assert.Equal(t, before, len(relay.Log()))
	assert.Equal(t, 0, a.strokeCount(t))
}

func TestSession_ViewSync(t *testing.T) {
	relay := newMockRelay()
	master := &mockViewer{vb: ViewBox{Page: 0, Zoom: 2, Left: 0, Top: 0, Right: 100, Bottom: 50}}
	a := startClient(t, relay, doc.NewDocument(pageWith()), WithViewer(master))
	a.join(t, "alice", true, JoinParams{RxOnly: true})

	follower := &mockViewer{}
	b := startClient(t, relay, doc.NewDocument(), WithViewer(follower))
	follower.lastInput = b.clock.Now()
	b.join(t, "bob", false, JoinParams{RxOnly: true})

	a.tick()
	eventually(t, func() bool {
		var pending ViewBox
		b.with(t, func(s *Session) { pending = s.pendingView })
		return pending.Valid()
	})
	// bob touched the view just now, so it is held back
	assert.Empty(t, follower.Applied())

	// unchanged viewports are not resent
	n := len(relay.Log())
	a.tick()
	a.with(t, func(*Session) {})
	assert.Equal(t, n, len(relay.Log()))

	b.clock.Advance(5 * time.Second)
	eventually(t, func() bool { return len(follower.Applied()) == 1 })
	if diff := cmp.Diff(master.ViewBox(), follower.Applied()[0]); diff != "" {
		t.Errorf("viewbox mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_MasterHandsOverView(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()), WithViewer(&mockViewer{}))
	a.join(t, "alice", true, JoinParams{RxOnly: true})

	relay.Inject(wire.Group{ID: wire.IDViewBox, PageHint: -1, User: "carol", Records: []wire.Record{
		wire.ViewBox{PageNum: 0, Zoom: 1, Right: 10, Bottom: 10},
	}})
	eventually(t, func() bool { return a.s.ViewMode() == ViewFollower })
	assert.Equal(t, "carol", a.s.Master())
	assert.True(t, a.ed.hasMessage("carol is now controlling the view. "))
}

func TestSession_ViewBoxWithoutBoxIgnored(t *testing.T) {
	relay := newMockRelay()
	follower := &mockViewer{}
	b := startClient(t, relay, doc.NewDocument(), WithViewer(follower))
	b.join(t, "bob", false, JoinParams{RxOnly: true})
	b.clock.Advance(5 * time.Second)

	relay.InjectRaw([]byte("<undo id='12' page='-1' user='carol'><viewbox pagenum='0' zoom='1'/></undo>\n"))
	relay.Inject(wire.Group{ID: wire.IDViewBox, PageHint: -1, User: "carol", Records: []wire.Record{
		wire.ViewBox{PageNum: 0, Zoom: 1, Right: 10, Bottom: 10},
	}})
	eventually(t, func() bool { return len(follower.Applied()) == 1 })
	assert.Equal(t, 10.0, follower.Applied()[0].Right)
}

func TestSession_DeferredWhileBusy(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	b := startClient(t, relay, doc.NewDocument())
	b.join(t, "bob", false, JoinParams{})

	b.ed.busy.Store(true)
	a.draw(t, 0, path(1))
	eventually(t, func() bool {
		var deferred bool
		b.with(t, func(s *Session) { deferred = s.deferred })
		return deferred
	})
	assert.Equal(t, 0, b.strokeCount(t))

	b.ed.busy.Store(false)
	b.tick()
	eventually(t, func() bool { return b.strokeCount(t) == 1 })
}

func TestSession_ClearUndoneRevertsOnPeers(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	b := startClient(t, relay, doc.NewDocument())
	b.join(t, "bob", false, JoinParams{})

	a.draw(t, 0, path(1))
	eventually(t, func() bool { return b.strokeCount(t) == 1 && a.confirmed(t) })
	_, err := a.s.Undo()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.s.ClearUndone(ctx))
	a.with(t, func(s *Session) {
		assert.Equal(t, 0, s.hist.Len())
		assert.Equal(t, 0, s.hist.Received())
	})
	eventually(t, func() bool { return b.strokeCount(t) == 0 })
}

func TestSession_SendStrokeUpdate(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	b := startClient(t, relay, doc.NewDocument())
	b.join(t, "bob", false, JoinParams{})

	st := a.draw(t, 0, path(1))[0]
	eventually(t, func() bool { return b.strokeCount(t) == 1 && a.confirmed(t) })

	a.with(t, func(*Session) { st.ComY = 42 })
	require.NoError(t, a.s.SendStrokeUpdate([]*doc.Stroke{st}))
	eventually(t, func() bool {
		var y float64
		b.with(t, func(*Session) { y = b.doc.Page(0).Strokes[0].ComY })
		return y == 42
	})
}

func TestSession_DisconnectSendsGoodbye(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	b := startClient(t, relay, doc.NewDocument())
	b.join(t, "bob", false, JoinParams{})

	require.NoError(t, b.s.Disconnect())
	assert.True(t, b.conn.closed.Load())
	assert.Equal(t, Off, b.s.State())
	eventually(t, func() bool { return len(a.s.Clients()) == 1 })
	assert.True(t, a.ed.hasMessage("bob disconnected. "))

	err := b.s.WaitForDocument(context.Background())
	assert.True(t, errors.Is(err, ErrAborted) || err == nil)
}

func TestSession_ConnectTwice(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.join(t, "alice", true, JoinParams{})
	err := a.s.Connect("relay", JoinParams{User: "alice", Document: "board"}, true)
	require.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestSession_DoAfterStop(t *testing.T) {
	relay := newMockRelay()
	a := startClient(t, relay, doc.NewDocument(pageWith()))
	a.cancel()
	eventually(t, func() bool { return errors.Is(a.s.Do(func() {}), ErrClosed) })
}
