package whiteboard

import (
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/doc"
	"github.com/alimasry/go-whiteboard/undo"
	"github.com/alimasry/go-whiteboard/wire"
)

func (s *Session) canSendHistory() bool {
	return s.isActive() && s.enableTX && !s.hist.InAction() && s.hist.Sent() != s.hist.Pos()
}

// sendHistory transmits everything between the sent cursor and the playhead:
// groups applied since the last send as they are, groups undone since then as
// their inverses.
func (s *Session) sendHistory(force bool) {
	if !(s.cfg.SendImmediately || s.blocking || force) || !s.canSendHistory() {
		return
	}
	h := s.hist
	orig := h.Pos()
	sent := h.Sent()
	h.SeekTo(sent)

	var groups []wire.Group
	// records are encoded after their group is redone so they carry current state
	for sent < orig {
		e := h.Entry(sent)
		sent++
		if hdr, ok := e.(*undo.Header); ok {
			s.assignID(hdr)
			groups = append(groups, wire.Group{ID: hdr.ID, PageHint: hdr.PageHint, User: s.params.User})
			h.Redo()
			continue
		}
		r, ok := e.(undo.Record)
		if !ok || len(groups) == 0 {
			continue
		}
		g := &groups[len(groups)-1]
		g.Records = append(g.Records, s.encodeRecord(r))
	}

	// walking backwards the header comes last, so inverses are collected first
	var inverses []wire.Record
	for sent > orig {
		sent--
		if sent < h.Pos() {
			h.Undo()
		}
		e := h.Entry(sent)
		if hdr, ok := e.(*undo.Header); ok {
			s.assignID(hdr)
			groups = append(groups, wire.Group{ID: hdr.ID, PageHint: -1, User: s.params.User, Records: inverses})
			inverses = nil
			continue
		}
		if r, ok := e.(undo.Record); ok {
			inverses = append(inverses, s.encodeRecord(r.Inverse()))
		}
	}
	h.SetSent(sent)

	// groups holding only disabled entries still go out so every peer's
	// received cursor moves past them
	if len(groups) == 0 {
		return
	}
	s.logger.Debug("sending history",
		zap.Int("groups", len(groups)),
		zap.Int("sent", sent),
	)
	groupsSent.Add(float64(len(groups)))
	s.sendData(wire.EncodeGroups(groups...))
}

func (s *Session) assignID(hdr *undo.Header) {
	if hdr.ID == 0 {
		hdr.ID = s.ids.NewID()
	}
}

// encodeRecord serializes a local record that has just been applied. Added
// strokes and pages receive fresh ids, and the identity map follows along.
func (s *Session) encodeRecord(r undo.Record) wire.Record {
	switch r := r.(type) {
	case *undo.StrokeAdded:
		r.Stroke.ID = s.ids.NewID()
		s.strokes.Add(r.Stroke)
		var next uint64
		if r.Next != nil {
			next = r.Next.ID
		}
		return wire.AddStroke{
			StrokeID:     r.Stroke.ID,
			PageNum:      s.doc.PageIndex(r.Page),
			NextStrokeID: next,
			Stroke:       strokeData(r.Stroke),
		}
	case *undo.StrokeDeleted:
		s.strokes.Remove(r.Stroke.ID)
		return wire.DelStroke{StrokeID: r.Stroke.ID}
	case *undo.StrokeTranslated:
		return wire.Translate{StrokeID: r.Stroke.ID, X: r.DX, Y: r.DY}
	case *undo.StrokeTransformed:
		return wire.Transform{
			StrokeID: r.Stroke.ID,
			Matrix:   r.Transform.Matrix.Array(),
			Scale:    [2]float64{r.Transform.ScaleX, r.Transform.ScaleY},
		}
	case *undo.StrokeChanged:
		return wire.StrokeChanged{
			StrokeID: r.Stroke.ID,
			Color:    uint32(r.Stroke.Props.Color),
			Width:    r.Stroke.Props.Width,
		}
	case *undo.PageAdded:
		var first uint64
		if len(r.Page.Strokes) > 0 {
			first = s.ids.NewID()
		}
		rec := wire.AddPage{PageNum: r.Index, FirstID: first, Page: pageData(r.Page, first)}
		s.strokes.AddPage(r.Page)
		return rec
	case *undo.PageDeleted:
		s.strokes.RemovePage(r.Page)
		return wire.DelPage{PageNum: r.Index}
	case *undo.PageChanged:
		return wire.PageChanged{PageNum: s.doc.PageIndex(r.Page), Props: pageProps(r.Page.Props)}
	}
	panic("whiteboard: unknown record type")
}

func (s *Session) onReceived(data []byte) {
	s.bytesRcvd += uint64(len(data))
	s.dec.Feed(data)
	// apply between interactions; a blocking resync cannot wait for that
	if s.editor.Busy() && !s.blocking {
		s.deferred = true
		return
	}
	s.processReceived()
}

// processReceived applies every complete group in the receive buffer and
// leaves the playhead where it found it.
func (s *Session) processReceived() {
	s.deferred = false
	groups, err := s.dec.Decode()
	if err != nil {
		s.logger.Warn("dropping malformed data", zap.Error(err))
	}
	if len(groups) == 0 {
		return
	}
	start := s.clock.Now()
	s.notify.Reset()
	orig := s.hist.Pos()
	for _, g := range groups {
		// accessdenied ends the session mid-batch
		if s.state == Off {
			break
		}
		s.processGroup(g)
	}
	s.hist.SeekTo(orig)
	applyLatency.Observe(s.clock.Since(start).Seconds())

	s.editor.Repaint()
	if s.notify.Len() > 0 {
		s.editor.Message(s.notify.String(), LevelAppend)
	}
}

func (s *Session) headerID(i int) (uint64, bool) {
	hdr, ok := s.hist.Header(i)
	if !ok {
		return 0, false
	}
	return hdr.ID, true
}

func (s *Session) processGroup(g wire.Group) {
	h := s.hist
	rcvd := h.Received()

	if g.ID == wire.IDBootstrap && s.awaitingBootstrap {
		// our own dump coming back
		s.awaitingBootstrap = false
		groupsReceived.WithLabelValues(outcomeBootstrap).Inc()
		return
	}
	if !wire.OutOfBand(g.ID) {
		// an echo is either the next group we expect or, after a local
		// undo, the one just before it
		if id, ok := s.headerID(rcvd); ok && id == g.ID {
			h.SetReceived(h.NextHeader(rcvd))
			groupsReceived.WithLabelValues(outcomeEcho).Inc()
			return
		}
		prev := h.PrevHeader(rcvd)
		if id, ok := s.headerID(prev); ok && id == g.ID {
			h.SetReceived(prev)
			groupsReceived.WithLabelValues(outcomeEcho).Inc()
			return
		}
	}

	if wire.OutOfBand(g.ID) {
		groupsReceived.WithLabelValues(outcomeOOB).Inc()
		for _, r := range g.Records {
			s.applyRecord(g, r)
		}
		return
	}

	groupsReceived.WithLabelValues(outcomeApplied).Inc()
	prevPages := s.doc.PageCount()
	// local entries past the received cursor are unconfirmed; the remote
	// group goes in underneath them
	if s.isActive() {
		h.SeekTo(rcvd)
	}
	for _, r := range g.Records {
		s.applyRecord(g, r)
	}
	s.editor.RemoteChange(g.PageHint, prevPages)
}

// applyRecord applies one remote record. Records referring to strokes or
// pages that no longer exist are dropped.
func (s *Session) applyRecord(g wire.Group, r wire.Record) {
	switch rec := r.(type) {
	case wire.AccessDenied:
		s.logger.Warn("access denied", zap.String("doc", s.params.Document))
		s.editor.Message("Error connecting to whiteboard. Please try again.", LevelError)
		s.closeErr = ErrAccessDenied
		s.disconnect()
		return
	case wire.Connect:
		s.onClientConnected(rec)
		return
	case wire.Disconnect:
		s.clients = slices.DeleteFunc(s.clients, func(n string) bool { return n == rec.Client })
		if rec.Client != s.params.User {
			s.notify.WriteString(rec.Client + " disconnected. ")
		}
		return
	}

	if s.isActive() && g.User == s.params.User {
		// updatestroke and viewbox always come back to us; our own undo
		// records only do before the session is active
		switch r.(type) {
		case wire.UpdateStroke, wire.ViewBox:
		default:
			s.logger.Warn("received own record out of order",
				zap.Uint64("group", g.ID),
				zap.String("record", r.Name()),
			)
		}
		return
	}

	switch rec := r.(type) {
	case wire.AddStroke:
		page := s.doc.Page(rec.PageNum)
		if page == nil {
			s.dropped(g, r)
			return
		}
		next, _ := s.strokes.Lookup(rec.NextStrokeID)
		st := strokeFromData(rec.Stroke)
		st.ID = rec.StrokeID
		s.strokes.Add(st)
		(&undo.StrokeAdded{Stroke: st, Page: page, Next: next}).Redo(s.doc)
	case wire.DelStroke:
		st, page := s.lookupStroke(rec.StrokeID)
		if page == nil {
			s.dropped(g, r)
			return
		}
		next := page.Next(st)
		s.disableRefs(st, nil)
		s.strokes.Remove(st.ID)
		s.editor.InvalidateStroke(st)
		(&undo.StrokeDeleted{Stroke: st, Page: page, Next: next}).Redo(s.doc)
	case wire.Translate:
		st, page := s.lookupStroke(rec.StrokeID)
		if page == nil {
			s.dropped(g, r)
			return
		}
		(&undo.StrokeTranslated{Stroke: st, Page: page, DX: rec.X, DY: rec.Y}).Redo(s.doc)
		s.editor.InvalidateStroke(st)
	case wire.Transform:
		st, page := s.lookupStroke(rec.StrokeID)
		if page == nil {
			s.dropped(g, r)
			return
		}
		tf := doc.StrokeTransform{
			Matrix: doc.TransformFromArray(rec.Matrix),
			ScaleX: rec.Scale[0],
			ScaleY: rec.Scale[1],
		}
		(&undo.StrokeTransformed{Stroke: st, Page: page, Transform: tf}).Redo(s.doc)
		s.editor.InvalidateStroke(st)
	case wire.StrokeChanged:
		st, page := s.lookupStroke(rec.StrokeID)
		if page == nil {
			s.dropped(g, r)
			return
		}
		props := doc.StrokeProps{Color: doc.Color(rec.Color), Width: rec.Width}
		(&undo.StrokeChanged{Stroke: st, Page: page, Props: props}).Redo(s.doc)
	case wire.UpdateStroke:
		// outside undo; the page does not matter
		if st, ok := s.strokes.Lookup(rec.StrokeID); ok {
			st.ComY = rec.ComY
		}
	case wire.PageChanged:
		page := s.doc.Page(rec.PageNum)
		if page == nil {
			s.dropped(g, r)
			return
		}
		(&undo.PageChanged{Page: page, Props: pagePropsFromWire(rec.Props)}).Redo(s.doc)
	case wire.AddPage:
		page := pageFromData(rec.Page, rec.FirstID)
		if s.placeholder {
			s.placeholder = false
			if pp := s.doc.DeletePage(0); pp != nil {
				s.editor.InvalidatePage(pp)
			}
		}
		(&undo.PageAdded{Page: page, Index: rec.PageNum}).Redo(s.doc)
		if rec.FirstID != 0 {
			s.strokes.AddPage(page)
		}
		s.markDocReady()
	case wire.DelPage:
		page := s.doc.Page(rec.PageNum)
		if page == nil {
			s.dropped(g, r)
			return
		}
		s.disableRefs(nil, page)
		s.editor.InvalidatePage(page)
		// other users' strokes on the page go too
		for _, st := range page.Strokes {
			s.disableRefs(st, nil)
			s.strokes.Remove(st.ID)
			s.editor.InvalidateStroke(st)
		}
		(&undo.PageDeleted{Page: page, Index: rec.PageNum}).Redo(s.doc)
	case wire.ViewBox:
		s.onViewBox(g.User, rec)
	}
}

func (s *Session) onClientConnected(rec wire.Connect) {
	if rec.Client == s.params.User {
		// an earlier connection of ours, replayed from the log
		if rec.UUID != s.connectID {
			return
		}
		var msg strings.Builder
		msg.WriteString("Connected as " + s.params.User + " to whiteboard " + s.params.Document)
		if len(s.clients) > 0 {
			msg.WriteString(" with " + strings.Join(s.clients, ", "))
		}
		if !s.enableTX {
			msg.WriteString(".\nWhiteboard is in lecture mode: adding and removing pages disabled")
		}
		msg.WriteString(".")
		s.editor.Message(msg.String(), LevelInfo)
	} else if s.isActive() {
		s.notify.WriteString(rec.Client + " connected. ")
	}
	s.clients = append(s.clients, rec.Client)
	// the first client is the view master
	if s.master == "" {
		s.master = rec.Client
	}

	// our own <connect> marks the end of the history we missed
	if rec.Client == s.params.User && s.state == Connecting {
		s.logger.Info("session active",
			zap.String("doc", s.params.Document),
			zap.Int("received", s.hist.Received()),
			zap.Int("clients", len(s.clients)),
		)
		s.hist.SetSent(s.hist.Received())
		s.state = Connected
		s.markDocReady()
		s.sendHistory(false)
	}
}

func (s *Session) lookupStroke(id uint64) (*doc.Stroke, *doc.Page) {
	st, ok := s.strokes.Lookup(id)
	if !ok {
		return nil, nil
	}
	// the map may outlive the page the stroke was on
	return st, s.doc.PageForStroke(st)
}

func (s *Session) dropped(g wire.Group, r wire.Record) {
	s.logger.Debug("dropping record with unknown target",
		zap.Uint64("group", g.ID),
		zap.String("user", g.User),
		zap.String("record", r.Name()),
	)
}

// disableRefs neutralizes local history entries that touch st, or anything on p.
func (s *Session) disableRefs(st *doc.Stroke, p *doc.Page) {
	n := s.hist.Disable(func(e undo.Entry) bool {
		if rs, rp, ok := undo.StrokeOf(e); ok {
			return (st != nil && rs == st) || (p != nil && rp == p)
		}
		if rp, ok := undo.PageOf(e); ok {
			return p != nil && rp == p
		}
		return false
	})
	if n > 0 {
		s.logger.Debug("disabled history entries", zap.Int("count", n))
	}
}

func (s *Session) markDocReady() {
	if !s.docLoaded {
		s.docLoaded = true
		close(s.docReady)
	}
}

