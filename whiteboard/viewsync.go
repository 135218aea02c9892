package whiteboard

import (
	"github.com/alimasry/go-whiteboard/doc"
	"github.com/alimasry/go-whiteboard/wire"
)

// SetViewMode changes the local role in view sync.
func (s *Session) SetViewMode(m ViewMode) error {
	return s.Do(func() {
		s.viewMode = m
		s.lastView = invalidViewBox
		s.pendingView = invalidViewBox
	})
}

// ViewMode returns the local role in view sync.
func (s *Session) ViewMode() ViewMode {
	m := ViewOff
	_ = s.Do(func() { m = s.viewMode })
	return m
}

// SendViewport broadcasts vb immediately, outside the per-tick check.
func (s *Session) SendViewport(vb ViewBox) error {
	var err error
	if derr := s.Do(func() {
		if !s.isActive() {
			err = ErrNotConnected
			return
		}
		s.sendViewBox(vb)
		s.lastView = vb
	}); derr != nil {
		return derr
	}
	return err
}

func (s *Session) sendViewBox(vb ViewBox) {
	s.sendData(wire.AppendGroup(nil, wire.Group{
		ID:       wire.IDViewBox,
		PageHint: -1,
		User:     s.params.User,
		Records: []wire.Record{wire.ViewBox{
			PageNum: vb.Page,
			Zoom:    vb.Zoom,
			Left:    vb.Left,
			Top:     vb.Top,
			Right:   vb.Right,
			Bottom:  vb.Bottom,
		}},
	}))
}

// tickViewSync sends the master's viewport when it changed, and applies a
// held-back viewport on followers once the user has gone quiet.
func (s *Session) tickViewSync() {
	if s.viewer == nil {
		return
	}
	switch s.viewMode {
	case ViewMaster:
		vb := s.viewer.ViewBox()
		if vb != s.lastView {
			s.sendViewBox(vb)
		}
		s.lastView = vb
		s.pendingView = invalidViewBox
	case ViewFollower:
		if s.pendingView.Valid() && s.quiet() {
			s.viewer.SetViewBox(s.pendingView)
			s.editor.Repaint()
			s.pendingView = invalidViewBox
		}
	}
}

func (s *Session) onViewBox(from string, rec wire.ViewBox) {
	vb := ViewBox{
		Page:   rec.PageNum + s.cfg.ViewPageOffset,
		Zoom:   rec.Zoom,
		Left:   rec.Left,
		Top:    rec.Top,
		Right:  rec.Right,
		Bottom: rec.Bottom,
	}
	if !vb.Valid() {
		return
	}
	if s.isActive() && s.viewMode == ViewMaster {
		s.viewMode = ViewFollower
		s.notify.WriteString(from + " is now controlling the view. ")
	}
	s.master = from
	if s.viewMode == ViewFollower && s.quiet() {
		s.viewer.SetViewBox(vb)
		s.pendingView = invalidViewBox
		return
	}
	// kept in case following is turned on later
	s.pendingView = vb
}

func (s *Session) quiet() bool {
	return s.viewer != nil && s.clock.Since(s.viewer.LastInput()) > s.cfg.QuietPeriod
}

// SendStrokeUpdate sends metadata changed outside undo for strokes that have
// already been sent. Strokes still without an id are skipped; their addstroke
// will carry the current values.
func (s *Session) SendStrokeUpdate(strokes []*doc.Stroke) error {
	return s.Do(func() {
		if len(strokes) == 0 || strokes[0].ID == 0 || !s.isActive() {
			return
		}
		g := wire.Group{ID: wire.IDStrokeUpdate, PageHint: -1, User: s.params.User}
		for _, st := range strokes {
			if st.ID == 0 {
				continue
			}
			g.Records = append(g.Records, wire.UpdateStroke{StrokeID: st.ID, ComY: st.ComY})
		}
		s.sendData(wire.AppendGroup(nil, g))
	})
}
