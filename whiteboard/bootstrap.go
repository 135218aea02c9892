package whiteboard

import (
	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/doc"
	"github.com/alimasry/go-whiteboard/wire"
)

// Bootstrap dumps d as the reserved group 1: one addpage per page, strokes
// numbered sequentially from baseID+1 in page order. Stroke ids in d are
// overwritten. Every client replaying the dump derives the same ids, which
// is what lets later records refer to content that existed before sharing.
func Bootstrap(d *doc.Document, baseID uint64, user string) wire.Group {
	g := wire.Group{ID: wire.IDBootstrap, PageHint: -1, User: user}
	next := baseID + 1
	for i, p := range d.Pages {
		var first uint64
		if len(p.Strokes) > 0 {
			first = next
			next += uint64(len(p.Strokes))
		}
		g.Records = append(g.Records, wire.AddPage{PageNum: i, FirstID: first, Page: pageData(p, first)})
	}
	return g
}

// startSession runs on the originator once connected: rewind, dump the
// document as it was before any local edits, then replay and send the edits.
func (s *Session) startSession() {
	h := s.hist
	h.ResetCursors()
	if err := h.ClearUndone(); err != nil {
		s.logger.Warn("clearing undone history", zap.Error(err))
	}
	h.SeekTo(0)

	g := Bootstrap(s.doc, s.cfg.BootstrapBaseID, s.params.User)
	for _, p := range s.doc.Pages {
		s.strokes.AddPage(p)
	}
	s.logger.Info("bootstrapping shared document",
		zap.String("doc", s.params.Document),
		zap.Int("pages", s.doc.PageCount()),
		zap.Int("strokes", s.doc.StrokeCount()),
	)
	s.sendData(wire.AppendGroup(nil, g))

	s.state = Connected
	for h.CanRedo() {
		h.Redo()
		s.sendHistory(false)
	}
}
