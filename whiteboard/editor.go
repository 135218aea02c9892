package whiteboard

import (
	"time"

	"github.com/alimasry/go-whiteboard/doc"
)

// Level is the severity of a user-facing message.
type Level int

const (
	// LevelAppend continues the previous informational message.
	LevelAppend Level = -1
	// LevelInfo replaces any earlier status text.
	LevelInfo    Level = 0
	LevelWarning Level = 1
	LevelError   Level = 2
)

// Editor is what the session needs from the editing surface. All methods are
// called on the session loop.
type Editor interface {
	// Repaint asks for the document to be redrawn.
	Repaint()
	// Message shows status text to the user.
	Message(text string, level Level)
	// RemoteChange is called after a remote group was applied, with the page
	// count from before it, so scroll position can be preserved.
	RemoteChange(pageHint, prevPageCount int)
	// InvalidateStroke drops s from selections and caches; it was removed or moved remotely.
	InvalidateStroke(s *doc.Stroke)
	// InvalidatePage is InvalidateStroke for pages.
	InvalidatePage(p *doc.Page)
	// Busy reports an interaction in progress; received data is held until it ends.
	Busy() bool
}

// ViewBox is a viewport in document coordinates.
type ViewBox struct {
	Page                     int
	Zoom                     float64
	Left, Top, Right, Bottom float64
}

// Valid reports whether vb describes a real viewport.
func (vb ViewBox) Valid() bool {
	return vb.Page >= 0 && vb.Zoom > 0 && vb.Left <= vb.Right && vb.Top <= vb.Bottom
}

var invalidViewBox = ViewBox{Page: -1}

// Viewer is the view that follows or leads view sync.
type Viewer interface {
	ViewBox() ViewBox
	SetViewBox(vb ViewBox)
	// LastInput is the time of the user's most recent pan, zoom or stroke.
	LastInput() time.Time
}

// ViewMode is the local role in view sync.
type ViewMode int

const (
	ViewOff ViewMode = iota
	ViewFollower
	ViewMaster
)

type nopEditor struct{}

func (nopEditor) Repaint()                     {}
func (nopEditor) Message(string, Level)        {}
func (nopEditor) RemoteChange(int, int)        {}
func (nopEditor) InvalidateStroke(*doc.Stroke) {}
func (nopEditor) InvalidatePage(*doc.Page)     {}
func (nopEditor) Busy() bool                   { return false }
