// Package wire is the whiteboard stream codec. A stream is a sequence of
// newline-terminated <undo> blocks, some of which may be wrapped in a gzip
// envelope that records its own length in the gzip comment field.
package wire

// Reserved group ids.
const (
	// IDControl carries relay control records (connect, disconnect, accessdenied).
	IDControl uint64 = 0
	// IDBootstrap is the full-document dump sent once by the session originator.
	IDBootstrap uint64 = 1
	// IDStrokeUpdate carries out-of-band stroke metadata; it is not an undo group.
	IDStrokeUpdate uint64 = 11
	// IDViewBox carries viewport sync; it is not an undo group.
	IDViewBox uint64 = 12
)

// OutOfBand reports whether a group id never corresponds to an undo history header.
func OutOfBand(id uint64) bool {
	return id == IDControl || id == IDStrokeUpdate || id == IDViewBox
}

// Group is one <undo> block.
type Group struct {
	ID       uint64
	PageHint int
	User     string
	Records  []Record
}

// Record is one child element of a group.
type Record interface {
	record()
	// Name is the element name on the wire.
	Name() string
}

// StrokeData is the serialized form of a stroke.
type StrokeData struct {
	Color    uint32
	Width    float64
	Matrix   [6]float64
	Scale    [2]float64
	ComY     float64
	Geometry string
}

// PageProps mirrors the page attributes carried by addpage and pagechanged.
type PageProps struct {
	Width      float64
	Height     float64
	XRuling    float64
	YRuling    float64
	MarginLeft float64
	Color      uint32
	RuleColor  uint32
}

// PageData is the serialized form of a page with its strokes in z-order.
type PageData struct {
	Props   PageProps
	Strokes []StrokeData
}

type AddStroke struct {
	StrokeID     uint64
	PageNum      int
	NextStrokeID uint64
	Stroke       StrokeData
}

type DelStroke struct {
	StrokeID uint64
}

type Translate struct {
	StrokeID uint64
	X, Y     float64
}

// Transform carries a 2D affine matrix (a b c d e f) and the internal scale.
type Transform struct {
	StrokeID uint64
	Matrix   [6]float64
	Scale    [2]float64
}

type StrokeChanged struct {
	StrokeID uint64
	Color    uint32
	Width    float64
}

// AddPage inserts a page. Strokes on the page receive sequential ids
// starting at FirstID.
type AddPage struct {
	PageNum int
	FirstID uint64
	Page    PageData
}

type DelPage struct {
	PageNum int
}

type PageChanged struct {
	PageNum int
	Props   PageProps
}

// UpdateStroke changes stroke metadata outside the undo system.
type UpdateStroke struct {
	StrokeID uint64
	ComY     float64
}

// ViewBox is a viewport broadcast by the presenting client.
type ViewBox struct {
	PageNum                  int
	Zoom                     float64
	Left, Top, Right, Bottom float64
}

// Connect is sent by the relay when a client joins.
type Connect struct {
	Client string
	UUID   uint64
}

// Disconnect is sent by the relay when a client leaves.
type Disconnect struct {
	Client string
}

// AccessDenied is sent by the relay to a client presenting the wrong token.
type AccessDenied struct{}

func (AddStroke) record()     {}
func (DelStroke) record()     {}
func (Translate) record()     {}
func (Transform) record()     {}
func (StrokeChanged) record() {}
func (AddPage) record()       {}
func (DelPage) record()       {}
func (PageChanged) record()   {}
func (UpdateStroke) record()  {}
func (ViewBox) record()       {}
func (Connect) record()       {}
func (Disconnect) record()    {}
func (AccessDenied) record()  {}

func (AddStroke) Name() string     { return "addstroke" }
func (DelStroke) Name() string     { return "delstroke" }
func (Translate) Name() string     { return "translate" }
func (Transform) Name() string     { return "transform" }
func (StrokeChanged) Name() string { return "strokechanged" }
func (AddPage) Name() string       { return "addpage" }
func (DelPage) Name() string       { return "delpage" }
func (PageChanged) Name() string   { return "pagechanged" }
func (UpdateStroke) Name() string  { return "updatestroke" }
func (ViewBox) Name() string       { return "viewbox" }
func (Connect) Name() string       { return "connect" }
func (Disconnect) Name() string    { return "disconnect" }
func (AccessDenied) Name() string  { return "accessdenied" }
