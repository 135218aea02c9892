// Package doc is the whiteboard document model: an ordered list of pages, each
// holding strokes in z-order. It knows nothing about undo or the network.
package doc

import "slices"

// Color is a packed ARGB value.
type Color uint32

const (
	White Color = 0xFFFFFFFF
	Blue  Color = 0xFF0000FF
)

// StrokeProps are the user-editable properties of a stroke.
type StrokeProps struct {
	Color Color
	Width float64
}

// Stroke is one drawn element. Geometry is an opaque SVG fragment owned by the
// ink layer; only its transform and properties are touched here.
type Stroke struct {
	// ID is the network-visible identifier; 0 until the stroke has been sent
	// or received.
	ID        uint64
	Geometry  string
	Props     StrokeProps
	Transform Transform
	ScaleX    float64
	ScaleY    float64
	ComY      float64
}

// NewStroke creates a stroke with identity transform.
func NewStroke(geometry string, props StrokeProps) *Stroke {
	return &Stroke{
		Geometry:  geometry,
		Props:     props,
		Transform: Identity(),
		ScaleX:    1,
		ScaleY:    1,
	}
}

// ApplyTransform composes st onto the stroke's committed transform.
func (s *Stroke) ApplyTransform(st StrokeTransform) {
	s.Transform = s.Transform.Then(st.Matrix)
	s.ScaleX *= st.ScaleX
	s.ScaleY *= st.ScaleY
}

// PageProps are the page-level properties carried by pagechanged records.
type PageProps struct {
	Width      float64
	Height     float64
	XRuling    float64
	YRuling    float64
	MarginLeft float64
	Color      Color
	RuleColor  Color
}

// DefaultPageProps is a blank letter-sized ruled page.
func DefaultPageProps() PageProps {
	return PageProps{Width: 612, Height: 792, YRuling: 40, Color: White, RuleColor: Blue}
}

// Page holds strokes in z-order, bottom first.
type Page struct {
	Props   PageProps
	Strokes []*Stroke
}

// NewPage creates an empty page.
func NewPage(props PageProps) *Page {
	return &Page{Props: props}
}

// Index returns the z-order position of s, or -1.
func (p *Page) Index(s *Stroke) int {
	return slices.Index(p.Strokes, s)
}

// Contains reports whether s is on the page.
func (p *Page) Contains(s *Stroke) bool {
	return p.Index(s) >= 0
}

// Next returns the stroke directly above s, or nil.
func (p *Page) Next(s *Stroke) *Stroke {
	i := p.Index(s)
	if i < 0 || i+1 >= len(p.Strokes) {
		return nil
	}
	return p.Strokes[i+1]
}

// Insert adds s immediately below next; a nil or missing next appends on top.
func (p *Page) Insert(s, next *Stroke) {
	i := -1
	if next != nil {
		i = p.Index(next)
	}
	if i < 0 {
		p.Strokes = append(p.Strokes, s)
		return
	}
	p.Strokes = slices.Insert(p.Strokes, i, s)
}

// Remove takes s off the page and reports whether it was there.
func (p *Page) Remove(s *Stroke) bool {
	i := p.Index(s)
	if i < 0 {
		return false
	}
	p.Strokes = slices.Delete(p.Strokes, i, i+1)
	return true
}

// Document is an ordered list of pages. Page identity on the wire is the page
// index, so any reordering must go through InsertPage and DeletePage.
type Document struct {
	Pages []*Page
}

// NewDocument creates a document with the given pages.
func NewDocument(pages ...*Page) *Document {
	return &Document{Pages: pages}
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return len(d.Pages)
}

// Page returns the page at index i, or nil when out of range.
func (d *Document) Page(i int) *Page {
	if i < 0 || i >= len(d.Pages) {
		return nil
	}
	return d.Pages[i]
}

// PageIndex returns the index of p, or -1.
func (d *Document) PageIndex(p *Page) int {
	return slices.Index(d.Pages, p)
}

// PageForStroke returns the page currently holding s, or nil.
func (d *Document) PageForStroke(s *Stroke) *Page {
	if s == nil {
		return nil
	}
	for _, p := range d.Pages {
		if p.Contains(s) {
			return p
		}
	}
	return nil
}

// InsertPage inserts p at index i, clamped to the valid range.
func (d *Document) InsertPage(p *Page, i int) {
	i = max(0, min(i, len(d.Pages)))
	d.Pages = slices.Insert(d.Pages, i, p)
}

// DeletePage removes and returns the page at i, or nil when out of range.
func (d *Document) DeletePage(i int) *Page {
	if i < 0 || i >= len(d.Pages) {
		return nil
	}
	p := d.Pages[i]
	d.Pages = slices.Delete(d.Pages, i, i+1)
	return p
}

// StrokeCount returns the number of strokes across all pages.
func (d *Document) StrokeCount() int {
	n := 0
	for _, p := range d.Pages {
		n += len(p.Strokes)
	}
	return n
}
