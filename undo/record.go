// Package undo implements the shared undo log: a flat, index-addressed sequence
// of group headers and reversible records, with the cursors used by whiteboard
// sync to track what has been sent to and received from the relay.
package undo

import "github.com/alimasry/go-whiteboard/doc"

// Entry is one slot in the history: a *Header, a Record, or *Disabled.
type Entry interface {
	entry()
}

// Record is a reversible document mutation. Redo applies it, Undo reverts it.
type Record interface {
	Entry
	Redo(d *doc.Document)
	Undo(d *doc.Document)
	// Inverse returns the record whose Redo has the effect of this record's Undo.
	Inverse() Record
}

// Header starts a group. ID is 0 until the group is first sent.
type Header struct {
	ID         uint64
	PageHint   int
	Originator string
}

// Disabled replaces an entry whose stroke or page was removed by a remote
// delete. It keeps positions stable and does nothing.
type Disabled struct{}

func (*Header) entry()   {}
func (*Disabled) entry() {}

// StrokeAdded puts Stroke on Page below Next (on top when Next is nil).
type StrokeAdded struct {
	Stroke *doc.Stroke
	Page   *doc.Page
	Next   *doc.Stroke
}

// StrokeDeleted removes Stroke from Page; Next restores its z-order on undo.
type StrokeDeleted struct {
	Stroke *doc.Stroke
	Page   *doc.Page
	Next   *doc.Stroke
}

// StrokeTranslated moves a stroke.
type StrokeTranslated struct {
	Stroke *doc.Stroke
	Page   *doc.Page
	DX, DY float64
}

// StrokeTransformed applies an affine transform and internal scale to a stroke.
type StrokeTransformed struct {
	Stroke    *doc.Stroke
	Page      *doc.Page
	Transform doc.StrokeTransform
}

// StrokeChanged holds the properties to swap in. Before the first Redo it
// holds the new properties; after, the previous ones.
type StrokeChanged struct {
	Stroke *doc.Stroke
	Page   *doc.Page
	Props  doc.StrokeProps
}

// PageAdded inserts Page at Index.
type PageAdded struct {
	Page  *doc.Page
	Index int
}

// PageDeleted removes the page at Index.
type PageDeleted struct {
	Page  *doc.Page
	Index int
}

// PageChanged swaps page properties, like StrokeChanged.
type PageChanged struct {
	Page  *doc.Page
	Props doc.PageProps
}

func (*StrokeAdded) entry()       {}
func (*StrokeDeleted) entry()     {}
func (*StrokeTranslated) entry()  {}
func (*StrokeTransformed) entry() {}
func (*StrokeChanged) entry()     {}
func (*PageAdded) entry()         {}
func (*PageDeleted) entry()       {}
func (*PageChanged) entry()       {}

func (r *StrokeAdded) Redo(*doc.Document) { r.Page.Insert(r.Stroke, r.Next) }
func (r *StrokeAdded) Undo(*doc.Document) { r.Page.Remove(r.Stroke) }
func (r *StrokeAdded) Inverse() Record {
	return &StrokeDeleted{Stroke: r.Stroke, Page: r.Page, Next: r.Next}
}

func (r *StrokeDeleted) Redo(*doc.Document) { r.Page.Remove(r.Stroke) }
func (r *StrokeDeleted) Undo(*doc.Document) { r.Page.Insert(r.Stroke, r.Next) }
func (r *StrokeDeleted) Inverse() Record {
	return &StrokeAdded{Stroke: r.Stroke, Page: r.Page, Next: r.Next}
}

func (r *StrokeTranslated) Redo(*doc.Document) {
	r.Stroke.ApplyTransform(doc.NewStrokeTransform(doc.Translating(r.DX, r.DY)))
}

func (r *StrokeTranslated) Undo(*doc.Document) {
	r.Stroke.ApplyTransform(doc.NewStrokeTransform(doc.Translating(-r.DX, -r.DY)))
}

func (r *StrokeTranslated) Inverse() Record {
	return &StrokeTranslated{Stroke: r.Stroke, Page: r.Page, DX: -r.DX, DY: -r.DY}
}

func (r *StrokeTransformed) Redo(*doc.Document) { r.Stroke.ApplyTransform(r.Transform) }
func (r *StrokeTransformed) Undo(*doc.Document) { r.Stroke.ApplyTransform(r.Transform.Inverse()) }
func (r *StrokeTransformed) Inverse() Record {
	return &StrokeTransformed{Stroke: r.Stroke, Page: r.Page, Transform: r.Transform.Inverse()}
}

func (r *StrokeChanged) swap() { r.Stroke.Props, r.Props = r.Props, r.Stroke.Props }

func (r *StrokeChanged) Redo(*doc.Document) { r.swap() }
func (r *StrokeChanged) Undo(*doc.Document) { r.swap() }

// Inverse of a swap is a copy of the swap. It is only meaningful while the
// record is undone, which is the only time sync asks for it.
func (r *StrokeChanged) Inverse() Record {
	c := *r
	return &c
}

func (r *PageAdded) Redo(d *doc.Document) { d.InsertPage(r.Page, r.Index) }
func (r *PageAdded) Undo(d *doc.Document) { d.DeletePage(r.Index) }
func (r *PageAdded) Inverse() Record {
	return &PageDeleted{Page: r.Page, Index: r.Index}
}

func (r *PageDeleted) Redo(d *doc.Document) { d.DeletePage(r.Index) }
func (r *PageDeleted) Undo(d *doc.Document) { d.InsertPage(r.Page, r.Index) }
func (r *PageDeleted) Inverse() Record {
	return &PageAdded{Page: r.Page, Index: r.Index}
}

func (r *PageChanged) swap() { r.Page.Props, r.Props = r.Props, r.Page.Props }

func (r *PageChanged) Redo(*doc.Document) { r.swap() }
func (r *PageChanged) Undo(*doc.Document) { r.swap() }
func (r *PageChanged) Inverse() Record {
	c := *r
	return &c
}

// StrokeOf returns the stroke and page a record refers to, if it is a stroke record.
func StrokeOf(e Entry) (*doc.Stroke, *doc.Page, bool) {
	switch r := e.(type) {
	case *StrokeAdded:
		return r.Stroke, r.Page, true
	case *StrokeDeleted:
		return r.Stroke, r.Page, true
	case *StrokeTranslated:
		return r.Stroke, r.Page, true
	case *StrokeTransformed:
		return r.Stroke, r.Page, true
	case *StrokeChanged:
		return r.Stroke, r.Page, true
	}
	return nil, nil, false
}

// PageOf returns the page a page-level record refers to.
func PageOf(e Entry) (*doc.Page, bool) {
	switch r := e.(type) {
	case *PageAdded:
		return r.Page, true
	case *PageDeleted:
		return r.Page, true
	case *PageChanged:
		return r.Page, true
	}
	return nil, false
}
