package undo

import (
	"errors"

	"github.com/alimasry/go-whiteboard/doc"
)

var (
	// ErrNoAction is returned when a record is added outside StartAction/EndAction.
	ErrNoAction = errors.New("undo: record added outside of an action")
	// ErrUnconfirmed is returned when discarding undone entries would drop
	// entries the relay has already seen.
	ErrUnconfirmed = errors.New("undo: undone entries have been exchanged with the network")
)

// History is the linear undo log for one document. Entries never move once
// appended; only Pos, Sent and Received change. It is not safe for concurrent
// use; the owning editor loop serializes access.
type History struct {
	doc     *doc.Document
	user    string
	entries []Entry
	pos     int

	inAction   bool
	actionPage int
	actionLen  int

	sent     int
	received int
}

// NewHistory creates an empty history over d. user is recorded as the
// originator of every group.
func NewHistory(d *doc.Document, user string) *History {
	return &History{doc: d, user: user}
}

// Doc returns the document the history mutates.
func (h *History) Doc() *doc.Document { return h.doc }

// User returns the originator name recorded in new headers.
func (h *History) User() string { return h.user }

// SetUser changes the originator name for subsequent groups.
func (h *History) SetUser(user string) { h.user = user }

// StartAction opens a group. The header is only appended once the first
// record arrives, so an empty action leaves no trace.
func (h *History) StartAction(pageHint int) error {
	if h.pos < len(h.entries) && (h.sent > h.pos || h.received > h.pos) {
		return ErrUnconfirmed
	}
	h.inAction = true
	h.actionPage = pageHint
	h.actionLen = 0
	return nil
}

// EndAction closes the group opened by StartAction.
func (h *History) EndAction() {
	h.inAction = false
	h.actionLen = 0
}

// InAction reports whether a group is open.
func (h *History) InAction() bool { return h.inAction }

// Add appends r, which the caller has already applied to the document.
func (h *History) Add(r Record) error {
	if !h.inAction {
		return ErrNoAction
	}
	if h.actionLen == 0 {
		h.truncate()
		h.entries = append(h.entries, &Header{PageHint: h.actionPage, Originator: h.user})
	}
	h.entries = append(h.entries, r)
	h.pos = len(h.entries)
	h.actionLen++
	return nil
}

// Apply redoes r against the document and then adds it.
func (h *History) Apply(r Record) error {
	if !h.inAction {
		return ErrNoAction
	}
	r.Redo(h.doc)
	return h.Add(r)
}

func (h *History) truncate() {
	clear(h.entries[h.pos:])
	h.entries = h.entries[:h.pos]
}

// ClearUndone drops every entry after Pos. It fails with ErrUnconfirmed if
// either cursor lies beyond Pos.
func (h *History) ClearUndone() error {
	if h.sent > h.pos || h.received > h.pos {
		return ErrUnconfirmed
	}
	h.truncate()
	return nil
}

// Undo reverts the group ending at Pos and returns its page hint, or -1 if
// there is nothing to undo.
func (h *History) Undo() int {
	for h.pos > 0 {
		h.pos--
		if hdr, ok := h.entries[h.pos].(*Header); ok {
			return hdr.PageHint
		}
		if r, ok := h.entries[h.pos].(Record); ok {
			r.Undo(h.doc)
		}
	}
	return -1
}

// Redo reapplies the group starting at Pos and returns its page hint, or -1.
func (h *History) Redo() int {
	if h.pos >= len(h.entries) {
		return -1
	}
	hint := -1
	if hdr, ok := h.entries[h.pos].(*Header); ok {
		hint = hdr.PageHint
	}
	h.pos++
	for h.pos < len(h.entries) {
		if _, ok := h.entries[h.pos].(*Header); ok {
			break
		}
		if r, ok := h.entries[h.pos].(Record); ok {
			r.Redo(h.doc)
		}
		h.pos++
	}
	return hint
}

// SeekTo undoes or redoes whole groups until Pos equals pos.
func (h *History) SeekTo(pos int) {
	pos = max(0, min(pos, len(h.entries)))
	for h.pos < pos {
		h.Redo()
	}
	for h.pos > pos {
		h.Undo()
	}
}

func (h *History) CanUndo() bool { return h.pos > 0 }
func (h *History) CanRedo() bool { return h.pos < len(h.entries) }

// Pos is the playhead: entries before it are applied to the document.
func (h *History) Pos() int { return h.pos }

// Len is the number of entries.
func (h *History) Len() int { return len(h.entries) }

// Entry returns the entry at i.
func (h *History) Entry(i int) Entry { return h.entries[i] }

// Header returns the header at i, if entry i is one.
func (h *History) Header(i int) (*Header, bool) {
	if i < 0 || i >= len(h.entries) {
		return nil, false
	}
	hdr, ok := h.entries[i].(*Header)
	return hdr, ok
}

// NextHeader returns the index of the first header after i, or Len.
func (h *History) NextHeader(i int) int {
	for i++; i < len(h.entries); i++ {
		if _, ok := h.entries[i].(*Header); ok {
			return i
		}
	}
	return len(h.entries)
}

// PrevHeader returns the index of the last header before i, or -1 when i is 0.
func (h *History) PrevHeader(i int) int {
	if i <= 0 {
		return -1
	}
	for i--; i > 0; i-- {
		if _, ok := h.entries[i].(*Header); ok {
			return i
		}
	}
	return 0
}

// Disable replaces every record matching pred with a Disabled placeholder and
// returns how many were replaced. Headers are never disabled.
func (h *History) Disable(pred func(Entry) bool) int {
	n := 0
	for i, e := range h.entries {
		if _, ok := e.(Record); !ok {
			continue
		}
		if pred(e) {
			h.entries[i] = &Disabled{}
			n++
		}
	}
	return n
}

// Sent is the index up to which local entries have been transmitted.
func (h *History) Sent() int { return h.sent }

// Received is the index up to which the relay stream has been matched.
func (h *History) Received() int { return h.received }

func (h *History) SetSent(i int)     { h.sent = max(0, min(i, len(h.entries))) }
func (h *History) SetReceived(i int) { h.received = max(0, min(i, len(h.entries))) }

// ResetCursors forgets all network state, as when a sync session ends.
func (h *History) ResetCursors() {
	h.sent = 0
	h.received = 0
}
