package whiteboard

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/alimasry/go-whiteboard/doc"
	"github.com/alimasry/go-whiteboard/wire"
)

// IDSource hands out 64-bit identifiers for groups, strokes and connections.
type IDSource interface {
	NewID() uint64
}

// RandomIDs draws ids from random UUIDs, skipping the reserved group ids.
type RandomIDs struct{}

func (RandomIDs) NewID() uint64 {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[:8]); id > wire.IDViewBox {
			return id
		}
	}
}

// SequentialIDs counts up from Next.
type SequentialIDs struct {
	Next uint64
}

func (s *SequentialIDs) NewID() uint64 {
	id := s.Next
	s.Next++
	return id
}

// IdentityMap resolves network ids to live strokes.
type IdentityMap struct {
	strokes map[uint64]*doc.Stroke
}

func NewIdentityMap() *IdentityMap {
	return &IdentityMap{strokes: make(map[uint64]*doc.Stroke)}
}

// Add records s under its current ID. Strokes without an id are ignored.
func (m *IdentityMap) Add(s *doc.Stroke) {
	if s.ID != 0 {
		m.strokes[s.ID] = s
	}
}

// AddPage records every stroke on p.
func (m *IdentityMap) AddPage(p *doc.Page) {
	for _, s := range p.Strokes {
		m.Add(s)
	}
}

func (m *IdentityMap) Remove(id uint64) {
	delete(m.strokes, id)
}

// RemovePage forgets every stroke on p.
func (m *IdentityMap) RemovePage(p *doc.Page) {
	for _, s := range p.Strokes {
		m.Remove(s.ID)
	}
}

// Lookup returns the stroke for id; id 0 never resolves.
func (m *IdentityMap) Lookup(id uint64) (*doc.Stroke, bool) {
	if id == 0 {
		return nil, false
	}
	s, ok := m.strokes[id]
	return s, ok
}

func (m *IdentityMap) Len() int {
	return len(m.strokes)
}

// Reset forgets everything.
func (m *IdentityMap) Reset() {
	clear(m.strokes)
}
