package server

import (
	"encoding/json"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/alimasry/go-whiteboard/store"
	"github.com/alimasry/go-whiteboard/wire"
)

// Control groups the relay writes into the log. They carry group id 0 so
// clients never match them against their history.

func connectGroup(name string, connectID uint64) []byte {
	return wire.AppendGroup(nil, wire.Group{
		ID:       wire.IDControl,
		PageHint: -1,
		Records:  []wire.Record{wire.Connect{Client: name, UUID: connectID}},
	})
}

func disconnectGroup(name string) []byte {
	return wire.AppendGroup(nil, wire.Group{
		ID:       wire.IDControl,
		PageHint: -1,
		Records:  []wire.Record{wire.Disconnect{Client: name}},
	})
}

func accessDeniedGroup() []byte {
	return wire.AppendGroup(nil, wire.Group{
		ID:       wire.IDControl,
		PageHint: -1,
		Records:  []wire.Record{wire.AccessDenied{}},
	})
}

// DocSummary is the JSON form of a document served by /api/docs.
type DocSummary struct {
	ID        string    `json:"id"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"sizeHuman"`
	Clients   int       `json:"clients"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newDocSummary(info store.DocumentInfo, clients int) DocSummary {
	return DocSummary{
		ID:        info.ID,
		Size:      info.Size,
		SizeHuman: humanize.Bytes(uint64(info.Size)),
		Clients:   clients,
		CreatedAt: info.CreatedAt,
		UpdatedAt: info.UpdatedAt,
	}
}

// Encode serializes v to JSON bytes.
func encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
