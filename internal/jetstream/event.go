package jetstream

import (
	"fmt"

	"github.com/goccy/go-json"

	"skyhook/internal/lexicon"
	"skyhook/internal/types"
)

// Event kinds sent by Jetstream.
const (
	KindCommit   = "commit"
	KindIdentity = "identity"
	KindAccount  = "account"
)

// Event is one Jetstream message. Identity and account events carry no commit
// and are only used to advance the cursor.
type Event struct {
	DID    string  `json:"did"`
	TimeUS int64   `json:"time_us"`
	Kind   string  `json:"kind"`
	Commit *Commit `json:"commit,omitempty"`
}

// Commit is the repository operation of a commit event.
type Commit struct {
	Rev        string          `json:"rev,omitempty"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

// ParseEvent decodes a single uncompressed Jetstream frame.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}

// CommitEvent converts a commit event to the domain shape. Post records on
// create and update are decoded into a PostRecord, which settles the embed
// variant here rather than downstream.
func (e *Event) CommitEvent() (types.CommitEvent, error) {
	if e.Kind != KindCommit || e.Commit == nil {
		return types.CommitEvent{}, fmt.Errorf("event kind %q is not a commit", e.Kind)
	}

	c := e.Commit
	out := types.CommitEvent{
		DID:        e.DID,
		TimeUS:     e.TimeUS,
		Operation:  types.CommitOperation(c.Operation),
		Collection: c.Collection,
		RKey:       c.RKey,
		CID:        c.CID,
	}

	if c.Collection != types.PostCollection || len(c.Record) == 0 || out.Operation == types.OperationDelete {
		return out, nil
	}

	post, err := lexicon.DecodePost(e.DID, c.RKey, c.Record)
	if err != nil {
		return out, fmt.Errorf("decode post %s/%s: %w", e.DID, c.RKey, err)
	}
	out.Record = &post
	return out, nil
}

// optionsUpdate is the subscriber-sourced message that replaces the filters
// of a live connection.
type optionsUpdate struct {
	Type    string         `json:"type"`
	Payload optionsPayload `json:"payload"`
}

type optionsPayload struct {
	WantedCollections []string `json:"wantedCollections"`
	WantedDIDs        []string `json:"wantedDids"`
}

func encodeOptionsUpdate(dids []string) ([]byte, error) {
	return json.Marshal(optionsUpdate{
		Type: "options_update",
		Payload: optionsPayload{
			WantedCollections: []string{types.PostCollection},
			WantedDIDs:        dids,
		},
	})
}
