// Package streamdoc serializes and deserializes the stream document: the
// JSON container holding one stream's (or one chunk's) ordered events, plus
// the content-hash chaining that makes optimistic concurrency possible.
package streamdoc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eventkeep/storeruntime/internal/canonical"
)

// ClosedEventType marks a stream as sealed when it is the last event.
const ClosedEventType = "EventStream.Closed"

// AnyPriorHash is the "any / first write" sentinel for priorHash checks.
const AnyPriorHash = "*"

// Event is an immutable record appended to a stream.
type Event struct {
	EventVersion  uint32            `json:"eventVersion"`
	EventType     string            `json:"eventType"`
	Payload       json.RawMessage   `json:"payload"`
	Timestamp     time.Time         `json:"timestamp"`
	SchemaVersion uint16            `json:"schemaVersion"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IsClosureMarker reports whether e seals its stream.
func (e Event) IsClosureMarker() bool {
	return e.EventType == ClosedEventType
}

// ClosurePayload is the well-known shape of a closure marker's payload.
type ClosurePayload struct {
	ContinuationStreamID string    `json:"continuationStreamId"`
	MigrationID          string    `json:"migrationId"`
	ClosedAt             time.Time `json:"closedAt"`
	SourceStreamType     string    `json:"sourceStreamType,omitempty"`
	TargetStreamType     string    `json:"targetStreamType,omitempty"`
	SourceDataStore      string    `json:"sourceDataStore,omitempty"`
	TargetDataStore      string    `json:"targetDataStore,omitempty"`
	TargetDocumentStore  string    `json:"targetDocumentStore,omitempty"`
}

// Document is the serialized container persisted at one object key.
type Document struct {
	ObjectID               string  `json:"objectId"`
	ObjectName             string  `json:"objectName"`
	LastObjectDocumentHash string  `json:"lastObjectDocumentHash"`
	Events                 []Event `json:"events"`
}

// PrevHash returns the hash the append path must present as the expected
// prior value on its next write. An empty document's hash is the wildcard.
func (d *Document) PrevHash() string {
	if d.LastObjectDocumentHash == "" {
		return AnyPriorHash
	}
	return d.LastObjectDocumentHash
}

// LastEvent returns the final event, or ok=false for an empty document.
func (d *Document) LastEvent() (Event, bool) {
	if len(d.Events) == 0 {
		return Event{}, false
	}
	return d.Events[len(d.Events)-1], true
}

// IsSealed reports whether the document's last event is a closure marker.
func (d *Document) IsSealed() bool {
	last, ok := d.LastEvent()
	return ok && last.IsClosureMarker()
}

// Marshal serializes d to its canonical JSON form: stable key ordering so
// that ComputeHash is deterministic across processes and languages.
func Marshal(d *Document) ([]byte, error) {
	body, err := canonical.MarshalJSONCanonical(d)
	if err != nil {
		return nil, fmt.Errorf("streamdoc: marshal: %w", err)
	}
	return body, nil
}

// Unmarshal parses a stream document. Unknown trailing fields are tolerated
// for forward compatibility: json.Unmarshal into a known struct already
// ignores fields it doesn't recognize, so no extra work is needed here.
func Unmarshal(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("streamdoc: unmarshal: %w", err)
	}
	return &d, nil
}

// ComputeHash returns the SHA-256 hex digest of d's canonical encoding —
// the value that becomes the new LastObjectDocumentHash after a successful
// write.
func ComputeHash(d *Document) (string, error) {
	canon, err := Marshal(d)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

