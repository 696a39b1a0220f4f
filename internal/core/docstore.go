// Package core defines the ports shared between services and their data
// adapters.
package core

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDocNotFound is returned when a document does not exist.
	ErrDocNotFound = errors.New("document not found")
	// ErrTxConflict is returned by a transaction attempt that lost a
	// conflict race and exhausted the store's internal retries.
	ErrTxConflict = errors.New("transaction conflict")
)

// Doc is an opaque structured document, as stored. Values survive a JSON
// round trip, so numbers are float64 and timestamps are RFC 3339 strings.
type Doc map[string]any

// Filter is an equality filter on a top-level document field.
type Filter struct {
	Field string
	Value string
}

// serverTimestampValue is the sentinel type behind ServerTimestamp.
type serverTimestampValue struct{}

// ServerTimestamp marks a field to be assigned the store server's clock at
// write time, avoiding skew between producer and worker hosts.
var ServerTimestamp = serverTimestampValue{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestampValue)
	return ok
}

// DocTx is the handle passed to a transaction function. Reads through a
// DocTx observe a consistent snapshot of the touched documents; writes are
// applied atomically at commit.
type DocTx interface {
	Get(collection, id string) (Doc, error)
	Update(collection, id string, patch Doc) error
}

// DocumentStore is the transactional key-document store underlying the job
// queue. Implementations assign ids on Insert, stamp createdAt/updatedAt
// themselves, and retry RunTransaction internally on write conflicts.
//
// Query supports equality filters and a limit only: there is no ordering
// guarantee, and callers that need one sort in memory.
type DocumentStore interface {
	Insert(ctx context.Context, collection string, doc Doc) (string, error)
	Get(ctx context.Context, collection, id string) (Doc, error)
	// Set upserts a document under a caller-chosen id, merging the given
	// fields into any existing document.
	Set(ctx context.Context, collection, id string, doc Doc) error
	Query(ctx context.Context, collection string, filters []Filter, limit int) ([]Doc, error)
	Update(ctx context.Context, collection, id string, patch Doc) error
	// RunTransaction executes fn with read-then-conditional-write
	// semantics. fn must re-read documents through the DocTx before
	// deciding to write; data read outside the transaction is advisory.
	RunTransaction(ctx context.Context, fn func(tx DocTx) error) error
}

// String returns the named field as a string, or "" when absent or not a
// string.
func (d Doc) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// StringPtr returns the named field as a *string, nil when absent or null.
func (d Doc) StringPtr(field string) *string {
	s, ok := d[field].(string)
	if !ok {
		return nil
	}
	return &s
}

// Int returns the named field as an int, tolerating the float64 values a
// JSON round trip produces.
func (d Doc) Int(field string) int {
	switch v := d[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Time parses the named field as an RFC 3339 timestamp. Returns nil when
// the field is absent, null, or unparseable.
func (d Doc) Time(field string) *time.Time {
	s, ok := d[field].(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
