package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terraprisma/api/internal/core"
)

// MemDocStore is an in-memory DocumentStore used in tests and development.
//
// Transactions take a store-wide lock, which makes every transaction
// trivially serializable: concurrent claimers of the same document are
// serialized, the loser re-reads the document and sees the winner's write.
type MemDocStore struct {
	mu           sync.Mutex
	collections  map[string]map[string]core.Doc
	timeProvider TimeProvider
}

// MemDocStoreOptions configures a MemDocStore.
type MemDocStoreOptions struct {
	// TimeProvider supplies the server clock for createdAt/updatedAt/
	// lockedAt. Defaults to real time.
	TimeProvider TimeProvider
}

var _ core.DocumentStore = (*MemDocStore)(nil)

// NewMemDocStore creates an empty in-memory document store.
func NewMemDocStore(opts MemDocStoreOptions) *MemDocStore {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &MemDocStore{
		collections:  make(map[string]map[string]core.Doc),
		timeProvider: tp,
	}
}

// Insert stores doc under a fresh id and returns the id.
func (s *MemDocStore) Insert(ctx context.Context, collection string, doc core.Doc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeProvider.Now()
	stored, err := normalizeDoc(resolveSentinels(doc, now))
	if err != nil {
		return "", fmt.Errorf("normalize document: %w", err)
	}
	stored["createdAt"] = formatDocTime(now)
	stored["updatedAt"] = formatDocTime(now)

	id := uuid.NewString()
	s.collectionLocked(collection)[id] = stored
	return id, nil
}

// Get returns a copy of the document, with its id injected.
func (s *MemDocStore) Get(ctx context.Context, collection, id string) (core.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(collection, id)
}

// Set upserts the document under the given id, merging fields into any
// existing document.
func (s *MemDocStore) Set(ctx context.Context, collection, id string, doc core.Doc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collectionLocked(collection)
	now := s.timeProvider.Now()

	existing, ok := coll[id]
	if !ok {
		existing = core.Doc{"createdAt": formatDocTime(now)}
	}
	if err := mergePatchLocked(existing, doc, now); err != nil {
		return err
	}
	coll[id] = existing
	return nil
}

// Query returns documents matching all equality filters, up to limit.
// Iteration order is unspecified.
func (s *MemDocStore) Query(ctx context.Context, collection string, filters []core.Filter, limit int) ([]core.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.Doc
	for id, doc := range s.collections[collection] {
		if !matchFilters(doc, filters) {
			continue
		}
		out = append(out, cloneWithID(doc, id))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Update applies a partial patch and refreshes updatedAt.
func (s *MemDocStore) Update(ctx context.Context, collection, id string, patch core.Doc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(collection, id, patch)
}

// RunTransaction executes fn under the store lock. Writes through the DocTx
// are buffered and applied only if fn returns nil.
func (s *MemDocStore) RunTransaction(ctx context.Context, fn func(tx core.DocTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memDocTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}

	for _, w := range tx.writes {
		if err := s.updateLocked(w.collection, w.id, w.patch); err != nil {
			return err
		}
	}
	return nil
}

// memDocTx buffers writes until the transaction function succeeds.
type memDocTx struct {
	store  *MemDocStore
	writes []bufferedWrite
}

type bufferedWrite struct {
	collection string
	id         string
	patch      core.Doc
}

// Get returns the committed document with the transaction's own buffered
// patches applied, so a read after an in-tx Update observes the update.
func (t *memDocTx) Get(collection, id string) (core.Doc, error) {
	doc, err := t.store.getLocked(collection, id)
	if err != nil {
		return nil, err
	}

	now := t.store.timeProvider.Now()
	for _, w := range t.writes {
		if w.collection != collection || w.id != id {
			continue
		}
		if err := mergePatchLocked(doc, w.patch, now); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (t *memDocTx) Update(collection, id string, patch core.Doc) error {
	if _, err := t.store.getLocked(collection, id); err != nil {
		return err
	}
	t.writes = append(t.writes, bufferedWrite{collection: collection, id: id, patch: patch})
	return nil
}

func (s *MemDocStore) collectionLocked(name string) map[string]core.Doc {
	coll, ok := s.collections[name]
	if !ok {
		coll = make(map[string]core.Doc)
		s.collections[name] = coll
	}
	return coll
}

func (s *MemDocStore) getLocked(collection, id string) (core.Doc, error) {
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, core.ErrDocNotFound
	}
	return cloneWithID(doc, id), nil
}

func (s *MemDocStore) updateLocked(collection, id string, patch core.Doc) error {
	coll := s.collections[collection]
	doc, ok := coll[id]
	if !ok {
		return core.ErrDocNotFound
	}
	return mergePatchLocked(doc, patch, s.timeProvider.Now())
}

func mergePatchLocked(dst core.Doc, patch core.Doc, now time.Time) error {
	resolved, err := normalizeDoc(resolveSentinels(patch, now))
	if err != nil {
		return fmt.Errorf("normalize patch: %w", err)
	}
	for k, v := range resolved {
		dst[k] = v
	}
	dst["updatedAt"] = formatDocTime(now)
	return nil
}

func matchFilters(doc core.Doc, filters []core.Filter) bool {
	for _, f := range filters {
		v, ok := doc[f.Field].(string)
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

// resolveSentinels replaces ServerTimestamp markers with the store clock.
func resolveSentinels(doc core.Doc, now time.Time) core.Doc {
	out := make(core.Doc, len(doc))
	for k, v := range doc {
		if core.IsServerTimestamp(v) {
			out[k] = formatDocTime(now)
			continue
		}
		out[k] = v
	}
	return out
}

// normalizeDoc round-trips the document through JSON so stored values match
// what a persistent store would return (float64 numbers, string timestamps).
func normalizeDoc(doc core.Doc) (core.Doc, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out core.Doc
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = core.Doc{}
	}
	return out, nil
}

func cloneWithID(doc core.Doc, id string) core.Doc {
	out := make(core.Doc, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}

func formatDocTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
