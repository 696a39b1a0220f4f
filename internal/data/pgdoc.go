package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/terraprisma/api/internal/core"
)

// PGDocStore is the PostgreSQL DocumentStore. Documents live in a single
// JSONB table keyed by (collection, id); transactions lock documents with
// SELECT ... FOR UPDATE so exactly one concurrent claimer wins.
//
// Timestamps (createdAt/updatedAt and ServerTimestamp fields) are assigned
// from the database clock, never the caller's host clock.
type PGDocStore struct {
	DB     *sql.DB
	logger *slog.Logger
}

// PGDocStoreOptions configures a PGDocStore.
type PGDocStoreOptions struct {
	Logger *slog.Logger
}

var _ core.DocumentStore = (*PGDocStore)(nil)

const txMaxAttempts = 3

// NewPGDocStore creates a PGDocStore on the given connection pool.
func NewPGDocStore(db *sql.DB, opts PGDocStoreOptions) *PGDocStore {
	return &PGDocStore{DB: db, logger: opts.Logger}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
  collection text NOT NULL,
  id         text NOT NULL DEFAULT gen_random_uuid()::text,
  doc        jsonb NOT NULL,
  PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_status_idx
  ON documents (collection, (doc->>'status'));
CREATE INDEX IF NOT EXISTS documents_tenant_idx
  ON documents (collection, (doc->>'tenantId'));
`

// EnsureSchema creates the documents table and its indexes if missing.
func (s *PGDocStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure documents schema: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// serverNow reads the database clock. Inside a transaction this returns the
// transaction timestamp, which is stable across the whole transaction.
func serverNow(ctx context.Context, q querier) (time.Time, error) {
	var now time.Time
	if err := q.QueryRowContext(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("read server clock: %w", err)
	}
	return now.UTC(), nil
}

// Insert stores doc under a fresh id and returns the id.
func (s *PGDocStore) Insert(ctx context.Context, collection string, doc core.Doc) (string, error) {
	now, err := serverNow(ctx, s.DB)
	if err != nil {
		return "", err
	}

	raw, err := marshalDoc(doc, now)
	if err != nil {
		return "", err
	}

	var id string
	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO documents (collection, doc)
		VALUES ($1, $2::jsonb || jsonb_build_object('createdAt', to_jsonb(now()), 'updatedAt', to_jsonb(now())))
		RETURNING id
	`, collection, raw).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

// Get returns the document with its id injected.
func (s *PGDocStore) Get(ctx context.Context, collection, id string) (core.Doc, error) {
	return getDoc(ctx, s.DB, collection, id, false)
}

// Set upserts the document under a caller-chosen id, merging fields into
// any existing document.
func (s *PGDocStore) Set(ctx context.Context, collection, id string, doc core.Doc) error {
	now, err := serverNow(ctx, s.DB)
	if err != nil {
		return err
	}

	raw, err := marshalDoc(doc, now)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO documents (collection, id, doc)
		VALUES ($1, $2, $3::jsonb || jsonb_build_object('createdAt', to_jsonb(now()), 'updatedAt', to_jsonb(now())))
		ON CONFLICT (collection, id) DO UPDATE
		SET doc = documents.doc || $3::jsonb || jsonb_build_object('updatedAt', to_jsonb(now()))
	`, collection, id, raw)
	if err != nil {
		return fmt.Errorf("set document: %w", err)
	}
	return nil
}

// Query returns documents matching all equality filters, up to limit. The
// result order is whatever the planner produces: callers sort in memory.
func (s *PGDocStore) Query(ctx context.Context, collection string, filters []core.Filter, limit int) ([]core.Doc, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, doc FROM documents WHERE collection = $1`)
	args := []any{collection}
	for _, f := range filters {
		args = append(args, f.Field, f.Value)
		sb.WriteString(` AND doc->>$` + strconv.Itoa(len(args)-1) + ` = $` + strconv.Itoa(len(args)))
	}
	if limit > 0 {
		args = append(args, limit)
		sb.WriteString(` LIMIT $` + strconv.Itoa(len(args)))
	}

	rows, err := s.DB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []core.Doc
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := unmarshalDoc(raw, id)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// Update applies a partial patch and refreshes updatedAt.
func (s *PGDocStore) Update(ctx context.Context, collection, id string, patch core.Doc) error {
	now, err := serverNow(ctx, s.DB)
	if err != nil {
		return err
	}
	return updateDoc(ctx, s.DB, docWriteParams{
		collection: collection,
		id:         id,
		patch:      patch,
		now:        now,
	})
}

// RunTransaction runs fn in a read-committed transaction where reads lock
// the touched rows. Serialization failures and deadlocks are retried up to
// txMaxAttempts before surfacing as ErrTxConflict.
func (s *PGDocStore) RunTransaction(ctx context.Context, fn func(tx core.DocTx) error) error {
	var lastErr error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err := s.runTxOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryableTxError(err) {
			return err
		}
		lastErr = err
		if s.logger != nil {
			s.logger.DebugContext(ctx, "document transaction conflict, retrying",
				"attempt", attempt, "error", err)
		}
		select {
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %w", core.ErrTxConflict, lastErr)
}

func (s *PGDocStore) runTxOnce(ctx context.Context, fn func(tx core.DocTx) error) (err error) {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := sqlTx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
	}()

	now, err := serverNow(ctx, sqlTx)
	if err != nil {
		return err
	}

	tx := &pgDocTx{ctx: ctx, tx: sqlTx, now: now}
	if err = fn(tx); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// pgDocTx reads with row locks so the winner of a claim race blocks the
// losers until commit; losers then re-read the committed state.
type pgDocTx struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time
}

func (t *pgDocTx) Get(collection, id string) (core.Doc, error) {
	return getDoc(t.ctx, t.tx, collection, id, true)
}

func (t *pgDocTx) Update(collection, id string, patch core.Doc) error {
	return updateDoc(t.ctx, t.tx, docWriteParams{
		collection: collection,
		id:         id,
		patch:      patch,
		now:        t.now,
	})
}

func getDoc(ctx context.Context, q querier, collection, id string, forUpdate bool) (core.Doc, error) {
	query := `SELECT doc FROM documents WHERE collection = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var raw []byte
	if err := q.QueryRowContext(ctx, query, collection, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrDocNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return unmarshalDoc(raw, id)
}

type docWriteParams struct {
	collection string
	id         string
	patch      core.Doc
	now        time.Time
}

func updateDoc(ctx context.Context, q querier, p docWriteParams) error {
	raw, err := marshalDoc(p.patch, p.now)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE documents
		SET doc = doc || $3::jsonb || jsonb_build_object('updatedAt', to_jsonb(now()))
		WHERE collection = $1 AND id = $2
	`, p.collection, p.id, raw)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if affected == 0 {
		return core.ErrDocNotFound
	}
	return nil
}

// marshalDoc resolves ServerTimestamp sentinels against the database clock
// and serialises the document for a JSONB parameter.
func marshalDoc(doc core.Doc, now time.Time) ([]byte, error) {
	resolved := make(core.Doc, len(doc))
	for k, v := range doc {
		if core.IsServerTimestamp(v) {
			resolved[k] = now.Format(time.RFC3339Nano)
			continue
		}
		resolved[k] = v
	}

	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return raw, nil
}

func unmarshalDoc(raw []byte, id string) (core.Doc, error) {
	var doc core.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if doc == nil {
		doc = core.Doc{}
	}
	doc["id"] = id
	return doc, nil
}

// isRetryableTxError reports whether the transaction failed on a conflict
// the store should absorb by retrying.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return true
	}
	return false
}
