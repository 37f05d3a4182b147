package fieldsync

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/geofield/fieldsync/internal/couch"
	"github.com/geofield/fieldsync/internal/replication"
	"github.com/geofield/fieldsync/internal/store/migrations"
)

const schemaVersion = "1"

const (
	metaPushCheckpoint = replication.PushCheckpointKey
	metaLastPush       = replication.LastPushKey
	metaLastPull       = replication.LastPullKey
)

const (
	originLocal  = "local"
	originRemote = "remote"
)

// Store is the local document database. Every write is assigned a
// monotonically increasing sequence number; locally originated writes are
// what replication pushes.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	notify chan struct{}
}

// NewStore opens or creates a local store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps sequence
	// assignment race-free.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db, path: path, notify: make(chan struct{}, 1)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Notify returns a channel that receives a value after local writes.
// Notifications coalesce; a receiver should drain all pending changes.
func (s *Store) Notify() <-chan struct{} { return s.notify }

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func nextRev(prev string, body []byte) string {
	gen := 0
	if prev != "" {
		gen, _, _ = couch.ParseRev(prev)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write(body)
	sum := h.Sum(nil)
	return strconv.Itoa(gen+1) + "-" + hex.EncodeToString(sum[:16])
}

func encodeBody(doc couch.Document) ([]byte, error) {
	fields := doc.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return json.Marshal(fields)
}

// Put stores a local edit and returns the new revision. Creating a
// document requires an empty Rev; updating requires the current Rev.
func (s *Store) Put(doc couch.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}
	if doc.ID == "" {
		return "", fmt.Errorf("store: put: document id required")
	}

	body, err := encodeBody(doc)
	if err != nil {
		return "", fmt.Errorf("store: encode %s: %w", doc.ID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`SELECT rev FROM documents WHERE id = ?`, doc.ID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if doc.Rev != "" {
			return "", fmt.Errorf("store: put %s: %w", doc.ID, ErrConflict)
		}
	case err != nil:
		return "", fmt.Errorf("store: read revision: %w", err)
	case current != doc.Rev:
		return "", fmt.Errorf("store: put %s: %w", doc.ID, ErrConflict)
	}

	doc.Rev = nextRev(current, body)
	if err := upsert(tx, doc, body, originLocal); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}

	s.signal()
	return doc.Rev, nil
}

// PutReplicated stores a revision received from the remote server as-is,
// keeping the local one when it wins. It reports whether anything was
// written. Replicated writes are not pushed back.
func (s *Store) PutReplicated(doc couch.Document) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	if _, _, err := couch.ParseRev(doc.Rev); err != nil {
		return false, fmt.Errorf("store: put replicated %s: %w", doc.ID, err)
	}

	body, err := encodeBody(doc)
	if err != nil {
		return false, fmt.Errorf("store: encode %s: %w", doc.ID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`SELECT rev FROM documents WHERE id = ?`, doc.ID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("store: read revision: %w", err)
	}
	if !couch.RevWins(doc.Rev, current) {
		return false, nil
	}

	if err := upsert(tx, doc, body, originRemote); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return true, nil
}

func upsert(tx *sql.Tx, doc couch.Document, body []byte, origin string) error {
	var seq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM documents`).Scan(&seq); err != nil {
		return fmt.Errorf("store: next sequence: %w", err)
	}

	_, err := tx.Exec(`
		INSERT INTO documents (id, rev, type, author_id, body, deleted, origin, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rev = excluded.rev,
			type = excluded.type,
			author_id = excluded.author_id,
			body = excluded.body,
			deleted = excluded.deleted,
			origin = excluded.origin,
			seq = excluded.seq,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		doc.ID,
		doc.Rev,
		doc.String("type"),
		doc.String("authorId"),
		string(body),
		doc.Deleted,
		origin,
		seq,
		doc.String("createdAt"),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: write %s: %w", doc.ID, err)
	}
	return nil
}

// Get returns a live document by id.
func (s *Store) Get(id string) (*couch.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`SELECT id, rev, body, deleted FROM documents WHERE id = ? AND deleted = 0`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return doc, nil
}

// AllDocs returns every live document ordered by id. Without includeDocs
// only ids and revisions are populated.
func (s *Store) AllDocs(includeDocs bool) ([]couch.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT id, rev, body, deleted FROM documents WHERE deleted = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: all docs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []couch.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("store: all docs: %w", err)
		}
		if !includeDocs {
			doc.Fields = nil
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// LocalChanges returns up to limit locally originated writes with a
// sequence greater than since, in sequence order, along with the sequence
// of the last one returned (since when none).
func (s *Store) LocalChanges(since int64, limit int) ([]couch.Document, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, since, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, rev, body, deleted, seq FROM documents
		WHERE origin = ? AND seq > ?
		ORDER BY seq LIMIT ?
	`, originLocal, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("store: local changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	last := since
	var docs []couch.Document
	for rows.Next() {
		var (
			doc     couch.Document
			body    string
			deleted bool
			seq     int64
		)
		if err := rows.Scan(&doc.ID, &doc.Rev, &body, &deleted, &seq); err != nil {
			return nil, since, fmt.Errorf("store: local changes: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &doc.Fields); err != nil {
			return nil, since, fmt.Errorf("store: decode %s: %w", doc.ID, err)
		}
		doc.Deleted = deleted
		docs = append(docs, doc)
		last = seq
	}
	return docs, last, rows.Err()
}

// PendingLocal counts locally originated writes after since.
func (s *Store) PendingLocal(since int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE origin = ? AND seq > ?`, originLocal, since).Scan(&n)
	return n, err
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(sc scanner) (*couch.Document, error) {
	var (
		doc  couch.Document
		body string
	)
	if err := sc.Scan(&doc.ID, &doc.Rev, &body, &doc.Deleted); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), &doc.Fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", doc.ID, err)
	}
	return &doc, nil
}

// GetMetadata returns a metadata value, or "" when unset.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMetadata upserts a metadata value.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetSetting reads a device-local setting. Absence is not an error.
func (s *Store) GetSetting(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, ErrStoreClosed
	}
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting persists a device-local setting.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// DeleteSetting removes a setting; removing an absent key is a no-op.
func (s *Store) DeleteSetting(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
	return err
}

// Stats returns store statistics.
func (s *Store) Stats() (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &StoreStats{SchemaVersion: schemaVersion}
	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM documents WHERE deleted = 0 GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("store: stats: %w", err)
		}
		switch RecordType(typ) {
		case RecordGrain:
			stats.GrainCount = n
		case RecordFlow:
			stats.FlowCount = n
		default:
			continue
		}
		stats.RecordCount += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	meta := func(key string) string {
		var v string
		_ = s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
		return v
	}
	pushed, _ := strconv.ParseInt(meta(metaPushCheckpoint), 10, 64)
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE origin = ? AND seq > ?`, originLocal, pushed).Scan(&stats.PendingPush); err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	stats.LastPush, _ = time.Parse(time.RFC3339Nano, meta(metaLastPush))
	stats.LastPull, _ = time.Parse(time.RFC3339Nano, meta(metaLastPull))

	return stats, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
