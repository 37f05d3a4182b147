package fieldsync

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/geofield/fieldsync/internal/couch"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func grainDoc(id, author string) couch.Document {
	return couch.Document{
		ID: id,
		Fields: map[string]any{
			"type":      "grain",
			"authorId":  author,
			"grainSize": "Fine",
			"createdAt": "2024-05-01T10:00:00Z",
		},
	}
}

// TestNewStore_CreatesAllTables verifies that NewStore creates the document, metadata and settings tables.
func TestNewStore_CreatesAllTables(t *testing.T) {
	store := newTestStore(t)

	for _, table := range []string{"documents", "metadata", "settings"} {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

// TestNewStore_EnablesWAL verifies that WAL mode is enabled after initialization.
func TestNewStore_EnablesWAL(t *testing.T) {
	store := newTestStore(t)

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", journalMode)
	}
}

func TestNewStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "field.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, err := store.Put(grainDoc("grain_1", "s1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	_ = store.Close()

	store, err = NewStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()
	if _, err := store.Get("grain_1"); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
}

func TestStore_PutAssignsRevisions(t *testing.T) {
	store := newTestStore(t)

	rev1, err := store.Put(grainDoc("grain_1", "s1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !strings.HasPrefix(rev1, "1-") {
		t.Errorf("first revision = %q, want generation 1", rev1)
	}

	doc, err := store.Get("grain_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc.Rev != rev1 {
		t.Errorf("stored rev = %q, want %q", doc.Rev, rev1)
	}
	doc.Fields["authorId"] = "s2"

	rev2, err := store.Put(*doc)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !strings.HasPrefix(rev2, "2-") {
		t.Errorf("second revision = %q, want generation 2", rev2)
	}

	got, _ := store.Get("grain_1")
	if got.String("authorId") != "s2" {
		t.Errorf("authorId = %q, want s2", got.String("authorId"))
	}
}

func TestStore_PutRejectsStaleRevision(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Put(grainDoc("grain_1", "s1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Creating again without a revision conflicts.
	if _, err := store.Put(grainDoc("grain_1", "s1")); !errors.Is(err, ErrConflict) {
		t.Errorf("Put duplicate: err = %v, want ErrConflict", err)
	}

	stale := grainDoc("grain_1", "s1")
	stale.Rev = "1-0000"
	if _, err := store.Put(stale); !errors.Is(err, ErrConflict) {
		t.Errorf("Put stale: err = %v, want ErrConflict", err)
	}

	missing := grainDoc("grain_2", "s1")
	missing.Rev = "1-abcd"
	if _, err := store.Put(missing); !errors.Is(err, ErrConflict) {
		t.Errorf("Put with rev for new doc: err = %v, want ErrConflict", err)
	}
}

func TestStore_PutSignalsNotify(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Put(grainDoc("grain_1", "s1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	select {
	case <-store.Notify():
	default:
		t.Error("Notify channel empty after Put")
	}
}

func TestStore_PutReplicatedKeepsWinner(t *testing.T) {
	store := newTestStore(t)

	remote := grainDoc("grain_r", "s1")
	remote.Rev = "2-bbbb"
	written, err := store.PutReplicated(remote)
	if err != nil || !written {
		t.Fatalf("PutReplicated = %v, %v; want true, nil", written, err)
	}

	loser := grainDoc("grain_r", "other")
	loser.Rev = "2-aaaa"
	written, err = store.PutReplicated(loser)
	if err != nil || written {
		t.Errorf("PutReplicated(loser) = %v, %v; want false, nil", written, err)
	}

	winner := grainDoc("grain_r", "s3")
	winner.Rev = "3-0000"
	if written, _ := store.PutReplicated(winner); !written {
		t.Error("PutReplicated(higher generation) = false, want true")
	}

	got, _ := store.Get("grain_r")
	if got.Rev != "3-0000" || got.String("authorId") != "s3" {
		t.Errorf("stored %s by %s, want 3-0000 by s3", got.Rev, got.String("authorId"))
	}

	bad := grainDoc("grain_x", "s1")
	bad.Rev = "garbage"
	if _, err := store.PutReplicated(bad); err == nil {
		t.Error("PutReplicated(malformed rev) returned nil error")
	}
}

func TestStore_LocalChangesExcludeReplicated(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"grain_1", "grain_2"} {
		if _, err := store.Put(grainDoc(id, "s1")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	remote := grainDoc("grain_r", "s1")
	remote.Rev = "1-ffff"
	if _, err := store.PutReplicated(remote); err != nil {
		t.Fatalf("PutReplicated failed: %v", err)
	}
	if _, err := store.Put(grainDoc("grain_3", "s1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	docs, last, err := store.LocalChanges(0, 2)
	if err != nil {
		t.Fatalf("LocalChanges failed: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "grain_1" || docs[1].ID != "grain_2" {
		t.Fatalf("first batch = %v, want grain_1, grain_2", ids(docs))
	}

	docs, _, err = store.LocalChanges(last, 10)
	if err != nil {
		t.Fatalf("LocalChanges failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "grain_3" {
		t.Errorf("second batch = %v, want grain_3", ids(docs))
	}

	pending, err := store.PendingLocal(last)
	if err != nil || pending != 1 {
		t.Errorf("PendingLocal = %d, %v; want 1, nil", pending, err)
	}
}

func TestStore_LocalEditOfReplicatedDocIsPushed(t *testing.T) {
	store := newTestStore(t)

	remote := grainDoc("grain_r", "s1")
	remote.Rev = "1-ffff"
	if _, err := store.PutReplicated(remote); err != nil {
		t.Fatalf("PutReplicated failed: %v", err)
	}
	doc, _ := store.Get("grain_r")
	doc.Fields["authorId"] = "s2"
	if _, err := store.Put(*doc); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	docs, _, _ := store.LocalChanges(0, 10)
	if len(docs) != 1 || docs[0].ID != "grain_r" {
		t.Errorf("LocalChanges = %v, want grain_r", ids(docs))
	}
}

func TestStore_AllDocsOrderedByID(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"grain_b", "flow_a", "grain_a"} {
		if _, err := store.Put(grainDoc(id, "s1")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	docs, err := store.AllDocs(false)
	if err != nil {
		t.Fatalf("AllDocs failed: %v", err)
	}
	if got := strings.Join(ids(docs), ","); got != "flow_a,grain_a,grain_b" {
		t.Errorf("AllDocs order = %s", got)
	}
	if docs[0].Fields != nil {
		t.Error("AllDocs(false) populated fields")
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestStore_MetadataAndSettings(t *testing.T) {
	store := newTestStore(t)

	if v, err := store.GetMetadata("missing"); err != nil || v != "" {
		t.Errorf("GetMetadata(missing) = %q, %v; want empty, nil", v, err)
	}
	if err := store.SetMetadata("k", "v1"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if err := store.SetMetadata("k", "v2"); err != nil {
		t.Fatalf("SetMetadata overwrite failed: %v", err)
	}
	if v, _ := store.GetMetadata("k"); v != "v2" {
		t.Errorf("GetMetadata = %q, want v2", v)
	}
	if v, _ := store.GetMetadata("schema_version"); v != schemaVersion {
		t.Errorf("schema_version = %q, want %q", v, schemaVersion)
	}

	if _, ok, err := store.GetSetting("student_id"); ok || err != nil {
		t.Errorf("GetSetting(unset) ok=%v err=%v; want false, nil", ok, err)
	}
	if err := store.SetSetting("student_id", "s1"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if v, ok, _ := store.GetSetting("student_id"); !ok || v != "s1" {
		t.Errorf("GetSetting = %q, %v; want s1, true", v, ok)
	}
	if err := store.DeleteSetting("student_id"); err != nil {
		t.Fatalf("DeleteSetting failed: %v", err)
	}
	if err := store.DeleteSetting("student_id"); err != nil {
		t.Errorf("DeleteSetting(absent) failed: %v", err)
	}
	if _, ok, _ := store.GetSetting("student_id"); ok {
		t.Error("setting still present after delete")
	}
}

func TestStore_Stats(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Put(grainDoc("grain_1", "s1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	flow := couch.Document{ID: "flow_1", Fields: map[string]any{"type": "flow", "authorId": "s1"}}
	if _, err := store.Put(flow); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	design := couch.Document{ID: "_design/app", Rev: "1-aaaa", Fields: map[string]any{"filters": map[string]any{}}}
	if _, err := store.PutReplicated(design); err != nil {
		t.Fatalf("PutReplicated failed: %v", err)
	}
	if err := store.SetMetadata(metaPushCheckpoint, "1"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.RecordCount != 2 || stats.GrainCount != 1 || stats.FlowCount != 1 {
		t.Errorf("counts = %d/%d/%d, want 2/1/1", stats.RecordCount, stats.GrainCount, stats.FlowCount)
	}
	if stats.PendingPush != 1 {
		t.Errorf("PendingPush = %d, want 1", stats.PendingPush)
	}
	if !stats.LastPush.IsZero() {
		t.Errorf("LastPush = %v, want zero", stats.LastPush)
	}
}

func TestStore_ClosedOperations(t *testing.T) {
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, err := store.Put(grainDoc("grain_1", "s1")); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Put after close: %v, want ErrStoreClosed", err)
	}
	if _, err := store.Get("grain_1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get after close: %v, want ErrStoreClosed", err)
	}
	if _, _, err := store.GetSetting("x"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("GetSetting after close: %v, want ErrStoreClosed", err)
	}
}

func TestNextRev_Deterministic(t *testing.T) {
	body := []byte(`{"a":1}`)
	first := nextRev("", body)
	if first != nextRev("", body) {
		t.Error("nextRev not deterministic")
	}
	if !strings.HasPrefix(first, "1-") || len(first) != len("1-")+32 {
		t.Errorf("nextRev = %q, want 1-<32 hex>", first)
	}
	if second := nextRev(first, body); !strings.HasPrefix(second, "2-") {
		t.Errorf("nextRev(first) = %q, want generation 2", second)
	}
	if nextRev("", []byte(`{"a":2}`)) == first {
		t.Error("different bodies produced the same revision")
	}
}

func ids(docs []couch.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
