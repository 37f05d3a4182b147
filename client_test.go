package fieldsync_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/geofield/fieldsync"
	"github.com/geofield/fieldsync/internal/couch/couchtest"
)

const testDatabase = "geology-data"

func newOfflineClient(t *testing.T) *fieldsync.Client {
	t.Helper()
	client, err := fieldsync.New(fieldsync.Config{LocalPath: filepath.Join(t.TempDir(), "field.db")})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func remoteConfig(t *testing.T, serverURL string) fieldsync.Config {
	t.Helper()
	return fieldsync.Config{
		LocalPath:       filepath.Join(t.TempDir(), "field.db"),
		Database:        testDatabase,
		RemoteURL:       serverURL,
		IPLookupURL:     serverURL + "/_no_ip_lookup",
		AutoSync:        true,
		BaseBackoff:     10 * time.Millisecond,
		MaxBackoff:      50 * time.Millisecond,
		RetryAfterPause: 20 * time.Millisecond,
		ProbeInterval:   30 * time.Millisecond,
		ProbeTimeout:    time.Second,
		PollInterval:    20 * time.Millisecond,
		BatchSize:       10,
	}
}

func newRemoteClient(t *testing.T, cfg fieldsync.Config) *fieldsync.Client {
	t.Helper()
	client, err := fieldsync.New(cfg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func ptr(v float64) *float64 { return &v }

func grainParams(size fieldsync.GrainSize) fieldsync.GrainParams {
	return fieldsync.GrainParams{
		GrainSize: size,
		Location:  fieldsync.GPSReading{Latitude: ptr(-41.2865), Longitude: ptr(174.7762), Accuracy: 5},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_ValidConfig(t *testing.T) {
	client := newOfflineClient(t)
	if client.Status() != fieldsync.StatusOffline {
		t.Errorf("Status() = %q, want offline without a remote", client.Status())
	}
}

func TestNew_InvalidDatabase(t *testing.T) {
	_, err := fieldsync.New(fieldsync.Config{LocalPath: filepath.Join(t.TempDir(), "x.db"), Database: "Bad Name"})

	var ve *fieldsync.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("New() returned %T (%v), want *ValidationError", err, err)
	}
	if ve.Field != "Database" {
		t.Errorf("ValidationError.Field = %q, want %q", ve.Field, "Database")
	}
}

func TestNew_StoreInitError_WrapsWithClientPrefix(t *testing.T) {
	// A regular file where a directory is needed makes the store fail.
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, err := fieldsync.New(fieldsync.Config{LocalPath: filepath.Join(blocker, "field.db")})
	if err == nil {
		t.Fatal("New() returned nil error for an unusable path")
	}
	if !strings.HasPrefix(err.Error(), "client: ") {
		t.Errorf("error = %q, want client: prefix", err.Error())
	}
}

func TestRecordGrain_StoresLocallyWhileOffline(t *testing.T) {
	client := newOfflineClient(t)
	if _, err := client.SetStudentID("s1"); err != nil {
		t.Fatalf("SetStudentID: %v", err)
	}

	params := grainParams(fieldsync.GrainFine)
	params.SizeMeasurement = ptr(1.234)
	params.Quantity = ptr(2.6)
	params.Notes = "cross-bedded"

	rec, err := client.RecordGrain(context.Background(), params)
	if err != nil {
		t.Fatalf("RecordGrain: %v", err)
	}

	if !regexp.MustCompile(`^grain_[0-9A-Z]{26}$`).MatchString(rec.ID) {
		t.Errorf("ID = %q, want grain_<ULID>", rec.ID)
	}
	if rec.AuthorID != "s1" {
		t.Errorf("AuthorID = %q, want s1", rec.AuthorID)
	}
	if rec.Rev == "" {
		t.Error("Rev is empty")
	}
	if *rec.Grain.SizeMeasurement != 1.23 {
		t.Errorf("SizeMeasurement = %v, want 1.23", *rec.Grain.SizeMeasurement)
	}
	if *rec.Grain.Quantity != 3 {
		t.Errorf("Quantity = %v, want 3", *rec.Grain.Quantity)
	}
	if rec.Grain.GPS.Text != "-41.286500, 174.776200" {
		t.Errorf("GPS.Text = %q", rec.Grain.GPS.Text)
	}
	if rec.Grain.Timestamp.IsZero() {
		t.Error("Timestamp not defaulted")
	}

	got, err := client.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Grain.GrainSize != fieldsync.GrainFine || got.Grain.Notes != "cross-bedded" {
		t.Errorf("Get = %+v", got.Grain)
	}
}

func TestRecordGrain_Validation(t *testing.T) {
	client := newOfflineClient(t)

	tests := []struct {
		name   string
		params fieldsync.GrainParams
		want   error
	}{
		{"unknown size", grainParams("Gravel"), fieldsync.ErrInvalidGrainSize},
		{"no fix", fieldsync.GrainParams{GrainSize: fieldsync.GrainFine, Location: fieldsync.GPSReading{Error: "timeout"}}, fieldsync.ErrMissingGPS},
		{"latitude out of range", fieldsync.GrainParams{GrainSize: fieldsync.GrainFine, Location: fieldsync.GPSReading{Latitude: ptr(91), Longitude: ptr(0)}}, fieldsync.ErrInvalidCoordinates},
		{"negative measurement", func() fieldsync.GrainParams {
			p := grainParams(fieldsync.GrainFine)
			p.SizeMeasurement = ptr(-1)
			return p
		}(), fieldsync.ErrInvalidMeasurement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.RecordGrain(context.Background(), tt.params)
			if !errors.Is(err, tt.want) {
				t.Errorf("RecordGrain err = %v, want %v", err, tt.want)
			}
		})
	}

	stats, err := client.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.RecordCount != 0 {
		t.Errorf("RecordCount = %d, want 0 after rejected records", stats.RecordCount)
	}
}

func TestRecordFlow(t *testing.T) {
	client := newOfflineClient(t)

	rec, err := client.RecordFlow(context.Background(), fieldsync.FlowParams{Depth: 0.4, Velocity: 1.1, DistanceFromBank: 2})
	if err != nil {
		t.Fatalf("RecordFlow: %v", err)
	}
	if rec.Type != fieldsync.RecordFlow || rec.Flow.Velocity != 1.1 {
		t.Errorf("record = %+v", rec)
	}

	if _, err := client.RecordFlow(context.Background(), fieldsync.FlowParams{Depth: -1}); !errors.Is(err, fieldsync.ErrInvalidMeasurement) {
		t.Errorf("negative depth err = %v, want ErrInvalidMeasurement", err)
	}
}

func TestMyRecords_ScopedAndNewestFirst(t *testing.T) {
	client := newOfflineClient(t)
	ctx := context.Background()

	if _, err := client.SetStudentID("other"); err != nil {
		t.Fatalf("SetStudentID: %v", err)
	}
	if _, err := client.RecordGrain(ctx, grainParams(fieldsync.GrainCoarse)); err != nil {
		t.Fatalf("RecordGrain: %v", err)
	}

	if _, err := client.SetStudentID("s1"); err != nil {
		t.Fatalf("SetStudentID: %v", err)
	}
	first, _ := client.RecordGrain(ctx, grainParams(fieldsync.GrainFine))
	time.Sleep(2 * time.Millisecond)
	second, _ := client.RecordFlow(ctx, fieldsync.FlowParams{Depth: 1})

	mine, err := client.MyRecords(ctx)
	if err != nil {
		t.Fatalf("MyRecords: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("MyRecords returned %d records, want 2", len(mine))
	}
	if mine[0].ID != second.ID || mine[1].ID != first.ID {
		t.Errorf("order = %s, %s; want newest first", mine[0].ID, mine[1].ID)
	}

	all, _ := client.Records(ctx, "")
	if len(all) != 3 {
		t.Errorf("Records(all) returned %d, want 3", len(all))
	}
}

func TestIdentity_ClearStudentIDFallsBackToDevice(t *testing.T) {
	client := newOfflineClient(t)

	if _, err := client.SetStudentID("s1"); err != nil {
		t.Fatalf("SetStudentID: %v", err)
	}
	if client.IdentitySource() != fieldsync.SourceStudent {
		t.Errorf("IdentitySource = %q, want student", client.IdentitySource())
	}

	if _, err := client.SetStudentID("   "); err != nil {
		t.Fatalf("SetStudentID(blank): %v", err)
	}
	if client.StudentID() != "" {
		t.Errorf("StudentID = %q, want unset", client.StudentID())
	}
	if !regexp.MustCompile(`^d_[0-9a-f]{12}_\d+$`).MatchString(client.AuthorID()) {
		t.Errorf("AuthorID = %q, want a device id", client.AuthorID())
	}
	if client.IdentitySource() != fieldsync.SourceDevice {
		t.Errorf("IdentitySource = %q, want device", client.IdentitySource())
	}
}

func TestIdentity_SkipPrompt(t *testing.T) {
	client := newOfflineClient(t)
	if client.SkipStudentIDPrompt() {
		t.Error("SkipStudentIDPrompt = true initially")
	}
	if err := client.SetSkipStudentIDPrompt(true); err != nil {
		t.Fatalf("SetSkipStudentIDPrompt: %v", err)
	}
	if !client.SkipStudentIDPrompt() {
		t.Error("SkipStudentIDPrompt = false after set")
	}
}

func TestOfflineClient_RemoteOperations(t *testing.T) {
	client := newOfflineClient(t)
	ctx := context.Background()

	if err := client.Probe(ctx); !errors.Is(err, fieldsync.ErrOffline) {
		t.Errorf("Probe err = %v, want ErrOffline", err)
	}
	if err := client.RestartSync(); !errors.Is(err, fieldsync.ErrOffline) {
		t.Errorf("RestartSync err = %v, want ErrOffline", err)
	}
	if err := client.SetNetworkOnline(true); !errors.Is(err, fieldsync.ErrOffline) {
		t.Errorf("SetNetworkOnline err = %v, want ErrOffline", err)
	}
	if _, err := client.FetchRemote(ctx, "grain_x"); !errors.Is(err, fieldsync.ErrOffline) {
		t.Errorf("FetchRemote err = %v, want ErrOffline", err)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	client, err := fieldsync.New(fieldsync.Config{LocalPath: filepath.Join(t.TempDir(), "field.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := client.RecordFlow(context.Background(), fieldsync.FlowParams{}); !errors.Is(err, fieldsync.ErrStoreClosed) {
		t.Errorf("RecordFlow after Close err = %v, want ErrStoreClosed", err)
	}
}

type statusLog struct {
	mu  sync.Mutex
	got []fieldsync.SyncStatus
}

func (l *statusLog) add(s fieldsync.SyncStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, s)
}

func (l *statusLog) hasSequence(want ...fieldsync.SyncStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := 0
	for _, s := range l.got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

// A record written while offline is kept locally and reaches the server
// once connectivity returns.
func TestClient_OfflineRecordSyncsAfterReconnect(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.SetDown(true)

	client := newRemoteClient(t, remoteConfig(t, srv.URL))
	log := &statusLog{}
	defer client.OnStatusChange(log.add)()

	if err := client.SetNetworkOnline(false); err != nil {
		t.Fatalf("SetNetworkOnline: %v", err)
	}
	if _, err := client.SetStudentID("s1"); err != nil {
		t.Fatalf("SetStudentID: %v", err)
	}

	rec, err := client.RecordGrain(context.Background(), grainParams(fieldsync.GrainFine))
	if err != nil {
		t.Fatalf("RecordGrain while offline: %v", err)
	}
	if rec.AuthorID != "s1" {
		t.Errorf("AuthorID = %q, want s1", rec.AuthorID)
	}
	if _, err := client.Get(rec.ID); err != nil {
		t.Fatalf("record not stored locally: %v", err)
	}
	waitFor(t, "offline status", func() bool { return client.Status() == fieldsync.StatusOffline })

	srv.SetDown(false)
	if err := client.SetNetworkOnline(true); err != nil {
		t.Fatalf("SetNetworkOnline: %v", err)
	}

	waitFor(t, "record on server", func() bool {
		_, ok := srv.Doc(testDatabase, rec.ID)
		return ok
	})
	waitFor(t, "synced status", func() bool { return client.Status() == fieldsync.StatusSynced })
	waitFor(t, "offline, syncing, synced", func() bool {
		return log.hasSequence(fieldsync.StatusOffline, fieldsync.StatusSyncing, fieldsync.StatusSynced)
	})

	remote, err := client.FetchRemote(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("FetchRemote: %v", err)
	}
	if remote.AuthorID != "s1" || remote.Grain.GrainSize != fieldsync.GrainFine {
		t.Errorf("remote record = %+v", remote)
	}
	if !srv.HasDB(testDatabase) {
		t.Error("database was not provisioned")
	}
}

func TestClient_PullIsScopedToIdentity(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	ctx := context.Background()

	a := newRemoteClient(t, remoteConfig(t, srv.URL))
	if _, err := a.SetStudentID("A"); err != nil {
		t.Fatalf("SetStudentID: %v", err)
	}
	rec, err := a.RecordGrain(ctx, grainParams(fieldsync.GrainPebble))
	if err != nil {
		t.Fatalf("RecordGrain: %v", err)
	}
	waitFor(t, "record on server", func() bool {
		_, ok := srv.Doc(testDatabase, rec.ID)
		return ok
	})

	b := newRemoteClient(t, remoteConfig(t, srv.URL))
	if _, err := b.SetStudentID("B"); err != nil {
		t.Fatalf("SetStudentID: %v", err)
	}
	waitFor(t, "B synced", func() bool { return b.Status() == fieldsync.StatusSynced })

	if _, err := b.Get(rec.ID); !errors.Is(err, fieldsync.ErrNotFound) {
		t.Errorf("B pulled A's record: err = %v", err)
	}
	if _, err := b.FetchRemote(ctx, rec.ID); err != nil {
		t.Errorf("direct query from B: %v", err)
	}

	// A second device signed in as A receives the record.
	c := newRemoteClient(t, remoteConfig(t, srv.URL))
	if _, err := c.SetStudentID("A"); err != nil {
		t.Fatalf("SetStudentID: %v", err)
	}
	waitFor(t, "record pulled for A", func() bool {
		_, err := c.Get(rec.ID)
		return err == nil
	})
}

func TestClient_IPFallbackIdentity(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	lookup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"203.0.113.9"}`))
	}))
	defer lookup.Close()

	cfg := remoteConfig(t, srv.URL)
	cfg.IPLookupURL = lookup.URL
	client := newRemoteClient(t, cfg)

	waitFor(t, "ip fallback", func() bool { return client.AuthorID() == "ip_203_0_113_9" })
	if client.IdentitySource() != fieldsync.SourceIP {
		t.Errorf("IdentitySource = %q, want ip", client.IdentitySource())
	}

	// A Student ID takes precedence.
	if _, err := client.SetStudentID("s9"); err != nil {
		t.Fatalf("SetStudentID: %v", err)
	}
	if client.AuthorID() != "s9" {
		t.Errorf("AuthorID = %q, want s9", client.AuthorID())
	}
}

func TestClient_GenuineFaultReportsError(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()

	client := newRemoteClient(t, remoteConfig(t, srv.URL))
	waitFor(t, "synced", func() bool { return client.Status() == fieldsync.StatusSynced })

	srv.FailWith(http.StatusInternalServerError)
	if _, err := client.RecordFlow(context.Background(), fieldsync.FlowParams{Depth: 1}); err != nil {
		t.Fatalf("RecordFlow must not fail on remote faults: %v", err)
	}
	waitFor(t, "error status", func() bool { return client.Status() == fieldsync.StatusError })

	var se *fieldsync.SyncError
	if err := client.Probe(context.Background()); !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Errorf("Probe err = %v, want SyncError with status 500", err)
	}

	// A manual restart recovers once the fault clears.
	srv.FailWith(0)
	if err := client.RestartSync(); err != nil {
		t.Fatalf("RestartSync: %v", err)
	}
	waitFor(t, "synced after restart", func() bool { return client.Status() == fieldsync.StatusSynced })
}
