package couch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofield/fieldsync/internal/couch"
	"github.com/geofield/fieldsync/internal/couch/couchtest"
)

const testDB = "geology-data"

func newClient(t *testing.T, srv *couchtest.Server, opts ...couch.Opt) *couch.Client {
	t.Helper()
	opts = append([]couch.Opt{couch.WithAdminCredentials("app", "app"), couch.WithProvisionRetries(0, 0)}, opts...)
	c, err := couch.NewClient(srv.URL, testDB, opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	_, err := couch.NewClient("/couchdb", testDB)
	require.Error(t, err)

	_, err = couch.NewClient("http://localhost:5984", "")
	require.Error(t, err)
}

func TestEnsureDatabase_CreatesOnNotFound(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.RequireAdmin("app", "app")

	c := newClient(t, srv)
	ctx := context.Background()

	created, err := c.EnsureDatabase(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, srv.HasDB(testDB))

	created, err = c.EnsureDatabase(ctx)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, srv.Requests("create"))
}

func TestEnsureDatabase_WrongCredentials(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.RequireAdmin("app", "app")

	c := newClient(t, srv, couch.WithAdminCredentials("app", "nope"))
	_, err := c.EnsureDatabase(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, couch.StatusCode(err))
	assert.False(t, couch.IsConnectivity(err))
}

func TestCreateDatabase_SendsBasicAuth(t *testing.T) {
	var user, pass string
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		user, pass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := couch.NewClient(srv.URL+"/couchdb", testDB, couch.WithAdminCredentials("app", "app"))
	require.NoError(t, err)
	require.NoError(t, c.CreateDatabase(context.Background()))

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "app", user)
	assert.Equal(t, "app", pass)
	assert.Equal(t, srv.URL+"/couchdb/"+testDB, c.DatabaseURL())
}

func TestEnsureFilter_UpsertsWithCurrentRevision(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.CreateDB(testDB)
	oldRev := srv.Insert(testDB, couch.Document{
		ID:     couch.DesignDocID,
		Fields: map[string]any{"filters": map[string]any{"by_author": "function(doc) { return true; }"}},
	})

	c := newClient(t, srv)
	require.NoError(t, c.EnsureFilter(context.Background()))

	doc, ok := srv.Doc(testDB, couch.DesignDocID)
	require.True(t, ok)
	assert.NotEqual(t, oldRev, doc.Rev)
	filters := doc.Fields["filters"].(map[string]any)
	assert.Equal(t, couch.AuthorFilterSource, filters["by_author"])

	// A second call finds the filter current and writes nothing.
	puts := srv.Requests("put")
	require.NoError(t, c.EnsureFilter(context.Background()))
	assert.Equal(t, puts, srv.Requests("put"))
}

func TestInfo_Unreachable(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.CreateDB(testDB)
	srv.SetDown(true)

	c := newClient(t, srv)
	_, err := c.Info(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, couch.StatusCode(err))
	assert.True(t, couch.IsConnectivity(err))
}

func TestInfo_ServerFault(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.FailWith(http.StatusInternalServerError)

	c := newClient(t, srv)
	_, err := c.Info(context.Background())
	require.Error(t, err)

	var ce *couch.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "info", ce.Op)
	assert.Equal(t, http.StatusInternalServerError, ce.StatusCode)
	assert.Contains(t, ce.Reason, "forced_failure")
	assert.False(t, couch.IsConnectivity(err))
}

func TestBulkDocs_KeepsRevisions(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.CreateDB(testDB)

	c := newClient(t, srv)
	doc := couch.Document{ID: "grain_1", Rev: "1-abc", Fields: map[string]any{"authorId": "s1", "type": "grain"}}
	require.NoError(t, c.BulkDocs(context.Background(), []couch.Document{doc}))

	got, ok := srv.Doc(testDB, "grain_1")
	require.True(t, ok)
	assert.Equal(t, "1-abc", got.Rev)
	assert.Equal(t, "s1", got.String("authorId"))

	// A losing revision is ignored.
	stale := doc.Clone()
	stale.Rev = "1-aaa"
	stale.Fields["authorId"] = "other"
	require.NoError(t, c.BulkDocs(context.Background(), []couch.Document{stale}))
	got, _ = srv.Doc(testDB, "grain_1")
	assert.Equal(t, "s1", got.String("authorId"))
}

func TestChanges_AuthorFilter(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.CreateDB(testDB)
	c := newClient(t, srv)
	ctx := context.Background()
	require.NoError(t, c.EnsureFilter(ctx))

	srv.Insert(testDB, couch.Document{ID: "grain_a", Fields: map[string]any{"authorId": "A"}})
	srv.Insert(testDB, couch.Document{ID: "grain_b", Fields: map[string]any{"authorId": "B"}})
	srv.Insert(testDB, couch.Document{ID: "flow_a", Fields: map[string]any{"authorId": "A"}})

	resp, err := c.Changes(ctx, couch.ChangesRequest{
		Filter:      couch.AuthorFilter,
		Params:      map[string]string{"authorId": "A"},
		IncludeDocs: true,
	})
	require.NoError(t, err)

	var ids []string
	for _, ch := range resp.Results {
		require.NotNil(t, ch.Doc)
		assert.Equal(t, "A", ch.Doc.String("authorId"))
		ids = append(ids, ch.ID)
	}
	assert.Equal(t, []string{"grain_a", "flow_a"}, ids)
	assert.Equal(t, "4", resp.LastSeq)

	// Resuming from the checkpoint yields nothing new.
	resp, err = c.Changes(ctx, couch.ChangesRequest{
		Since:  resp.LastSeq,
		Filter: couch.AuthorFilter,
		Params: map[string]string{"authorId": "A"},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestChanges_LongpollWakesOnWrite(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.CreateDB(testDB)
	c := newClient(t, srv)

	go func() {
		time.Sleep(50 * time.Millisecond)
		srv.Insert(testDB, couch.Document{ID: "grain_late", Fields: map[string]any{"authorId": "A"}})
	}()

	resp, err := c.Changes(context.Background(), couch.ChangesRequest{Longpoll: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "grain_late", resp.Results[0].ID)
}

func TestChanges_LongpollHonorsContext(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.CreateDB(testDB)
	c := newClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Changes(ctx, couch.ChangesRequest{Longpoll: true, Timeout: time.Minute})
	require.Error(t, err)
}

func TestAllDocs_OrderedByID(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.CreateDB(testDB)
	srv.Insert(testDB, couch.Document{ID: "grain_2", Fields: map[string]any{"authorId": "A"}})
	srv.Insert(testDB, couch.Document{ID: "flow_1", Fields: map[string]any{"authorId": "B"}})

	c := newClient(t, srv)
	docs, err := c.AllDocs(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "flow_1", docs[0].ID)
	assert.Equal(t, "B", docs[0].String("authorId"))
	assert.Equal(t, "grain_2", docs[1].ID)

	docs, err = c.AllDocs(context.Background(), false)
	require.NoError(t, err)
	assert.NotEmpty(t, docs[0].Rev)
	assert.Nil(t, docs[0].Fields)
}

func TestGet_NotFound(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.CreateDB(testDB)

	c := newClient(t, srv)
	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, couch.IsNotFound(err))
}

func TestPut_Conflict(t *testing.T) {
	srv := couchtest.NewServer()
	defer srv.Close()
	srv.CreateDB(testDB)
	c := newClient(t, srv)
	ctx := context.Background()

	rev, err := c.Put(ctx, couch.Document{ID: "grain_1", Fields: map[string]any{"n": 1}})
	require.NoError(t, err)
	assert.Regexp(t, `^1-`, rev)

	_, err = c.Put(ctx, couch.Document{ID: "grain_1", Fields: map[string]any{"n": 2}})
	assert.Equal(t, http.StatusConflict, couch.StatusCode(err))

	rev2, err := c.Put(ctx, couch.Document{ID: "grain_1", Rev: rev, Fields: map[string]any{"n": 2}})
	require.NoError(t, err)
	assert.Regexp(t, `^2-`, rev2)
}

func TestDocument_JSONFlattening(t *testing.T) {
	in := []byte(`{"_id":"grain_1","_rev":"3-ff","_deleted":true,"_attachments":{},"authorId":"s1","quantity":2}`)
	var doc couch.Document
	require.NoError(t, json.Unmarshal(in, &doc))

	assert.Equal(t, "grain_1", doc.ID)
	assert.Equal(t, "3-ff", doc.Rev)
	assert.True(t, doc.Deleted)
	assert.Equal(t, "s1", doc.String("authorId"))
	assert.NotContains(t, doc.Fields, "_attachments")

	out, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"grain_1","_rev":"3-ff","_deleted":true,"authorId":"s1","quantity":2}`, string(out))
}

func TestRevWins(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		current   string
		want      bool
	}{
		{"no current", "1-a", "", true},
		{"higher generation", "2-a", "1-z", true},
		{"lower generation", "1-z", "2-a", false},
		{"tie greater digest", "2-b", "2-a", true},
		{"tie equal", "2-a", "2-a", false},
		{"malformed candidate", "x", "1-a", false},
		{"malformed current", "1-a", "bogus", true},
		{"generation compares numerically", "10-a", "9-z", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, couch.RevWins(tt.candidate, tt.current))
		})
	}
}
