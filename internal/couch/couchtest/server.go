// Package couchtest provides an in-memory CouchDB-compatible server for
// tests. It implements the handful of endpoints the couch client uses,
// including the by-author changes filter and longpoll feeds.
package couchtest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/geofield/fieldsync/internal/couch"
)

type revision struct {
	doc couch.Document
	seq int
}

type database struct {
	docs    map[string]*revision
	seq     int
	changed chan struct{}
}

func newDatabase() *database {
	return &database{docs: make(map[string]*revision), changed: make(chan struct{})}
}

// Server is a fake document server backed by an httptest.Server.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	dbs       map[string]*database
	down      bool
	failCode  int
	adminUser string
	adminPass string
	requests  map[string]int
}

// NewServer starts a server with no databases.
func NewServer() *Server {
	s := &Server{
		dbs:      make(map[string]*database),
		requests: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// RequireAdmin makes database and design-document creation require
// basic auth with the given credentials.
func (s *Server) RequireAdmin(user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminUser, s.adminPass = user, password
}

// SetDown makes every request fail at the transport level, as if the
// server were unreachable.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailWith makes every request answer with code. Zero restores normal
// behavior.
func (s *Server) FailWith(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCode = code
}

// Requests returns how many requests hit the named endpoint
// ("info", "create", "bulk_docs", "changes", "all_docs", "get", "put").
func (s *Server) Requests(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[endpoint]
}

// CreateDB creates a database directly.
func (s *Server) CreateDB(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[name]; !ok {
		s.dbs[name] = newDatabase()
	}
}

// HasDB reports whether the database exists.
func (s *Server) HasDB(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dbs[name]
	return ok
}

// Docs returns the current non-design documents of db ordered by id.
func (s *Server) Docs(db string) []couch.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return nil
	}
	var out []couch.Document
	for _, r := range d.sorted() {
		if strings.HasPrefix(r.doc.ID, "_design/") {
			continue
		}
		out = append(out, r.doc.Clone())
	}
	return out
}

// Doc returns one document, or false if absent.
func (s *Server) Doc(db, id string) (couch.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return couch.Document{}, false
	}
	r, ok := d.docs[id]
	if !ok {
		return couch.Document{}, false
	}
	return r.doc.Clone(), true
}

// Insert stores doc as a new edit from some other client and returns
// the assigned revision.
func (s *Server) Insert(db string, doc couch.Document) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		d = newDatabase()
		s.dbs[db] = d
	}
	gen := 1
	if cur, ok := d.docs[doc.ID]; ok {
		gen, _, _ = couch.ParseRev(cur.doc.Rev)
		gen++
	}
	doc.Rev = newRev(gen, doc)
	d.store(doc)
	return doc.Rev
}

func newRev(gen int, doc couch.Document) string {
	b, _ := json.Marshal(doc)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%d-%s", gen, hex.EncodeToString(sum[:16]))
}

func (d *database) store(doc couch.Document) {
	d.seq++
	d.docs[doc.ID] = &revision{doc: doc, seq: d.seq}
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *database) sorted() []*revision {
	out := make([]*revision, 0, len(d.docs))
	for _, r := range d.docs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].doc.ID < out[j].doc.ID })
	return out
}

func (d *database) bySeq() []*revision {
	out := make([]*revision, 0, len(d.docs))
	for _, r := range d.docs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, kind, reason string) {
	writeJSON(w, code, map[string]string{"error": kind, "reason": reason})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	down, failCode := s.down, s.failCode
	s.mu.Unlock()
	if down {
		panic(http.ErrAbortHandler)
	}
	if failCode != 0 {
		writeErr(w, failCode, "forced_failure", http.StatusText(failCode))
		return
	}

	path := strings.Trim(r.URL.Path, "/")
	db, rest, _ := strings.Cut(path, "/")

	switch {
	case rest == "" && r.Method == http.MethodGet:
		s.count("info")
		s.info(w, db)
	case rest == "" && r.Method == http.MethodPut:
		s.count("create")
		s.create(w, r, db)
	case rest == "_bulk_docs" && r.Method == http.MethodPost:
		s.count("bulk_docs")
		s.bulkDocs(w, r, db)
	case rest == "_changes" && r.Method == http.MethodGet:
		s.count("changes")
		s.changes(w, r, db)
	case rest == "_all_docs" && r.Method == http.MethodGet:
		s.count("all_docs")
		s.allDocs(w, r, db)
	case r.Method == http.MethodGet:
		s.count("get")
		s.get(w, db, rest)
	case r.Method == http.MethodPut:
		s.count("put")
		s.put(w, r, db, rest)
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
	}
}

func (s *Server) count(endpoint string) {
	s.mu.Lock()
	s.requests[endpoint]++
	s.mu.Unlock()
}

func (s *Server) authorized(r *http.Request) bool {
	s.mu.Lock()
	wantUser, wantPass := s.adminUser, s.adminPass
	s.mu.Unlock()
	if wantUser == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok && user == wantUser && pass == wantPass
}

func (s *Server) info(w http.ResponseWriter, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[name]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"db_name":    name,
		"doc_count":  len(d.docs),
		"update_seq": strconv.Itoa(d.seq),
	})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, name string) {
	if !s.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized", "Name or password is incorrect.")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[name]; ok {
		writeErr(w, http.StatusPreconditionFailed, "file_exists", "The database could not be created, the file already exists.")
		return
	}
	s.dbs[name] = newDatabase()
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) get(w http.ResponseWriter, name, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[name]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}
	rev, ok := d.docs[id]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "missing")
		return
	}
	writeJSON(w, http.StatusOK, rev.doc)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request, name, id string) {
	if strings.HasPrefix(id, "_design/") && !s.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized", "You are not a db or server admin.")
		return
	}
	var doc couch.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	doc.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[name]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}
	gen := 1
	if cur, ok := d.docs[id]; ok {
		if cur.doc.Rev != doc.Rev {
			writeErr(w, http.StatusConflict, "conflict", "Document update conflict.")
			return
		}
		gen, _, _ = couch.ParseRev(cur.doc.Rev)
		gen++
	} else if doc.Rev != "" {
		writeErr(w, http.StatusConflict, "conflict", "Document update conflict.")
		return
	}
	doc.Rev = newRev(gen, doc)
	d.store(doc)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": doc.Rev})
}

func (s *Server) bulkDocs(w http.ResponseWriter, r *http.Request, name string) {
	var req struct {
		Docs     []couch.Document `json:"docs"`
		NewEdits *bool            `json:"new_edits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.NewEdits == nil || *req.NewEdits {
		writeErr(w, http.StatusBadRequest, "bad_request", "only new_edits=false is supported")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[name]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}
	for _, doc := range req.Docs {
		cur, exists := d.docs[doc.ID]
		if exists && !couch.RevWins(doc.Rev, cur.doc.Rev) {
			continue
		}
		d.store(doc)
	}
	writeJSON(w, http.StatusCreated, []any{})
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request, name string) {
	q := r.URL.Query()
	since, _ := strconv.Atoi(q.Get("since"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	includeDocs := q.Get("include_docs") == "true"
	filter := q.Get("filter")
	authorID := q.Get("authorId")

	timeout := 60 * time.Second
	if ms, err := strconv.Atoi(q.Get("timeout")); err == nil {
		timeout = time.Duration(ms) * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		d, ok := s.dbs[name]
		if !ok {
			s.mu.Unlock()
			writeErr(w, http.StatusNotFound, "not_found", "Database does not exist.")
			return
		}
		if filter != "" {
			if filter != couch.AuthorFilter {
				s.mu.Unlock()
				writeErr(w, http.StatusBadRequest, "bad_request", "unknown filter")
				return
			}
			if _, ok := d.docs[couch.DesignDocID]; !ok {
				s.mu.Unlock()
				writeErr(w, http.StatusNotFound, "not_found", "missing")
				return
			}
		}

		var results []map[string]any
		lastSeq := since
		pending := 0
		for _, rev := range d.bySeq() {
			if rev.seq <= since {
				continue
			}
			if filter != "" && rev.doc.String("authorId") != authorID {
				lastSeq = rev.seq
				continue
			}
			if limit > 0 && len(results) == limit {
				pending++
				continue
			}
			row := map[string]any{
				"seq":     strconv.Itoa(rev.seq),
				"id":      rev.doc.ID,
				"changes": []map[string]string{{"rev": rev.doc.Rev}},
			}
			if rev.doc.Deleted {
				row["deleted"] = true
			}
			if includeDocs {
				row["doc"] = rev.doc
			}
			results = append(results, row)
			lastSeq = rev.seq
		}
		changed := d.changed
		s.mu.Unlock()

		if len(results) > 0 || q.Get("feed") != "longpoll" {
			if results == nil {
				results = []map[string]any{}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"results":  results,
				"last_seq": strconv.Itoa(lastSeq),
				"pending":  pending,
			})
			return
		}

		select {
		case <-changed:
		case <-deadline.C:
			writeJSON(w, http.StatusOK, map[string]any{
				"results":  []any{},
				"last_seq": strconv.Itoa(lastSeq),
				"pending":  0,
			})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) allDocs(w http.ResponseWriter, r *http.Request, name string) {
	includeDocs := r.URL.Query().Get("include_docs") == "true"

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[name]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}
	rows := []map[string]any{}
	for _, rev := range d.sorted() {
		row := map[string]any{
			"id":    rev.doc.ID,
			"key":   rev.doc.ID,
			"value": map[string]string{"rev": rev.doc.Rev},
		}
		if includeDocs {
			row["doc"] = rev.doc
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_rows": len(rows), "rows": rows})
}
