// Package couch is a small client for a CouchDB-compatible document server,
// covering database provisioning and the endpoints used by replication.
package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DesignDocID is the design document holding the replication filter.
const DesignDocID = "_design/app"

// AuthorFilter is the name used in the changes feed to select the
// by-author filter function.
const AuthorFilter = "app/by_author"

// AuthorFilterSource is the server-side predicate keeping only documents
// whose authorId matches the authorId query parameter.
const AuthorFilterSource = "function(doc, req) { return doc.authorId === req.query.authorId; }"

// DBInfo is the subset of database metadata returned by Info.
type DBInfo struct {
	DBName    string          `json:"db_name"`
	DocCount  int             `json:"doc_count"`
	UpdateSeq json.RawMessage `json:"update_seq"`
}

// ChangesRequest selects a window of the changes feed.
type ChangesRequest struct {
	Since       string
	Filter      string
	Params      map[string]string
	IncludeDocs bool
	// Longpoll waits up to Timeout for the first change when none are pending.
	Longpoll bool
	Timeout  time.Duration
	Limit    int
}

// Change is one row of the changes feed.
type Change struct {
	Seq     string
	ID      string
	Revs    []string
	Deleted bool
	Doc     *Document
}

// ChangesResponse is a page of the changes feed.
type ChangesResponse struct {
	Results []Change
	LastSeq string
	Pending int
}

// Client talks to a single database on a remote server.
// It is safe for concurrent use.
type Client struct {
	dbURL         *url.URL
	adminUser     string
	adminPassword string

	client    *retryablehttp.Client
	provision *retryablehttp.Client
	logger    *zap.Logger
}

// Opt configures a Client.
type Opt func(*Client)

// WithLogger routes request logging to logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Client) {
		c.logger = logger
		c.client.Logger = &retryableHTTPLogger{inner: logger}
		c.provision.Logger = &retryableHTTPLogger{inner: logger}
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Opt {
	return func(c *Client) {
		c.client.HTTPClient = hc
		c.provision.HTTPClient = hc
	}
}

// WithAdminCredentials sets the basic-auth credentials used for
// provisioning requests.
func WithAdminCredentials(user, password string) Opt {
	return func(c *Client) {
		c.adminUser = user
		c.adminPassword = password
	}
}

// WithProvisionRetries sets how many times provisioning requests are
// retried on transport failures and 5xx responses.
func WithProvisionRetries(retries int, wait time.Duration) Opt {
	return func(c *Client) {
		c.provision.RetryMax = retries
		c.provision.RetryWaitMin = wait
		c.provision.RetryWaitMax = 4 * wait
	}
}

// A wrapper around zap.Logger to make it compatible with
// retryablehttp.LeveledLogger interface.
type retryableHTTPLogger struct {
	inner *zap.Logger
}

func (r retryableHTTPLogger) Error(format string, args ...any) {
	r.inner.Sugar().Errorw(format, args...)
}

func (r retryableHTTPLogger) Info(format string, args ...any) {
	r.inner.Sugar().Infow(format, args...)
}

func (r retryableHTTPLogger) Warn(format string, args ...any) {
	r.inner.Sugar().Warnw(format, args...)
}

func (r retryableHTTPLogger) Debug(format string, args ...any) {
	r.inner.Sugar().Debugw(format, args...)
}

// NewClient returns a client for database db on the server at serverURL.
// Replication traffic is never retried here; the caller owns that policy.
func NewClient(serverURL, db string, opts ...Opt) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("couch: parse server url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("couch: server url %q must be absolute", serverURL)
	}
	if db == "" {
		return nil, fmt.Errorf("couch: database name required")
	}

	session := retryablehttp.NewClient()
	session.RetryMax = 0
	session.ErrorHandler = retryablehttp.PassthroughErrorHandler

	provision := retryablehttp.NewClient()
	provision.RetryMax = 3
	provision.RetryWaitMin = 500 * time.Millisecond
	provision.RetryWaitMax = 2 * time.Second
	provision.Backoff = retryablehttp.DefaultBackoff
	provision.CheckRetry = retryablehttp.DefaultRetryPolicy
	provision.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		dbURL:     base.JoinPath(db),
		client:    session,
		provision: provision,
		logger:    zap.NewNop(),
	}
	c.client.Logger = &retryableHTTPLogger{inner: c.logger}
	c.provision.Logger = &retryableHTTPLogger{inner: c.logger}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DatabaseURL returns the absolute URL of the database.
func (c *Client) DatabaseURL() string {
	return c.dbURL.String()
}

type request struct {
	op        string
	method    string
	path      string
	query     url.Values
	body      any
	admin     bool
	provision bool
	ok        []int
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	u := *c.dbURL
	if r.path != "" {
		u = *c.dbURL.JoinPath(r.path)
	}
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var payload any
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return &Error{Op: r.op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		payload = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, r.method, u.String(), payload)
	if err != nil {
		return &Error{Op: r.op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.admin && c.adminUser != "" {
		req.SetBasicAuth(c.adminUser, c.adminPassword)
	}

	hc := c.client
	if r.provision {
		hc = c.provision
	}

	resp, err := hc.Do(req)
	if err != nil {
		return &Error{Op: r.op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: r.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("couch response",
		zap.String("op", r.op),
		zap.String("method", r.method),
		zap.Stringer("url", &u),
		zap.Int("status", resp.StatusCode),
	)

	if !statusIn(resp.StatusCode, r.ok) {
		return newError(r.op, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Op: r.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func statusIn(code int, ok []int) bool {
	if len(ok) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range ok {
		if c == code {
			return true
		}
	}
	return false
}

// Info returns database metadata. It fails when the server is unreachable
// or the database does not exist.
func (c *Client) Info(ctx context.Context) (*DBInfo, error) {
	var info DBInfo
	if err := c.do(ctx, request{op: "info", method: http.MethodGet}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateDatabase creates the database with admin credentials.
// An already existing database is not an error.
func (c *Client) CreateDatabase(ctx context.Context) error {
	return c.do(ctx, request{
		op:        "create_database",
		method:    http.MethodPut,
		admin:     true,
		provision: true,
		ok:        []int{http.StatusCreated, http.StatusAccepted, http.StatusPreconditionFailed},
	}, nil)
}

// EnsureDatabase checks the database exists and creates it on 404.
// It reports whether a database was created.
func (c *Client) EnsureDatabase(ctx context.Context) (bool, error) {
	_, err := c.Info(ctx)
	if err == nil {
		return false, nil
	}
	if !IsNotFound(err) {
		return false, err
	}
	c.logger.Info("remote database missing, creating", zap.String("url", c.DatabaseURL()))
	if err := c.CreateDatabase(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Get fetches a single document.
func (c *Client) Get(ctx context.Context, id string) (*Document, error) {
	var doc Document
	if err := c.do(ctx, request{op: "get", method: http.MethodGet, path: id}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

type putResponse struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// Put writes doc and returns its new revision. doc.Rev must match the
// current revision when updating.
func (c *Client) Put(ctx context.Context, doc Document) (string, error) {
	var out putResponse
	err := c.do(ctx, request{
		op:     "put",
		method: http.MethodPut,
		path:   doc.ID,
		body:   doc,
		admin:  strings.HasPrefix(doc.ID, "_design/"),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Rev, nil
}

// EnsureFilter upserts the design document carrying the by-author filter,
// reading the current revision first when one exists.
func (c *Client) EnsureFilter(ctx context.Context) error {
	design := Document{
		ID: DesignDocID,
		Fields: map[string]any{
			"filters": map[string]any{"by_author": AuthorFilterSource},
		},
	}

	existing, err := c.Get(ctx, DesignDocID)
	switch {
	case err == nil:
		if filters, ok := existing.Fields["filters"].(map[string]any); ok && filters["by_author"] == AuthorFilterSource {
			return nil
		}
		design.Rev = existing.Rev
	case IsNotFound(err):
	default:
		return err
	}

	var out putResponse
	return c.do(ctx, request{
		op:        "ensure_filter",
		method:    http.MethodPut,
		path:      DesignDocID,
		body:      design,
		admin:     true,
		provision: true,
	}, &out)
}

type bulkDocsRequest struct {
	Docs     []Document `json:"docs"`
	NewEdits bool       `json:"new_edits"`
}

type bulkDocsResult struct {
	ID     string `json:"id"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// BulkDocs stores docs with their existing revisions (new_edits=false),
// the way a replicator writes to its target.
func (c *Client) BulkDocs(ctx context.Context, docs []Document) error {
	var results []bulkDocsResult
	err := c.do(ctx, request{
		op:     "bulk_docs",
		method: http.MethodPost,
		path:   "_bulk_docs",
		body:   bulkDocsRequest{Docs: docs, NewEdits: false},
	}, &results)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Error == "" {
			continue
		}
		code := http.StatusInternalServerError
		switch r.Error {
		case "forbidden":
			code = http.StatusForbidden
		case "unauthorized":
			code = http.StatusUnauthorized
		}
		return &Error{Op: "bulk_docs", StatusCode: code, Reason: r.Error + ": " + r.Reason,
			Err: fmt.Errorf("document %s rejected", r.ID)}
	}
	return nil
}

type rawChange struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
	Deleted bool      `json:"deleted"`
	Doc     *Document `json:"doc"`
}

type rawChanges struct {
	Results []rawChange     `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
	Pending int             `json:"pending"`
}

// Changes reads the changes feed.
func (c *Client) Changes(ctx context.Context, req ChangesRequest) (*ChangesResponse, error) {
	q := url.Values{}
	if req.Since != "" {
		q.Set("since", req.Since)
	}
	if req.Filter != "" {
		q.Set("filter", req.Filter)
	}
	for k, v := range req.Params {
		q.Set(k, v)
	}
	if req.IncludeDocs {
		q.Set("include_docs", "true")
	}
	if req.Longpoll {
		q.Set("feed", "longpoll")
		if req.Timeout > 0 {
			q.Set("timeout", strconv.FormatInt(req.Timeout.Milliseconds(), 10))
		}
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var raw rawChanges
	if err := c.do(ctx, request{op: "changes", method: http.MethodGet, path: "_changes", query: q}, &raw); err != nil {
		return nil, err
	}

	out := &ChangesResponse{
		Results: make([]Change, 0, len(raw.Results)),
		LastSeq: normalizeSeq(raw.LastSeq),
		Pending: raw.Pending,
	}
	for _, rc := range raw.Results {
		ch := Change{Seq: normalizeSeq(rc.Seq), ID: rc.ID, Deleted: rc.Deleted, Doc: rc.Doc}
		for _, r := range rc.Changes {
			ch.Revs = append(ch.Revs, r.Rev)
		}
		out.Results = append(out.Results, ch)
	}
	return out, nil
}

// normalizeSeq turns numeric (1.x) and opaque string (2.x+) sequence
// values into one string form.
func normalizeSeq(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

type allDocsResponse struct {
	Rows []struct {
		ID    string `json:"id"`
		Value struct {
			Rev string `json:"rev"`
		} `json:"value"`
		Doc *Document `json:"doc"`
	} `json:"rows"`
}

// AllDocs lists every document ordered by id. Without includeDocs only
// the id and revision are populated.
func (c *Client) AllDocs(ctx context.Context, includeDocs bool) ([]Document, error) {
	q := url.Values{}
	if includeDocs {
		q.Set("include_docs", "true")
	}
	var resp allDocsResponse
	if err := c.do(ctx, request{op: "all_docs", method: http.MethodGet, path: "_all_docs", query: q}, &resp); err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		if row.Doc != nil {
			docs = append(docs, *row.Doc)
			continue
		}
		docs = append(docs, Document{ID: row.ID, Rev: row.Value.Rev})
	}
	return docs, nil
}
