package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/psb/internal/ir"
)

const runsDatabase = `{
  "id": "db-runs",
  "properties": {
    "Title":  {"type": "title"},
    "RUN ID": {"type": "rich_text"},
    "CPUh":   {"type": "number"},
    "Status": {"type": "select", "select": {"options": [{"name": "Pending"}, {"name": "Completed"}]}}
  }
}`

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]any
}

// fakeNotion serves the runs database and records every request.
type fakeNotion struct {
	mu       sync.Mutex
	requests []capturedRequest
	handle   func(w http.ResponseWriter, r capturedRequest) bool
}

func (f *fakeNotion) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	req := capturedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone()}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &req.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.handle != nil && f.handle(w, req) {
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/databases/db-runs":
		io.WriteString(w, runsDatabase)
	case r.Method == http.MethodPost && r.URL.Path == "/databases/db-runs/query":
		io.WriteString(w, `{"results": [{"id": "page-1", "properties": {
			"Title": {"type": "title", "title": [{"type": "text", "text": {"content": "RUN-A"}, "plain_text": "RUN-A"}]},
			"RUN ID": {"type": "rich_text", "rich_text": [{"type": "text", "text": {"content": "RUN-"}}, {"type": "text", "text": {"content": "A"}}]},
			"CPUh": {"type": "number", "number": 1.5},
			"Status": {"type": "select", "select": {"name": "Completed"}}
		}}], "has_more": false}`)
	case r.Method == http.MethodPost && r.URL.Path == "/pages":
		io.WriteString(w, `{"id": "page-new"}`)
	case r.Method == http.MethodPatch:
		io.WriteString(w, `{"id": "page-1"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"code": "object_not_found", "message": "not found"}`)
	}
}

func (f *fakeNotion) last() capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, f *fakeNotion) *NotionClient {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewNotionClient(NotionConfig{
		BaseURL: srv.URL,
		Token:   "secret-token",
		Databases: map[ir.TableName]string{
			ir.TableRuns:      "db-runs",
			ir.TableResults:   "db-results",
			ir.TableArtifacts: "db-artifacts",
			ir.TableBriefings: "db-briefings",
		},
	})
	require.NoError(t, err)
	return c
}

// ============================================================================
// Calls
// ============================================================================

func TestNotionDescribe(t *testing.T) {
	f := &fakeNotion{}
	c := newTestClient(t, f)

	s, err := c.Describe(context.Background(), ir.TableRuns)
	require.NoError(t, err)
	assert.Equal(t, "Title", s.TitleProperty())
	assert.Equal(t, []string{"Pending", "Completed"}, s.Properties["Status"].Options)

	req := f.last()
	assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
	assert.Equal(t, DefaultVersion, req.Header.Get("Notion-Version"))
}

func TestNotionQueryDecodesRecords(t *testing.T) {
	f := &fakeNotion{}
	c := newTestClient(t, f)

	recs, err := c.Query(context.Background(), ir.TableRuns, "RUN ID", "RUN-A")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "page-1", recs[0].ID)
	assert.Equal(t, map[string]string{
		"Title": "RUN-A", "RUN ID": "RUN-A", "CPUh": "1.5", "Status": "Completed",
	}, recs[0].Values)

	filter := f.last().Body["filter"].(map[string]any)
	assert.Equal(t, "RUN ID", filter["property"])
	assert.Equal(t, map[string]any{"equals": "RUN-A"}, filter["rich_text"])
}

func TestNotionQueryFollowsCursor(t *testing.T) {
	page := 0
	f := &fakeNotion{handle: func(w http.ResponseWriter, r capturedRequest) bool {
		if !strings.HasSuffix(r.Path, "/query") {
			return false
		}
		page++
		if page == 1 {
			io.WriteString(w, `{"results": [{"id": "p1", "properties": {}}], "has_more": true, "next_cursor": "c2"}`)
		} else {
			assert.Equal(t, "c2", r.Body["start_cursor"])
			io.WriteString(w, `{"results": [{"id": "p2", "properties": {}}], "has_more": false}`)
		}
		return true
	}}
	c := newTestClient(t, f)

	recs, err := c.Query(context.Background(), ir.TableRuns, "Title", "RUN-A")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "p2", recs[1].ID)
}

func TestNotionCreateEncodesProperties(t *testing.T) {
	f := &fakeNotion{}
	c := newTestClient(t, f)

	id, err := c.Create(context.Background(), ir.TableRuns, map[string]string{
		"Title": "RUN-A", "RUN ID": "RUN-A", "CPUh": "2.25", "Status": "Pending", "Not In DB": "x",
	})
	require.NoError(t, err)
	assert.Equal(t, "page-new", id)

	body := f.last().Body
	assert.Equal(t, map[string]any{"database_id": "db-runs"}, body["parent"])
	props := body["properties"].(map[string]any)
	assert.NotContains(t, props, "Not In DB")
	assert.Equal(t, map[string]any{"number": 2.25}, props["CPUh"])
	assert.Equal(t, map[string]any{"select": map[string]any{"name": "Pending"}}, props["Status"])
}

func TestNotionCreateRejectsUnknownOption(t *testing.T) {
	f := &fakeNotion{}
	c := newTestClient(t, f)

	_, err := c.Create(context.Background(), ir.TableRuns, map[string]string{"Title": "RUN-A", "Status": "Exploded"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "Exploded")
}

func TestNotionUpdateMissingPage(t *testing.T) {
	f := &fakeNotion{handle: func(w http.ResponseWriter, r capturedRequest) bool {
		if r.Method != http.MethodPatch {
			return false
		}
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"code": "object_not_found", "message": "Could not find page"}`)
		return true
	}}
	c := newTestClient(t, f)

	err := c.Update(context.Background(), ir.TableRuns, "gone", map[string]string{"Title": "RUN-A"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))
}

// ============================================================================
// Classification
// ============================================================================

func TestNotionErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusConflict, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			f := &fakeNotion{handle: func(w http.ResponseWriter, r capturedRequest) bool {
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"code": "x", "message": "boom"}`)
				return true
			}}
			c := newTestClient(t, f)
			_, err := c.Describe(context.Background(), ir.TableRuns)
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))

			var se *SyncError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.Status)
			assert.Equal(t, "describe runs", se.Op)
		})
	}
}

func TestNotionRetryAfterHeader(t *testing.T) {
	f := &fakeNotion{handle: func(w http.ResponseWriter, r capturedRequest) bool {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"code": "rate_limited", "message": "slow down"}`)
		return true
	}}
	c := newTestClient(t, f)

	_, err := c.Describe(context.Background(), ir.TableRuns)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 2*time.Second, RetryAfter(err))
}

func TestNotionTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	f := &fakeNotion{handle: func(w http.ResponseWriter, r capturedRequest) bool {
		<-release
		return false
	}}
	c := newTestClient(t, f)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Describe(ctx, ir.TableRuns)
	assert.True(t, IsTransient(err))
}

func TestNotionCancelIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestClient(t, &fakeNotion{})

	_, err := c.Describe(ctx, ir.TableRuns)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestNewNotionClientValidates(t *testing.T) {
	_, err := NewNotionClient(NotionConfig{Databases: map[ir.TableName]string{ir.TableRuns: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is empty")
	assert.Contains(t, err.Error(), "database ID for briefings is empty")
}
