package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

func testLog(tb testing.TB) *logger.Logger {
	tb.Helper()
	l, err := logger.New("test")
	if err != nil {
		tb.Fatalf("logger: %v", err)
	}
	return l
}

// crmServer is a scriptable fake of the source API: an oauth endpoint plus
// one collection endpoint.
type crmServer struct {
	*httptest.Server
	tokenCalls  atomic.Int64
	pageCalls   atomic.Int64
	rejectToken atomic.Bool
	pageStatus  atomic.Int64 // nonzero forces this status on the page endpoint
	currentTok  atomic.Value // string
	envelope    bool
}

func newCRMServer(t *testing.T, records []map[string]any) *crmServer {
	t.Helper()
	if records == nil {
		records = []map[string]any{}
	}
	s := &crmServer{envelope: true}
	s.currentTok.Store("tok-1")
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		s.tokenCalls.Add(1)
		if s.rejectToken.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds["grant_type"] != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": s.currentTok.Load(),
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/api/v1/contacts", func(w http.ResponseWriter, r *http.Request) {
		s.pageCalls.Add(1)
		if status := s.pageStatus.Load(); status != 0 {
			w.WriteHeader(int(status))
			return
		}
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.currentTok.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if s.envelope {
			_ = json.NewEncoder(w).Encode(map[string]any{"records": records})
			return
		}
		_ = json.NewEncoder(w).Encode(records)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestClient(t *testing.T, baseURL string) Client {
	t.Helper()
	c, err := New(testLog(t), Config{
		BaseURL:      baseURL,
		ClientID:     "id",
		ClientSecret: "secret",
		Timeout:      5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetchPageEnvelope(t *testing.T) {
	records := []map[string]any{{"id": "p-1"}, {"id": "p-2"}}
	srv := newCRMServer(t, records)
	c := newTestClient(t, srv.URL)

	page, err := c.FetchPage(context.Background(), "contacts", nil, 0, 100)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page) != 2 || page[0]["id"] != "p-1" {
		t.Fatalf("page = %v", page)
	}
	if got := srv.tokenCalls.Load(); got != 1 {
		t.Fatalf("token calls = %d, want 1", got)
	}
}

func TestFetchPageBareArray(t *testing.T) {
	records := []map[string]any{{"id": "p-1"}}
	srv := newCRMServer(t, records)
	srv.envelope = false
	c := newTestClient(t, srv.URL)

	page, err := c.FetchPage(context.Background(), "contacts", nil, 0, 100)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("page = %v", page)
	}
}

func TestTokenCachedAcrossPages(t *testing.T) {
	srv := newCRMServer(t, nil)
	c := newTestClient(t, srv.URL)

	for i := 0; i < 3; i++ {
		if _, err := c.FetchPage(context.Background(), "contacts", nil, i*100, 100); err != nil {
			t.Fatalf("FetchPage %d: %v", i, err)
		}
	}
	if got := srv.tokenCalls.Load(); got != 1 {
		t.Fatalf("token calls = %d, want 1 (cached)", got)
	}
}

func TestExpiredTokenRefreshedOnce(t *testing.T) {
	srv := newCRMServer(t, []map[string]any{{"id": "p-1"}})
	c := newTestClient(t, srv.URL)

	// Warm the cache, then rotate the token server-side so the cached one
	// starts returning 401.
	if _, err := c.FetchPage(context.Background(), "contacts", nil, 0, 100); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	srv.currentTok.Store("tok-2")

	page, err := c.FetchPage(context.Background(), "contacts", nil, 0, 100)
	if err != nil {
		t.Fatalf("FetchPage after rotation: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("page = %v", page)
	}
	if got := srv.tokenCalls.Load(); got != 2 {
		t.Fatalf("token calls = %d, want 2 (one refresh)", got)
	}
}

func TestPersistentUnauthorized(t *testing.T) {
	srv := newCRMServer(t, nil)
	srv.pageStatus.Store(http.StatusUnauthorized)
	c := newTestClient(t, srv.URL)

	_, err := c.FetchPage(context.Background(), "contacts", nil, 0, 100)
	if !IsUnauthorized(err) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
	// One original attempt plus one post-refresh retry, then give up.
	if got := srv.pageCalls.Load(); got != 2 {
		t.Fatalf("page calls = %d, want 2", got)
	}
}

func TestTokenRefreshRejected(t *testing.T) {
	srv := newCRMServer(t, nil)
	srv.rejectToken.Store(true)
	c := newTestClient(t, srv.URL)

	_, err := c.FetchPage(context.Background(), "contacts", nil, 0, 100)
	if !IsUnauthorized(err) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
	if got := srv.pageCalls.Load(); got != 0 {
		t.Fatalf("page calls = %d, want 0 (no token, no fetch)", got)
	}
}

func TestTypedErrorKinds(t *testing.T) {
	cases := []struct {
		status    int
		wantKind  ErrorKind
		retryable bool
	}{
		{http.StatusForbidden, KindUnauthorized, false},
		{http.StatusNotFound, KindNotFound, false},
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusInternalServerError, KindTransport, true},
		{http.StatusBadGateway, KindTransport, true},
	}
	for _, tc := range cases {
		srv := newCRMServer(t, nil)
		srv.pageStatus.Store(int64(tc.status))
		c := newTestClient(t, srv.URL)

		_, err := c.FetchPage(context.Background(), "contacts", nil, 0, 100)
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := kindOf(err); got != tc.wantKind {
			t.Fatalf("status %d: kind = %q, want %q", tc.status, got, tc.wantKind)
		}
		if got := IsRetryable(err); got != tc.retryable {
			t.Fatalf("status %d: retryable = %v, want %v", tc.status, got, tc.retryable)
		}
	}
}

func TestFetchPageQueryParams(t *testing.T) {
	var gotQuery atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "t", "expires_in": 3600})
	})
	mux.HandleFunc("/api/v1/deals", func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []map[string]any{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.FetchPage(context.Background(), "deals", map[string]string{"stage": "open"}, 40, 20); err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	q := gotQuery.Load().(string)
	for _, want := range []string{"offset=40", "limit=20", "stage=open"} {
		if !strings.Contains(q, want) {
			t.Fatalf("query %q missing %q", q, want)
		}
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(testLog(t), Config{}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}
