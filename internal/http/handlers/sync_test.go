package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	redisclient "github.com/yungbote/graphsync-backend/internal/clients/redis"
	"github.com/yungbote/graphsync-backend/internal/domain"
	"github.com/yungbote/graphsync-backend/internal/modules/graphsync"
	"github.com/yungbote/graphsync-backend/internal/modules/graphsync/schema"
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

// stubSource serves a fixed record set for every entity type.
type stubSource struct {
	records map[string][]map[string]any
}

func (s *stubSource) FetchPage(ctx context.Context, entityType string, filter map[string]string, offset, limit int) ([]map[string]any, error) {
	all := s.records[entityType]
	if offset >= len(all) {
		return []map[string]any{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// stubStore accepts every write and reports everything as created.
type stubStore struct{}

func (stubStore) UpsertNodes(ctx context.Context, label string, nodes []map[string]any) (*graphsync.NodeBatchResult, error) {
	res := &graphsync.NodeBatchResult{}
	for _, n := range nodes {
		key, _ := n["source_id"].(string)
		res.CreatedKeys = append(res.CreatedKeys, key)
	}
	return res, nil
}

func (stubStore) MergeRelationships(ctx context.Context, edgeType string, rels []graphsync.RelationshipRecord) (int, int, error) {
	return len(rels), 0, nil
}

// stubCoordinator is an in-memory RunCoordinator with a scriptable busy flag.
type stubCoordinator struct {
	mu   sync.Mutex
	busy bool
	last []byte
}

func (s *stubCoordinator) Acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return nil, redisclient.ErrRunInProgress
	}
	s.busy = true
	return func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}, nil
}

func (s *stubCoordinator) StoreLastResult(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	s.last = payload
	s.mu.Unlock()
	return nil
}

func (s *stubCoordinator) LastResult(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *stubCoordinator) Close() error { return nil }

func newTestHandler(t *testing.T, coord redisclient.RunCoordinator) (*SyncHandler, *schema.Registry) {
	t.Helper()
	log := testLog(t)
	registry, err := schema.NewRegistry(log, "")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	src := &stubSource{records: map[string][]map[string]any{
		"users": {
			{"id": "u-1", "first_name": "Sam", "last_name": "Ode"},
			{"id": "u-2", "first_name": "Ana", "last_name": "Bell"},
		},
	}}
	sanitizer := graphsync.NewSanitizer(log)
	mapper := graphsync.NewMapper(log, sanitizer, registry.Namespace())
	fetcher := graphsync.NewFetcher(log, src, graphsync.FetcherConfig{
		PageSize:    10,
		MaxAttempts: 1,
		RetryBase:   time.Millisecond,
		MinInterval: time.Microsecond,
	})
	upserter := graphsync.NewUpserter(log, stubStore{}, graphsync.UpserterConfig{Concurrency: 1, WriteTimeout: time.Second})
	orch := graphsync.NewOrchestrator(log, registry, fetcher, mapper, upserter, graphsync.OrchestratorConfig{FetchWorkers: 1})
	return NewSyncHandler(log, orch, registry, coord, nil, time.Minute), registry
}

func newTestRouter(h *SyncHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/sync", h.PostSync)
	r.GET("/api/sync/last", h.GetLast)
	r.GET("/api/sync/runs", h.ListRuns)
	r.POST("/api/sync/mappings/reload", h.ReloadMappings)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPostSyncOK(t *testing.T) {
	coord := &stubCoordinator{}
	h, _ := newTestHandler(t, coord)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/sync", `{"entity_types":["users"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var body struct {
		Status          string                        `json:"status"`
		EntitiesSynced  int                           `json:"entities_synced"`
		EntitiesCreated int                           `json:"entities_created"`
		EntityTypes     []string                      `json:"entity_types"`
		Errors          []string                      `json:"errors"`
		Results         map[string]*domain.TypeResult `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "done" {
		t.Fatalf("status = %q, errors = %v", body.Status, body.Errors)
	}
	if body.EntitiesSynced != 2 || body.EntitiesCreated != 2 {
		t.Fatalf("synced/created = %d/%d, want 2/2", body.EntitiesSynced, body.EntitiesCreated)
	}
	if len(body.EntityTypes) != 1 || body.EntityTypes[0] != "users" {
		t.Fatalf("entity_types = %v", body.EntityTypes)
	}
	if body.Results["users"] == nil || body.Results["users"].Fetched != 2 {
		t.Fatalf("results = %v", body.Results)
	}
	if body.Errors == nil {
		t.Fatal("errors should serialize as an empty array, not null")
	}
}

func TestPostSyncEmptyBodyMeansAllTypes(t *testing.T) {
	coord := &stubCoordinator{}
	h, registry := newTestHandler(t, coord)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/sync", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		EntityTypes []string `json:"entity_types"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.EntityTypes) != len(registry.EntityTypes()) {
		t.Fatalf("entity_types = %v, want all %d configured", body.EntityTypes, len(registry.EntityTypes()))
	}
}

func TestPostSyncConflictWhileRunning(t *testing.T) {
	coord := &stubCoordinator{busy: true}
	h, _ := newTestHandler(t, coord)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/sync", `{"entity_types":["users"]}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestPostSyncInvalidBody(t *testing.T) {
	coord := &stubCoordinator{}
	h, _ := newTestHandler(t, coord)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/sync", `{"entity_types": "not-a-list"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetLast(t *testing.T) {
	coord := &stubCoordinator{}
	h, _ := newTestHandler(t, coord)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/sync/last", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("before any run: status = %d, want 404", w.Code)
	}

	if got := postJSON(t, r, "/api/sync", `{"entity_types":["users"]}`); got.Code != http.StatusOK {
		t.Fatalf("sync failed: %d %s", got.Code, got.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sync/last", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("after run: status = %d", w.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "done" {
		t.Fatalf("cached status = %q", body.Status)
	}
}

func TestListRunsWithoutHistoryStore(t *testing.T) {
	coord := &stubCoordinator{}
	h, _ := newTestHandler(t, coord)
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sync/runs", nil))
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", w.Code)
	}
}

func TestReloadMappings(t *testing.T) {
	coord := &stubCoordinator{}
	h, _ := newTestHandler(t, coord)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/sync/mappings/reload", ``)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Reloaded    bool     `json:"reloaded"`
		EntityTypes []string `json:"entity_types"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Reloaded || len(body.EntityTypes) == 0 {
		t.Fatalf("body = %+v", body)
	}
}
