package graphsync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/graphsync-backend/internal/clients/crm"
	"github.com/yungbote/graphsync-backend/internal/modules/graphsync/schema"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

var (
	testLogOnce sync.Once
	testLog     *logger.Logger
)

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	testLogOnce.Do(func() {
		l, err := logger.New("test")
		if err != nil {
			panic(err)
		}
		testLog = l
	})
	return testLog
}

// testRegistry loads the embedded default mappings (contacts, companies,
// deals, users, activities).
func testRegistry(tb testing.TB) *schema.Registry {
	tb.Helper()
	r, err := schema.NewRegistry(testLogger(tb), "")
	if err != nil {
		tb.Fatalf("registry: %v", err)
	}
	return r
}

// fakeSource serves canned records per entity type with scriptable failures.
type fakeSource struct {
	mu       sync.Mutex
	records  map[string][]map[string]any
	failWith map[string]error // always fail this type
	flaky    map[string]int   // fail the first N calls for this type
	calls    map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records:  map[string][]map[string]any{},
		failWith: map[string]error{},
		flaky:    map[string]int{},
		calls:    map[string]int{},
	}
}

func (f *fakeSource) FetchPage(ctx context.Context, entityType string, filter map[string]string, offset, limit int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[entityType]++
	if err, ok := f.failWith[entityType]; ok {
		return nil, err
	}
	if n := f.flaky[entityType]; n > 0 {
		f.flaky[entityType] = n - 1
		return nil, errTransient
	}
	all := f.records[entityType]
	if offset >= len(all) {
		return []map[string]any{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeSource) callCount(entityType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[entityType]
}

// memStore is an in-memory GraphStore with the same create-or-update and
// match-only semantics as the Neo4j implementation.
type memStore struct {
	mu         sync.Mutex
	nodes      map[string]map[string]map[string]any // label → source_id → props
	edges      map[string]bool                      // edgeType|from|to
	opOrder    []string                             // "nodes:<label>" / "rels:<edge>"
	failLabels map[string]error
	failEdges  map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		nodes:      map[string]map[string]map[string]any{},
		edges:      map[string]bool{},
		failLabels: map[string]error{},
		failEdges:  map[string]error{},
	}
}

func (m *memStore) UpsertNodes(ctx context.Context, label string, nodes []map[string]any) (*NodeBatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opOrder = append(m.opOrder, "nodes:"+label)
	if err := m.failLabels[label]; err != nil {
		return nil, err
	}
	if m.nodes[label] == nil {
		m.nodes[label] = map[string]map[string]any{}
	}
	res := &NodeBatchResult{}
	for _, n := range nodes {
		key, _ := n["source_id"].(string)
		if _, exists := m.nodes[label][key]; exists {
			res.UpdatedKeys = append(res.UpdatedKeys, key)
		} else {
			res.CreatedKeys = append(res.CreatedKeys, key)
		}
		m.nodes[label][key] = n
	}
	return res, nil
}

func (m *memStore) MergeRelationships(ctx context.Context, edgeType string, rels []RelationshipRecord) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opOrder = append(m.opOrder, "rels:"+edgeType)
	if err := m.failEdges[edgeType]; err != nil {
		return 0, 0, err
	}
	linked := 0
	for _, r := range rels {
		if _, ok := m.nodes[r.FromLabel][r.FromID]; !ok {
			continue
		}
		if _, ok := m.nodes[r.ToLabel][r.ToID]; !ok {
			continue
		}
		m.edges[edgeType+"|"+r.FromID+"|"+r.ToID] = true
		linked++
	}
	return linked, len(rels) - linked, nil
}

func (m *memStore) nodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, byID := range m.nodes {
		n += len(byID)
	}
	return n
}

func (m *memStore) edgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edges)
}

func (m *memStore) hasEdge(edgeType, fromID, toID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edges[edgeType+"|"+fromID+"|"+toID]
}

// relPhaseAfterNodePhase verifies every node batch preceded every
// relationship batch.
func (m *memStore) relPhaseAfterNodePhase() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	firstRel := -1
	for i, op := range m.opOrder {
		if strings.HasPrefix(op, "rels:") && firstRel == -1 {
			firstRel = i
		}
		if strings.HasPrefix(op, "nodes:") && firstRel != -1 {
			return false
		}
	}
	return true
}

var errTransient = &crm.Error{Kind: crm.KindRateLimited, Status: 429, Msg: "quota"}

func testFetcher(tb testing.TB, src *fakeSource, pageSize int) *Fetcher {
	tb.Helper()
	return NewFetcher(testLogger(tb), src, FetcherConfig{
		PageSize:    pageSize,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		MinInterval: time.Microsecond,
	})
}
