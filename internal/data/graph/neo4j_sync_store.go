package graph

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/graphsync-backend/internal/modules/graphsync"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
	"github.com/yungbote/graphsync-backend/internal/platform/neo4jdb"
)

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// SyncStore implements graphsync.GraphStore on Neo4j with batched
// UNWIND/MERGE writes. Nodes are keyed by source_id; relationships are
// match-only so a candidate with a missing endpoint is skipped, never
// materialized as a placeholder node.
type SyncStore struct {
	client *neo4jdb.Client
	log    *logger.Logger

	// Batches for distinct labels run concurrently.
	constraintsMu   sync.Mutex
	constraintsDone map[string]bool
}

func NewSyncStore(client *neo4jdb.Client, log *logger.Logger) *SyncStore {
	return &SyncStore{
		client:          client,
		log:             log.With("component", "Neo4jSyncStore"),
		constraintsDone: map[string]bool{},
	}
}

// UpsertNodes create-or-updates each record keyed by source_id and reports
// which keys were new. SET += only touches the properties present in this
// run; the label of an existing node is never rewritten.
func (s *SyncStore) UpsertNodes(ctx context.Context, label string, nodes []map[string]any) (*graphsync.NodeBatchResult, error) {
	if err := validIdent(label); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return &graphsync.NodeBatchResult{}, nil
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	s.ensureConstraint(ctx, session, label)

	query := fmt.Sprintf(`
UNWIND $nodes AS n
MERGE (e:%s {source_id: n.source_id})
ON CREATE SET e.sync_first_seen = true
SET e += n
WITH e, coalesce(e.sync_first_seen, false) AS was_created
REMOVE e.sync_first_seen
RETURN e.source_id AS source_id, was_created
`, label)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"nodes": nodes})
		if err != nil {
			return nil, err
		}
		batch := &graphsync.NodeBatchResult{}
		for res.Next(ctx) {
			rec := res.Record()
			sourceID, _ := rec.Get("source_id")
			wasCreated, _ := rec.Get("was_created")
			key, _ := sourceID.(string)
			if created, _ := wasCreated.(bool); created {
				batch.CreatedKeys = append(batch.CreatedKeys, key)
			} else {
				batch.UpdatedKeys = append(batch.UpdatedKeys, key)
			}
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		return batch, nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert nodes %s: %w", label, err)
	}
	return out.(*graphsync.NodeBatchResult), nil
}

// MergeRelationships links endpoints that both exist, per the declared
// orientation. Rows whose MATCH fails fall out of the write; the difference
// against the batch size is the skipped count.
func (s *SyncStore) MergeRelationships(ctx context.Context, edgeType string, rels []graphsync.RelationshipRecord) (int, int, error) {
	if err := validIdent(edgeType); err != nil {
		return 0, 0, err
	}
	if len(rels) == 0 {
		return 0, 0, nil
	}

	// Cypher cannot parameterize labels, so sub-batch per endpoint label
	// pair and inline the identifiers (validated above and at mapping load).
	type labelPair struct{ from, to string }
	grouped := map[labelPair][]map[string]any{}
	for _, r := range rels {
		if err := validIdent(r.FromLabel); err != nil {
			return 0, 0, err
		}
		if err := validIdent(r.ToLabel); err != nil {
			return 0, 0, err
		}
		key := labelPair{from: r.FromLabel, to: r.ToLabel}
		grouped[key] = append(grouped[key], map[string]any{
			"from_id":   r.FromID,
			"to_id":     r.ToID,
			"synced_at": r.SyncedAt,
		})
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	linked := 0
	total := len(rels)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for pair, batch := range grouped {
			query := fmt.Sprintf(`
UNWIND $rels AS r
MATCH (a:%s {source_id: r.from_id})
MATCH (b:%s {source_id: r.to_id})
MERGE (a)-[e:%s]->(b)
SET e.synced_at = r.synced_at
RETURN count(e) AS linked
`, pair.from, pair.to, edgeType)
			res, err := tx.Run(ctx, query, map[string]any{"rels": batch})
			if err != nil {
				return nil, err
			}
			if res.Next(ctx) {
				if v, ok := res.Record().Get("linked"); ok {
					if n, ok := v.(int64); ok {
						linked += int(n)
					}
				}
			}
			if err := res.Err(); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("merge relationships %s: %w", edgeType, err)
	}
	return linked, total - linked, nil
}

// ensureConstraint creates the per-label source_id uniqueness constraint.
// Best-effort; may fail for restricted users.
func (s *SyncStore) ensureConstraint(ctx context.Context, session neo4j.SessionWithContext, label string) {
	s.constraintsMu.Lock()
	done := s.constraintsDone[label]
	s.constraintsMu.Unlock()
	if done {
		return
	}
	query := fmt.Sprintf(
		`CREATE CONSTRAINT %s_source_id_unique IF NOT EXISTS FOR (e:%s) REQUIRE e.source_id IS UNIQUE`,
		identRe.FindString(label), label,
	)
	if res, err := session.Run(ctx, query, nil); err != nil {
		s.log.Warn("neo4j schema init failed (continuing)", "label", label, "error", err)
	} else {
		_, _ = res.Consume(ctx)
		s.constraintsMu.Lock()
		s.constraintsDone[label] = true
		s.constraintsMu.Unlock()
	}
}

func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid graph identifier %q", name)
	}
	return nil
}
