package graphsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/graphsync-backend/internal/domain"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

// NodeBatchResult reports which keys a node batch created vs. found.
type NodeBatchResult struct {
	CreatedKeys []string
	UpdatedKeys []string
}

// RelationshipRecord is one oriented edge write, endpoints resolved.
type RelationshipRecord struct {
	FromID    string
	FromLabel string
	ToID      string
	ToLabel   string
	SyncedAt  string
}

// GraphStore is the write surface of the property graph. UpsertNodes is
// create-or-update keyed by source_id; MergeRelationships creates an edge
// only when both endpoints already exist and reports what it skipped.
type GraphStore interface {
	UpsertNodes(ctx context.Context, label string, nodes []map[string]any) (*NodeBatchResult, error)
	MergeRelationships(ctx context.Context, edgeType string, rels []RelationshipRecord) (linked, skipped int, err error)
}

type UpserterConfig struct {
	Concurrency  int
	WriteTimeout time.Duration
}

func (c *UpserterConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
}

// Upserter writes one run's accumulated output in two strict phases: all
// node batches (grouped by label), then all relationship batches (grouped by
// edge type). The phase boundary is what lets relationships reference nodes
// from any entity type fetched in the same run.
type Upserter struct {
	log   *logger.Logger
	store GraphStore
	cfg   UpserterConfig
}

func NewUpserter(log *logger.Logger, store GraphStore, cfg UpserterConfig) *Upserter {
	cfg.applyDefaults()
	return &Upserter{
		log:   log.With("component", "BatchUpserter"),
		store: store,
		cfg:   cfg,
	}
}

// Run writes entities then candidates, mutating result's counters. A batch
// failure is recorded against the owning entity types and never aborts
// sibling batches. Cancellation stops further batch submissions; a batch
// already dispatched runs to completion so it is never partially applied.
func (u *Upserter) Run(ctx context.Context, entitiesByType map[string][]*domain.GraphEntity, candidatesByType map[string][]domain.RelationCandidate, result *domain.SyncResult) {
	var mu sync.Mutex

	u.nodePhase(ctx, entitiesByType, result, &mu)
	u.relationshipPhase(ctx, candidatesByType, result, &mu)
}

func (u *Upserter) nodePhase(ctx context.Context, entitiesByType map[string][]*domain.GraphEntity, result *domain.SyncResult, mu *sync.Mutex) {
	// Group by label across entity types; remember who owns each key so
	// created/updated counts land on the right type.
	labelBatches := map[string][]map[string]any{}
	labelOwners := map[string]map[string]bool{}
	keyOwner := map[string]string{}
	for entityType, entities := range entitiesByType {
		for _, e := range entities {
			record := make(map[string]any, len(e.Properties)+2)
			for k, v := range e.Properties {
				record[k] = v
			}
			record["source_id"] = e.SourceID
			record["synced_at"] = e.SyncedAt.UTC().Format(time.RFC3339)
			labelBatches[e.Label] = append(labelBatches[e.Label], record)
			if labelOwners[e.Label] == nil {
				labelOwners[e.Label] = map[string]bool{}
			}
			labelOwners[e.Label][entityType] = true
			keyOwner[e.SourceID] = entityType
		}
	}

	g := &errgroup.Group{}
	g.SetLimit(u.cfg.Concurrency)
	for label, batch := range labelBatches {
		if ctx.Err() != nil {
			u.recordCancelled(labelOwners[label], result, mu, "node batch "+label)
			continue
		}
		g.Go(func() error {
			// A dispatched batch finishes even if the run is cancelled.
			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.cfg.WriteTimeout)
			defer cancel()

			res, err := u.store.UpsertNodes(writeCtx, label, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				u.log.Error("node batch failed", "label", label, "size", len(batch), "error", err)
				for owner := range labelOwners[label] {
					tr := result.ForType(owner)
					tr.Errors = append(tr.Errors, "node batch "+label+": "+err.Error())
				}
				return nil
			}
			for _, key := range res.CreatedKeys {
				result.ForType(keyOwner[key]).Created++
			}
			for _, key := range res.UpdatedKeys {
				result.ForType(keyOwner[key]).Updated++
			}
			u.log.Debug("node batch written",
				"label", label,
				"created", len(res.CreatedKeys),
				"updated", len(res.UpdatedKeys),
			)
			return nil
		})
	}
	_ = g.Wait()
}

func (u *Upserter) relationshipPhase(ctx context.Context, candidatesByType map[string][]domain.RelationCandidate, result *domain.SyncResult, mu *sync.Mutex) {
	edgeBatches := map[string][]RelationshipRecord{}
	edgeOwners := map[string]map[string]bool{}
	now := time.Now().UTC().Format(time.RFC3339)
	for entityType, candidates := range candidatesByType {
		for _, c := range candidates {
			fromID, fromLabel := c.From()
			toID, toLabel := c.To()
			edgeBatches[c.EdgeType] = append(edgeBatches[c.EdgeType], RelationshipRecord{
				FromID:    fromID,
				FromLabel: fromLabel,
				ToID:      toID,
				ToLabel:   toLabel,
				SyncedAt:  now,
			})
			if edgeOwners[c.EdgeType] == nil {
				edgeOwners[c.EdgeType] = map[string]bool{}
			}
			edgeOwners[c.EdgeType][entityType] = true
		}
	}

	g := &errgroup.Group{}
	g.SetLimit(u.cfg.Concurrency)
	for edgeType, batch := range edgeBatches {
		if ctx.Err() != nil {
			u.recordCancelled(edgeOwners[edgeType], result, mu, "relationship batch "+edgeType)
			continue
		}
		g.Go(func() error {
			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.cfg.WriteTimeout)
			defer cancel()

			linked, skipped, err := u.store.MergeRelationships(writeCtx, edgeType, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				u.log.Error("relationship batch failed", "edge_type", edgeType, "size", len(batch), "error", err)
				for owner := range edgeOwners[edgeType] {
					tr := result.ForType(owner)
					tr.Errors = append(tr.Errors, "relationship batch "+edgeType+": "+err.Error())
				}
				return nil
			}
			if skipped > 0 {
				// Deliberate orphan prevention: candidates whose target
				// was never synced stay unmaterialized.
				result.ForType(firstOwner(edgeOwners[edgeType])).Skipped += skipped
				u.log.Info("relationship candidates skipped (missing endpoints)",
					"edge_type", edgeType,
					"skipped", skipped,
				)
			}
			u.log.Debug("relationship batch written", "edge_type", edgeType, "linked", linked, "skipped", skipped)
			return nil
		})
	}
	_ = g.Wait()
}

func (u *Upserter) recordCancelled(owners map[string]bool, result *domain.SyncResult, mu *sync.Mutex, what string) {
	mu.Lock()
	defer mu.Unlock()
	for owner := range owners {
		tr := result.ForType(owner)
		tr.Errors = append(tr.Errors, what+": run cancelled before dispatch")
	}
}

func firstOwner(owners map[string]bool) string {
	keys := make([]string, 0, len(owners))
	for k := range owners {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
