package graphsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/graphsync-backend/internal/domain"
	"github.com/yungbote/graphsync-backend/internal/modules/graphsync/schema"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
	"github.com/yungbote/graphsync-backend/internal/platform/otelx"
)

type OrchestratorConfig struct {
	FetchWorkers int
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = 3
	}
}

// Orchestrator drives one sync run: fetch-and-map per requested entity type
// under a bounded worker pool, then the two-phase batch upsert over the
// whole run's accumulation. Per-type failures are isolated; the run always
// produces a result.
type Orchestrator struct {
	log      *logger.Logger
	registry *schema.Registry
	fetcher  *Fetcher
	mapper   *Mapper
	upserter *Upserter
	cfg      OrchestratorConfig
}

func NewOrchestrator(log *logger.Logger, registry *schema.Registry, fetcher *Fetcher, mapper *Mapper, upserter *Upserter, cfg OrchestratorConfig) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		log:      log.With("component", "SyncOrchestrator"),
		registry: registry,
		fetcher:  fetcher,
		mapper:   mapper,
		upserter: upserter,
		cfg:      cfg,
	}
}

// Sync runs the full pipeline for the requested entity types and returns the
// aggregated result. It does not return an error: failure is expressed
// through the result status so callers always get counters.
func (o *Orchestrator) Sync(ctx context.Context, entityTypes []string) *domain.SyncResult {
	started := time.Now()
	requested := dedupeSorted(entityTypes)

	ctx, span := otelx.Tracer().Start(ctx, "graphsync.sync")
	span.SetAttributes(attribute.StringSlice("sync.entity_types", requested))
	defer span.End()

	result := domain.NewSyncResult()
	for _, t := range requested {
		result.ForType(t)
	}
	o.log.Info("sync run started", "entity_types", requested)

	entitiesByType := map[string][]*domain.GraphEntity{}
	candidatesByType := map[string][]domain.RelationCandidate{}
	var mu sync.Mutex

	syncedAt := started.UTC()
	g := &errgroup.Group{}
	g.SetLimit(o.cfg.FetchWorkers)
	for _, entityType := range requested {
		mapping, err := o.registry.Lookup(entityType)
		if err != nil {
			mu.Lock()
			tr := result.ForType(entityType)
			tr.Errors = append(tr.Errors, err.Error())
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			o.fetchAndMapType(ctx, entityType, mapping, syncedAt, result, entitiesByType, candidatesByType, &mu)
			return nil
		})
	}
	_ = g.Wait()

	totalEntities := 0
	for _, entities := range entitiesByType {
		totalEntities += len(entities)
	}

	// Nothing fetched and every type failed: the pipeline never got going.
	if result.TotalFetched() == 0 && allFailed(result) {
		result.Status = domain.SyncStatusFailed
		o.log.Error("sync run failed before any page was fetched", "entity_types", requested)
		return result
	}

	upsertCtx, upsertSpan := otelx.Tracer().Start(ctx, "graphsync.upsert")
	upsertSpan.SetAttributes(attribute.Int("sync.entities", totalEntities))
	o.upserter.Run(upsertCtx, entitiesByType, candidatesByType, result)
	upsertSpan.End()

	result.Status = rollupStatus(result)
	o.log.Info("sync run finished",
		"status", result.Status,
		"fetched", result.TotalFetched(),
		"created", result.TotalCreated(),
		"updated", result.TotalUpdated(),
		"skipped", result.TotalSkipped(),
		"errors", len(result.AllErrors()),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return result
}

func (o *Orchestrator) fetchAndMapType(ctx context.Context, entityType string, mapping *domain.SchemaMapping, syncedAt time.Time, result *domain.SyncResult, entitiesByType map[string][]*domain.GraphEntity, candidatesByType map[string][]domain.RelationCandidate, mu *sync.Mutex) {
	ctx, span := otelx.Tracer().Start(ctx, "graphsync.fetch_map")
	span.SetAttributes(attribute.String("sync.entity_type", entityType))
	defer span.End()

	var entities []*domain.GraphEntity
	var candidates []domain.RelationCandidate
	mapSkipped := 0

	fetched, err := o.fetcher.FetchAll(ctx, entityType, nil, func(record map[string]any) error {
		entity, cands, ok := o.mapper.Map(record, mapping, syncedAt)
		if !ok {
			mapSkipped++
			return nil
		}
		entities = append(entities, entity)
		candidates = append(candidates, cands...)
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	tr := result.ForType(entityType)
	tr.Fetched = fetched
	tr.Skipped += mapSkipped
	if err != nil {
		// The type failed, but whatever was mapped before the failure
		// still participates in the upsert phases.
		tr.Errors = append(tr.Errors, err.Error())
		o.log.Warn("entity type failed", "entity_type", entityType, "fetched", fetched, "error", err)
	}
	if len(entities) > 0 {
		entitiesByType[entityType] = entities
	}
	if len(candidates) > 0 {
		candidatesByType[entityType] = candidates
	}
}

func rollupStatus(result *domain.SyncResult) domain.SyncStatus {
	failed, succeeded := 0, 0
	for _, tr := range result.Types {
		if tr.Failed() {
			failed++
		} else {
			succeeded++
		}
	}
	switch {
	case failed == 0:
		return domain.SyncStatusDone
	case succeeded == 0:
		return domain.SyncStatusFailed
	default:
		return domain.SyncStatusPartialFailure
	}
}

func allFailed(result *domain.SyncResult) bool {
	for _, tr := range result.Types {
		if !tr.Failed() {
			return false
		}
	}
	return true
}

func dedupeSorted(entityTypes []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(entityTypes))
	for _, t := range entityTypes {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
