package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	redisclient "github.com/yungbote/graphsync-backend/internal/clients/redis"
	"github.com/yungbote/graphsync-backend/internal/data/repos/syncruns"
	"github.com/yungbote/graphsync-backend/internal/domain"
	"github.com/yungbote/graphsync-backend/internal/http/response"
	"github.com/yungbote/graphsync-backend/internal/modules/graphsync"
	"github.com/yungbote/graphsync-backend/internal/modules/graphsync/schema"
	"github.com/yungbote/graphsync-backend/internal/pkg/dbctx"
	"github.com/yungbote/graphsync-backend/internal/platform/apierr"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

type SyncHandler struct {
	log        *logger.Logger
	orch       *graphsync.Orchestrator
	registry   *schema.Registry
	coord      redisclient.RunCoordinator
	runRepo    syncruns.SyncRunRepo
	runTimeout time.Duration
}

func NewSyncHandler(log *logger.Logger, orch *graphsync.Orchestrator, registry *schema.Registry, coord redisclient.RunCoordinator, runRepo syncruns.SyncRunRepo, runTimeout time.Duration) *SyncHandler {
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}
	return &SyncHandler{
		log:        log.With("handler", "SyncHandler"),
		orch:       orch,
		registry:   registry,
		coord:      coord,
		runRepo:    runRepo,
		runTimeout: runTimeout,
	}
}

type syncRequest struct {
	EntityTypes []string `json:"entity_types"`
}

type syncResponse struct {
	Status          domain.SyncStatus             `json:"status"`
	EntitiesSynced  int                           `json:"entities_synced"`
	EntitiesCreated int                           `json:"entities_created"`
	EntitiesUpdated int                           `json:"entities_updated"`
	EntityTypes     []string                      `json:"entity_types"`
	Errors          []string                      `json:"errors"`
	Results         map[string]*domain.TypeResult `json:"results"`
}

// PostSync triggers one sync run. Runs are mutually exclusive across
// replicas; a second trigger while one is in flight gets 409.
func (h *SyncHandler) PostSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAppError(c, apierr.BadRequest("invalid_request", err))
		return
	}
	entityTypes := req.EntityTypes
	if len(entityTypes) == 0 {
		// Empty request means "everything configured".
		entityTypes = h.registry.EntityTypes()
	}

	release, err := h.coord.Acquire(c.Request.Context())
	if err != nil {
		if errors.Is(err, redisclient.ErrRunInProgress) {
			response.RespondAppError(c, apierr.Conflict("sync_in_progress", err))
			return
		}
		response.RespondAppError(c, apierr.New(http.StatusInternalServerError, "lock_failed", err))
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.runTimeout)
	defer cancel()

	runID := uuid.New()
	startedAt := time.Now().UTC()
	h.recordRunStart(ctx, runID, entityTypes, startedAt)

	result := h.orch.Sync(ctx, entityTypes)

	h.recordRunFinish(runID, result, startedAt)
	h.cacheLastResult(result)

	body := buildSyncResponse(result)
	if result.Status == domain.SyncStatusFailed {
		// Nothing could even begin fetching; surface it as an upstream
		// failure rather than a healthy 200.
		c.JSON(http.StatusBadGateway, body)
		return
	}
	response.RespondOK(c, body)
}

// GetLast returns the cached result of the most recent run.
func (h *SyncHandler) GetLast(c *gin.Context) {
	raw, err := h.coord.LastResult(c.Request.Context())
	if err != nil {
		response.RespondAppError(c, apierr.New(http.StatusInternalServerError, "last_result_failed", err))
		return
	}
	if len(raw) == 0 {
		response.RespondAppError(c, apierr.New(http.StatusNotFound, "no_runs", fmt.Errorf("no sync has completed yet")))
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// ListRuns returns recent persisted run history.
func (h *SyncHandler) ListRuns(c *gin.Context) {
	if h.runRepo == nil {
		response.RespondAppError(c, apierr.New(http.StatusNotImplemented, "history_disabled", fmt.Errorf("run history requires Postgres")))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := h.runRepo.ListRecent(dbctx.Context{Ctx: c.Request.Context()}, limit)
	if err != nil {
		response.RespondAppError(c, apierr.New(http.StatusInternalServerError, "history_failed", err))
		return
	}
	response.RespondOK(c, gin.H{"runs": runs})
}

// ReloadMappings swaps in a freshly validated schema snapshot. In-flight
// runs keep the snapshot they started with.
func (h *SyncHandler) ReloadMappings(c *gin.Context) {
	if err := h.registry.Reload(); err != nil {
		response.RespondAppError(c, apierr.New(http.StatusUnprocessableEntity, "mappings_invalid", err))
		return
	}
	response.RespondOK(c, gin.H{
		"reloaded":     true,
		"entity_types": h.registry.EntityTypes(),
	})
}

func buildSyncResponse(result *domain.SyncResult) syncResponse {
	errs := result.AllErrors()
	if errs == nil {
		errs = []string{}
	}
	return syncResponse{
		Status:          result.Status,
		EntitiesSynced:  result.TotalFetched(),
		EntitiesCreated: result.TotalCreated(),
		EntitiesUpdated: result.TotalUpdated(),
		EntityTypes:     result.EntityTypeNames(),
		Errors:          errs,
		Results:         result.Types,
	}
}

func (h *SyncHandler) recordRunStart(ctx context.Context, runID uuid.UUID, entityTypes []string, startedAt time.Time) {
	if h.runRepo == nil {
		return
	}
	typesJSON, _ := json.Marshal(entityTypes)
	run := &domain.SyncRun{
		ID:          runID,
		Status:      "running",
		EntityTypes: datatypes.JSON(typesJSON),
		Counters:    datatypes.JSON([]byte("{}")),
		StartedAt:   startedAt,
	}
	if err := h.runRepo.Create(dbctx.Context{Ctx: ctx}, run); err != nil {
		h.log.Warn("run history create failed", "run_id", runID, "error", err)
	}
}

func (h *SyncHandler) recordRunFinish(runID uuid.UUID, result *domain.SyncResult, startedAt time.Time) {
	if h.runRepo == nil {
		return
	}
	// The request context may already be done; history writes get their own.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counters, _ := json.Marshal(result.Types)
	finishedAt := time.Now().UTC()
	updates := map[string]interface{}{
		"status":      string(result.Status),
		"counters":    datatypes.JSON(counters),
		"error_count": len(result.AllErrors()),
		"finished_at": finishedAt,
		"updated_at":  finishedAt,
	}
	if err := h.runRepo.UpdateFields(dbctx.Context{Ctx: ctx}, runID, updates); err != nil {
		h.log.Warn("run history update failed", "run_id", runID, "error", err)
	}
}

func (h *SyncHandler) cacheLastResult(result *domain.SyncResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := json.Marshal(buildSyncResponse(result))
	if err != nil {
		return
	}
	if err := h.coord.StoreLastResult(ctx, payload); err != nil {
		h.log.Warn("last result cache failed", "error", err)
	}
}
