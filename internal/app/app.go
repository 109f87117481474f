package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/yungbote/graphsync-backend/internal/clients/crm"
	redisclient "github.com/yungbote/graphsync-backend/internal/clients/redis"
	"github.com/yungbote/graphsync-backend/internal/data/db"
	"github.com/yungbote/graphsync-backend/internal/data/graph"
	"github.com/yungbote/graphsync-backend/internal/data/repos/syncruns"
	"github.com/yungbote/graphsync-backend/internal/http/handlers"
	"github.com/yungbote/graphsync-backend/internal/http/middleware"
	"github.com/yungbote/graphsync-backend/internal/modules/graphsync"
	"github.com/yungbote/graphsync-backend/internal/modules/graphsync/schema"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
	"github.com/yungbote/graphsync-backend/internal/platform/neo4jdb"
	"github.com/yungbote/graphsync-backend/internal/platform/otelx"
	"github.com/yungbote/graphsync-backend/internal/server"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	log    *logger.Logger
	cfg    Config
	neo    *neo4jdb.Client
	coord  redisclient.RunCoordinator
	srv    *http.Server
	otelFn func(context.Context) error
}

func New(log *logger.Logger) (*App, error) {
	cfg := LoadConfig()

	otelShutdown := otelx.Init(context.Background(), log, otelx.Config{
		ServiceName: "graphsync",
		Environment: "default",
	})

	registry, err := schema.NewRegistry(log, cfg.MappingsPath)
	if err != nil {
		return nil, fmt.Errorf("schema registry: %w", err)
	}

	crmClient, err := crm.New(log, crm.ConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("crm client: %w", err)
	}

	neoClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		return nil, fmt.Errorf("neo4j: %w", err)
	}

	coord, err := redisclient.NewRunCoordinator(log)
	if err != nil {
		return nil, fmt.Errorf("run coordinator: %w", err)
	}

	// Run history is optional: without Postgres the service still syncs.
	var runRepo syncruns.SyncRunRepo
	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Warn("Postgres init failed, run history disabled", "error", err)
	} else if pg != nil {
		if err := pg.AutoMigrateAll(); err != nil {
			log.Warn("Postgres auto migration failed", "error", err)
		}
		runRepo = syncruns.NewSyncRunRepo(pg.DB(), log)
	}

	sanitizer := graphsync.NewSanitizer(log)
	mapper := graphsync.NewMapper(log, sanitizer, registry.Namespace())
	fetcher := graphsync.NewFetcher(log, crmClient, cfg.Fetcher)
	store := graph.NewSyncStore(neoClient, log)
	upserter := graphsync.NewUpserter(log, store, cfg.Upserter)
	orch := graphsync.NewOrchestrator(log, registry, fetcher, mapper, upserter, cfg.Orchestrator)

	syncHandler := handlers.NewSyncHandler(log, orch, registry, coord, runRepo, cfg.RunTimeout)
	authMiddleware := middleware.NewAuthMiddleware(log, cfg.JWTSecret)

	router := server.NewRouter(server.RouterConfig{
		Log:            log,
		SyncHandler:    syncHandler,
		AuthMiddleware: authMiddleware,
		AllowOrigins:   cfg.AllowOrigins,
	})

	return &App{
		log:   log,
		cfg:   cfg,
		neo:   neoClient,
		coord: coord,
		srv: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		otelFn: otelShutdown,
	}, nil
}

// Run serves until ctx is cancelled, then drains.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("HTTP server listening", "addr", a.cfg.HTTPAddr)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := a.srv.Shutdown(shutdownCtx)
	_ = a.coord.Close()
	_ = a.neo.Close(shutdownCtx)
	if a.otelFn != nil {
		_ = a.otelFn(shutdownCtx)
	}
	return err
}
