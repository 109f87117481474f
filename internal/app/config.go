package app

import (
	"strings"
	"time"

	"github.com/yungbote/graphsync-backend/internal/modules/graphsync"
	"github.com/yungbote/graphsync-backend/internal/platform/envutil"
)

type Config struct {
	HTTPAddr     string
	AllowOrigins []string
	JWTSecret    string

	MappingsPath string
	RunTimeout   time.Duration

	Fetcher      graphsync.FetcherConfig
	Upserter     graphsync.UpserterConfig
	Orchestrator graphsync.OrchestratorConfig
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:     envutil.Str("HTTP_ADDR", ":8080"),
		AllowOrigins: splitCSV(envutil.Str("CORS_ALLOW_ORIGINS", "")),
		JWTSecret:    envutil.Str("AUTH_JWT_SECRET", ""),
		MappingsPath: envutil.Str("SYNC_MAPPINGS_PATH", ""),
		RunTimeout:   envutil.Duration("SYNC_RUN_TIMEOUT_SECONDS", 30*time.Minute),
		Fetcher: graphsync.FetcherConfig{
			PageSize:    envutil.Int("SYNC_PAGE_SIZE", 100),
			MaxPages:    envutil.Int("SYNC_MAX_PAGES", 0),
			MaxAttempts: envutil.Int("SYNC_FETCH_MAX_ATTEMPTS", 3),
			RetryBase:   envutil.Duration("SYNC_FETCH_RETRY_BASE", 500*time.Millisecond),
			MinInterval: envutil.Duration("SYNC_SOURCE_MIN_INTERVAL", 200*time.Millisecond),
		},
		Upserter: graphsync.UpserterConfig{
			Concurrency:  envutil.Int("SYNC_WRITE_CONCURRENCY", 4),
			WriteTimeout: envutil.Duration("SYNC_WRITE_TIMEOUT_SECONDS", 60*time.Second),
		},
		Orchestrator: graphsync.OrchestratorConfig{
			FetchWorkers: envutil.Int("SYNC_FETCH_WORKERS", 3),
		},
	}
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
