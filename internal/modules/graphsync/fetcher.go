package graphsync

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/yungbote/graphsync-backend/internal/clients/crm"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

type FetcherConfig struct {
	PageSize    int
	MaxPages    int // 0 means unbounded; >0 caps sample/bounded runs
	MaxAttempts int
	RetryBase   time.Duration
	MinInterval time.Duration // enforced delay between source calls, run-global
}

func (c *FetcherConfig) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 200 * time.Millisecond
	}
}

// Fetcher pages through the source system for one entity type at a time.
// The rate limiter is shared by every caller so concurrent fetches respect
// the aggregate source quota. There is no persisted cursor: every FetchAll
// starts at page one (full resync semantics).
type Fetcher struct {
	log     *logger.Logger
	client  crm.Client
	limiter *rate.Limiter
	cfg     FetcherConfig
}

func NewFetcher(log *logger.Logger, client crm.Client, cfg FetcherConfig) *Fetcher {
	cfg.applyDefaults()
	return &Fetcher{
		log:     log.With("component", "PageFetcher"),
		client:  client,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		cfg:     cfg,
	}
}

// FetchAll streams every record of entityType into fn, in page order.
// Returns the number of records fetched. A returned error means the entity
// type failed as a whole; per-record problems are fn's business.
func (f *Fetcher) FetchAll(ctx context.Context, entityType string, filter map[string]string, fn func(record map[string]any) error) (int, error) {
	fetched := 0
	offset := 0
	pages := 0

	for {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		page, err := f.fetchPageWithRetry(ctx, entityType, filter, offset)
		if err != nil {
			return fetched, err
		}

		for _, record := range page {
			if err := fn(record); err != nil {
				return fetched, err
			}
			fetched++
		}

		pages++
		offset += len(page)
		if len(page) < f.cfg.PageSize {
			break
		}
		if f.cfg.MaxPages > 0 && pages >= f.cfg.MaxPages {
			f.log.Info("page cap reached", "entity_type", entityType, "pages", pages)
			break
		}
	}

	f.log.Debug("entity type exhausted", "entity_type", entityType, "fetched", fetched, "pages", pages)
	return fetched, nil
}

func (f *Fetcher) fetchPageWithRetry(ctx context.Context, entityType string, filter map[string]string, offset int) ([]map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := f.client.FetchPage(ctx, entityType, filter, offset, f.cfg.PageSize)
		if err == nil {
			return page, nil
		}
		if crm.IsUnauthorized(err) {
			// Credentials are broken, not flaky; retrying just burns quota.
			return nil, fmt.Errorf("auth failure for %s: %w", entityType, err)
		}
		if !crm.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt < f.cfg.MaxAttempts {
			delay := f.backoff(attempt)
			f.log.Warn("transient source failure, backing off",
				"entity_type", entityType,
				"offset", offset,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", f.cfg.MaxAttempts, lastErr)
}

// backoff grows exponentially with a little jitter so parallel workers don't
// re-synchronize their retries.
func (f *Fetcher) backoff(attempt int) time.Duration {
	d := f.cfg.RetryBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(f.cfg.RetryBase)))
	return d + jitter
}
