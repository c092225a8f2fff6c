package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cbrf-exchange/internal/adapter/cbr"
	"cbrf-exchange/internal/entity"
	"cbrf-exchange/internal/feed"
	"cbrf-exchange/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL applies when the settings source cannot be read.
const DefaultTTL = 12 * time.Hour

// refreshTimeout bounds a shared refresh once it is detached from callers.
const refreshTimeout = time.Minute

// TTLSource supplies the lifetime of the next snapshot.
type TTLSource interface {
	TTL(ctx context.Context) (time.Duration, error)
}

type CacheConfig struct {
	Key         string
	SettingsKey string
	// Retention is how long the store keeps a snapshot after it goes stale,
	// so a failed refresh can still serve it. Zero keeps it until replaced.
	Retention time.Duration
}

type RateCache struct {
	client  cbr.CbrClient
	parser  *feed.Parser
	store   Store
	ttl     TTLSource
	cfg     CacheConfig
	now     func() time.Time
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

func NewRateCache(
	client cbr.CbrClient,
	parser *feed.Parser,
	store Store,
	ttl TTLSource,
	cfg CacheConfig,
	now func() time.Time,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *RateCache {
	if now == nil {
		now = time.Now
	}
	return &RateCache{
		client:  client,
		parser:  parser,
		store:   store,
		ttl:     ttl,
		cfg:     cfg,
		now:     now,
		metrics: m,
		logger:  logger,
	}
}

// Refresh fetches the feed and replaces the stored snapshot with a single
// write. Nothing is written when any step fails.
func (c *RateCache) Refresh(ctx context.Context) (*entity.RateSnapshot, error) {
	c.logger.Info("Fetching currency rates from CBR...")

	start := time.Now()
	doc, err := c.client.FetchDocument(ctx)
	c.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Errorf("Failed to fetch rates from CBR: %v", err)
		c.metrics.RefreshesTotal.WithLabelValues(metrics.ResultFetchError).Inc()
		return nil, &FetchError{Err: err}
	}

	res, err := c.parser.Parse(doc)
	if err != nil {
		c.logger.Errorf("Failed to parse CBR document: %v", err)
		c.metrics.RefreshesTotal.WithLabelValues(metrics.ResultParseError).Inc()
		return nil, &ParseError{Err: err}
	}
	if res.Skipped != nil {
		skipped := res.SkippedCount()
		c.metrics.SkippedRecordsTotal.Add(float64(skipped))
		c.logger.WithError(res.Skipped).Warnf("Skipped %d of %d feed entries", skipped, len(doc.Valutes))
	}
	if len(res.Records) == 0 {
		c.logger.Error("No usable records in CBR document, keeping current snapshot")
		c.metrics.RefreshesTotal.WithLabelValues(metrics.ResultParseError).Inc()
		return nil, &ParseError{Err: fmt.Errorf("%w: %d entries skipped", ErrNoUsableRecords, res.SkippedCount())}
	}

	ttl, err := c.ttl.TTL(ctx)
	if err != nil || ttl <= 0 {
		c.logger.WithError(err).Warnf("Could not read snapshot TTL, using %s", DefaultTTL)
		ttl = DefaultTTL
	}

	now := c.now()
	snap := &entity.RateSnapshot{
		ID:        uuid.NewString(),
		FeedDate:  res.FeedDate,
		Records:   res.Records,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		c.metrics.RefreshesTotal.WithLabelValues(metrics.ResultStoreError).Inc()
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	var keep time.Duration
	if c.cfg.Retention > 0 {
		keep = ttl + c.cfg.Retention
	}
	if err := c.store.Set(ctx, c.cfg.Key, data, keep); err != nil {
		c.logger.Errorf("Failed to store rate snapshot: %v", err)
		c.metrics.RefreshesTotal.WithLabelValues(metrics.ResultStoreError).Inc()
		return nil, fmt.Errorf("store snapshot: %w", err)
	}

	c.metrics.RefreshesTotal.WithLabelValues(metrics.ResultOK).Inc()
	c.metrics.SnapshotRecords.Set(float64(len(snap.Records)))
	c.metrics.SnapshotExpiresAtSec.Set(float64(snap.ExpiresAt.Unix()))

	c.logger.WithFields(logrus.Fields{
		"snapshot":   snap.ID,
		"feed_date":  snap.FeedDate,
		"records":    len(snap.Records),
		"expires_at": snap.ExpiresAt.Format(time.RFC3339),
	}).Info("Currency rates successfully cached.")
	return snap, nil
}

// Get returns the current snapshot, refreshing it when it is absent or
// stale. A failed refresh falls back to the stale snapshot if there is one.
func (c *RateCache) Get(ctx context.Context) (*entity.RateSnapshot, error) {
	snap, err := c.load(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Cached snapshot unreadable, refreshing")
		snap = nil
	}
	if snap != nil && snap.IsFresh(c.now()) {
		return snap, nil
	}

	fresh, err := c.refreshShared(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if snap != nil {
			c.metrics.StaleServedTotal.Inc()
			c.logger.WithFields(logrus.Fields{
				"snapshot":   snap.ID,
				"expired_at": snap.ExpiresAt.Format(time.RFC3339),
			}).Warnf("Refresh failed, serving stale rates: %v", err)
			return snap, nil
		}
		return nil, err
	}
	return fresh, nil
}

// LookupByCode finds the record for code in the current snapshot. An empty
// code never touches the cache.
func (c *RateCache) LookupByCode(ctx context.Context, code string) (*entity.RateRecord, bool, error) {
	if code == "" {
		return nil, false, nil
	}

	snap, err := c.Get(ctx)
	if err != nil {
		return nil, false, err
	}

	rec, ok := snap.Find(code)
	if !ok {
		c.metrics.LookupsTotal.WithLabelValues("miss").Inc()
		c.logger.Debugf("No currency found for CharCode: %s", code)
		return nil, false, nil
	}
	c.metrics.LookupsTotal.WithLabelValues("hit").Inc()
	return rec, true, nil
}

// Invalidate drops the stored snapshot. The next Get refreshes.
func (c *RateCache) Invalidate(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.cfg.Key); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	c.logger.Info("Rate snapshot invalidated")
	return nil
}

// ForceRefresh invalidates and immediately repopulates the cache.
func (c *RateCache) ForceRefresh(ctx context.Context) (*entity.RateSnapshot, error) {
	if err := c.Invalidate(ctx); err != nil {
		return nil, err
	}
	return c.Get(ctx)
}

// Reset removes the snapshot and the persisted settings.
func (c *RateCache) Reset(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.cfg.Key); err != nil {
		return fmt.Errorf("reset snapshot: %w", err)
	}
	if err := c.store.Delete(ctx, c.cfg.SettingsKey); err != nil {
		return fmt.Errorf("reset settings: %w", err)
	}
	c.logger.Info("Rate cache and settings removed")
	return nil
}

// Peek returns the stored snapshot without refreshing, fresh or not.
func (c *RateCache) Peek(ctx context.Context) (*entity.RateSnapshot, bool, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return nil, false, err
	}
	return snap, snap != nil, nil
}

// refreshShared runs at most one refresh per key. The refresh is detached
// from the caller that started it, and each caller stops waiting when its own
// ctx is done.
func (c *RateCache) refreshShared(ctx context.Context) (*entity.RateSnapshot, error) {
	ch := c.group.DoChan(c.cfg.Key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.Refresh(rctx)
	})

	select {
	case <-ctx.Done():
		c.logger.WithError(ctx.Err()).Debug("Stopped waiting for refresh")
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("Joined in-flight refresh")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entity.RateSnapshot), nil
	}
}

func (c *RateCache) load(ctx context.Context) (*entity.RateSnapshot, error) {
	data, ok, err := c.store.Get(ctx, c.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var snap entity.RateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
