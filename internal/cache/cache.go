// Package cache memoises match responses in Redis. Identical reports
// submitted in a short window (users mashing the check button, browser
// retries) are served from cache; singleflight collapses concurrent
// misses for the same report into one pipeline run.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"bugmirror/internal/matcher"
	"bugmirror/pkg/logger"
	"bugmirror/pkg/metrics"
	"bugmirror/pkg/redis"
)

const keyPrefix = "bugmirror:match:"

// MatchFunc runs the underlying match pipeline on a cache miss.
type MatchFunc func(ctx context.Context, report *matcher.Report, topK int) ([]matcher.Match, error)

// MatchCache wraps a MatchFunc with a Redis read-through cache.
type MatchCache struct {
	client  *redis.Client
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New builds a MatchCache. client may not be nil; callers without
// Redis should use the MatchFunc directly.
func New(client *redis.Client, ttl time.Duration, m *metrics.Metrics) *MatchCache {
	return &MatchCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		log:     logger.WithComponent("cache"),
	}
}

// Match returns cached results for the report when present, otherwise
// runs fn and stores the outcome. Cache failures are logged and
// degrade to calling fn; a broken Redis never breaks matching.
func (c *MatchCache) Match(ctx context.Context, report *matcher.Report, topK int, fn MatchFunc) ([]matcher.Match, error) {
	key := cacheKey(report, topK)

	if cached, err := c.client.Get(ctx, key); err == nil {
		var out []matcher.Match
		if err := json.Unmarshal([]byte(cached), &out); err == nil {
			if c.metrics != nil {
				c.metrics.CacheHitsTotal.Inc()
			}
			return out, nil
		}
		c.log.Warn("discarding malformed cache entry", "key", key, "error", err)
	} else if !redis.IsNilError(err) {
		c.log.Warn("cache read failed", "error", err)
	}
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		out, err := fn(ctx, report, topK)
		if err != nil {
			return nil, err
		}
		if data, merr := json.Marshal(out); merr == nil {
			if serr := c.client.Set(ctx, key, data, c.ttl); serr != nil {
				c.log.Warn("cache write failed", "error", serr)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]matcher.Match), nil
}

// Invalidate drops all cached match responses. Called after a corpus
// reload since cached scores reference the old index.
func (c *MatchCache) Invalidate(ctx context.Context) {
	n, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		c.log.Warn("cache invalidation failed", "error", err)
		return
	}
	c.log.Info("match cache invalidated", "keys", n)
}

// cacheKey hashes the normalised report text plus the requested result
// count. Field order is fixed so equal reports always hash equally.
func cacheKey(report *matcher.Report, topK int) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(report.IssueCode))
	b.WriteByte('\n')
	b.WriteString(strings.TrimSpace(report.Title))
	b.WriteByte('\n')
	for _, s := range report.ReproductionSteps {
		b.WriteString(strings.TrimSpace(s))
		b.WriteByte('\n')
	}
	b.WriteString(strings.TrimSpace(report.WhatHappened))
	b.WriteByte('\n')
	b.WriteString(strings.TrimSpace(report.WhatShouldHaveHappened))
	b.WriteByte('\n')
	b.WriteString(strings.TrimSpace(report.Workaround))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%d", topK)
	sum := sha256.Sum256([]byte(b.String()))
	return keyPrefix + hex.EncodeToString(sum[:])
}
