package redis

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aaronwang/bidding-app/internal/settings"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// SettingsKey is the hash operators edit to flip feature toggles at runtime
const SettingsKey = "settings:features"

// FlagProvider reads feature toggles from the settings hash. Reads are cached for
// a short TTL; missing fields fall back to the configured defaults. Once the
// cache has been filled, an expired entry is still served while a single
// background read refreshes it, so bid requests never wait on Redis for flags.
type FlagProvider struct {
	client   *redis.Client
	defaults settings.Flags
	ttl      time.Duration
	logger   *slog.Logger
	refresh  singleflight.Group

	mu         sync.Mutex
	cached     settings.Flags
	hasCache   bool
	fetchedAt  time.Time
	generation uint64
}

// NewFlagProvider creates a provider backed by the settings hash. A ttl of zero
// reads Redis on every call.
func NewFlagProvider(c *Client, defaults settings.Flags, ttl time.Duration, logger *slog.Logger) *FlagProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlagProvider{
		client:   c.client,
		defaults: defaults,
		ttl:      ttl,
		logger:   logger.With("component", "feature-flags"),
	}
}

// Flags returns the current toggles. When Redis is unreachable the last known
// toggles are served, or the defaults if none were ever read.
func (p *FlagProvider) Flags(ctx context.Context) (settings.Flags, error) {
	p.mu.Lock()
	cached, hasCache := p.cached, p.hasCache
	fresh := hasCache && p.ttl > 0 && time.Since(p.fetchedAt) < p.ttl
	p.mu.Unlock()

	if fresh {
		return cached, nil
	}

	ch := p.refresh.DoChan("flags", func() (interface{}, error) {
		return p.fetch(), nil
	})
	if hasCache && p.ttl > 0 {
		return cached, nil
	}

	select {
	case res := <-ch:
		return res.Val.(settings.Flags), nil
	case <-ctx.Done():
		if hasCache {
			return cached, nil
		}
		return p.defaults, nil
	}
}

// fetch reads the settings hash outside the lock and stores the result unless
// SetFlag invalidated the cache in the meantime
func (p *FlagProvider) fetch() settings.Flags {
	p.mu.Lock()
	generation := p.generation
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fields, err := p.client.HGetAll(ctx, SettingsKey).Result()
	if err != nil {
		p.logger.Warn("failed to read feature flags", "error", err)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.hasCache {
			return p.cached
		}
		return p.defaults
	}

	flags := settings.Flags{
		Bidding:     parseFlag(fields[settings.FeatureBidding], p.defaults.Bidding),
		AntiSniping: parseFlag(fields[settings.FeatureAntiSniping], p.defaults.AntiSniping),
		BuyNow:      parseFlag(fields[settings.FeatureBuyNow], p.defaults.BuyNow),
	}
	p.mu.Lock()
	if p.generation == generation {
		p.cached = flags
		p.hasCache = true
		p.fetchedAt = time.Now()
	}
	p.mu.Unlock()
	return flags
}

// SetFlag writes one toggle to the settings hash
func (p *FlagProvider) SetFlag(ctx context.Context, feature string, enabled bool) error {
	if err := p.client.HSet(ctx, SettingsKey, feature, strconv.FormatBool(enabled)).Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.hasCache = false
	p.generation++
	p.mu.Unlock()
	return nil
}

func parseFlag(v string, fallback bool) bool {
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
