package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"squadPlannerAPI/internal/metrics"
	"squadPlannerAPI/internal/store"
	"squadPlannerAPI/internal/tier"
	"squadPlannerAPI/internal/types/premium"
)

// GroupReader is the read side of the group store.
type GroupReader interface {
	GetGroup(ctx context.Context, id string) (*premium.OwnedGroup, error)
}

type cachedEntitlement struct {
	value     premium.GuildEntitlement
	expiresAt time.Time
}

// EntitlementCache serves guild premium status to the bot. Concurrent misses
// for the same guild share one store read, and the reconciliation engine
// invalidates entries as it writes them.
type EntitlementCache struct {
	groups GroupReader
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cachedEntitlement
	gen     map[string]uint64
	flight  singleflight.Group
}

func NewEntitlementCache(groups GroupReader, ttl time.Duration) *EntitlementCache {
	return &EntitlementCache{
		groups:  groups,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedEntitlement),
		gen:     make(map[string]uint64),
	}
}

// Get returns the entitlement for guildID. A guild with no row is free.
func (c *EntitlementCache) Get(ctx context.Context, guildID string) (premium.GuildEntitlement, error) {
	c.mu.Lock()
	if e, ok := c.entries[guildID]; ok && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		metrics.EntitlementCacheTotal.WithLabelValues("hit").Inc()
		return e.value, nil
	}
	gen := c.gen[guildID]
	c.mu.Unlock()

	metrics.EntitlementCacheTotal.WithLabelValues("miss").Inc()
	v, err, _ := c.flight.Do(guildID, func() (any, error) {
		return c.load(ctx, guildID, gen)
	})
	if err != nil {
		return premium.GuildEntitlement{}, err
	}
	return v.(premium.GuildEntitlement), nil
}

func (c *EntitlementCache) load(ctx context.Context, guildID string, gen uint64) (premium.GuildEntitlement, error) {
	ent := tier.EntitlementFor(tier.Free)

	g, err := c.groups.GetGroup(ctx, premium.GuildGroupID(guildID))
	switch {
	case err == nil:
		ent = g.Entitlement()
	case !errors.Is(err, store.ErrNotFound):
		return premium.GuildEntitlement{}, fmt.Errorf("load guild %s: %w", guildID, err)
	}

	value := premium.GuildEntitlement{
		GuildID:    guildID,
		Tier:       ent.Tier,
		IsPremium:  ent.IsPremium,
		MaxMembers: ent.MaxMembers,
	}

	c.mu.Lock()
	if c.gen[guildID] == gen {
		c.entries[guildID] = cachedEntitlement{value: value, expiresAt: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	return value, nil
}

// Invalidate drops the cached entry. A load already in flight will not
// repopulate it.
func (c *EntitlementCache) Invalidate(guildID string) {
	c.mu.Lock()
	delete(c.entries, guildID)
	c.gen[guildID]++
	c.mu.Unlock()
	c.flight.Forget(guildID)
}
