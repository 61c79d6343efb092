// Package cache is a derived, invalidate-on-write read view over the ledger
// store with a TTL fallback. It is never consulted for invariant checks.
package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/goquant/vaultmirror/internal/domain"
)

const tvlKey = "tvl"

// Cache holds vault views, an owner-to-vault mapping and the TVL aggregate.
type Cache struct {
	vaults *ttlcache.Cache[string, domain.Vault]
	owners *ttlcache.Cache[string, string]
	tvl    *ttlcache.Cache[string, domain.TvlStats]
}

// New creates a cache with the given TTL for vault views. The TVL entry uses
// a fixed short TTL since it aggregates every vault.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Cache{
		vaults: ttlcache.New(ttlcache.WithTTL[string, domain.Vault](ttl)),
		owners: ttlcache.New(ttlcache.WithTTL[string, string](ttl)),
		tvl:    ttlcache.New(ttlcache.WithTTL[string, domain.TvlStats](time.Minute)),
	}
	go c.vaults.Start()
	go c.owners.Start()
	go c.tvl.Start()
	return c
}

// GetVault returns the cached view of a vault, if fresh.
func (c *Cache) GetVault(vaultKey string) (domain.Vault, bool) {
	item := c.vaults.Get(vaultKey)
	if item == nil {
		return domain.Vault{}, false
	}
	return item.Value(), true
}

// SetVault stores a vault view and its owner mapping.
func (c *Cache) SetVault(v domain.Vault) {
	c.vaults.Set(v.VaultKey, v, ttlcache.DefaultTTL)
	c.owners.Set(v.OwnerKey, v.VaultKey, ttlcache.DefaultTTL)
}

// VaultKeyByOwner returns the cached owner-to-vault mapping.
func (c *Cache) VaultKeyByOwner(ownerKey string) (string, bool) {
	item := c.owners.Get(ownerKey)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

// InvalidateVault drops the cached view after a committed mutation.
func (c *Cache) InvalidateVault(vaultKey string) {
	c.vaults.Delete(vaultKey)
}

// GetTvl returns the cached TVL aggregate, if fresh.
func (c *Cache) GetTvl() (domain.TvlStats, bool) {
	item := c.tvl.Get(tvlKey)
	if item == nil {
		return domain.TvlStats{}, false
	}
	return item.Value(), true
}

// SetTvl stores the TVL aggregate.
func (c *Cache) SetTvl(stats domain.TvlStats) {
	c.tvl.Set(tvlKey, stats, ttlcache.DefaultTTL)
}

// InvalidateTvl drops the TVL aggregate after any balance mutation.
func (c *Cache) InvalidateTvl() {
	c.tvl.Delete(tvlKey)
}

// Stop halts the background eviction loops.
func (c *Cache) Stop() {
	c.vaults.Stop()
	c.owners.Stop()
	c.tvl.Stop()
}
