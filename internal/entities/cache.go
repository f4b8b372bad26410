package entities

import (
	"context"
	"log/slog"

	"github.com/jellydator/ttlcache/v3"
)

// Scanner performs a full read of the metadata table.
type Scanner interface {
	ScanMetadata(ctx context.Context) (map[int64]string, error)
}

/*
	Cache maps opaque metadata identifiers to entity names. Entries never
	expire: they are replaced by a full scan when a stream session starts
	and upserted as metadata rows arrive on the stream. Every operation is
	a single atomic map operation so the stream reader is never held up
	for longer than one mutation.
*/
type Cache struct {
	logger  *slog.Logger
	entries *ttlcache.Cache[int64, string]
}

func NewCache(logger *slog.Logger) *Cache {
	return &Cache{
		logger: logger,
		entries: ttlcache.New(
			ttlcache.WithTTL[int64, string](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[int64, string](),
		),
	}
}

// Load replaces the cache contents with a full scan. A failed scan is
// logged and leaves the current contents in place (empty on first load),
// the stream then fills the cache incrementally.
func (c *Cache) Load(ctx context.Context, scanner Scanner) int {
	c.logger.Info("Loading entity metadata")

	loaded, err := scanner.ScanMetadata(ctx)
	if err != nil {
		c.logger.Error("Failed to load entity metadata, continuing with current cache", "error", err, "cached", c.Len())
		return c.Len()
	}

	c.entries.DeleteAll()
	for id, name := range loaded {
		c.entries.Set(id, name, ttlcache.NoTTL)
	}

	c.logger.Info("Entity metadata loaded", "entities", len(loaded))
	return len(loaded)
}

// Update records the latest name for id.
func (c *Cache) Update(id int64, name string) {
	c.entries.Set(id, name, ttlcache.NoTTL)
}

// Resolve returns the entity name for id, if known.
func (c *Cache) Resolve(id int64) (string, bool) {
	item := c.entries.Get(id)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
