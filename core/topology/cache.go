package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/codewandler/slotpipe-go/core/sf"
)

// Source reports current slot ownership, shard by shard.
type Source interface {
	ShardTopology(ctx context.Context) ([]Shard, error)
}

type CacheOptions struct {
	Source Source
	Log    *slog.Logger // Log for diagnostics (optional)
}

// Cache holds the active [Snapshot] and replaces it wholesale on refresh.
// Reads never block and never see a partially built table. A snapshot has
// no expiry; it lives until a caller decides it is stale and refreshes.
type Cache struct {
	src Source
	log *slog.Logger
	cur atomic.Pointer[Snapshot]
	sf  *sf.Group[*Snapshot]
}

func NewCache(opts CacheOptions) (*Cache, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("topology: CacheOptions.Source is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Cache{
		src: opts.Source,
		log: log.With(slog.String("component", "topology")),
		sf:  sf.New[*Snapshot](),
	}
	c.cur.Store(&Snapshot{})
	return c, nil
}

// Current returns the active snapshot, never nil. Starts empty until the
// first [Cache.Refresh] or [Cache.Replace].
func (c *Cache) Current() *Snapshot {
	return c.cur.Load()
}

// OwnerOf looks up sl in the active snapshot.
func (c *Cache) OwnerOf(sl uint16) (string, bool) {
	return c.cur.Load().OwnerOf(sl)
}

// Refresh queries the source and installs the result as the new snapshot.
// Concurrent calls collapse into a single source query; the winning
// caller's context drives it and everyone receives its outcome. A failed
// refresh leaves the previous snapshot in place.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err, shared := c.sf.Do("refresh", func() (*Snapshot, error) {
		shards, err := c.src.ShardTopology(ctx)
		if err != nil {
			return nil, fmt.Errorf("topology: query ownership: %w", err)
		}
		snap, err := NewSnapshot(shards)
		if err != nil {
			return nil, err
		}
		c.cur.Store(snap)
		c.log.Debug("topology refreshed",
			slog.Int("ranges", len(snap.Ranges())),
			slog.Int("nodes", len(snap.Nodes())),
			slog.Int("covered", snap.Covered()),
		)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug("refresh deduplicated")
	}
	return snap, nil
}

// Replace installs snap as the active snapshot, e.g. to seed a known
// topology ahead of the first refresh. A nil snap installs an empty one.
func (c *Cache) Replace(snap *Snapshot) {
	if snap == nil {
		snap = &Snapshot{}
	}
	c.cur.Store(snap)
}
