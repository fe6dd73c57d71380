package cache

import (
	"sort"
	"time"

	"github.com/glmap/server/internal/chunk"
	"github.com/sasha-s/go-deadlock"
)

func init() {
	// Lock diagnostics are opt-in; see SetLockDiagnostics.
	deadlock.Opts.Disable = true
}

// SetLockDiagnostics turns go-deadlock's lock-order and timeout detection on
// or off for every cache mutex. It must be called before the cache is shared.
func SetLockDiagnostics(enabled bool, timeout time.Duration) {
	deadlock.Opts.Disable = !enabled
	if timeout > 0 {
		deadlock.Opts.DeadlockTimeout = timeout
	}
}

// Capacity is the admission policy for a put.
type Capacity struct {
	Limited bool
	Max     int
}

// Unlimited admits every write.
func Unlimited() Capacity {
	return Capacity{}
}

// Limit admits writes while a world holds fewer than max chunks.
func Limit(max int) Capacity {
	return Capacity{Limited: true, Max: max}
}

// WorldCache maps world ids to their chunk buckets. Buckets are created on
// first touch and live until Close.
//
// Mutations of one world are serialized behind that world's bucket lock, so
// the capacity check and the insert happen under the same lock. Worlds never
// contend with each other. Callers should still treat the per-world bound as
// approximate: a snapshot stored through PutUnchecked bypasses it.
type WorldCache struct {
	mu     deadlock.RWMutex
	worlds map[string]*bucket
}

type bucket struct {
	mu     deadlock.RWMutex
	chunks map[string]chunk.Snapshot
}

// New creates an empty cache.
func New() *WorldCache {
	return &WorldCache{worlds: make(map[string]*bucket)}
}

// Put stores snap at coord for worldID under the given capacity policy and
// returns snap whether or not it was admitted. With a limit, the write happens
// only while the world holds fewer than capacity.Max chunks; an existing
// coordinate is not exempt. Unlimited writes replace any previous snapshot.
func (c *WorldCache) Put(worldID string, coord chunk.Coordinate, snap chunk.Snapshot, capacity Capacity) chunk.Snapshot {
	c.TryPut(worldID, coord, snap, capacity)
	return snap
}

// TryPut is Put that also reports whether the snapshot was stored.
func (c *WorldCache) TryPut(worldID string, coord chunk.Coordinate, snap chunk.Snapshot, capacity Capacity) bool {
	b := c.bucketFor(worldID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if capacity.Limited && len(b.chunks) >= capacity.Max {
		return false
	}
	b.chunks[coord.Key()] = snap
	return true
}

// PutUnchecked stores snap without consulting any capacity policy.
func (c *WorldCache) PutUnchecked(worldID string, coord chunk.Coordinate, snap chunk.Snapshot) chunk.Snapshot {
	return c.Put(worldID, coord, snap, Unlimited())
}

// Get returns the snapshot at coord, if cached.
func (c *WorldCache) Get(worldID string, coord chunk.Coordinate) (chunk.Snapshot, bool) {
	b := c.lookup(worldID)
	if b == nil {
		return chunk.Snapshot{}, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	snap, ok := b.chunks[coord.Key()]
	return snap, ok
}

// Contains reports whether coord is cached for worldID.
func (c *WorldCache) Contains(worldID string, coord chunk.Coordinate) bool {
	_, ok := c.Get(worldID, coord)
	return ok
}

// SizeForWorld returns the number of cached chunks for worldID (0 if unseen).
func (c *WorldCache) SizeForWorld(worldID string) int {
	b := c.lookup(worldID)
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// TotalSize sums the chunk counts of every world.
func (c *WorldCache) TotalSize() int {
	total := 0
	for _, b := range c.snapshotBuckets() {
		b.mu.RLock()
		total += len(b.chunks)
		b.mu.RUnlock()
	}
	return total
}

// PurgeRectangle removes every y=0 coordinate with x in [x1,x2) and z in
// [z1,z2). Unknown worlds and coordinates are ignored. Rectangles larger than
// the world's entry count are purged by walking the entries instead of the
// area.
func (c *WorldCache) PurgeRectangle(worldID string, x1, z1, x2, z2 int) int {
	if x2 <= x1 || z2 <= z1 {
		return 0
	}
	b := c.lookup(worldID)
	if b == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		return 0
	}
	if areaExceeds(x1, z1, x2, z2, len(b.chunks)) {
		return b.purgeEntries(x1, z1, x2, z2)
	}

	removed := 0
	for x := x1; x < x2; x++ {
		for z := z1; z < z2; z++ {
			key := chunk.Flat(x, z).Key()
			if _, ok := b.chunks[key]; ok {
				delete(b.chunks, key)
				removed++
			}
		}
	}
	return removed
}

// purgeEntries is PurgeRectangle by scan. The caller holds b.mu.
func (b *bucket) purgeEntries(x1, z1, x2, z2 int) int {
	removed := 0
	for key := range b.chunks {
		coord, err := chunk.ParseKey(key)
		if err != nil {
			continue
		}
		if coord.Y == 0 && coord.X >= x1 && coord.X < x2 && coord.Z >= z1 && coord.Z < z2 {
			delete(b.chunks, key)
			removed++
		}
	}
	return removed
}

// areaExceeds reports whether the non-empty rectangle covers more than n
// cells. The sides are computed unsigned so extreme bounds cannot overflow.
func areaExceeds(x1, z1, x2, z2, n int) bool {
	width := uint64(x2) - uint64(x1)
	height := uint64(z2) - uint64(z1)
	limit := uint64(n)
	if width > limit || height > limit {
		return true
	}
	return width*height > limit
}

// HasRoom creates the world's bucket if needed and reports whether it holds
// fewer than max chunks.
func (c *WorldCache) HasRoom(worldID string, max int) bool {
	b := c.bucketFor(worldID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks) < max
}

// Worlds returns the ids of every world with a bucket, sorted.
func (c *WorldCache) Worlds() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.worlds))
	for id := range c.worlds {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Close drops every bucket. The cache stays usable and starts empty.
func (c *WorldCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.worlds = make(map[string]*bucket)
}

func (c *WorldCache) lookup(worldID string) *bucket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.worlds[worldID]
}

func (c *WorldCache) bucketFor(worldID string) *bucket {
	if b := c.lookup(worldID); b != nil {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.worlds[worldID]; ok {
		return b
	}
	b := &bucket{chunks: make(map[string]chunk.Snapshot)}
	c.worlds[worldID] = b
	return b
}

func (c *WorldCache) snapshotBuckets() []*bucket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buckets := make([]*bucket, 0, len(c.worlds))
	for _, b := range c.worlds {
		buckets = append(buckets, b)
	}
	return buckets
}
