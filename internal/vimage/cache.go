package vimage

// blockCache is the bounded working-set cache of spec.md §4.2 "Block
// cache": admission is gated by a heat map so a single sequential scan
// never evicts anything useful, and eviction picks the coldest entry by
// raw use count.
type blockCache struct {
	capacity int
	slots    *hashTable[[]byte]
	heat     *hashTable[int]
	uses     *hashTable[int]
}

func newBlockCache(capacity int) *blockCache {
	return &blockCache{
		capacity: capacity,
		slots:    newHashTable[[]byte](capacity),
		heat:     newHashTable[int](capacity * 2),
		uses:     newHashTable[int](capacity),
	}
}

// get returns a cached decoded block payload, if present, and always
// records an observation in the heat map regardless of hit/miss (spec.md:
// "Update the heat map regardless").
func (c *blockCache) get(index uint32) ([]byte, bool) {
	hits, _ := c.heat.Get(index)
	hits++
	c.heat.Set(index, hits)

	payload, ok := c.slots.Get(index)
	if !ok {
		return nil, false
	}
	uses, _ := c.uses.Get(index)
	c.uses.Set(index, uses+1)
	return payload, true
}

// offer admits a decoded payload into the cache, evicting the coldest
// entry first if full. A block is admitted only once its heat map has
// recorded at least two observed accesses (spec.md: "admitted only after
// its second observed access"), so offer is a no-op below that
// threshold -- a one-pass full-image scan never displaces anything.
func (c *blockCache) offer(index uint32, decoded []byte) {
	if c.capacity <= 0 {
		return
	}
	hits, _ := c.heat.Get(index)
	if hits < 2 {
		return
	}
	if _, ok := c.slots.Get(index); ok {
		return // already cached
	}
	if c.slots.Len() >= c.capacity {
		c.evictOne()
	}
	cp := make([]byte, len(decoded))
	copy(cp, decoded)
	c.slots.Set(index, cp)
	c.uses.Set(index, 0)
}

// evictOne removes the entry with the smallest uses counter, ties broken
// by the smaller block index.
func (c *blockCache) evictOne() {
	var (
		found     bool
		victim    uint32
		victimUse int
	)
	c.slots.Each(func(key uint32, _ []byte) {
		u, _ := c.uses.Get(key)
		if !found || u < victimUse || (u == victimUse && key < victim) {
			found = true
			victim = key
			victimUse = u
		}
	})
	if !found {
		return
	}
	c.slots.Delete(victim)
	c.uses.Delete(victim)
}
