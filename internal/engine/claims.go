package engine

import "sync"

// claimSet is a bounded, process-local record of task ids this instance is
// currently executing. It only exists to avoid redundant concurrent execution
// attempts inside one process and to bound in-flight work; it is never ground
// truth. Losing it on crash is fine — the durable store and the
// reconciliation sweep recover anything that was mid-flight.
type claimSet struct {
	mu       sync.Mutex
	ids      map[string]struct{}
	capacity int
}

func newClaimSet(capacity int) *claimSet {
	return &claimSet{ids: make(map[string]struct{}), capacity: capacity}
}

// tryAdd records the claim. A rejection reports whether the set was at
// capacity, decided under the same lock as the rejection itself: the caller
// drops duplicates but must surface capacity rejections for redelivery, and
// re-deriving the reason outside the lock would misclassify when another
// claim is released in between.
func (c *claimSet) tryAdd(id string) (claimed, atCapacity bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return false, false
	}
	if c.capacity > 0 && len(c.ids) >= c.capacity {
		return false, true
	}
	c.ids[id] = struct{}{}
	return true, false
}

func (c *claimSet) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, id)
}

func (c *claimSet) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
