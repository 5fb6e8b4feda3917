package routing

import (
	"sync"

	"github.com/opd-ai/kadshare/identifier"
	"github.com/sirupsen/logrus"
)

// NumBuckets is the number of k-buckets in a 160-bit routing table, one
// per possible bucket index (spec.md §4.2).
const NumBuckets = 160

// RoutingTable is the node's view of the network: 160 k-buckets indexed
// by shared-prefix length with self. Grounded on the teacher's
// dht.RoutingTable (dht/routing.go), narrowed from 256 buckets/SHA-256
// ids to 160 buckets/SHA-1-sized ids per spec.md.
type RoutingTable struct {
	self    identifier.ID
	buckets [NumBuckets]*KBucket
	mu      sync.RWMutex
}

// NewRoutingTable creates a routing table for self, with all buckets
// empty.
func NewRoutingTable(self identifier.ID) *RoutingTable {
	rt := &RoutingTable{self: self}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket()
	}
	return rt
}

// Self returns the local node id this table is anchored to.
func (rt *RoutingTable) Self() identifier.ID {
	return rt.self
}

// Offer presents a newly observed contact to the routing table. It
// returns the bucket index used and, if the bucket was full, the oldest
// contact the caller should probe before the newcomer can be admitted.
// Self-contacts are ignored.
func (rt *RoutingTable) Offer(c Contact) (bucketIndex int, probe *Contact) {
	if c.ID == rt.self {
		return -1, nil
	}
	idx := identifier.BucketIndex(rt.self, c.ID)
	if idx < 0 {
		return -1, nil
	}
	rt.mu.RLock()
	bucket := rt.buckets[idx]
	rt.mu.RUnlock()

	res := bucket.Insert(c)
	logrus.WithFields(logrus.Fields{
		"function": "RoutingTable.Offer",
		"bucket":   idx,
		"added":    res.Added,
		"contact":  c.ID.String(),
	}).Debug("offered contact to routing table")
	return idx, res.OldestForProbe
}

// ConfirmProbe records that bucket idx's oldest contact responded to a
// liveness probe: it is kept and moved to the newest position, the
// newcomer that triggered the probe is discarded from the replacement
// cache implicitly (it simply isn't promoted).
func (rt *RoutingTable) ConfirmProbe(idx int, oldest identifier.ID) {
	if idx < 0 || idx >= NumBuckets {
		return
	}
	rt.mu.RLock()
	bucket := rt.buckets[idx]
	rt.mu.RUnlock()
	bucket.Touch(oldest)
}

// FailProbe records that bucket idx's oldest contact failed to respond:
// it is evicted and the oldest replacement-cache entry is promoted.
func (rt *RoutingTable) FailProbe(idx int, oldest identifier.ID) {
	if idx < 0 || idx >= NumBuckets {
		return
	}
	rt.mu.RLock()
	bucket := rt.buckets[idx]
	rt.mu.RUnlock()
	bucket.EvictIfDead(oldest)
}

// Remove drops a contact from the routing table outright, e.g. after an
// iterative lookup records a hard failure (spec.md §4.4 step 4).
func (rt *RoutingTable) Remove(id identifier.ID) bool {
	idx := identifier.BucketIndex(rt.self, id)
	if idx < 0 {
		return false
	}
	rt.mu.RLock()
	bucket := rt.buckets[idx]
	rt.mu.RUnlock()
	return bucket.Remove(id)
}

// ClosestK returns up to n contacts closest to target by XOR distance,
// sorted ascending, with no duplicates. Default n is K when n <= 0.
func (rt *RoutingTable) ClosestK(target identifier.ID, n int) []Contact {
	if n <= 0 {
		n = K
	}
	rt.mu.RLock()
	all := make([]Contact, 0, NumBuckets*K)
	for _, b := range rt.buckets {
		all = append(all, b.Contacts()...)
	}
	rt.mu.RUnlock()

	ids := make([]identifier.ID, len(all))
	byID := make(map[identifier.ID]Contact, len(all))
	for i, c := range all {
		ids[i] = c.ID
		byID[c.ID] = c
	}
	identifier.SortByDistance(ids, target)

	if len(ids) > n {
		ids = ids[:n]
	}
	out := make([]Contact, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out
}

// BucketAt returns the k-bucket for the given index, for maintenance
// code that needs direct access (refresh scan, stale-node GC).
func (rt *RoutingTable) BucketAt(idx int) *KBucket {
	if idx < 0 || idx >= NumBuckets {
		return nil
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[idx]
}

// EmptyBuckets returns the indexes of every bucket currently holding no
// contacts, used by the maintenance refresh pass (spec.md §4.4).
func (rt *RoutingTable) EmptyBuckets() []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var empty []int
	for i, b := range rt.buckets {
		if b.Len() == 0 {
			empty = append(empty, i)
		}
	}
	return empty
}

// Size returns the total number of contacts across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total := 0
	for _, b := range rt.buckets {
		total += b.Len()
	}
	return total
}

// All returns every contact currently known, unsorted.
func (rt *RoutingTable) All() []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []Contact
	for _, b := range rt.buckets {
		out = append(out, b.Contacts()...)
	}
	return out
}
