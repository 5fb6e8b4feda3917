package routing

import (
	"sync"
	"time"

	"github.com/opd-ai/kadshare/identifier"
)

// KBucket holds up to K contacts at a given XOR-distance band from the
// local node, oldest-to-newest, plus a bounded FIFO replacement cache for
// contacts observed while the bucket is full.
//
// Insert contract (spec.md §4.2):
//   - contact already present: move to newest position, reset failures.
//   - bucket has room: append at newest position.
//   - bucket full: push into the replacement cache (FIFO, size <= K) and
//     return the bucket's oldest contact so the caller can verify it's
//     still alive before evicting it. A live old contact is never evicted
//     by a new one ("prefer old nodes").
type KBucket struct {
	mu          sync.Mutex
	contacts    []Contact // oldest at index 0, newest at the end
	replacement []Contact // FIFO, oldest at index 0
}

// NewKBucket creates an empty k-bucket.
func NewKBucket() *KBucket {
	return &KBucket{}
}

// InsertResult reports the outcome of an Insert call.
type InsertResult struct {
	// Added is true if the contact now occupies a slot in contacts.
	Added bool
	// OldestForProbe is set when the bucket was full and the contact
	// went into the replacement cache instead; the caller should probe
	// this contact and call EvictIfDead or Touch accordingly.
	OldestForProbe *Contact
}

// Insert applies the insert contract for a newly observed contact.
func (b *KBucket) Insert(c Contact) InsertResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			c.Failures = 0
			b.contacts = append(b.contacts, c)
			return InsertResult{Added: true}
		}
	}

	if len(b.contacts) < K {
		b.contacts = append(b.contacts, c)
		return InsertResult{Added: true}
	}

	oldest := b.contacts[0]
	b.pushReplacement(c)
	return InsertResult{Added: false, OldestForProbe: &oldest}
}

// pushReplacement appends c to the bounded FIFO replacement cache,
// dropping the oldest entry once the cache is at capacity. Caller must
// hold b.mu.
func (b *KBucket) pushReplacement(c Contact) {
	for i, existing := range b.replacement {
		if existing.ID == c.ID {
			b.replacement = append(b.replacement[:i], b.replacement[i+1:]...)
			break
		}
	}
	b.replacement = append(b.replacement, c)
	if len(b.replacement) > K {
		b.replacement = b.replacement[1:]
	}
}

// EvictIfDead removes the oldest contact (it failed to respond to a
// liveness probe) and promotes the oldest replacement-cache entry into
// its place, per the removal contract.
func (b *KBucket) EvictIfDead(id identifier.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(id)
}

// Remove drops a contact by id wherever it lives (main list) and promotes
// a replacement, mirroring EvictIfDead but usable outside the liveness-
// probe path (e.g. maintenance pruning a node that errored repeatedly).
func (b *KBucket) Remove(id identifier.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(id)
}

func (b *KBucket) remove(id identifier.ID) bool {
	for i, existing := range b.contacts {
		if existing.ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			if len(b.replacement) > 0 {
				promoted := b.replacement[0]
				b.replacement = b.replacement[1:]
				b.contacts = append(b.contacts, promoted)
			}
			return true
		}
	}
	return false
}

// Touch refreshes a contact's LastSeen, resets its failure counter, and
// moves it to the newest position, confirming it survived a liveness
// probe (the bucket's "prefer old nodes" rule: the newcomer that
// triggered the probe stays in the replacement cache, discarded).
func (b *KBucket) Touch(id identifier.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.contacts {
		if c.ID == id {
			c.Failures = 0
			c.LastSeen = time.Now()
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return
		}
	}
}

// RecordFailure increments a contact's failure counter. The caller
// decides the eviction threshold (kademlia engine removes on any
// timeout, per spec.md §4.4 step 4).
func (b *KBucket) RecordFailure(id identifier.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.contacts {
		if b.contacts[i].ID == id {
			b.contacts[i].Failures++
		}
	}
}

// Contacts returns a snapshot copy of the bucket's live contacts,
// oldest-first.
func (b *KBucket) Contacts() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

// Len reports the number of live contacts in the bucket.
func (b *KBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

// ReplacementLen reports the number of entries waiting in the
// replacement cache; used by tests asserting the eviction-refused
// scenario.
func (b *KBucket) ReplacementLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.replacement)
}
