package kademlia

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/kadshare/errs"
	"github.com/opd-ai/kadshare/identifier"
	"github.com/opd-ai/kadshare/routing"
)

// iterativeFindNode runs the standard Kademlia iterative lookup: repeatedly
// query the alpha closest not-yet-queried contacts for target, merge their
// responses into the candidate set, and stop once a round produces no
// contact closer than the current closest (spec.md §4.4's convergence
// rule). Grounded on the teacher's worker-pool fan-out pattern in
// dht/bootstrap.go, generalized from bootstrap-only to every iterative
// lookup.
func (e *Engine) iterativeFindNode(ctx context.Context, target identifier.ID) []routing.Contact {
	type candidate struct {
		contact routing.Contact
		queried bool
	}

	seen := make(map[identifier.ID]*candidate)
	var order []identifier.ID

	addCandidates := func(contacts []routing.Contact) {
		for _, c := range contacts {
			if c.ID == e.self {
				continue
			}
			if _, ok := seen[c.ID]; !ok {
				seen[c.ID] = &candidate{contact: c}
				order = append(order, c.ID)
			}
		}
	}

	addCandidates(e.table.ClosestK(target, routing.K))

	for {
		identifier.SortByDistance(order, target)

		var toQuery []identifier.ID
		for _, id := range order {
			if len(toQuery) >= routing.Alpha {
				break
			}
			if !seen[id].queried {
				toQuery = append(toQuery, id)
			}
		}
		if len(toQuery) == 0 {
			break
		}

		closestBefore := order[0]

		var wg sync.WaitGroup
		var mu sync.Mutex
		var newContacts []routing.Contact
		for _, id := range toQuery {
			c := seen[id].contact
			seen[id].queried = true
			wg.Add(1)
			go func(c routing.Contact) {
				defer wg.Done()
				found, err := e.findNodeRPC(ctx, c, target)
				if err != nil {
					e.table.Remove(c.ID)
					return
				}
				e.offer(c)
				mu.Lock()
				newContacts = append(newContacts, found...)
				mu.Unlock()
			}(c)
		}
		wg.Wait()

		addCandidates(newContacts)
		identifier.SortByDistance(order, target)
		if order[0] == closestBefore {
			break
		}
	}

	out := make([]routing.Contact, 0, routing.K)
	for _, id := range order {
		out = append(out, seen[id].contact)
		if len(out) == routing.K {
			break
		}
	}
	return out
}

// FindNode performs an iterative FIND_NODE lookup and returns the K
// closest contacts discovered.
func (e *Engine) FindNode(ctx context.Context, target identifier.ID) []routing.Contact {
	return e.iterativeFindNode(ctx, target)
}

// FindValue performs an iterative FIND_VALUE lookup: it behaves like
// FindNode but stops as soon as any queried contact returns the value
// directly (spec.md §4.4).
func (e *Engine) FindValue(ctx context.Context, key identifier.ID) ([]byte, error) {
	e.storeMu.RLock()
	if sv, ok := e.store[key]; ok {
		v := sv.value
		e.storeMu.RUnlock()
		return v, nil
	}
	e.storeMu.RUnlock()

	contacts := e.table.ClosestK(key, routing.K)
	queried := make(map[identifier.ID]bool)

	for round := 0; round < 8; round++ {
		var toQuery []routing.Contact
		for _, c := range contacts {
			if !queried[c.ID] && len(toQuery) < routing.Alpha {
				toQuery = append(toQuery, c)
			}
		}
		if len(toQuery) == 0 {
			break
		}

		for _, c := range toQuery {
			queried[c.ID] = true
			value, found, more, err := e.findValueRPC(ctx, c, key)
			if err != nil {
				e.table.Remove(c.ID)
				continue
			}
			e.offer(c)
			if found {
				return value, nil
			}
			for _, m := range more {
				dup := false
				for _, existing := range contacts {
					if existing.ID == m.ID {
						dup = true
						break
					}
				}
				if !dup {
					contacts = append(contacts, m)
				}
			}
		}
		sortContactsByDistance(contacts, key)
	}

	return nil, errs.New(errs.NotFound, "kademlia.FindValue", "value not found in DHT")
}

func (e *Engine) findValueRPC(ctx context.Context, c routing.Contact, key identifier.ID) (value []byte, found bool, more []routing.Contact, err error) {
	payload, err := encodeFindValue(key)
	if err != nil {
		return nil, false, nil, err
	}
	msgID, err := newMessageID()
	if err != nil {
		return nil, false, nil, err
	}
	resp, err := e.requestFindValue(ctx, c, msgID, payload)
	if err != nil {
		return nil, false, nil, err
	}
	if resp.Value != nil {
		return resp.Value, true, nil, nil
	}
	contacts := make([]routing.Contact, 0, len(resp.Nodes))
	for _, n := range resp.Nodes {
		if ct, err := nodeInfoToContact(n); err == nil {
			contacts = append(contacts, ct)
		}
	}
	return nil, false, contacts, nil
}

// Store issues STORE to the K nodes closest to key (spec.md §4.4) and
// also keeps a local copy so the node can answer FIND_VALUE/republish it.
func (e *Engine) Store(ctx context.Context, key identifier.ID, value []byte) error {
	e.storeLocal(key, value)

	targets := e.iterativeFindNode(ctx, key)
	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c routing.Contact) {
			defer wg.Done()
			_ = e.storeRPC(ctx, c, key, value)
		}(c)
	}
	wg.Wait()
	return nil
}

// AnnounceSelf issues ANNOUNCE_PEER to the K nodes closest to infoHash,
// advertising that this node serves chunks/manifests for it on port.
func (e *Engine) AnnounceSelf(ctx context.Context, infoHash identifier.ID, port int) error {
	targets := e.iterativeFindNode(ctx, infoHash)
	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c routing.Contact) {
			defer wg.Done()
			_ = e.announcePeerRPC(ctx, c, infoHash, port)
		}(c)
	}
	wg.Wait()
	return nil
}

// GetPeers performs an iterative GET_PEERS lookup, accumulating peer
// records from every contact queried until convergence (spec.md §4.3/4.4).
func (e *Engine) GetPeers(ctx context.Context, infoHash identifier.ID) []PeerAddr {
	contacts := e.table.ClosestK(infoHash, routing.K)
	queried := make(map[identifier.ID]bool)
	var peers []PeerAddr
	seenPeer := make(map[string]bool)

	e.peersMu.RLock()
	now := time.Now()
	for _, rec := range e.peers[infoHash] {
		if rec.expiresAt.After(now) {
			key := fmt.Sprintf("%s:%d", rec.ip.String(), rec.port)
			if !seenPeer[key] {
				seenPeer[key] = true
				peers = append(peers, PeerAddr{IP: rec.ip, Port: rec.port})
			}
		}
	}
	e.peersMu.RUnlock()

	for round := 0; round < 8; round++ {
		var toQuery []routing.Contact
		for _, c := range contacts {
			if !queried[c.ID] && len(toQuery) < routing.Alpha {
				toQuery = append(toQuery, c)
			}
		}
		if len(toQuery) == 0 {
			break
		}
		for _, c := range toQuery {
			queried[c.ID] = true
			wirePeers, more, err := e.getPeersRPC(ctx, c, infoHash)
			if err != nil {
				e.table.Remove(c.ID)
				continue
			}
			e.offer(c)
			for _, p := range wirePeers {
				key := fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
				if !seenPeer[key] {
					seenPeer[key] = true
					peers = append(peers, p)
				}
			}
			for _, m := range more {
				dup := false
				for _, existing := range contacts {
					if existing.ID == m.ID {
						dup = true
						break
					}
				}
				if !dup {
					contacts = append(contacts, m)
				}
			}
		}
		sortContactsByDistance(contacts, infoHash)
	}
	return peers
}
