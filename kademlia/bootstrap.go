package kademlia

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/kadshare/errs"
	"github.com/opd-ai/kadshare/routing"
	"github.com/sirupsen/logrus"
)

// BootstrapTimeout bounds the total time Bootstrap spends contacting
// seed nodes before giving up.
const BootstrapTimeout = 30 * time.Second

// Bootstrap pings every seed contact, performs a FIND_NODE(self) against
// the ones that respond to seed the routing table, then runs one refresh
// pass over the buckets that are still empty. Grounded on the teacher's
// BootstrapManager worker-pool fan-out (dht/bootstrap.go), simplified from
// Tox's multi-network/versioned-handshake bootstrap to a single UDP
// round-trip per seed.
func (e *Engine) Bootstrap(ctx context.Context, seeds []routing.Contact) error {
	ctx, cancel := context.WithTimeout(ctx, BootstrapTimeout)
	defer cancel()

	if len(seeds) == 0 {
		return errs.New(errs.InvalidMessage, "kademlia.Bootstrap", "no seed nodes provided")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	alive := 0

	for _, seed := range seeds {
		wg.Add(1)
		go func(seed routing.Contact) {
			defer wg.Done()
			if err := e.Ping(ctx, seed); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Engine.Bootstrap",
					"seed":     seed.Addr().String(),
				}).WithError(err).Warn("seed node unreachable")
				return
			}
			e.offer(seed)
			mu.Lock()
			alive++
			mu.Unlock()
		}(seed)
	}
	wg.Wait()

	if alive == 0 {
		return errs.New(errs.PeerUnreachable, "kademlia.Bootstrap", "no seed node responded")
	}

	e.FindNode(ctx, e.self)

	for _, idx := range e.table.EmptyBuckets() {
		target, err := e.refreshTargetForBucket(idx)
		if err != nil {
			continue
		}
		e.FindNode(ctx, target)
	}

	e.bootMu.Lock()
	e.bootstrapped = true
	e.bootMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Engine.Bootstrap",
		"seeds_alive":  alive,
		"routing_size": e.table.Size(),
	}).Info("bootstrap complete")
	return nil
}

// Bootstrapped reports whether Bootstrap has completed successfully.
func (e *Engine) Bootstrapped() bool {
	e.bootMu.Lock()
	defer e.bootMu.Unlock()
	return e.bootstrapped
}
