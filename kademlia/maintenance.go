package kademlia

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/kadshare/identifier"
	"github.com/sirupsen/logrus"
)

// MaintenanceConfig controls the periodic upkeep loop. Grounded on the
// teacher's dht.MaintenanceConfig/DefaultMaintenanceConfig (dht/maintenance.go).
type MaintenanceConfig struct {
	// Interval between maintenance passes.
	Interval time.Duration
	// MaxBucketsRefreshedPerPass bounds how many empty buckets get a
	// refresh lookup each pass, so a freshly booted node with hundreds of
	// empty buckets doesn't fire hundreds of lookups at once (spec.md §4.4).
	MaxBucketsRefreshedPerPass int
}

// DefaultMaintenanceConfig returns spec.md §4.4's defaults: a 60-second
// pass interval and up to 5 bucket refreshes per pass.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		Interval:                   60 * time.Second,
		MaxBucketsRefreshedPerPass: 5,
	}
}

// Maintainer runs the periodic bucket-refresh / republish / peer-expiry
// loop on a fixed interval. Grounded on the teacher's dht.Maintainer
// (dht/maintenance.go), collapsed from three separate tickers (ping/
// lookup/prune) into one pass since all three concerns here share the
// same interval and no concern needs independent pacing.
type Maintainer struct {
	engine *Engine
	config *MaintenanceConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	running bool
}

// NewMaintainer creates a Maintainer for engine. A nil config uses
// DefaultMaintenanceConfig.
func NewMaintainer(engine *Engine, config *MaintenanceConfig) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}
	return &Maintainer{engine: engine, config: config}
}

// Start launches the maintenance loop in the background. Calling Start
// twice without an intervening Stop is a no-op.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the maintenance loop and waits for the current pass to finish.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Maintainer) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runPass()
		}
	}
}

func (m *Maintainer) runPass() {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.Interval)
	defer cancel()

	m.refreshEmptyBuckets(ctx)
	m.republishStale(ctx)
	m.expirePeers()

	logrus.WithFields(logrus.Fields{
		"function":     "Maintainer.runPass",
		"routing_size": m.engine.table.Size(),
	}).Debug("maintenance pass complete")
}

func (m *Maintainer) refreshEmptyBuckets(ctx context.Context) {
	empty := m.engine.table.EmptyBuckets()
	if len(empty) > m.config.MaxBucketsRefreshedPerPass {
		empty = empty[:m.config.MaxBucketsRefreshedPerPass]
	}
	for _, idx := range empty {
		target, err := m.engine.refreshTargetForBucket(idx)
		if err != nil {
			continue
		}
		m.engine.FindNode(ctx, target)
	}
}

// republishStale re-stores any locally held key/value older than
// RepublishAge to the current K closest nodes, and resets its stored-at
// time on success — a successful republish restarts that key's one-hour
// clock rather than the key aging out every pass regardless of whether it
// was just republished (the corrected reading of spec.md §4.4's republish
// rule).
func (m *Maintainer) republishStale(ctx context.Context) {
	e := m.engine
	cutoff := time.Now().Add(-RepublishAge)

	e.storeMu.RLock()
	var stale []identifier.ID
	for key, sv := range e.store {
		if sv.storedAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	e.storeMu.RUnlock()

	for _, key := range stale {
		e.storeMu.RLock()
		sv, ok := e.store[key]
		e.storeMu.RUnlock()
		if !ok {
			continue
		}
		if err := e.Store(ctx, key, sv.value); err != nil {
			continue
		}
		e.storeMu.Lock()
		if current, ok := e.store[key]; ok {
			current.storedAt = time.Now()
		}
		e.storeMu.Unlock()
	}
}

// expirePeers drops announced-peer records past their TTL (spec.md §4.3).
func (m *Maintainer) expirePeers() {
	e := m.engine
	now := time.Now()
	e.peersMu.Lock()
	defer e.peersMu.Unlock()
	for infoHash, swarm := range e.peers {
		for addr, rec := range swarm {
			if rec.expiresAt.Before(now) {
				delete(swarm, addr)
			}
		}
		if len(swarm) == 0 {
			delete(e.peers, infoHash)
		}
	}
}

func (e *Engine) refreshTargetForBucket(idx int) (identifier.ID, error) {
	target, err := identifier.RefreshTarget(e.self, idx)
	if err != nil {
		return identifier.ID{}, fmt.Errorf("kademlia.refreshTargetForBucket: %w", err)
	}
	return target, nil
}
