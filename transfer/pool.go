package transfer

import (
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// DefaultPoolSize bounds how many peer connections are held open at once.
// Swarming downloads can touch far more peers than the teacher's Tox
// friend list ever would, so the pool is bounded and LRU-evicted rather
// than the teacher's unbounded clients map (transport/tcp.go), per
// dep2p-go-dep2p's connection-pool pattern.
const DefaultPoolSize = 64

// DialTimeout bounds how long pool dials wait for a TCP handshake.
const DialTimeout = 5 * time.Second

// pooledConn wraps a connection with the per-connection lock the wire
// protocol needs: it carries no per-request correlation id, so a single
// connection can only have one request in flight at a time.
type pooledConn struct {
	conn net.Conn
	mu   sync.Mutex
}

// Pool manages reusable TCP connections to peers, keyed by "ip:port".
type Pool struct {
	cache *lru.Cache[string, *pooledConn]
}

// NewPool creates a connection pool with the given capacity. Evicted
// connections are closed.
func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &Pool{}
	cache, err := lru.NewWithEvict(size, func(key string, value *pooledConn) {
		value.mu.Lock()
		defer value.mu.Unlock()
		_ = value.conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "Pool.evict",
			"peer":     key,
		}).Debug("evicted pooled connection")
	})
	if err != nil {
		return nil, fmt.Errorf("transfer.NewPool: %w", err)
	}
	p.cache = cache
	return p, nil
}

// Get returns the pooled connection to addr, dialing a new one if none is
// cached. A cached connection is returned without a liveness check; the
// client drops it once a request on it fails.
func (p *Pool) Get(addr string) (*pooledConn, error) {
	if pc, ok := p.cache.Get(addr); ok {
		return pc, nil
	}

	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transfer.Pool.Get: dial %s: %w", addr, err)
	}
	pc := &pooledConn{conn: conn}
	p.cache.Add(addr, pc)
	return pc, nil
}

// Drop evicts and closes the pooled connection for addr, e.g. after a
// request fails and the connection should not be reused.
func (p *Pool) Drop(addr string) {
	p.cache.Remove(addr)
}

// Close evicts and closes every pooled connection.
func (p *Pool) Close() {
	p.cache.Purge()
}
