// Package routing implements the Kademlia k-bucket routing table: 160
// buckets of up to K=20 contacts each, ordered oldest-to-newest, with a
// bounded FIFO replacement cache per bucket and "prefer old nodes"
// eviction semantics. Grounded on the teacher's dht/routing.go and
// dht/node.go, generalized from Tox's 256-bucket/32-byte-ID space to the
// spec's 160-bucket/20-byte-ID Kademlia space.
package routing

import (
	"net"
	"time"

	"github.com/opd-ai/kadshare/identifier"
)

// K is the maximum number of contacts a k-bucket holds, and the default
// size of a closest-K query result.
const K = 20

// Alpha is the concurrency factor for iterative lookups (kademlia package).
const Alpha = 3

// Contact is a remote node as known to the routing table: an identifier,
// a reachable address, and liveness bookkeeping.
type Contact struct {
	ID       identifier.ID
	IP       net.IP
	Port     int
	LastSeen time.Time
	Failures int
}

// Addr formats the contact's UDP address.
func (c Contact) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.IP, Port: c.Port}
}

// NewContact builds a Contact observed right now.
func NewContact(id identifier.ID, ip net.IP, port int) Contact {
	return Contact{ID: id, IP: ip, Port: port, LastSeen: time.Now()}
}
