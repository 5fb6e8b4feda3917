// Package kademlia implements the DHT engine: iterative node/value
// lookups, storage with republish, peer announce/discovery for info_hash
// swarms, bootstrap, and periodic maintenance. Grounded on the teacher's
// dht package (bootstrap.go's worker-pool pattern, handler.go's dispatch
// switch, maintenance.go's per-concern ticker loops), adapted from Tox's
// friend-discovery DHT to a generic Kademlia node/value store.
package kademlia

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/kadshare/dhtnet"
	"github.com/opd-ai/kadshare/errs"
	"github.com/opd-ai/kadshare/identifier"
	"github.com/opd-ai/kadshare/routing"
)

// storedValue is a key/value pair held by the local node on behalf of the
// network, with bookkeeping for the republish cycle (spec.md §4.4).
type storedValue struct {
	value     []byte
	storedAt  time.Time
}

// peerRecord is one announced (ip, port) under an info_hash, with an
// expiry for the GET_PEERS swarm table (spec.md §4.3).
type peerRecord struct {
	ip        net.IP
	port      int
	expiresAt time.Time
}

// PeerTTL is how long an announced peer record is retained before expiry.
const PeerTTL = 30 * time.Minute

// RepublishAge is how old a locally stored key/value must be before the
// maintenance loop republishes it to the current K closest nodes.
const RepublishAge = 1 * time.Hour

// Engine is a running Kademlia node: routing table, local value store,
// peer swarm table, and the wire transport that drives RPCs.
type Engine struct {
	self      identifier.ID
	table     *routing.RoutingTable
	transport *dhtnet.Transport

	storeMu sync.RWMutex
	store   map[identifier.ID]*storedValue

	peersMu sync.RWMutex
	peers   map[identifier.ID]map[string]*peerRecord // info_hash -> "ip:port" -> record

	bootstrapped bool
	bootMu       sync.Mutex
}

// New creates an Engine bound to the given transport, with self as the
// local node identifier.
func New(self identifier.ID, transport *dhtnet.Transport) *Engine {
	e := &Engine{
		self:      self,
		table:     routing.NewRoutingTable(self),
		transport: transport,
		store:     make(map[identifier.ID]*storedValue),
		peers:     make(map[identifier.ID]map[string]*peerRecord),
	}
	e.registerHandlers()
	return e
}

// RoutingTable exposes the engine's routing table, e.g. for maintenance
// scheduling and diagnostics.
func (e *Engine) RoutingTable() *routing.RoutingTable {
	return e.table
}

// Self returns the engine's local node identifier.
func (e *Engine) Self() identifier.ID {
	return e.self
}

func (e *Engine) registerHandlers() {
	e.transport.RegisterHandler(dhtnet.Ping, e.handlePing)
	e.transport.RegisterHandler(dhtnet.FindNode, e.handleFindNode)
	e.transport.RegisterHandler(dhtnet.FindValue, e.handleFindValue)
	e.transport.RegisterHandler(dhtnet.Store, e.handleStore)
	e.transport.RegisterHandler(dhtnet.AnnouncePeer, e.handleAnnouncePeer)
	e.transport.RegisterHandler(dhtnet.GetPeers, e.handleGetPeers)
}

// offer records an observed contact and, if its bucket is full, probes
// the bucket's oldest entry with a PING before evicting it in favor of
// the newcomer ("prefer old nodes", spec.md §4.2).
func (e *Engine) offer(c routing.Contact) {
	idx, probe := e.table.Offer(c)
	if probe == nil {
		return
	}
	go e.verifyOldest(idx, *probe)
}

func (e *Engine) verifyOldest(idx int, oldest routing.Contact) {
	ctx, cancel := context.WithTimeout(context.Background(), dhtnet.DefaultRequestTimeout)
	defer cancel()
	if err := e.Ping(ctx, oldest); err != nil {
		e.table.FailProbe(idx, oldest.ID)
		return
	}
	e.table.ConfirmProbe(idx, oldest.ID)
}

// senderContact builds a Contact from a wire message and the UDP address
// it actually arrived from, trusting the observed source address over any
// self-reported address in the payload (spec.md §4.3 NAT/spoofing note).
func senderContact(msg *dhtnet.Message, from *net.UDPAddr) (routing.Contact, error) {
	id, err := identifier.FromHex(msg.SenderID)
	if err != nil {
		return routing.Contact{}, fmt.Errorf("senderContact: %w", err)
	}
	return routing.NewContact(id, from.IP, from.Port), nil
}

// Ping sends a PING to a contact and blocks for PONG.
func (e *Engine) Ping(ctx context.Context, c routing.Contact) error {
	id, err := dhtnet.NewMessageID()
	if err != nil {
		return err
	}
	msg := &dhtnet.Message{
		Type:       dhtnet.Ping,
		ID:         id,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
	}
	_, err = e.transport.Request(ctx, msg, c.Addr())
	if err != nil {
		return errs.Wrap(errs.PeerUnreachable, "kademlia.Ping", "no PONG received", err)
	}
	return nil
}

func (e *Engine) handlePing(msg *dhtnet.Message, from *net.UDPAddr) (*dhtnet.Message, error) {
	if c, err := senderContact(msg, from); err == nil {
		e.offer(c)
	}
	return &dhtnet.Message{
		Type:       dhtnet.Pong,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
	}, nil
}

func contactToNodeInfo(c routing.Contact) dhtnet.NodeInfo {
	return dhtnet.NodeInfo{ID: c.ID.String(), IP: c.IP.String(), Port: c.Port}
}

func nodeInfoToContact(n dhtnet.NodeInfo) (routing.Contact, error) {
	id, err := identifier.FromHex(n.ID)
	if err != nil {
		return routing.Contact{}, err
	}
	ip := net.ParseIP(n.IP)
	if ip == nil {
		return routing.Contact{}, fmt.Errorf("nodeInfoToContact: invalid ip %q", n.IP)
	}
	return routing.NewContact(id, ip, n.Port), nil
}

func (e *Engine) handleFindNode(msg *dhtnet.Message, from *net.UDPAddr) (*dhtnet.Message, error) {
	if c, err := senderContact(msg, from); err == nil {
		e.offer(c)
	}
	var req dhtnet.FindNodePayload
	if err := dhtnet.DecodePayload(msg, &req); err != nil {
		return nil, err
	}
	target, err := identifier.FromHex(req.Target)
	if err != nil {
		return nil, err
	}
	closest := e.table.ClosestK(target, routing.K)
	nodes := make([]dhtnet.NodeInfo, len(closest))
	for i, c := range closest {
		nodes[i] = contactToNodeInfo(c)
	}
	payload, err := dhtnet.EncodePayload(dhtnet.FindNodeResponsePayload{Nodes: nodes})
	if err != nil {
		return nil, err
	}
	return &dhtnet.Message{
		Type:       dhtnet.FindNodeResponse,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
		Payload:    payload,
	}, nil
}

func (e *Engine) handleFindValue(msg *dhtnet.Message, from *net.UDPAddr) (*dhtnet.Message, error) {
	if c, err := senderContact(msg, from); err == nil {
		e.offer(c)
	}
	var req dhtnet.FindValuePayload
	if err := dhtnet.DecodePayload(msg, &req); err != nil {
		return nil, err
	}
	key, err := identifier.FromHex(req.Key)
	if err != nil {
		return nil, err
	}

	e.storeMu.RLock()
	sv, found := e.store[key]
	e.storeMu.RUnlock()

	var resp dhtnet.FindValueResponsePayload
	if found {
		resp.Value = sv.value
	} else {
		closest := e.table.ClosestK(key, routing.K)
		resp.Nodes = make([]dhtnet.NodeInfo, len(closest))
		for i, c := range closest {
			resp.Nodes[i] = contactToNodeInfo(c)
		}
	}
	payload, err := dhtnet.EncodePayload(resp)
	if err != nil {
		return nil, err
	}
	return &dhtnet.Message{
		Type:       dhtnet.FindValueResponse,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
		Payload:    payload,
	}, nil
}

func (e *Engine) handleStore(msg *dhtnet.Message, from *net.UDPAddr) (*dhtnet.Message, error) {
	if c, err := senderContact(msg, from); err == nil {
		e.offer(c)
	}
	var req dhtnet.StorePayload
	if err := dhtnet.DecodePayload(msg, &req); err != nil {
		return nil, err
	}
	key, err := identifier.FromHex(req.Key)
	if err != nil {
		return nil, err
	}
	e.storeLocal(key, req.Value)
	payload, _ := dhtnet.EncodePayload(dhtnet.StoreResponsePayload{OK: true})
	return &dhtnet.Message{
		Type:       dhtnet.StoreResponse,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
		Payload:    payload,
	}, nil
}

func (e *Engine) storeLocal(key identifier.ID, value []byte) {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	e.store[key] = &storedValue{value: value, storedAt: time.Now()}
}

func (e *Engine) handleAnnouncePeer(msg *dhtnet.Message, from *net.UDPAddr) (*dhtnet.Message, error) {
	if c, err := senderContact(msg, from); err == nil {
		e.offer(c)
	}
	var req dhtnet.AnnouncePeerPayload
	if err := dhtnet.DecodePayload(msg, &req); err != nil {
		return nil, err
	}
	infoHash, err := identifier.FromHex(req.InfoHash)
	if err != nil {
		return nil, err
	}

	// The announced port is trusted (it may differ from the DHT port for
	// file transfer), but the IP is always the observed source address,
	// never a value supplied in the payload.
	e.peersMu.Lock()
	swarm, ok := e.peers[infoHash]
	if !ok {
		swarm = make(map[string]*peerRecord)
		e.peers[infoHash] = swarm
	}
	key := fmt.Sprintf("%s:%d", from.IP.String(), req.Port)
	swarm[key] = &peerRecord{ip: from.IP, port: req.Port, expiresAt: time.Now().Add(PeerTTL)}
	e.peersMu.Unlock()

	payload, _ := dhtnet.EncodePayload(dhtnet.AnnouncePeerResponsePayload{OK: true})
	return &dhtnet.Message{
		Type:       dhtnet.AnnouncePeerResponse,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
		Payload:    payload,
	}, nil
}

func (e *Engine) handleGetPeers(msg *dhtnet.Message, from *net.UDPAddr) (*dhtnet.Message, error) {
	if c, err := senderContact(msg, from); err == nil {
		e.offer(c)
	}
	var req dhtnet.GetPeersPayload
	if err := dhtnet.DecodePayload(msg, &req); err != nil {
		return nil, err
	}
	infoHash, err := identifier.FromHex(req.InfoHash)
	if err != nil {
		return nil, err
	}

	e.peersMu.RLock()
	swarm := e.peers[infoHash]
	var wirePeers []dhtnet.PeerInfo
	now := time.Now()
	for _, rec := range swarm {
		if rec.expiresAt.After(now) {
			wirePeers = append(wirePeers, dhtnet.PeerInfo{IP: rec.ip.String(), Port: rec.port})
		}
	}
	e.peersMu.RUnlock()

	resp := dhtnet.GetPeersResponsePayload{Peers: wirePeers}
	if len(wirePeers) == 0 {
		closest := e.table.ClosestK(infoHash, routing.K)
		resp.Nodes = make([]dhtnet.NodeInfo, len(closest))
		for i, c := range closest {
			resp.Nodes[i] = contactToNodeInfo(c)
		}
	}
	payload, err := dhtnet.EncodePayload(resp)
	if err != nil {
		return nil, err
	}
	return &dhtnet.Message{
		Type:       dhtnet.GetPeersResponse,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
		Payload:    payload,
	}, nil
}

// findNodeRPC sends a FIND_NODE request to a contact and returns the
// contacts it offers back.
func (e *Engine) findNodeRPC(ctx context.Context, c routing.Contact, target identifier.ID) ([]routing.Contact, error) {
	payload, err := dhtnet.EncodePayload(dhtnet.FindNodePayload{Target: target.String()})
	if err != nil {
		return nil, err
	}
	id, err := dhtnet.NewMessageID()
	if err != nil {
		return nil, err
	}
	msg := &dhtnet.Message{
		Type:       dhtnet.FindNode,
		ID:         id,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
		Payload:    payload,
	}
	resp, err := e.transport.Request(ctx, msg, c.Addr())
	if err != nil {
		return nil, errs.Wrap(errs.Timeout, "kademlia.findNodeRPC", "no response", err)
	}
	var out dhtnet.FindNodeResponsePayload
	if err := dhtnet.DecodePayload(resp, &out); err != nil {
		return nil, err
	}
	contacts := make([]routing.Contact, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		if ct, err := nodeInfoToContact(n); err == nil {
			contacts = append(contacts, ct)
		}
	}
	return contacts, nil
}
