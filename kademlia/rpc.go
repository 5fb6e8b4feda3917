package kademlia

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/opd-ai/kadshare/dhtnet"
	"github.com/opd-ai/kadshare/identifier"
	"github.com/opd-ai/kadshare/routing"
)

// PeerAddr is a file-sharing peer's reachable address, as returned by
// GetPeers. Peers are addressed by ip:port for the transfer protocol, not
// by DHT node id.
type PeerAddr struct {
	IP   net.IP
	Port int
}

func newMessageID() (string, error) {
	return dhtnet.NewMessageID()
}

func sortContactsByDistance(contacts []routing.Contact, target identifier.ID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return identifier.Less(identifier.Distance(target, contacts[i].ID), identifier.Distance(target, contacts[j].ID))
	})
}

func (e *Engine) requestFindValue(ctx context.Context, c routing.Contact, msgID string, payload []byte) (*dhtnet.FindValueResponsePayload, error) {
	msg := &dhtnet.Message{
		Type:       dhtnet.FindValue,
		ID:         msgID,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
		Payload:    payload,
	}
	resp, err := e.transport.Request(ctx, msg, c.Addr())
	if err != nil {
		return nil, fmt.Errorf("kademlia.requestFindValue: %w", err)
	}
	var out dhtnet.FindValueResponsePayload
	if err := dhtnet.DecodePayload(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func encodeFindValue(key identifier.ID) ([]byte, error) {
	return dhtnet.EncodePayload(dhtnet.FindValuePayload{Key: key.String()})
}

func (e *Engine) storeRPC(ctx context.Context, c routing.Contact, key identifier.ID, value []byte) error {
	payload, err := dhtnet.EncodePayload(dhtnet.StorePayload{Key: key.String(), Value: value})
	if err != nil {
		return err
	}
	msgID, err := newMessageID()
	if err != nil {
		return err
	}
	msg := &dhtnet.Message{
		Type:       dhtnet.Store,
		ID:         msgID,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
		Payload:    payload,
	}
	_, err = e.transport.Request(ctx, msg, c.Addr())
	return err
}

func (e *Engine) announcePeerRPC(ctx context.Context, c routing.Contact, infoHash identifier.ID, port int) error {
	payload, err := dhtnet.EncodePayload(dhtnet.AnnouncePeerPayload{InfoHash: infoHash.String(), Port: port})
	if err != nil {
		return err
	}
	msgID, err := newMessageID()
	if err != nil {
		return err
	}
	msg := &dhtnet.Message{
		Type:       dhtnet.AnnouncePeer,
		ID:         msgID,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
		Payload:    payload,
	}
	_, err = e.transport.Request(ctx, msg, c.Addr())
	return err
}

func (e *Engine) getPeersRPC(ctx context.Context, c routing.Contact, infoHash identifier.ID) ([]PeerAddr, []routing.Contact, error) {
	payload, err := dhtnet.EncodePayload(dhtnet.GetPeersPayload{InfoHash: infoHash.String()})
	if err != nil {
		return nil, nil, err
	}
	msgID, err := newMessageID()
	if err != nil {
		return nil, nil, err
	}
	msg := &dhtnet.Message{
		Type:       dhtnet.GetPeers,
		ID:         msgID,
		SenderID:   e.self.String(),
		SenderPort: e.transport.LocalAddr().Port,
		Payload:    payload,
	}
	resp, err := e.transport.Request(ctx, msg, c.Addr())
	if err != nil {
		return nil, nil, fmt.Errorf("kademlia.getPeersRPC: %w", err)
	}
	var out dhtnet.GetPeersResponsePayload
	if err := dhtnet.DecodePayload(resp, &out); err != nil {
		return nil, nil, err
	}

	peers := make([]PeerAddr, 0, len(out.Peers))
	for _, p := range out.Peers {
		ip := net.ParseIP(p.IP)
		if ip == nil {
			continue
		}
		peers = append(peers, PeerAddr{IP: ip, Port: p.Port})
	}
	nodes := make([]routing.Contact, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		if ct, err := nodeInfoToContact(n); err == nil {
			nodes = append(nodes, ct)
		}
	}
	return peers, nodes, nil
}
