// Package dhtnet implements the UDP wire transport for the Kademlia DHT:
// JSON-framed, one message per datagram, with message-id correlation for
// request/response pairs. Grounded on the teacher's transport/udp.go
// (packet-conn read loop, handler registration) and transport/packet.go
// (typed packet enum), replacing the teacher's binary length-prefixed
// framing with JSON per datagram (spec.md §6).
package dhtnet

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of DHT RPC a Message carries.
type MessageType string

const (
	Ping                  MessageType = "PING"
	Pong                  MessageType = "PONG"
	FindNode              MessageType = "FIND_NODE"
	FindNodeResponse      MessageType = "FIND_NODE_RESPONSE"
	FindValue             MessageType = "FIND_VALUE"
	FindValueResponse     MessageType = "FIND_VALUE_RESPONSE"
	Store                 MessageType = "STORE"
	StoreResponse         MessageType = "STORE_RESPONSE"
	AnnouncePeer          MessageType = "ANNOUNCE_PEER"
	AnnouncePeerResponse  MessageType = "ANNOUNCE_RESPONSE"
	GetPeers              MessageType = "GET_PEERS"
	GetPeersResponse      MessageType = "GET_PEERS_RESPONSE"
)

// Message is the envelope for every datagram exchanged between nodes. ID
// correlates a response to its request; the wire protocol has no other
// correlation mechanism (spec.md §6), so every request carries a fresh ID
// and every response echoes it back.
type Message struct {
	Type       MessageType     `json:"type"`
	ID         string          `json:"message_id"`
	SenderID   string          `json:"sender_id"`
	SenderPort int             `json:"sender_port"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NodeInfo is the wire representation of a routing table contact.
type NodeInfo struct {
	ID   string `json:"id"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// PeerInfo is the wire representation of a file-sharing peer announced
// under an info_hash (spec.md §4.3 GET_PEERS/ANNOUNCE_PEER).
type PeerInfo struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type FindNodePayload struct {
	Target string `json:"target"`
}

type FindNodeResponsePayload struct {
	Nodes []NodeInfo `json:"nodes"`
}

type FindValuePayload struct {
	Key string `json:"key"`
}

type FindValueResponsePayload struct {
	Value []byte     `json:"value,omitempty"`
	Nodes []NodeInfo `json:"nodes,omitempty"`
}

type StorePayload struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type StoreResponsePayload struct {
	OK bool `json:"ok"`
}

type AnnouncePeerPayload struct {
	InfoHash string `json:"info_hash"`
	Port     int    `json:"port"`
}

type AnnouncePeerResponsePayload struct {
	OK bool `json:"ok"`
}

type GetPeersPayload struct {
	InfoHash string `json:"info_hash"`
}

type GetPeersResponsePayload struct {
	Peers []PeerInfo `json:"peers,omitempty"`
	Nodes []NodeInfo `json:"nodes,omitempty"`
}

// NewMessageID generates a random 8-byte, 16-hex-character correlation id.
func NewMessageID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("dhtnet.NewMessageID: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// DecodePayload unmarshals msg.Payload into v.
func DecodePayload(msg *Message, v interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("dhtnet.DecodePayload: empty payload for %s", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("dhtnet.DecodePayload: %w", err)
	}
	return nil
}

// EncodePayload marshals v into a RawMessage suitable for Message.Payload.
func EncodePayload(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dhtnet.EncodePayload: %w", err)
	}
	return data, nil
}
