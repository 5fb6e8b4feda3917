package dhtnet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustListen(t *testing.T) *Transport {
	t.Helper()
	tr, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestPingPongRoundTrip(t *testing.T) {
	server := mustListen(t)
	client := mustListen(t)

	server.RegisterHandler(Ping, func(msg *Message, from *net.UDPAddr) (*Message, error) {
		return &Message{Type: Pong, SenderID: "server"}, nil
	})

	id, err := NewMessageID()
	require.NoError(t, err)

	resp, err := client.Request(context.Background(), &Message{
		Type: Ping,
		ID:   id,
	}, server.LocalAddr())
	require.NoError(t, err)
	assert.Equal(t, Pong, resp.Type)
	assert.Equal(t, id, resp.ID)
}

func TestRequestTimesOutWithNoHandler(t *testing.T) {
	server := mustListen(t)
	client := mustListen(t)

	id, err := NewMessageID()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = client.Request(ctx, &Message{Type: Ping, ID: id}, server.LocalAddr())
	assert.Error(t, err)
}

func TestFindNodePayloadRoundTrip(t *testing.T) {
	server := mustListen(t)
	client := mustListen(t)

	server.RegisterHandler(FindNode, func(msg *Message, from *net.UDPAddr) (*Message, error) {
		var req FindNodePayload
		require.NoError(t, DecodePayload(msg, &req))
		payload, err := EncodePayload(FindNodeResponsePayload{
			Nodes: []NodeInfo{{ID: "abc", IP: "127.0.0.1", Port: 9000}},
		})
		require.NoError(t, err)
		return &Message{Type: FindNodeResponse, Payload: payload}, nil
	})

	payload, err := EncodePayload(FindNodePayload{Target: "deadbeef"})
	require.NoError(t, err)
	id, err := NewMessageID()
	require.NoError(t, err)

	resp, err := client.Request(context.Background(), &Message{
		Type:    FindNode,
		ID:      id,
		Payload: payload,
	}, server.LocalAddr())
	require.NoError(t, err)

	var out FindNodeResponsePayload
	require.NoError(t, DecodePayload(resp, &out))
	require.Len(t, out.Nodes, 1)
	assert.Equal(t, "abc", out.Nodes[0].ID)
}
