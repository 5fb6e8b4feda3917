package kademlia

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/kadshare/dhtnet"
	"github.com/opd-ai/kadshare/identifier"
	"github.com/opd-ai/kadshare/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, routing.Contact) {
	t.Helper()
	self, err := identifier.Generate()
	require.NoError(t, err)

	tr, err := dhtnet.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	e := New(self, tr)
	addr := tr.LocalAddr()
	c := routing.NewContact(self, addr.IP, addr.Port)
	return e, c
}

func TestPingBetweenTwoEngines(t *testing.T) {
	a, aContact := newTestEngine(t)
	_, bContact := newTestEngine(t)
	_ = aContact

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.Ping(ctx, bContact)
	assert.NoError(t, err)
}

func TestStoreAndFindValueLocal(t *testing.T) {
	a, _ := newTestEngine(t)
	key, err := identifier.Generate()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Store(ctx, key, []byte("hello")))

	val, err := a.FindValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), val)
}

func TestAnnounceAndGetPeersAcrossEngines(t *testing.T) {
	a, aContact := newTestEngine(t)
	b, bContact := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Ping(ctx, bContact))
	require.NoError(t, b.Ping(ctx, aContact))

	infoHash, err := identifier.Generate()
	require.NoError(t, err)

	require.NoError(t, b.AnnounceSelf(ctx, infoHash, 6000))

	peers := a.GetPeers(ctx, infoHash)
	require.Len(t, peers, 1)
	assert.Equal(t, 6000, peers[0].Port)
}

func TestFindValueNotFound(t *testing.T) {
	a, _ := newTestEngine(t)
	key, err := identifier.Generate()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = a.FindValue(ctx, key)
	assert.Error(t, err)
}
