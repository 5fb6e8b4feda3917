package transfer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Header: Header{Type: ChunkData, ChunkHash: "abc"}, Data: []byte("payload")}
	require.NoError(t, WriteMessage(&buf, msg))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	want := msg.Header
	want.DataLength = len(msg.Data)
	assert.Equal(t, want, got.Header)
	assert.Equal(t, msg.Data, got.Data)
}

func TestReadMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x10, 0x00, 0x00, 0x00, 0, 0, 0, 4})
	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func newChunkServer(t *testing.T, chunks map[string][]byte, manifests map[string][]byte) *Server {
	t.Helper()
	s, err := Listen("127.0.0.1:0",
		func(hash string) ([]byte, bool) { d, ok := chunks[hash]; return d, ok },
		func(infoHash string) ([]byte, bool) { d, ok := manifests[infoHash]; return d, ok },
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestClientRequestChunkFoundAndNotFound(t *testing.T) {
	s := newChunkServer(t, map[string][]byte{"h1": []byte("chunk-data")}, nil)

	client, err := NewClient(0)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	data, err := client.RequestChunk(s.Addr().String(), "h1")
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk-data"), data)

	_, err = client.RequestChunk(s.Addr().String(), "missing")
	assert.Error(t, err)
}

func TestClientPing(t *testing.T) {
	s := newChunkServer(t, nil, nil)
	client, err := NewClient(0)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	assert.NoError(t, client.Ping(s.Addr().String()))
}

func TestClientRequestManifest(t *testing.T) {
	s := newChunkServer(t, nil, map[string][]byte{"ih1": []byte(`{"name":"f"}`)})
	client, err := NewClient(0)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	data, err := client.RequestManifest(s.Addr().String(), "ih1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"f"}`, string(data))

	_, err = client.RequestManifest(s.Addr().String(), "missing")
	assert.Error(t, err)
}

func TestPoolReusesConnection(t *testing.T) {
	s := newChunkServer(t, map[string][]byte{"h1": []byte("x")}, nil)
	client, err := NewClient(0)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	_, err = client.RequestChunk(s.Addr().String(), "h1")
	require.NoError(t, err)
	pc1, err := client.pool.Get(s.Addr().String())
	require.NoError(t, err)

	_, err = client.RequestChunk(s.Addr().String(), "h1")
	require.NoError(t, err)
	pc2, err := client.pool.Get(s.Addr().String())
	require.NoError(t, err)

	assert.Same(t, pc1, pc2)
}
