package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetChunkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cs, err := NewChunkStore(dir)
	require.NoError(t, err)

	data := []byte("some chunk data")
	hash, err := cs.PutChunk(data)
	require.NoError(t, err)
	assert.Equal(t, HashChunk(data), hash)

	got, err := cs.GetChunk(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, cs.HasChunk(hash))
}

func TestGetChunkSelfHealsOnCorruption(t *testing.T) {
	dir := t.TempDir()
	cs, err := NewChunkStore(dir)
	require.NoError(t, err)

	data := []byte("original data")
	hash, err := cs.PutChunk(data)
	require.NoError(t, err)

	corruptPath := filepath.Join(dir, "chunks", hash)
	require.NoError(t, os.WriteFile(corruptPath, []byte("corrupted"), 0o644))

	_, err = cs.GetChunk(hash)
	assert.Error(t, err)
	assert.False(t, cs.HasChunk(hash))

	_, statErr := os.Stat(corruptPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestGetChunkMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	cs, err := NewChunkStore(dir)
	require.NoError(t, err)

	_, err = cs.GetChunk("deadbeef")
	assert.Error(t, err)
}

func TestCreateManifestAndReassembleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cs, err := NewChunkStore(dir)
	require.NoError(t, err)

	srcPath := filepath.Join(dir, "source.bin")
	content := make([]byte, ChunkSize*2+100)
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	m, err := CreateManifest(cs, srcPath, "a test file", "node1")
	require.NoError(t, err)
	assert.Len(t, m.Chunks, 3)
	assert.Equal(t, int64(len(content)), m.Size)
	assert.Equal(t, int64(ChunkSize), m.ChunkSize)
	assert.Equal(t, "node1", m.CreatedBy)

	var wantOffset int64
	for i, c := range m.Chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, wantOffset, c.Offset)
		wantOffset += c.Size
	}
	assert.Equal(t, int64(len(content)), wantOffset)

	outPath := filepath.Join(dir, "out.bin")
	require.NoError(t, Reassemble(cs, m, outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.Empty(t, MissingChunks(cs, m))
	assert.Len(t, AvailableChunks(cs, m), 3)
}

func TestReassembleFailsOnMissingChunk(t *testing.T) {
	dir := t.TempDir()
	cs, err := NewChunkStore(dir)
	require.NoError(t, err)

	srcPath := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("small file"), 0o644))

	m, err := CreateManifest(cs, srcPath, "", "node1")
	require.NoError(t, err)
	require.NoError(t, cs.DeleteChunk(m.Chunks[0].Hash))

	err = Reassemble(cs, m, filepath.Join(dir, "out.bin"))
	assert.Error(t, err)
}

func TestManifestStorePutGetListDelete(t *testing.T) {
	dir := t.TempDir()
	ms, err := NewManifestStore(dir)
	require.NoError(t, err)

	m := &Manifest{InfoHash: "abc123", Name: "file.txt", Chunks: []ChunkInfo{{Index: 0, Hash: "a"}, {Index: 1, Hash: "b"}}}
	require.NoError(t, ms.PutManifest(m))

	got, err := ms.GetManifest("abc123")
	require.NoError(t, err)
	assert.Equal(t, m.Name, got.Name)

	all, err := ms.ListManifests()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, ms.DeleteManifest("abc123"))
	_, err = ms.GetManifest("abc123")
	assert.Error(t, err)
}

func TestManifestDHTKeyDeterministic(t *testing.T) {
	m := &Manifest{InfoHash: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"}
	k1, err := m.DHTKey()
	require.NoError(t, err)
	k2, err := m.DHTKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}
