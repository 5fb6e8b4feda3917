package swarm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/kadshare/store"
	"github.com/opd-ai/kadshare/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSeederAndDownloader(t *testing.T, content []byte) (*store.Manifest, *store.ChunkStore, []Peer) {
	t.Helper()

	seedDir := t.TempDir()
	seedChunks, err := store.NewChunkStore(seedDir)
	require.NoError(t, err)

	srcPath := filepath.Join(seedDir, "src.bin")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	manifest, err := store.CreateManifest(seedChunks, srcPath, "", "seeder")
	require.NoError(t, err)

	server, err := transfer.Listen("127.0.0.1:0",
		func(hash string) ([]byte, bool) {
			data, err := seedChunks.GetChunk(hash)
			return data, err == nil
		},
		func(infoHash string) ([]byte, bool) { return nil, false },
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	downloadDir := t.TempDir()
	downloadChunks, err := store.NewChunkStore(downloadDir)
	require.NoError(t, err)

	return manifest, downloadChunks, []Peer{{Addr: server.Addr().String()}}
}

func TestDownloadCompletesAndReassembles(t *testing.T) {
	content := make([]byte, store.ChunkSize*2+500)
	for i := range content {
		content[i] = byte(i % 200)
	}
	manifest, downloadChunks, peers := setupSeederAndDownloader(t, content)

	client, err := transfer.NewClient(0)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	var phases []Phase
	outPath := filepath.Join(t.TempDir(), "out.bin")
	d := Start(context.Background(), manifest, downloadChunks, client, peers, outPath, DefaultConfig(), func(p Progress) {
		phases = append(phases, p.Phase)
	})

	require.NoError(t, d.Wait())
	assert.Equal(t, PhaseComplete, d.Progress().Phase)
	assert.Contains(t, phases, PhaseDownloading)
	assert.Contains(t, phases, PhaseComplete)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadFailsWithNoPeers(t *testing.T) {
	manifest := &store.Manifest{InfoHash: "abc", Chunks: []store.ChunkInfo{{Index: 0, Hash: "x"}}}
	dir := t.TempDir()
	chunks, err := store.NewChunkStore(dir)
	require.NoError(t, err)
	client, err := transfer.NewClient(0)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	d := Start(context.Background(), manifest, chunks, client, nil, "", DefaultConfig(), nil)
	err = d.Wait()
	assert.Error(t, err)
	assert.Equal(t, PhaseFailed, d.Progress().Phase)
}

func TestDownloadTracksPerChunkAndPeerProgress(t *testing.T) {
	content := make([]byte, store.ChunkSize*3)
	for i := range content {
		content[i] = byte(i % 251)
	}
	manifest, downloadChunks, peers := setupSeederAndDownloader(t, content)

	client, err := transfer.NewClient(0)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	var (
		downloadingSeen, completeSeen int
		final                         Progress
	)
	d := Start(context.Background(), manifest, downloadChunks, client, peers, "", DefaultConfig(), func(p Progress) {
		for _, cs := range p.ChunkStates {
			switch cs.Status {
			case ChunkDownloading:
				downloadingSeen++
			case ChunkComplete:
				completeSeen++
			}
		}
		final = p
	})
	require.NoError(t, d.Wait())

	assert.GreaterOrEqual(t, downloadingSeen, 3)
	assert.GreaterOrEqual(t, completeSeen, 3)
	assert.Len(t, final.ChunkStates, 3)
	require.Len(t, final.PeerStates, 1)
	for _, ps := range final.PeerStates {
		assert.Equal(t, 3, ps.ChunksCompleted)
	}
}

func TestDownloadRetriesFailedChunkWithAlternatePeer(t *testing.T) {
	seedDir := t.TempDir()
	seedChunks, err := store.NewChunkStore(seedDir)
	require.NoError(t, err)

	content := make([]byte, store.ChunkSize+10)
	for i := range content {
		content[i] = byte(i % 200)
	}
	srcPath := filepath.Join(seedDir, "src.bin")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))
	manifest, err := store.CreateManifest(seedChunks, srcPath, "", "seeder")
	require.NoError(t, err)
	require.Len(t, manifest.Chunks, 2)

	goodServer, err := transfer.Listen("127.0.0.1:0",
		func(hash string) ([]byte, bool) {
			data, err := seedChunks.GetChunk(hash)
			return data, err == nil
		},
		func(infoHash string) ([]byte, bool) { return nil, false },
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = goodServer.Close() })

	maliciousServer, err := transfer.Listen("127.0.0.1:0",
		func(hash string) ([]byte, bool) { return nil, false },
		func(infoHash string) ([]byte, bool) { return nil, false },
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = maliciousServer.Close() })

	downloadDir := t.TempDir()
	downloadChunks, err := store.NewChunkStore(downloadDir)
	require.NoError(t, err)

	client, err := transfer.NewClient(0)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	peers := []Peer{{Addr: maliciousServer.Addr().String()}, {Addr: goodServer.Addr().String()}}
	d := Start(context.Background(), manifest, downloadChunks, client, peers, "", DefaultConfig(), nil)
	require.NoError(t, d.Wait())
	assert.Equal(t, PhaseComplete, d.Progress().Phase)
}

func TestDownloadCancel(t *testing.T) {
	content := make([]byte, store.ChunkSize*5)
	manifest, downloadChunks, peers := setupSeederAndDownloader(t, content)

	client, err := transfer.NewClient(0)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithCancel(context.Background())
	d := Start(ctx, manifest, downloadChunks, client, peers, "", DefaultConfig(), nil)
	cancel()

	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancel")
	}
}
