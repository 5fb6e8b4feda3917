package kadshare

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/kadshare/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.DHTListenAddr = "127.0.0.1:0"
	cfg.TransferListenAddr = "127.0.0.1:0"
	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func seedAddrFor(t *testing.T, n *Node) SeedAddr {
	t.Helper()
	return SeedAddr{ID: n.self.String(), Addr: n.dht.LocalAddr().String()}
}

func TestShareListRemove(t *testing.T) {
	n := newTestNode(t)

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("hello world"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := n.Share(ctx, srcPath, "a test file")
	require.NoError(t, err)
	assert.NotEmpty(t, m.InfoHash)

	list, err := n.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, m.InfoHash, list[0].InfoHash)

	require.NoError(t, n.Remove(m.InfoHash))
	list, err = n.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBootstrapAndDownloadAcrossTwoNodes(t *testing.T) {
	seeder := newTestNode(t)
	leecher := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	leecher.cfg.BootstrapSeeds = []SeedAddr{seedAddrFor(t, seeder)}
	require.NoError(t, leecher.Bootstrap(ctx))

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "shared.bin")
	content := make([]byte, 600*1024)
	for i := range content {
		content[i] = byte(i % 250)
	}
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	m, err := seeder.Share(ctx, srcPath, "")
	require.NoError(t, err)

	outPath := filepath.Join(t.TempDir(), "downloaded.bin")
	var phases []swarm.Phase
	download, err := leecher.Download(ctx, m.InfoHash, outPath, func(p swarm.Progress) {
		phases = append(phases, p.Phase)
	})
	require.NoError(t, err)
	require.NoError(t, download.Wait())
	assert.Contains(t, phases, swarm.PhaseComplete)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStats(t *testing.T) {
	n := newTestNode(t)
	stats := n.Stats()
	assert.NotEmpty(t, stats.NodeID)
	assert.False(t, stats.Bootstrapped)
}
