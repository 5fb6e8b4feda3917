package kadshare

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"

	"github.com/opd-ai/kadshare/errs"
	"github.com/opd-ai/kadshare/identifier"
	"github.com/opd-ai/kadshare/store"
	"github.com/opd-ai/kadshare/swarm"
	"github.com/sirupsen/logrus"
)

func manifestJSON(m *store.Manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidMessage, "manifestJSON", "marshaling manifest", err)
	}
	return data, nil
}

// dhtKeyFromInfoHash derives the 160-bit DHT storage/swarm key from a
// hex-encoded info_hash: SHA-1 of the raw info_hash bytes, a fixed
// 256-bit-to-160-bit reduction every producer and consumer applies
// identically (spec.md §4.5). The info_hash itself is a SHA-256 over the
// full file and is never usable directly as an identifier.ID (wrong
// width), so every DHT/routing operation keyed by info_hash must go
// through this reduction rather than parsing the info_hash as an ID.
func dhtKeyFromInfoHash(infoHash string) (identifier.ID, error) {
	raw, err := hex.DecodeString(infoHash)
	if err != nil {
		return identifier.ID{}, errs.Wrap(errs.InvalidMessage, "dhtKeyFromInfoHash", "parsing info_hash", err)
	}
	sum := sha1.Sum(raw)
	return identifier.FromBytes(sum[:])
}

// Share chunks the file at path, persists the chunks and manifest
// locally, publishes the manifest to the DHT under its derived key, and
// announces this node as a peer for its info_hash.
func (n *Node) Share(ctx context.Context, path, description string) (*store.Manifest, error) {
	m, err := store.CreateManifest(n.chunks, path, description, n.self.String())
	if err != nil {
		return nil, err
	}
	if err := n.manifests.PutManifest(m); err != nil {
		return nil, err
	}

	key, err := dhtKeyFromInfoHash(m.InfoHash)
	if err != nil {
		return nil, err
	}
	data, err := manifestJSON(m)
	if err != nil {
		return nil, err
	}
	if err := n.engine.Store(ctx, key, data); err != nil {
		return nil, err
	}

	transferPort := n.xferServer.Addr().(*net.TCPAddr).Port
	if err := n.engine.AnnounceSelf(ctx, key, transferPort); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Node.Share",
			"info_hash": m.InfoHash,
		}).WithError(err).Warn("failed to announce as peer for shared file")
	}

	return m, nil
}

// List returns every manifest this node currently shares.
func (n *Node) List() ([]*store.Manifest, error) {
	return n.manifests.ListManifests()
}

// Remove deletes a shared manifest and its chunks from local storage;
// chunks also listed by another stored manifest are kept. It does not
// retract the DHT STORE or ANNOUNCE_PEER records: remote peer records
// expire after kademlia.PeerTTL, while stored values have no expiry and
// the engine keeps republishing its local copy of the manifest.
func (n *Node) Remove(infoHash string) error {
	m, err := n.manifests.GetManifest(infoHash)
	if err != nil {
		return err
	}
	others, err := n.manifests.ListManifests()
	if err != nil {
		return err
	}
	shared := make(map[string]bool)
	for _, o := range others {
		if o.InfoHash == infoHash {
			continue
		}
		for _, c := range o.Chunks {
			shared[c.Hash] = true
		}
	}
	for _, c := range m.Chunks {
		if shared[c.Hash] {
			continue
		}
		_ = n.chunks.DeleteChunk(c.Hash)
	}
	return n.manifests.DeleteManifest(infoHash)
}

// Download resolves a manifest by info_hash (locally, then via the DHT,
// then by asking discovered peers directly), discovers peers serving it,
// and starts a swarm download. If outPath is empty, downloaded chunks are
// only added to the local chunk store.
func (n *Node) Download(ctx context.Context, infoHash, outPath string, onProgress swarm.DownloadProgress) (*swarm.Download, error) {
	key, err := dhtKeyFromInfoHash(infoHash)
	if err != nil {
		return nil, err
	}

	m, _ := n.resolveManifestLocal(ctx, infoHash, key)

	peerAddrs := n.engine.GetPeers(ctx, key)
	if len(peerAddrs) == 0 && m == nil {
		return nil, errs.New(errs.NotFound, "Node.Download", fmt.Sprintf("no peers found for info_hash %s", infoHash))
	}

	peers := make([]swarm.Peer, len(peerAddrs))
	for i, p := range peerAddrs {
		peers[i] = swarm.Peer{Addr: fmt.Sprintf("%s:%d", p.IP.String(), p.Port)}
	}

	if m == nil {
		m, err = n.resolveManifestFromPeers(infoHash, peers)
		if err != nil {
			return nil, err
		}
	}

	if len(peers) == 0 {
		return nil, errs.New(errs.NotFound, "Node.Download", fmt.Sprintf("no peers found for info_hash %s", infoHash))
	}

	cfg := swarm.Config{Concurrency: n.cfg.DownloadConcurrency}
	d := swarm.Start(ctx, m, n.chunks, n.xferClient, peers, outPath, cfg, onProgress)

	logrus.WithFields(logrus.Fields{
		"function":    "Node.Download",
		"download_id": d.ID(),
		"info_hash":   infoHash,
		"peers":       len(peers),
	}).Info("download started")

	n.mu.Lock()
	n.downloads[infoHash] = d
	n.mu.Unlock()

	return d, nil
}

// resolveManifestLocal tries the local manifest store, then the DHT.
// Either source missing the manifest is not itself an error: the caller
// falls back to asking peers directly (spec.md §4.8 step 4).
func (n *Node) resolveManifestLocal(ctx context.Context, infoHash string, key identifier.ID) (*store.Manifest, error) {
	if m, err := n.manifests.GetManifest(infoHash); err == nil {
		return m, nil
	}

	data, err := n.engine.FindValue(ctx, key)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "Node.resolveManifestLocal", "manifest not found in DHT", err)
	}
	m, err := parseManifest(data, infoHash)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// resolveManifestFromPeers implements spec.md §4.8 step 4: when the
// manifest is unknown locally and absent from the DHT, ask each
// discovered peer's REQUEST_MANIFEST in turn until one answers with a
// manifest whose info_hash matches.
func (n *Node) resolveManifestFromPeers(infoHash string, peers []swarm.Peer) (*store.Manifest, error) {
	for _, p := range peers {
		data, err := n.xferClient.RequestManifest(p.Addr, infoHash)
		if err != nil {
			continue
		}
		m, err := parseManifest(data, infoHash)
		if err != nil {
			continue
		}
		return m, nil
	}
	return nil, errs.New(errs.NotFound, "Node.resolveManifestFromPeers", fmt.Sprintf("manifest %s not found locally, in the DHT, or from any peer", infoHash))
}

func parseManifest(data []byte, infoHash string) (*store.Manifest, error) {
	var m store.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.InvalidMessage, "parseManifest", "parsing manifest", err)
	}
	if m.InfoHash != infoHash {
		return nil, errs.New(errs.Integrity, "parseManifest", "manifest info_hash mismatch on delivery")
	}
	return &m, nil
}
