// Package kadshare is the root facade for a peer-sharing node: it wires
// together the Kademlia DHT engine, the local chunk/manifest store, the
// TCP transfer server, and the swarm downloader behind a small surface
// (Share/Download/List/Remove/Stats). Grounded on the teacher's root
// toxcore.go facade (Options, New, Bootstrap, Iterate).
package kadshare

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/opd-ai/kadshare/dhtnet"
	"github.com/opd-ai/kadshare/errs"
	"github.com/opd-ai/kadshare/identifier"
	"github.com/opd-ai/kadshare/kademlia"
	"github.com/opd-ai/kadshare/routing"
	"github.com/opd-ai/kadshare/store"
	"github.com/opd-ai/kadshare/swarm"
	"github.com/opd-ai/kadshare/transfer"
	"github.com/sirupsen/logrus"
)

// Config configures a Node. Grounded on the teacher's toxcore.Options /
// dht.MaintenanceConfig pattern.
type Config struct {
	// DataDir holds the chunk store, manifest store, and local node id.
	DataDir string
	// DHTListenAddr is the UDP address the Kademlia engine binds to.
	DHTListenAddr string
	// TransferListenAddr is the TCP address the chunk/manifest server binds to.
	TransferListenAddr string
	// BootstrapSeeds are contacted by Bootstrap to join the network.
	BootstrapSeeds []SeedAddr
	// Maintenance overrides the default DHT maintenance cadence.
	Maintenance *kademlia.MaintenanceConfig
	// DownloadConcurrency bounds per-download chunk-fetch parallelism.
	DownloadConcurrency int
	// TransferPoolSize bounds how many peer TCP connections stay open.
	TransferPoolSize int
}

// SeedAddr is a bootstrap contact: a DHT node id and its UDP address.
type SeedAddr struct {
	ID   string
	Addr string
}

// DefaultConfig returns sensible defaults, binding to ephemeral ports on
// all interfaces and using the default maintenance cadence.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:             dataDir,
		DHTListenAddr:       "0.0.0.0:0",
		TransferListenAddr:  "0.0.0.0:0",
		Maintenance:         kademlia.DefaultMaintenanceConfig(),
		DownloadConcurrency: swarm.DefaultConcurrency,
		TransferPoolSize:    transfer.DefaultPoolSize,
	}
}

// Stats summarizes a running Node's state.
type Stats struct {
	NodeID          string
	RoutingTableSize int
	SharedManifests int
	DHTAddr         string
	TransferAddr    string
	Bootstrapped    bool
}

// Node is a running peer-sharing participant.
type Node struct {
	cfg Config
	self identifier.ID

	dht      *dhtnet.Transport
	engine   *kademlia.Engine
	maintain *kademlia.Maintainer

	chunks    *store.ChunkStore
	manifests *store.ManifestStore

	xferServer *transfer.Server
	xferClient *transfer.Client

	mu        sync.Mutex
	downloads map[string]*swarm.Download
}

// New creates and starts a Node: it opens the data stores, binds the DHT
// and transfer listeners, and starts the maintenance loop. It does not
// bootstrap onto the network; call Bootstrap for that.
func New(cfg Config) (*Node, error) {
	self, err := loadOrCreateSelfID(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	chunks, err := store.NewChunkStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	manifests, err := store.NewManifestStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	dht, err := dhtnet.Listen(cfg.DHTListenAddr)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "kadshare.New", "binding DHT listener", err)
	}
	engine := kademlia.New(self, dht)
	maintain := kademlia.NewMaintainer(engine, cfg.Maintenance)

	n := &Node{
		cfg:       cfg,
		self:      self,
		dht:       dht,
		engine:    engine,
		maintain:  maintain,
		chunks:    chunks,
		manifests: manifests,
		downloads: make(map[string]*swarm.Download),
	}

	xferServer, err := transfer.Listen(cfg.TransferListenAddr, n.serveChunk, n.serveManifest)
	if err != nil {
		dht.Close()
		return nil, errs.Wrap(errs.IOError, "kadshare.New", "binding transfer listener", err)
	}
	n.xferServer = xferServer

	xferClient, err := transfer.NewClient(cfg.TransferPoolSize)
	if err != nil {
		dht.Close()
		xferServer.Close()
		return nil, err
	}
	n.xferClient = xferClient

	maintain.Start()

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"node_id":   self.String(),
		"dht_addr":  dht.LocalAddr().String(),
		"xfer_addr": xferServer.Addr().String(),
	}).Info("node started")

	return n, nil
}

// Bootstrap joins the DHT by contacting the configured seed nodes.
func (n *Node) Bootstrap(ctx context.Context) error {
	if len(n.cfg.BootstrapSeeds) == 0 {
		return errs.New(errs.InvalidMessage, "Node.Bootstrap", "no bootstrap seeds configured")
	}
	seeds := make([]routing.Contact, 0, len(n.cfg.BootstrapSeeds))
	for _, s := range n.cfg.BootstrapSeeds {
		id, err := identifier.FromHex(s.ID)
		if err != nil {
			continue
		}
		host, portStr, err := net.SplitHostPort(s.Addr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil {
			resolved, err := net.ResolveIPAddr("ip", host)
			if err != nil {
				continue
			}
			ip = resolved.IP
		}
		seeds = append(seeds, routing.NewContact(id, ip, port))
	}
	return n.engine.Bootstrap(ctx, seeds)
}

// Close stops the maintenance loop and all listeners.
func (n *Node) Close() error {
	n.maintain.Stop()
	n.xferClient.Close()
	_ = n.xferServer.Close()
	return n.dht.Close()
}

// Stats reports the node's current state.
func (n *Node) Stats() Stats {
	manifests, _ := n.manifests.ListManifests()
	return Stats{
		NodeID:           n.self.String(),
		RoutingTableSize: n.engine.RoutingTable().Size(),
		SharedManifests:  len(manifests),
		DHTAddr:          n.dht.LocalAddr().String(),
		TransferAddr:     n.xferServer.Addr().String(),
		Bootstrapped:     n.engine.Bootstrapped(),
	}
}

func (n *Node) serveChunk(hash string) ([]byte, bool) {
	data, err := n.chunks.GetChunk(hash)
	return data, err == nil
}

func (n *Node) serveManifest(infoHash string) ([]byte, bool) {
	m, err := n.manifests.GetManifest(infoHash)
	if err != nil {
		return nil, false
	}
	data, err := manifestJSON(m)
	if err != nil {
		return nil, false
	}
	return data, true
}
