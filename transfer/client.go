package transfer

import (
	"fmt"
	"time"

	"github.com/opd-ai/kadshare/errs"
)

// Per-request-type timeouts a Client waits for a peer's response on an
// established connection before giving up and dropping it (spec.md
// §4.6/§5: distinct budgets for chunk and manifest requests rather than
// one blanket timeout).
const (
	ChunkRequestTimeout    = 30 * time.Second
	ManifestRequestTimeout = 10 * time.Second
	PingRequestTimeout     = 10 * time.Second
)

// Client issues chunk and manifest requests to peers over pooled TCP
// connections.
type Client struct {
	pool *Pool
}

// NewClient creates a Client backed by a connection pool of the given
// size (0 uses DefaultPoolSize).
func NewClient(poolSize int) (*Client, error) {
	pool, err := NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &Client{pool: pool}, nil
}

// Close releases all pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) roundTrip(addr string, req Message, timeout time.Duration) (Message, error) {
	pc, err := c.pool.Get(addr)
	if err != nil {
		return Message{}, errs.Wrap(errs.PeerUnreachable, "transfer.Client", "connecting to peer", err)
	}

	// pc.mu is released before Drop: the pool's evict callback takes the
	// same lock to close the connection.
	pc.mu.Lock()

	_ = pc.conn.SetDeadline(time.Now().Add(timeout))
	if err := WriteMessage(pc.conn, req); err != nil {
		pc.mu.Unlock()
		c.pool.Drop(addr)
		return Message{}, fmt.Errorf("transfer.Client: writing request: %w", err)
	}

	resp, err := ReadMessage(pc.conn)
	pc.mu.Unlock()
	if err != nil {
		c.pool.Drop(addr)
		return Message{}, errs.Wrap(errs.PeerUnreachable, "transfer.Client", "reading response", err)
	}
	return resp, nil
}

// RequestChunk fetches a chunk by hash from the peer at addr.
func (c *Client) RequestChunk(addr, chunkHash string) ([]byte, error) {
	resp, err := c.roundTrip(addr, Message{Header: Header{Type: RequestChunk, ChunkHash: chunkHash}}, ChunkRequestTimeout)
	if err != nil {
		return nil, err
	}
	switch resp.Header.Type {
	case ChunkData:
		return resp.Data, nil
	case ChunkNotFound:
		return nil, errs.New(errs.NotFound, "transfer.Client.RequestChunk", fmt.Sprintf("peer %s does not have chunk %s", addr, chunkHash))
	default:
		return nil, errs.New(errs.InvalidMessage, "transfer.Client.RequestChunk", fmt.Sprintf("unexpected response type %s", resp.Header.Type))
	}
}

// RequestManifest fetches the manifest for infoHash from the peer at addr.
// The caller is responsible for unmarshaling the returned bytes.
func (c *Client) RequestManifest(addr, infoHash string) ([]byte, error) {
	resp, err := c.roundTrip(addr, Message{Header: Header{Type: RequestManifest, InfoHash: infoHash}}, ManifestRequestTimeout)
	if err != nil {
		return nil, err
	}
	switch resp.Header.Type {
	case ManifestData:
		return resp.Data, nil
	case ManifestNotFound:
		return nil, errs.New(errs.NotFound, "transfer.Client.RequestManifest", fmt.Sprintf("peer %s does not have manifest %s", addr, infoHash))
	default:
		return nil, errs.New(errs.InvalidMessage, "transfer.Client.RequestManifest", fmt.Sprintf("unexpected response type %s", resp.Header.Type))
	}
}

// Ping sends a PING and confirms the peer answers with PONG.
func (c *Client) Ping(addr string) error {
	resp, err := c.roundTrip(addr, Message{Header: Header{Type: Ping}}, PingRequestTimeout)
	if err != nil {
		return err
	}
	if resp.Header.Type != Pong {
		return errs.New(errs.InvalidMessage, "transfer.Client.Ping", "peer did not respond with PONG")
	}
	return nil
}
