// Package store implements content-addressed local storage for file
// chunks and manifests: SHA-256-keyed chunks with self-healing corruption
// detection, and a manifest index describing how chunks reassemble into a
// shared file. Grounded on the teacher's file/manager.go (the coordination
// and locking shape) and file/transfer.go (state bookkeeping), with the
// actual storage medium built on stdlib os/io since this is filesystem
// persistence, not a concern any pack dependency covers.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opd-ai/kadshare/errs"
	"github.com/sirupsen/logrus"
)

// ChunkSize is the fixed size of every chunk except the last one in a
// file (spec.md §5.1).
const ChunkSize = 256 * 1024

// ChunkStore persists chunks on disk, named by the hex SHA-256 of their
// content, under root/chunks/.
type ChunkStore struct {
	root string
	mu   sync.Mutex
}

// NewChunkStore creates a ChunkStore rooted at dir, creating the chunks
// subdirectory if needed.
func NewChunkStore(dir string) (*ChunkStore, error) {
	chunksDir := filepath.Join(dir, "chunks")
	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IOError, "store.NewChunkStore", "creating chunks directory", err)
	}
	return &ChunkStore{root: chunksDir}, nil
}

// HashChunk computes the hex SHA-256 hash that identifies chunk data.
func HashChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *ChunkStore) path(hash string) string {
	return filepath.Join(s.root, hash)
}

// PutChunk writes data under its content hash, atomically (write to a
// temp file, then rename), and returns the hash. Writing the same chunk
// twice is idempotent.
func (s *ChunkStore) PutChunk(data []byte) (string, error) {
	hash := HashChunk(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	dest := s.path(hash)
	if _, err := os.Stat(dest); err == nil {
		return hash, nil
	}

	tmp, err := os.CreateTemp(s.root, "chunk-*.tmp")
	if err != nil {
		return "", errs.Wrap(errs.IOError, "store.PutChunk", "creating temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", errs.Wrap(errs.IOError, "store.PutChunk", "writing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", errs.Wrap(errs.IOError, "store.PutChunk", "closing temp file", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", errs.Wrap(errs.IOError, "store.PutChunk", "renaming temp file", err)
	}
	return hash, nil
}

// GetChunk reads the chunk stored under hash, verifying its content
// against the hash on every read. A mismatch (on-disk corruption) deletes
// the chunk and reports NotFound, so the caller re-fetches it from a peer
// rather than ever returning corrupted data (spec.md §5.2 self-healing).
func (s *ChunkStore) GetChunk(hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "store.GetChunk", fmt.Sprintf("chunk %s not found", hash))
		}
		return nil, errs.Wrap(errs.IOError, "store.GetChunk", "reading chunk", err)
	}

	if HashChunk(data) != hash {
		logrus.WithFields(logrus.Fields{
			"function": "ChunkStore.GetChunk",
			"hash":     hash,
		}).Warn("chunk failed integrity check, deleting corrupted copy")
		os.Remove(s.path(hash))
		return nil, errs.New(errs.NotFound, "store.GetChunk", fmt.Sprintf("chunk %s failed integrity check", hash))
	}
	return data, nil
}

// HasChunk reports whether hash is present and passes its integrity
// check, self-healing by deleting it if corrupted.
func (s *ChunkStore) HasChunk(hash string) bool {
	_, err := s.GetChunk(hash)
	return err == nil
}

// DeleteChunk removes a chunk from disk. Missing chunks are not an error.
func (s *ChunkStore) DeleteChunk(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IOError, "store.DeleteChunk", "removing chunk", err)
	}
	return nil
}
