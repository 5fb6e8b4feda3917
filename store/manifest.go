package store

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/kadshare/errs"
)

// ChunkInfo describes one chunk of a shared file: its position in the
// sequence, its content hash, and its exact placement in the original
// file (spec.md §3/§8: size <= chunk_size, offset = index*chunk_size,
// last chunk may be short).
type ChunkInfo struct {
	Index  int    `json:"index"`
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
	Offset int64  `json:"offset"`
}

// Manifest describes a shared file: its identity (info_hash, the SHA-256
// of the full content), how it was split (chunk_size, ordered Chunks),
// and bookkeeping metadata. Wire format is spec.md §6's Manifest JSON,
// exchanged verbatim between the DHT, peers, and the local store.
type Manifest struct {
	Name        string      `json:"name"`
	Size        int64       `json:"size"`
	InfoHash    string      `json:"info_hash"`
	ChunkSize   int64       `json:"chunk_size"`
	Chunks      []ChunkInfo `json:"chunks"`
	CreatedAt   float64     `json:"created_at"`
	CreatedBy   string      `json:"created_by,omitempty"`
	MimeType    string      `json:"mime_type,omitempty"`
	Description string      `json:"description,omitempty"`
}

// ChunkHashes returns the manifest's chunk hashes in index order, the
// shape the chunk store and downloader operate on.
func (m *Manifest) ChunkHashes() []string {
	hashes := make([]string, len(m.Chunks))
	for i, c := range m.Chunks {
		hashes[i] = c.Hash
	}
	return hashes
}

// DHTKey derives the 160-bit DHT storage key for this manifest: the
// SHA-1 of the raw info_hash bytes, a fixed reduction every producer and
// consumer must apply identically (spec.md §4.5).
func (m *Manifest) DHTKey() ([20]byte, error) {
	raw, err := hex.DecodeString(m.InfoHash)
	if err != nil {
		return [20]byte{}, fmt.Errorf("store.Manifest.DHTKey: %w", err)
	}
	sum := sha1.Sum(raw)
	return sum, nil
}

// ManifestStore persists manifests as JSON files under root/manifests/,
// named by info_hash.
type ManifestStore struct {
	root string
	mu   sync.RWMutex
}

// NewManifestStore creates a ManifestStore rooted at dir.
func NewManifestStore(dir string) (*ManifestStore, error) {
	manifestsDir := filepath.Join(dir, "manifests")
	if err := os.MkdirAll(manifestsDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IOError, "store.NewManifestStore", "creating manifests directory", err)
	}
	return &ManifestStore{root: manifestsDir}, nil
}

func (s *ManifestStore) path(infoHash string) string {
	return filepath.Join(s.root, infoHash+".json")
}

// PutManifest persists m, overwriting any existing manifest with the same
// info_hash.
func (s *ManifestStore) PutManifest(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.Wrap(errs.IOError, "store.PutManifest", "marshaling manifest", err)
	}

	tmp, err := os.CreateTemp(s.root, "manifest-*.tmp")
	if err != nil {
		return errs.Wrap(errs.IOError, "store.PutManifest", "creating temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, "store.PutManifest", "writing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, "store.PutManifest", "closing temp file", err)
	}
	if err := os.Rename(tmpName, s.path(m.InfoHash)); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, "store.PutManifest", "renaming temp file", err)
	}
	return nil
}

// GetManifest loads the manifest for infoHash.
func (s *ManifestStore) GetManifest(infoHash string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(infoHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "store.GetManifest", fmt.Sprintf("manifest %s not found", infoHash))
		}
		return nil, errs.Wrap(errs.IOError, "store.GetManifest", "reading manifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.InvalidMessage, "store.GetManifest", "parsing manifest", err)
	}
	return &m, nil
}

// ListManifests returns every manifest known to the local store.
func (s *ManifestStore) ListManifests() ([]*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "store.ListManifests", "reading manifests directory", err)
	}
	var out []*Manifest
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, entry.Name()))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// DeleteManifest removes the manifest for infoHash. Missing is not an error.
func (s *ManifestStore) DeleteManifest(infoHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(infoHash)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IOError, "store.DeleteManifest", "removing manifest", err)
	}
	return nil
}

// CreateManifest chunks the file at path into ChunkSize pieces, stores
// each chunk in chunks, and returns the resulting Manifest (spec.md §5.1).
// createdBy is recorded as the manifest's originating node id.
func CreateManifest(chunks *ChunkStore, path, description, createdBy string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "store.CreateManifest", "opening source file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "store.CreateManifest", "stat source file", err)
	}

	fullHash := sha256.New()
	var chunkInfos []ChunkInfo
	buf := make([]byte, ChunkSize)
	var offset int64

	for index := 0; ; index++ {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunkData := buf[:n]
			fullHash.Write(chunkData)
			hash, putErr := chunks.PutChunk(chunkData)
			if putErr != nil {
				return nil, putErr
			}
			chunkInfos = append(chunkInfos, ChunkInfo{
				Index:  index,
				Hash:   hash,
				Size:   int64(n),
				Offset: offset,
			})
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.IOError, "store.CreateManifest", "reading source file", err)
		}
	}

	m := &Manifest{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		InfoHash:    hex.EncodeToString(fullHash.Sum(nil)),
		ChunkSize:   ChunkSize,
		Chunks:      chunkInfos,
		CreatedAt:   float64(time.Now().UnixNano()) / 1e9,
		CreatedBy:   createdBy,
		MimeType:    guessMimeType(path),
		Description: description,
	}
	return m, nil
}

func guessMimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// MissingChunks returns the subset of m's chunk hashes not present (or
// corrupted) in chunks.
func MissingChunks(chunks *ChunkStore, m *Manifest) []string {
	var missing []string
	for _, c := range m.Chunks {
		if !chunks.HasChunk(c.Hash) {
			missing = append(missing, c.Hash)
		}
	}
	return missing
}

// AvailableChunks returns the subset of m's chunk hashes present and
// intact in chunks.
func AvailableChunks(chunks *ChunkStore, m *Manifest) []string {
	var available []string
	for _, c := range m.Chunks {
		if chunks.HasChunk(c.Hash) {
			available = append(available, c.Hash)
		}
	}
	return available
}

// Reassemble writes the file described by m to outPath by concatenating
// its chunks in index order, verifying the full-file hash against
// m.InfoHash before the temp file is renamed into place (spec.md §5.4).
func Reassemble(chunks *ChunkStore, m *Manifest, outPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(outPath), "reassemble-*.tmp")
	if err != nil {
		return errs.Wrap(errs.IOError, "store.Reassemble", "creating temp file", err)
	}
	tmpName := tmp.Name()

	fullHash := sha256.New()
	for _, c := range m.Chunks {
		data, err := chunks.GetChunk(c.Hash)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return errs.Wrap(errs.IOError, "store.Reassemble", "writing output", err)
		}
		fullHash.Write(data)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, "store.Reassemble", "closing output", err)
	}

	if got := hex.EncodeToString(fullHash.Sum(nil)); got != m.InfoHash {
		os.Remove(tmpName)
		return errs.New(errs.Integrity, "store.Reassemble", fmt.Sprintf("reassembled hash %s does not match manifest info_hash %s", got, m.InfoHash))
	}

	if err := os.Rename(tmpName, outPath); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, "store.Reassemble", "renaming output file", err)
	}
	return nil
}
