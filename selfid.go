package kadshare

import (
	"os"
	"path/filepath"

	"github.com/opd-ai/kadshare/errs"
	"github.com/opd-ai/kadshare/identifier"
)

const selfIDFileName = "node_id"

// loadOrCreateSelfID reads the node's persisted identifier from dataDir,
// generating and persisting a fresh one on first run.
func loadOrCreateSelfID(dataDir string) (identifier.ID, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return identifier.ID{}, errs.Wrap(errs.IOError, "loadOrCreateSelfID", "creating data directory", err)
	}

	path := filepath.Join(dataDir, selfIDFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		id, parseErr := identifier.FromHex(string(data))
		if parseErr == nil {
			return id, nil
		}
	}

	id, err := identifier.Generate()
	if err != nil {
		return identifier.ID{}, errs.Wrap(errs.IOError, "loadOrCreateSelfID", "generating node id", err)
	}
	if err := os.WriteFile(path, []byte(id.String()), 0o600); err != nil {
		return identifier.ID{}, errs.Wrap(errs.IOError, "loadOrCreateSelfID", "persisting node id", err)
	}
	return id, nil
}
