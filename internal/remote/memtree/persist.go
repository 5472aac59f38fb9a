package memtree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/dryerlink-core/internal/remote"
)

// snapshotFilePermissions is the permission mode for written snapshot files.
const snapshotFilePermissions = 0600

// Export returns a deep copy of the whole tree.
func (t *Tree) Export() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out, _ := remote.Clone(t.root).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Import replaces the whole tree with data and notifies every listener
// whose view changed.
func (t *Tree) Import(data map[string]any) error {
	normalized, err := remote.Normalize(data)
	if err != nil {
		return fmt.Errorf("importing tree: %w", err)
	}
	root, _ := normalized.(map[string]any)
	if root == nil {
		root = map[string]any{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return remote.ErrDisconnected
	}
	t.root = root
	t.notifyLocked("")
	return nil
}

// LoadFile imports a YAML or JSON document (chosen by extension; anything
// other than .json is read as YAML).
func (t *Tree) LoadFile(path string) error {
	raw, err := os.ReadFile(path) //nolint:gosec // Path comes from operator configuration
	if err != nil {
		return fmt.Errorf("reading tree file: %w", err)
	}

	var data map[string]any
	if isJSON(path) {
		err = json.Unmarshal(raw, &data)
	} else {
		err = yaml.Unmarshal(raw, &data)
	}
	if err != nil {
		return fmt.Errorf("parsing tree file %s: %w", path, err)
	}
	return t.Import(data)
}

// SaveFile writes the tree to path as YAML or JSON (by extension),
// replacing the file atomically.
func (t *Tree) SaveFile(path string) error {
	data := t.Export()

	var (
		raw []byte
		err error
	)
	if isJSON(path) {
		raw, err = json.MarshalIndent(data, "", "  ")
	} else {
		raw, err = yaml.Marshal(data)
	}
	if err != nil {
		return fmt.Errorf("encoding tree: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, snapshotFilePermissions); err != nil {
		return fmt.Errorf("writing tree file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing tree file: %w", err)
	}
	return nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
