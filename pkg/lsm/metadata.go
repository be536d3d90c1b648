package lsm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// The tree's metadata record lists the active chunk array in order. It is
// rewritten on every structural change and reconstructs the array on open.
// The Merging state is deliberately not persisted: an interrupted merge
// must come back as plain on-disk chunks.

type chunkMeta struct {
	ID         uint32 `yaml:"id"`
	Generation uint32 `yaml:"generation"`
	Count      uint64 `yaml:"count"`
	Size       uint64 `yaml:"size"`
	SwitchTxn  uint64 `yaml:"switch_txn"`
	OnDisk     bool   `yaml:"ondisk"`
	Stable     bool   `yaml:"stable"`
	Bloom      bool   `yaml:"bloom"`
	Empty      bool   `yaml:"empty,omitempty"`
}

type treeMeta struct {
	Name   string      `yaml:"name"`
	Last   uint32      `yaml:"last"`
	DskGen uint64      `yaml:"dsk_gen"`
	Chunks []chunkMeta `yaml:"chunks"`
}

func (t *Tree) metaPath() string {
	return filepath.Join(t.dir, t.name+".meta")
}

// saveMetaLocked persists the metadata record. Caller holds the write
// lock.
func (t *Tree) saveMetaLocked() error {
	meta := treeMeta{
		Name:   t.name,
		Last:   t.last,
		DskGen: t.dskGen.Load(),
	}
	for _, c := range t.chunks {
		meta.Chunks = append(meta.Chunks, chunkMeta{
			ID:         c.id,
			Generation: c.generation,
			Count:      c.count.Load(),
			Size:       c.size.Load(),
			SwitchTxn:  c.switchTxn.Load(),
			OnDisk:     c.onDisk(),
			Stable:     c.stable.Load(),
			Bloom:      c.hasBloom.Load(),
			Empty:      c.empty.Load(),
		})
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("lsm: marshal metadata: %w", err)
	}

	tmp := t.metaPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write metadata: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, t.metaPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename metadata: %v", ErrIO, err)
	}
	return nil
}

// persistMeta takes the write lock and saves the record.
func (t *Tree) persistMeta() {
	t.mu.Lock()
	err := t.saveMetaLocked()
	t.mu.Unlock()
	if err != nil {
		t.log.Error("metadata save failed", "tree", t.name, "error", err)
	}
}

// loadMeta reads the record back, returning nil for a fresh tree.
func (t *Tree) loadMeta() (*treeMeta, error) {
	data, err := os.ReadFile(t.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read metadata: %v", ErrIO, err)
	}
	var meta treeMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: parse metadata: %v", ErrCorrupt, err)
	}
	return &meta, nil
}
