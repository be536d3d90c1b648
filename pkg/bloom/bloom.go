// Package bloom persists per-chunk Bloom filters. It wraps the filter
// library behind a small build/open surface so the engine never sees the
// bit-level representation. Contains may answer true spuriously but never
// returns a false negative.
package bloom

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"lsmtree/pkg/types"

	"github.com/willf/bloom"
)

var ErrNotFound = errors.New("bloom: not found")

// Builder accumulates keys for one chunk and persists the finished filter.
type Builder struct {
	path   string
	filter *bloom.BloomFilter
}

// NewBuilder sizes a filter for the expected key count. bitsPerKey and
// hashes follow the tree's bloom configuration. A zero count clamps to one
// so the library never sees an empty filter.
func NewBuilder(path string, expected uint64, bitsPerKey, hashes uint32) *Builder {
	if expected == 0 {
		expected = 1
	}
	return &Builder{
		path:   path,
		filter: bloom.New(uint(expected)*uint(bitsPerKey), uint(hashes)),
	}
}

func (b *Builder) Add(key types.Key) {
	b.filter.Add(key)
}

// Finish writes the filter to its file.
func (b *Builder) Finish() error {
	tmp := b.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("bloom: create %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	_, err = b.filter.WriteTo(w)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("bloom: write %s: %w", b.path, err)
	}

	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("bloom: rename %s: %w", b.path, err)
	}
	return nil
}

// Filter is a read-only handle on a persisted filter.
type Filter struct {
	filter *bloom.BloomFilter
}

func Open(path string) (*Filter, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("bloom: open %s: %w", path, err)
	}
	defer f.Close()

	var bf bloom.BloomFilter
	if _, err := bf.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("bloom: read %s: %w", path, err)
	}
	return &Filter{filter: &bf}, nil
}

func (f *Filter) Contains(key types.Key) bool {
	return f.filter.Test(key)
}

func (f *Filter) Close() {}

// Drop removes a persisted filter. Missing files are fine: not every chunk
// has one.
func Drop(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bloom: drop %s: %w", path, err)
	}
	return nil
}
