// Package btfile is a single-file ordered chunk store. Live content lives
// in a concurrent skip map; Checkpoint writes the sorted stream to a
// zstd-compressed file; a cold open reloads the file. One Store instance
// owns one directory.
package btfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"lsmtree/pkg/chunkstore"
	"lsmtree/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

type orderedMap = skipmap.FuncMap[[]byte, *versions]

func newOrderedMap() *orderedMap {
	return skipmap.NewFunc[[]byte, *versions](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// versions is a newest-first chain of records for one key.
type versions struct {
	head atomic.Pointer[record]
}

type record struct {
	value     []byte
	txn       types.Txnid
	tombstone bool
	next      *record
}

func (v *versions) push(rec *record) {
	for {
		old := v.head.Load()
		rec.next = old
		if v.head.CompareAndSwap(old, rec) {
			return
		}
	}
}

type table struct {
	uri     string
	entries *orderedMap

	keys  atomic.Int64
	bytes atomic.Int64
	dirty atomic.Bool
}

func newTable(uri string) *table {
	return &table{uri: uri, entries: newOrderedMap()}
}

func (t *table) put(key, value []byte, txnid types.Txnid, tombstone bool) {
	vs, loaded := t.entries.LoadOrStore(key, &versions{})
	if !loaded {
		t.keys.Add(1)
	}
	vs.push(&record{value: value, txn: txnid, tombstone: tombstone})
	t.bytes.Add(int64(len(key)+len(value)) + 16)
	t.dirty.Store(true)
}

type Store struct {
	dir string
	log *slog.Logger

	mu     sync.Mutex
	tables map[string]*table
}

func New(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create chunk dir: %v", chunkstore.ErrIO, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{dir: dir, log: log, tables: make(map[string]*table)}, nil
}

func (s *Store) path(uri string) string {
	return filepath.Join(s.dir, uri)
}

// lookup returns the table for uri, loading its backing file on a cold
// open. With create set, a missing chunk is registered fresh.
func (s *Store) lookup(uri string, create bool) (*table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[uri]; ok {
		return t, nil
	}

	t, err := s.load(uri)
	switch {
	case err == nil:
	case errors.Is(err, chunkstore.ErrNotFound) && create:
		t = newTable(uri)
	default:
		return nil, err
	}

	s.tables[uri] = t
	return t, nil
}

func (s *Store) Create(uri string) error {
	_, err := s.lookup(uri, true)
	return err
}

func (s *Store) Drop(uri string) error {
	s.mu.Lock()
	delete(s.tables, uri)
	s.mu.Unlock()

	if err := os.Remove(s.path(uri)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: drop %s: %v", chunkstore.ErrIO, uri, err)
	}
	return nil
}

func (s *Store) OpenCursor(uri string) (chunkstore.Cursor, error) {
	t, err := s.lookup(uri, false)
	if err != nil {
		return nil, err
	}
	return &cursor{t: t, pos: posNone}, nil
}

func (s *Store) Checkpoint(uri string) (chunkstore.Info, error) {
	t, err := s.lookup(uri, false)
	if err != nil {
		return chunkstore.Info{}, err
	}

	if !t.dirty.Load() {
		// nothing new since the last checkpoint
		if st, err := os.Stat(s.path(uri)); err == nil {
			return chunkstore.Info{Count: uint64(t.keys.Load()), Size: uint64(st.Size())}, nil
		}
	}

	info, err := s.writeFile(t)
	if err != nil {
		return chunkstore.Info{}, err
	}
	t.dirty.Store(false)
	return info, nil
}

func (s *Store) BulkLoad(uri string, stream chunkstore.Entries) (chunkstore.Info, error) {
	t := newTable(uri)
	var prev []byte
	var tail *record
	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return chunkstore.Info{}, err
		}
		r := &record{value: rec.Value, txn: rec.Txn, tombstone: rec.Tombstone}
		switch {
		case prev == nil || bytes.Compare(rec.Key, prev) > 0:
			vs := &versions{}
			vs.head.Store(r)
			t.entries.Store(rec.Key, vs)
			t.keys.Add(1)
			prev = rec.Key
			tail = r
		case bytes.Equal(rec.Key, prev):
			// same key again: an older version, appended below the chain
			tail.next = r
			tail = r
		default:
			return chunkstore.Info{}, fmt.Errorf("%w: bulk load out of order at %q", chunkstore.ErrCorrupt, rec.Key)
		}
		t.bytes.Add(int64(len(rec.Key)+len(rec.Value)) + 16)
	}

	info, err := s.writeFile(t)
	if err != nil {
		return chunkstore.Info{}, err
	}
	t.dirty.Store(false)

	s.mu.Lock()
	s.tables[uri] = t
	s.mu.Unlock()
	return info, nil
}

func (s *Store) Compact(uri string) error {
	_, err := s.Checkpoint(uri)
	return err
}

func (s *Store) Stat(uri string) (chunkstore.Info, error) {
	t, err := s.lookup(uri, false)
	if err != nil {
		return chunkstore.Info{}, err
	}
	return chunkstore.Info{Count: uint64(t.keys.Load()), Size: uint64(t.bytes.Load())}, nil
}
