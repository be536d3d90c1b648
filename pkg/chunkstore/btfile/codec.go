package btfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"lsmtree/pkg/chunkstore"
	"lsmtree/pkg/compression"
)

// File layout: a zstd stream of length-prefixed records in key order, only
// the newest version per key. Tombstones are persisted: a sealed chunk's
// deletion marker must survive restart to shadow older chunks.
//
//	u32 keyLen | key | u32 valLen | val | u64 txn | u8 tombstone

func appendRecord(buf []byte, key, value []byte, txn uint64, tombstone bool) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	buf = append(buf, value...)
	buf = binary.LittleEndian.AppendUint64(buf, txn)
	if tombstone {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// writeFile checkpoints a table: sorted payload, zstd, tmp file, rename.
func (s *Store) writeFile(t *table) (chunkstore.Info, error) {
	var payload []byte
	var count uint64
	t.entries.Range(func(key []byte, vs *versions) bool {
		rec := vs.head.Load()
		if rec == nil {
			return true
		}
		payload = appendRecord(payload, key, rec.value, rec.txn, rec.tombstone)
		count++
		return true
	})

	// one private tmp file per writer, so concurrent checkpoints of the same
	// chunk never truncate or rename each other's file
	f, err := os.CreateTemp(s.dir, t.uri+".*.tmp")
	if err != nil {
		return chunkstore.Info{}, fmt.Errorf("%w: create tmp for %s: %v", chunkstore.ErrIO, t.uri, err)
	}
	tmp := f.Name()

	w := bufio.NewWriter(f)
	size, err := compression.CompressZstd(bytes.NewReader(payload), w)
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
		return chunkstore.Info{}, fmt.Errorf("%w: checkpoint %s: %v", chunkstore.ErrIO, t.uri, err)
	}

	if err := os.Rename(tmp, s.path(t.uri)); err != nil {
		os.Remove(tmp)
		return chunkstore.Info{}, fmt.Errorf("%w: rename %s: %v", chunkstore.ErrIO, t.uri, err)
	}

	return chunkstore.Info{Count: count, Size: uint64(size)}, nil
}

// load reads a checkpointed chunk file back into a table.
func (s *Store) load(uri string) (*table, error) {
	f, err := os.Open(s.path(uri))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", chunkstore.ErrNotFound, uri)
		}
		return nil, fmt.Errorf("%w: open %s: %v", chunkstore.ErrIO, uri, err)
	}
	defer f.Close()

	var payload bytes.Buffer
	if _, err := compression.DecompressZstd(bufio.NewReader(f), &payload); err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", chunkstore.ErrCorrupt, uri, err)
	}

	t := newTable(uri)
	r := payload.Bytes()
	for len(r) > 0 {
		key, rest, err := readChunkField(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", chunkstore.ErrCorrupt, uri, err)
		}
		value, rest, err := readChunkField(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", chunkstore.ErrCorrupt, uri, err)
		}
		if len(rest) < 9 {
			return nil, fmt.Errorf("%w: %s: truncated record", chunkstore.ErrCorrupt, uri)
		}
		txn := binary.LittleEndian.Uint64(rest)
		tombstone := rest[8] == 1
		t.put(key, value, txn, tombstone)
		r = rest[9:]
	}
	t.dirty.Store(false)
	return t, nil
}

func readChunkField(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errors.New("truncated length")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, io.ErrUnexpectedEOF
	}
	return b[:n], b[n:], nil
}
