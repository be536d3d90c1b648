package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// Txnid is a monotonically increasing transaction identifier. Zero means
// "no transaction": records stamped with it are visible to everyone.
type Txnid = uint64

// ChunkID identifies one chunk of a tree and is used to derive its URIs.
type ChunkID = uint32

// Generation is the merge depth of a chunk: 0 for freshly flushed chunks,
// 1 + max(inputs) for merge outputs.
type Generation = uint32
