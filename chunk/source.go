package chunk

import (
	"context"
	"sync"

	"github.com/janelia-flyem/chunkview/cview"
)

// Source produces chunk payloads for one data stream/configuration.  Each
// source owns a table of its chunks keyed by grid position.  Concrete
// sources embed ChunkSource and implement GridGet and ChunkBytes.
type Source interface {
	// DataName returns a stable name identifying this source, unique
	// within a Manager.
	DataName() string

	// ChunkBytes returns the expected system-memory byte size of one
	// decoded chunk payload, used to reserve capacity before download.
	ChunkBytes() uint64

	// GridGet fetches and decodes the payload for the chunk at the given
	// grid position.  It must honor ctx cancellation at suspension points
	// and must not leave partial state on error.
	GridGet(ctx context.Context, pt cview.ChunkPoint3d) ([]byte, error)

	table() *chunkTable
}

// ChunkSource is the embeddable base for Source implementations, holding
// the source name and the chunk table.
type ChunkSource struct {
	name string
	tbl  chunkTable
}

// NewChunkSource returns a base for a concrete source with the given name.
func NewChunkSource(name string) ChunkSource {
	return ChunkSource{
		name: name,
		tbl:  chunkTable{chunks: make(map[cview.ChunkKey]*Chunk)},
	}
}

func (s *ChunkSource) DataName() string {
	return s.name
}

func (s *ChunkSource) table() *chunkTable {
	return &s.tbl
}

// NumChunks returns the number of chunks currently tracked for this source.
func (s *ChunkSource) NumChunks() int {
	return s.tbl.size()
}

// chunkTable maps grid positions to chunks.  The mutex guards map
// membership so diagnostics can iterate concurrently with scheduling;
// chunk field mutation is serialized by the QueueManager's lock.
type chunkTable struct {
	mu     sync.RWMutex
	chunks map[cview.ChunkKey]*Chunk
}

func (t *chunkTable) get(key cview.ChunkKey) (*Chunk, bool) {
	t.mu.RLock()
	c, found := t.chunks[key]
	t.mu.RUnlock()
	return c, found
}

func (t *chunkTable) add(c *Chunk) {
	t.mu.Lock()
	t.chunks[c.key] = c
	t.mu.Unlock()
}

func (t *chunkTable) remove(key cview.ChunkKey) {
	t.mu.Lock()
	delete(t.chunks, key)
	t.mu.Unlock()
}

func (t *chunkTable) size() int {
	t.mu.RLock()
	n := len(t.chunks)
	t.mu.RUnlock()
	return n
}

// forEach calls f on every chunk in the table.  Iteration takes a snapshot
// so f may remove chunks.
func (t *chunkTable) forEach(f func(c *Chunk)) {
	t.mu.RLock()
	snapshot := make([]*Chunk, 0, len(t.chunks))
	for _, c := range t.chunks {
		snapshot = append(snapshot, c)
	}
	t.mu.RUnlock()
	for _, c := range snapshot {
		f(c)
	}
}
