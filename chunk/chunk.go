/*
Package chunk implements the chunk lifecycle and priority-based memory
management for volume viewing: chunk sources own tables of chunks, a queue
manager schedules downloads and GPU promotion under capacity budgets, and a
manager memoizes sources for sharing across layers.
*/
package chunk

import (
	"context"

	"github.com/janelia-flyem/chunkview/cview"
)

// ChunkState is the lifecycle state of a chunk.  States are mutually
// exclusive; a chunk's system-memory payload exists iff its state is one of
// StateSystemMemory, StateSystemMemoryWorker, or StateGPUMemory.
type ChunkState uint8

const (
	// StateNew is a chunk that has been referenced by a priority pass but
	// not yet scheduled.
	StateNew ChunkState = iota

	// StateQueued is a chunk awaiting a download or compute slot.
	StateQueued

	// StateDownloading is a chunk with an in-flight fetch.
	StateDownloading

	// StateComputing is a chunk being produced locally, e.g. refilled from
	// the retained-payload cache, without consuming a download slot.
	StateComputing

	// StateSystemMemoryWorker is a chunk whose payload is resident on the
	// worker side but not yet transferred across the execution boundary.
	StateSystemMemoryWorker

	// StateSystemMemory is a chunk resident in system memory on both sides.
	StateSystemMemory

	// StateGPUMemory is a chunk whose payload has been promoted to GPU memory.
	StateGPUMemory

	// StateFailed is a chunk whose download or decode failed.  It is not
	// retried automatically; see QueueManager.RetryFailed.
	StateFailed

	// StateExpired is a chunk evicted from all bookkeeping.
	StateExpired

	numChunkStates
)

// NumChunkStates is the number of distinct chunk states.
const NumChunkStates = int(numChunkStates)

func (s ChunkState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateQueued:
		return "QUEUED"
	case StateDownloading:
		return "DOWNLOADING"
	case StateComputing:
		return "COMPUTING"
	case StateSystemMemoryWorker:
		return "SYSTEM_MEMORY_WORKER"
	case StateSystemMemory:
		return "SYSTEM_MEMORY"
	case StateGPUMemory:
		return "GPU_MEMORY"
	case StateFailed:
		return "FAILED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// resident returns true if the chunk state implies a system-memory payload.
func (s ChunkState) resident() bool {
	return s == StateSystemMemoryWorker || s == StateSystemMemory || s == StateGPUMemory
}

// PriorityTier is the coarse scheduling class of a chunk.  A lower tier
// always wins capacity contention over a higher one, regardless of the
// priority value within the tier.
type PriorityTier uint8

const (
	VisibleTier PriorityTier = iota
	PrefetchTier
	RecentTier

	numPriorityTiers
)

// NumPriorityTiers is the number of distinct priority tiers.
const NumPriorityTiers = int(numPriorityTiers)

func (t PriorityTier) String() string {
	switch t {
	case VisibleTier:
		return "VISIBLE"
	case PrefetchTier:
		return "PREFETCH"
	case RecentTier:
		return "RECENT"
	default:
		return "UNKNOWN"
	}
}

// Chunk is the unit of cached data: one grid cell of one source.  All chunk
// fields are owned by the QueueManager and mutated only under its lock;
// accessors return snapshots.
type Chunk struct {
	key cview.ChunkKey
	src Source

	state    ChunkState
	tier     PriorityTier
	priority int32

	// seq is stamped from a monotonic counter when the chunk enters the
	// current priority set, providing a stable same-tier tie break.
	seq uint64

	// lastGen is the priority pass generation that last requested this chunk.
	lastGen uint64

	data     []byte
	sysBytes uint64 // bytes accounted against the system-memory budget
	gpuBytes uint64 // bytes accounted against the GPU-memory budget

	lastErr error
	cancel  context.CancelFunc

	// holdsSlot marks a debit against the download-concurrency budget that
	// has not yet been credited back.
	holdsSlot bool

	// gpuFailed is set when the interactive side reports a failed GPU
	// upload; it suppresses re-promotion until the next priority pass.
	gpuFailed bool

	wantSystem bool
	wantGPU    bool
}

func (c *Chunk) Key() cview.ChunkKey { return c.key }

func (c *Chunk) Source() Source { return c.src }

func (c *Chunk) State() ChunkState { return c.state }

func (c *Chunk) Tier() PriorityTier { return c.tier }

func (c *Chunk) Priority() int32 { return c.priority }

// Data returns the decoded payload, non-nil only while the chunk is resident.
func (c *Chunk) Data() []byte { return c.data }

func (c *Chunk) SystemBytes() uint64 { return c.sysBytes }

func (c *Chunk) GPUBytes() uint64 { return c.gpuBytes }

// Err returns the recorded error for a StateFailed chunk.
func (c *Chunk) Err() error { return c.lastErr }

func (c *Chunk) String() string {
	return c.src.DataName() + " " + c.key.String() + " [" + c.state.String() + "]"
}

// validTransition returns true if moving from one state to another is
// allowed by the chunk state machine.  Expiry is allowed from any state.
func validTransition(from, to ChunkState) bool {
	if to == StateExpired {
		return true
	}
	switch from {
	case StateNew:
		return to == StateQueued
	case StateQueued:
		return to == StateDownloading || to == StateComputing
	case StateDownloading, StateComputing:
		return to == StateSystemMemoryWorker || to == StateFailed
	case StateSystemMemoryWorker:
		return to == StateSystemMemory
	case StateSystemMemory:
		return to == StateGPUMemory
	case StateGPUMemory:
		return to == StateSystemMemory
	case StateFailed:
		return to == StateQueued
	}
	return false
}
