// Package mirror maintains the interactive side's view of chunk state.
// Ordered state updates from the scheduler are queued here and applied in
// deadline-bounded batches so rendering never stalls behind a burst of
// downloads.  GPU upload and free hooks fire exactly on transitions into
// and out of GPU residency.
package mirror

import (
	"fmt"
	"sync"
	"time"

	"github.com/janelia-flyem/chunkview/chunk"
	"github.com/janelia-flyem/chunkview/cview"
)

// Backend is the slice of the scheduler the mirror talks back to: payload
// ownership acknowledgments and GPU upload failures cross the boundary in
// this direction.
type Backend interface {
	MarkTransferred(source string, key cview.ChunkKey)
	MarkGPUFailed(source string, key cview.ChunkKey)
}

// GPUContext uploads and frees chunk payloads on the rendering device.
// Allocate returns the device byte size of the upload.
type GPUContext interface {
	Allocate(key string, data []byte) (uint64, error)
	Free(key string)
}

// DefaultBatchDeadline bounds one Process batch when the caller passes no
// explicit deadline.
const DefaultBatchDeadline = 5 * time.Millisecond

type localChunk struct {
	state    chunk.ChunkState
	data     []byte
	gpuBytes uint64
	errText  string
}

// Frontend mirrors chunk state for rendering.  Updates enqueue from the
// scheduler's delivery goroutine via Notify; the interactive loop drains
// them with Process.  All local state is guarded by one mutex.
type Frontend struct {
	mu      sync.Mutex
	backend Backend
	gpu     GPUContext
	redraw  func()
	pending []chunk.StateUpdate
	chunks  map[string]*localChunk

	wake      *time.Timer
	wakeDelay time.Duration
}

// NewFrontend returns a mirror that acknowledges payloads to backend,
// uploads via gpu, and invokes redraw after any batch that changed GPU
// residency.  redraw may be nil.
func NewFrontend(backend Backend, gpu GPUContext, redraw func()) *Frontend {
	return &Frontend{
		backend:   backend,
		gpu:       gpu,
		redraw:    redraw,
		chunks:    make(map[string]*localChunk),
		wakeDelay: DefaultBatchDeadline,
	}
}

func localKey(source string, key cview.ChunkKey) string {
	return source + "|" + string(key)
}

// Notify queues one state update.  It is the chunk.Notifier for this mirror
// and never blocks on GPU work.
func (f *Frontend) Notify(u chunk.StateUpdate) {
	f.mu.Lock()
	f.pending = append(f.pending, u)
	f.mu.Unlock()
}

// Pending returns the number of updates not yet applied.
func (f *Frontend) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Process applies queued updates in order until the queue empties or the
// deadline passes, whichever is first.  Leftovers are picked up by a timer
// so a long burst cannot starve the caller's loop.  A deadline <= 0 uses
// DefaultBatchDeadline.  Returns the number of updates applied.
func (f *Frontend) Process(deadline time.Duration) int {
	if deadline <= 0 {
		deadline = DefaultBatchDeadline
	}
	cutoff := time.Now().Add(deadline)

	f.mu.Lock()
	applied := 0
	uploaded := false
	for len(f.pending) > 0 {
		u := f.pending[0]
		f.pending = f.pending[1:]
		if f.applyLocked(u) {
			uploaded = true
		}
		applied++
		if time.Now().After(cutoff) {
			break
		}
	}
	leftover := len(f.pending)
	if leftover > 0 && f.wake == nil {
		f.wake = time.AfterFunc(f.wakeDelay, func() {
			f.mu.Lock()
			f.wake = nil
			f.mu.Unlock()
			f.Process(deadline)
		})
	}
	redraw := f.redraw
	f.mu.Unlock()

	if uploaded && redraw != nil {
		redraw()
	}
	return applied
}

// applyLocked applies one update to local state, returning true if GPU
// residency changed.
func (f *Frontend) applyLocked(u chunk.StateUpdate) bool {
	id := localKey(u.Source, u.Key)
	lc, found := f.chunks[id]

	switch u.State {
	case chunk.StateSystemMemoryWorker:
		if !found {
			lc = &localChunk{}
			f.chunks[id] = lc
		}
		lc.data = u.Data
		lc.state = u.State
		// The payload is now owned locally; unblock GPU promotion.
		f.backend.MarkTransferred(u.Source, u.Key)
		return false

	case chunk.StateSystemMemory:
		if !found {
			f.dropLocked(id, u, "demotion for chunk with no local copy")
			return false
		}
		changed := lc.gpuBytes > 0
		if changed {
			f.gpu.Free(id)
			lc.gpuBytes = 0
		}
		lc.state = u.State
		return changed

	case chunk.StateGPUMemory:
		if !found || lc.data == nil {
			f.dropLocked(id, u, "GPU promotion for chunk with no local payload")
			return false
		}
		n, err := f.gpu.Allocate(id, lc.data)
		if err != nil {
			// Keep the system-memory copy and tell the scheduler so its GPU
			// budget stays truthful.
			cview.Errorf("GPU upload of chunk %s/%s: %v\n", u.Source, u.Key, err)
			lc.state = chunk.StateSystemMemory
			f.backend.MarkGPUFailed(u.Source, u.Key)
			return false
		}
		lc.gpuBytes = n
		lc.state = u.State
		return true

	case chunk.StateFailed:
		if !found {
			lc = &localChunk{}
			f.chunks[id] = lc
		}
		lc.state = u.State
		lc.errText = u.Error
		return false

	case chunk.StateExpired:
		if !found {
			return false
		}
		changed := lc.gpuBytes > 0
		if changed {
			f.gpu.Free(id)
		}
		delete(f.chunks, id)
		return changed

	default:
		f.dropLocked(id, u, "unexpected state in update stream")
		return false
	}
}

// dropLocked handles an update the local state machine cannot accept: log
// it and reset the local copy rather than guess at bookkeeping.
func (f *Frontend) dropLocked(id string, u chunk.StateUpdate, why string) {
	cview.Criticalf("%v: %s (chunk %s/%s -> %s); resetting local copy\n",
		cview.ErrInvalidStateTransition, why, u.Source, u.Key, u.State)
	if lc, found := f.chunks[id]; found {
		if lc.gpuBytes > 0 {
			f.gpu.Free(id)
		}
		delete(f.chunks, id)
	}
}

// State returns the mirrored state of a chunk and whether it is tracked.
func (f *Frontend) State(source string, key cview.ChunkKey) (chunk.ChunkState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lc, found := f.chunks[localKey(source, key)]
	if !found {
		return 0, false
	}
	return lc.state, true
}

// Data returns the locally held payload of a chunk, or nil.
func (f *Frontend) Data(source string, key cview.ChunkKey) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lc, found := f.chunks[localKey(source, key)]; found {
		return lc.data
	}
	return nil
}

// Err returns the failure message recorded for a chunk, if any.
func (f *Frontend) Err(source string, key cview.ChunkKey) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lc, found := f.chunks[localKey(source, key)]; found {
		return lc.errText
	}
	return ""
}

// Close stops the wakeup timer.
func (f *Frontend) Close() {
	f.mu.Lock()
	if f.wake != nil {
		f.wake.Stop()
		f.wake = nil
	}
	f.mu.Unlock()
}

// MemGPU is a GPUContext backed by host memory, suitable for headless
// daemons and tests.
type MemGPU struct {
	mu     sync.Mutex
	allocs map[string][]byte
	fail   bool
}

// NewMemGPU returns an empty in-memory GPU context.
func NewMemGPU() *MemGPU {
	return &MemGPU{allocs: make(map[string][]byte)}
}

func (g *MemGPU) Allocate(key string, data []byte) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return 0, fmt.Errorf("simulated GPU allocation failure")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	g.allocs[key] = buf
	return uint64(len(buf)), nil
}

func (g *MemGPU) Free(key string) {
	g.mu.Lock()
	delete(g.allocs, key)
	g.mu.Unlock()
}

// NumAllocated returns the number of resident device buffers.
func (g *MemGPU) NumAllocated() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.allocs)
}

// FailNext makes subsequent Allocate calls fail, for tests.
func (g *MemGPU) FailNext(fail bool) {
	g.mu.Lock()
	g.fail = fail
	g.mu.Unlock()
}
