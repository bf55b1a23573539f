package chunk

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/janelia-flyem/chunkview/cview"
)

// DefaultRecentChunks bounds the number of no-longer-requested chunks kept
// resident in the RECENT tier before they expire.
const DefaultRecentChunks = 100

// StateUpdate mirrors one chunk state transition across the execution
// boundary between the scheduling/download side and the interactive side.
// Updates for a queue are delivered in the order they were emitted.
type StateUpdate struct {
	Source      string
	Key         cview.ChunkKey
	State       ChunkState
	Data        []byte // payload hand-off, set only on StateSystemMemoryWorker
	SystemBytes uint64
	Error       string // set only on StateFailed
}

// Notifier receives ordered state updates.  It must not block for long; it
// is called from a single delivery goroutine.
type Notifier func(StateUpdate)

// PriorityRequest tags one chunk with its scheduling priority for the
// current pass.  Lower tiers and lower priority values win contention.
type PriorityRequest struct {
	Source   Source
	Point    cview.ChunkPoint3d
	Tier     PriorityTier
	Priority int32
}

// CapacitySpec sets the three capacity budgets of a QueueManager.
type CapacitySpec struct {
	SystemBytes  uint64
	GPUBytes     uint64
	Downloads    int
	RecentChunks int
}

// QueueManager is the capacity-aware priority scheduler.  It tracks all
// chunks across all registered sources, decides which chunks download,
// stay resident, and promote to GPU memory, and emits ordered state-update
// messages for the interactive-side mirror.
//
// All bookkeeping is guarded by one mutex; a full priority pass runs to
// completion under it, so capacity accounting is atomic per pass.
type QueueManager struct {
	mu   sync.Mutex
	cond *sync.Cond // signaled when inflight drops to zero

	system    AvailableCapacity
	gpu       AvailableCapacity
	downloads AvailableCapacity

	sources  map[string]Source
	recent   *lru.Cache
	lruSkip  *Chunk // chunk being deliberately removed from recent; skip expiry
	retained *RetainedCache

	// order is the total chunk ordering from the last pass:
	// (tier asc, priority value asc, request sequence asc).
	order []*Chunk

	gen      uint64
	seq      uint64
	inflight int

	dlCount uint64
	dlBytes uint64
	dlTime  time.Duration

	outbox *outbox
	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueueManager returns a scheduler with the given budgets.  The retained
// cache may be nil.  Until SetNotifier is called, state updates are applied
// through an internal loopback that acknowledges payload transfers
// immediately, which suits headless use and tests.
func NewQueueManager(spec CapacitySpec, retained *RetainedCache) *QueueManager {
	q := &QueueManager{
		system:    AvailableCapacity{total: spec.SystemBytes},
		gpu:       AvailableCapacity{total: spec.GPUBytes},
		downloads: AvailableCapacity{total: uint64(spec.Downloads)},
		sources:   make(map[string]Source),
		retained:  retained,
	}
	q.cond = sync.NewCond(&q.mu)
	recentMax := spec.RecentChunks
	if recentMax <= 0 {
		recentMax = DefaultRecentChunks
	}
	q.recent = lru.New(recentMax)
	q.recent.OnEvicted = func(key lru.Key, value interface{}) {
		c := value.(*Chunk)
		if c == q.lruSkip {
			return
		}
		q.expireLocked(c, true)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.outbox = newOutbox(q.loopback)
	return q
}

// SetNotifier routes state updates to the given receiver, replacing the
// internal loopback.  Call before the first priority pass.
func (q *QueueManager) SetNotifier(n Notifier) {
	q.outbox.setNotifier(n)
}

// loopback is the default notifier: it acknowledges payload hand-offs so
// chunks progress to SYSTEM_MEMORY without an attached frontend.
func (q *QueueManager) loopback(u StateUpdate) {
	if u.State == StateSystemMemoryWorker {
		q.MarkTransferred(u.Source, u.Key)
	}
}

// RegisterSource adds a source's chunk table to scheduling.  Sources are
// also registered implicitly by their first PriorityRequest.
func (q *QueueManager) RegisterSource(src Source) {
	q.mu.Lock()
	q.sources[src.DataName()] = src
	q.mu.Unlock()
}

// RemoveSource expires all of a source's chunks, crediting their memory
// back to the budgets, and drops the source from scheduling.
func (q *QueueManager) RemoveSource(src Source) {
	q.mu.Lock()
	defer q.mu.Unlock()
	src.table().forEach(func(c *Chunk) {
		q.expireLocked(c, false)
	})
	delete(q.sources, src.DataName())
}

// UpdatePriorities runs one full priority-recalculation pass: the requests
// are the complete set of currently relevant chunks.  Chunks absent from
// the set demote to the RECENT retention tier (if resident) or expire;
// requested chunks are admitted to download and promoted to GPU memory in
// priority order while the budgets allow.  The pass is deterministic for a
// fixed request snapshot.
func (q *QueueManager) UpdatePriorities(requests []PriorityRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prevGen := q.gen
	q.gen++

	for _, req := range requests {
		src := req.Source
		name := src.DataName()
		if _, found := q.sources[name]; !found {
			q.sources[name] = src
		}
		key := req.Point.Key()
		tbl := src.table()
		c, found := tbl.get(key)
		if !found {
			c = &Chunk{key: key, src: src, state: StateNew}
			tbl.add(c)
		}
		if c.lastGen != prevGen {
			// (Re)entering the priority set: stamp the tie-break sequence.
			q.seq++
			c.seq = q.seq
		}
		c.lastGen = q.gen
		if c.tier == RecentTier {
			q.lruSkip = c
			q.recent.Remove(c)
			q.lruSkip = nil
		}
		c.tier, c.priority = req.Tier, req.Priority
		c.gpuFailed = false
		if c.state == StateNew {
			q.setStateLocked(c, StateQueued)
		}
	}

	// Chunks no longer in the priority set: retain residents in the RECENT
	// tier, let in-flight work finish (results are discarded on completion
	// if still unwanted), and expire the rest.
	for _, src := range q.sources {
		src.table().forEach(func(c *Chunk) {
			if c.lastGen == q.gen || c.state == StateExpired {
				return
			}
			switch c.state {
			case StateSystemMemory, StateGPUMemory, StateSystemMemoryWorker:
				if c.tier != RecentTier {
					if c.state == StateGPUMemory {
						q.demoteGPULocked(c)
					}
					c.tier = RecentTier
					q.recent.Add(c, c)
				}
			case StateDownloading, StateComputing:
				// not cancelled proactively
			default:
				q.expireLocked(c, false)
			}
		})
	}

	q.rebuildOrderLocked()
	q.applySystemBudgetLocked()
	q.scheduleLocked()
}

func (q *QueueManager) rebuildOrderLocked() {
	q.order = q.order[:0]
	for _, src := range q.sources {
		src.table().forEach(func(c *Chunk) {
			if c.state != StateExpired {
				q.order = append(q.order, c)
			}
		})
	}
	sort.SliceStable(q.order, func(i, j int) bool {
		a, b := q.order[i], q.order[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.seq < b.seq
	})
}

// applySystemBudgetLocked is the first of the two-phase reservation: walk
// the ordering from highest priority, marking the chunks that fit the
// system-memory budget, then evict residents that no longer make the cut,
// lowest priority first.
func (q *QueueManager) applySystemBudgetLocked() {
	budget := q.system.total
	for _, c := range q.order {
		if c.state == StateFailed {
			// A failed chunk holds no memory and downloads only on explicit
			// retry, so it reserves nothing here.
			c.wantSystem = true
			continue
		}
		need := c.sysBytes
		if need == 0 {
			need = c.src.ChunkBytes()
		}
		if budget >= need {
			budget -= need
			c.wantSystem = true
		} else {
			c.wantSystem = false
		}
	}
	for i := len(q.order) - 1; i >= 0; i-- {
		c := q.order[i]
		if c.wantSystem || c.state == StateExpired {
			continue
		}
		switch c.state {
		case StateSystemMemory, StateGPUMemory, StateSystemMemoryWorker,
			StateDownloading, StateComputing:
			q.expireLocked(c, false)
		}
	}
}

// scheduleLocked is the second phase: admit queued chunks to download or
// retained-cache refill, then promote residents to GPU memory, all in
// priority order while the budgets allow.  It is rerun whenever a slot or
// budget frees up (download completion, payload transfer, retry).
func (q *QueueManager) scheduleLocked() {
	for _, c := range q.order {
		if c.state != StateQueued || !c.wantSystem {
			continue
		}
		need := c.src.ChunkBytes()
		if !q.system.canFit(need) {
			continue
		}
		if q.retained.has(c.src.DataName(), c.key) {
			// Refill from the retained cache is local compute and does not
			// consume a download slot.
			if q.system.debit(need) != nil {
				continue
			}
			c.sysBytes = need
			q.setStateLocked(c, StateComputing)
			q.launchLocked(c, true)
		} else if q.downloads.Available() > 0 {
			if q.system.debit(need) != nil {
				continue
			}
			if q.downloads.debit(1) != nil {
				q.system.credit(need)
				continue
			}
			c.sysBytes = need
			c.holdsSlot = true
			q.setStateLocked(c, StateDownloading)
			q.launchLocked(c, false)
		}
	}

	// GPU budget, same two-phase discipline: plan, demote, promote.
	budget := q.gpu.total
	for _, c := range q.order {
		c.wantGPU = false
		if !c.wantSystem || c.gpuFailed {
			continue
		}
		if c.state == StateSystemMemory || c.state == StateGPUMemory {
			if budget >= c.sysBytes {
				budget -= c.sysBytes
				c.wantGPU = true
			}
		}
	}
	for i := len(q.order) - 1; i >= 0; i-- {
		c := q.order[i]
		if c.state == StateGPUMemory && !c.wantGPU {
			q.demoteGPULocked(c)
		}
	}
	for _, c := range q.order {
		if !c.wantGPU || c.state != StateSystemMemory {
			continue
		}
		if q.gpu.debit(c.sysBytes) != nil {
			continue
		}
		c.gpuBytes = c.sysBytes
		if q.setStateLocked(c, StateGPUMemory) {
			q.emitLocked(c, nil, "")
		}
	}
}

// launchLocked starts the fetch/refill goroutine for an admitted chunk.
func (q *QueueManager) launchLocked(c *Chunk, fromCache bool) {
	ctx, cancel := context.WithCancel(q.ctx)
	c.cancel = cancel
	q.inflight++
	src, key := c.src, c.key
	go func() {
		start := time.Now()
		var data []byte
		var err error
		if fromCache {
			var found bool
			if data, found = q.retained.get(src.DataName(), key); found {
				q.downloadDone(c, data, nil, 0, false)
				return
			}
			// Raced out of the cache; fall through to a real fetch.
		}
		pt, err := key.ChunkPoint3d()
		if err == nil {
			data, err = src.GridGet(ctx, pt)
		}
		q.downloadDone(c, data, err, time.Since(start), !fromCache)
	}()
}

// downloadDone applies the result of a fetch or refill.
func (q *QueueManager) downloadDone(c *Chunk, data []byte, err error, elapsed time.Duration, downloaded bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight--
	if q.inflight == 0 {
		q.cond.Broadcast()
	}

	if c.state != StateDownloading && c.state != StateComputing {
		// Expired while in flight; budgets were credited at expiry.
		return
	}
	c.cancel = nil
	if c.holdsSlot {
		q.downloads.credit(1)
		c.holdsSlot = false
	}

	if err != nil {
		q.system.credit(c.sysBytes)
		c.sysBytes = 0
		if errors.Is(err, context.Canceled) {
			q.expireLocked(c, false)
		} else {
			c.lastErr = err
			cview.Errorf("chunk %s failed: %v\n", c, err)
			if q.setStateLocked(c, StateFailed) {
				q.emitLocked(c, nil, err.Error())
			}
		}
		q.scheduleLocked()
		return
	}

	// Adjust the reservation from the source's estimate to the actual size.
	actual := uint64(len(data))
	if actual > c.sysBytes {
		if q.system.debit(actual-c.sysBytes) != nil {
			cview.Warningf("chunk %s payload of %d bytes exceeds remaining system budget; dropping\n", c, actual)
			q.system.credit(c.sysBytes)
			c.sysBytes = 0
			q.expireLocked(c, false)
			q.scheduleLocked()
			return
		}
	} else {
		q.system.credit(c.sysBytes - actual)
	}
	c.sysBytes = actual
	c.data = data
	if downloaded {
		q.dlCount++
		q.dlBytes += actual
		q.dlTime += elapsed
	}

	if c.lastGen != q.gen {
		// Superseded by a newer pass and no longer wanted: keep the bytes
		// in the retained cache but drop the chunk.
		q.expireLocked(c, false)
		q.scheduleLocked()
		return
	}

	if q.setStateLocked(c, StateSystemMemoryWorker) {
		q.emitLocked(c, c.data, "")
	}
	q.scheduleLocked()
}

// MarkTransferred acknowledges that the interactive side has taken
// ownership of a chunk's payload, completing the
// SYSTEM_MEMORY_WORKER -> SYSTEM_MEMORY transition and unblocking GPU
// promotion.
func (q *QueueManager) MarkTransferred(source string, key cview.ChunkKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	src, found := q.sources[source]
	if !found {
		cview.Errorf("transfer ack for unknown source %q\n", source)
		return
	}
	c, found := src.table().get(key)
	if !found {
		return // expired while the ack was in flight
	}
	if !q.setStateLocked(c, StateSystemMemory) {
		return
	}
	q.scheduleLocked()
}

// MarkGPUFailed reports that the interactive side could not upload a
// promoted chunk to GPU memory.  The chunk demotes back to SYSTEM_MEMORY
// with its GPU budget credited and is not promoted again until the next
// priority pass.
func (q *QueueManager) MarkGPUFailed(source string, key cview.ChunkKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	src, found := q.sources[source]
	if !found {
		cview.Errorf("GPU upload failure reported for unknown source %q\n", source)
		return
	}
	c, found := src.table().get(key)
	if !found || c.state != StateGPUMemory {
		return
	}
	c.gpuFailed = true
	q.demoteGPULocked(c)
	q.scheduleLocked()
}

// RetryFailed moves a FAILED chunk back to QUEUED.  Retry policy (backoff,
// attempt limits) belongs to the caller.
func (q *QueueManager) RetryFailed(src Source, pt cview.ChunkPoint3d) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, found := src.table().get(pt.Key())
	if !found || c.state != StateFailed {
		return
	}
	c.lastErr = nil
	if q.setStateLocked(c, StateQueued) {
		q.scheduleLocked()
	}
}

// Expire evicts a chunk regardless of state, crediting any held capacity.
// Expiring an already-expired chunk is a no-op.
func (q *QueueManager) Expire(src Source, pt cview.ChunkPoint3d) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, found := src.table().get(pt.Key()); found {
		q.expireLocked(c, false)
	}
}

// expireLocked tears down a chunk: cancels in-flight work, credits every
// budget the chunk holds, stashes a resident payload in the retained
// cache, and removes the chunk from its source's table.  Idempotent.
func (q *QueueManager) expireLocked(c *Chunk, viaLRU bool) {
	if c.state == StateExpired {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.holdsSlot {
		q.downloads.credit(1)
		c.holdsSlot = false
	}
	if c.gpuBytes > 0 {
		q.gpu.credit(c.gpuBytes)
		c.gpuBytes = 0
	}
	if c.data != nil && q.retained != nil {
		q.retained.put(c.src.DataName(), c.key, c.data)
	}
	if c.sysBytes > 0 {
		q.system.credit(c.sysBytes)
		c.sysBytes = 0
	}
	c.data = nil
	if !viaLRU {
		q.lruSkip = c
		q.recent.Remove(c)
		q.lruSkip = nil
	}
	q.setStateLocked(c, StateExpired)
	c.src.table().remove(c.key)
	q.emitLocked(c, nil, "")
}

// demoteGPULocked reverts GPU_MEMORY -> SYSTEM_MEMORY, crediting the GPU
// budget.  The mirror frees the GPU copy on receipt.
func (q *QueueManager) demoteGPULocked(c *Chunk) {
	q.gpu.credit(c.gpuBytes)
	c.gpuBytes = 0
	if q.setStateLocked(c, StateSystemMemory) {
		q.emitLocked(c, nil, "")
	}
}

// setStateLocked transitions a chunk, enforcing the state machine.  An
// invalid transition is an internal invariant violation: it is logged and
// the chunk is force-reset to EXPIRED.
func (q *QueueManager) setStateLocked(c *Chunk, to ChunkState) bool {
	if !validTransition(c.state, to) {
		cview.Criticalf("%v: chunk %s cannot move to %s; forcing expiry\n",
			cview.ErrInvalidStateTransition, c, to)
		q.expireLocked(c, false)
		return false
	}
	c.state = to
	return true
}

func (q *QueueManager) emitLocked(c *Chunk, data []byte, errText string) {
	q.outbox.push(StateUpdate{
		Source:      c.src.DataName(),
		Key:         c.key,
		State:       c.state,
		Data:        data,
		SystemBytes: c.sysBytes,
		Error:       errText,
	})
}

// Quiesce blocks until no downloads are in flight and all pending state
// updates have been delivered and acted upon.
func (q *QueueManager) Quiesce() {
	for {
		q.mu.Lock()
		for q.inflight > 0 {
			q.cond.Wait()
		}
		q.mu.Unlock()
		q.outbox.drain()
		q.mu.Lock()
		idle := q.inflight == 0
		q.mu.Unlock()
		if idle && q.outbox.idle() {
			return
		}
	}
}

// ResizeSystem changes the system-memory budget.  Takes effect on the next
// priority pass.
func (q *QueueManager) ResizeSystem(bytes uint64) {
	q.mu.Lock()
	q.system.Resize(bytes)
	q.mu.Unlock()
}

// ResizeGPU changes the GPU-memory budget.
func (q *QueueManager) ResizeGPU(bytes uint64) {
	q.mu.Lock()
	q.gpu.Resize(bytes)
	q.mu.Unlock()
}

// ResizeDownloads changes the download-concurrency budget.
func (q *QueueManager) ResizeDownloads(slots int) {
	q.mu.Lock()
	q.downloads.Resize(uint64(slots))
	q.mu.Unlock()
}

// Stats returns a snapshot of chunk and capacity bookkeeping.
func (q *QueueManager) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, src := range q.sources {
		src.table().forEach(func(c *Chunk) {
			s.States[c.state].Chunks++
			s.States[c.state].SystemBytes += c.sysBytes
			s.States[c.state].GPUBytes += c.gpuBytes
			s.Tiers[c.tier].Chunks++
			s.Tiers[c.tier].SystemBytes += c.sysBytes
			s.Tiers[c.tier].GPUBytes += c.gpuBytes
		})
	}
	s.System = CapacityStats{q.system.total, q.system.used}
	s.GPU = CapacityStats{q.gpu.total, q.gpu.used}
	s.Downloads = CapacityStats{q.downloads.total, q.downloads.used}
	s.DownloadCount = q.dlCount
	s.DownloadBytes = q.dlBytes
	s.DownloadTime = q.dlTime
	if q.retained != nil {
		s.RetainedHits = q.retained.Hits()
		s.RetainedMisses = q.retained.Misses()
	}
	return s
}

// Shutdown cancels in-flight downloads, expires all chunks, and stops
// update delivery.
func (q *QueueManager) Shutdown() {
	q.cancel()
	q.mu.Lock()
	for _, src := range q.sources {
		src.table().forEach(func(c *Chunk) {
			q.expireLocked(c, false)
		})
	}
	q.sources = make(map[string]Source)
	q.mu.Unlock()
	q.Quiesce()
	q.outbox.close()
}
