package chunk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/janelia-flyem/chunkview/cview"
)

// testSource serves synthetic payloads with injectable failures and
// blocking fetches.
type testSource struct {
	ChunkSource
	chunkBytes uint64

	started int32 // concurrent + completed GridGet calls, atomic

	mu      sync.Mutex
	fetches map[cview.ChunkKey]int
	fail    map[cview.ChunkKey]error
	slow    map[cview.ChunkKey]bool
	release chan struct{}
}

func newTestSource(name string, chunkBytes uint64) *testSource {
	return &testSource{
		ChunkSource: NewChunkSource(name),
		chunkBytes:  chunkBytes,
		fetches:     make(map[cview.ChunkKey]int),
		fail:        make(map[cview.ChunkKey]error),
		slow:        make(map[cview.ChunkKey]bool),
		release:     make(chan struct{}),
	}
}

func (s *testSource) ChunkBytes() uint64 {
	return s.chunkBytes
}

func (s *testSource) GridGet(ctx context.Context, pt cview.ChunkPoint3d) ([]byte, error) {
	key := pt.Key()
	atomic.AddInt32(&s.started, 1)
	s.mu.Lock()
	s.fetches[key]++
	err := s.fail[key]
	slow := s.slow[key]
	s.mu.Unlock()
	if slow {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	data := make([]byte, s.chunkBytes)
	for i := range data {
		data[i] = byte(pt[0])
	}
	return data, nil
}

func (s *testSource) numFetches(pt cview.ChunkPoint3d) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[pt.Key()]
}

func (s *testSource) state(pt cview.ChunkPoint3d) (ChunkState, bool) {
	c, found := s.table().get(pt.Key())
	if !found {
		return 0, false
	}
	return c.State(), true
}

func visible(src Source, priority int32, pts ...cview.ChunkPoint3d) []PriorityRequest {
	var requests []PriorityRequest
	for i, pt := range pts {
		requests = append(requests, PriorityRequest{
			Source:   src,
			Point:    pt,
			Tier:     VisibleTier,
			Priority: priority + int32(i),
		})
	}
	return requests
}

func pts(n int) []cview.ChunkPoint3d {
	points := make([]cview.ChunkPoint3d, n)
	for i := range points {
		points[i] = cview.ChunkPoint3d{int32(i), 0, 0}
	}
	return points
}

// Five equally tiered chunks against capacity for two: the two best
// priorities become resident, the rest stay queued.  Growing the budget and
// rerunning the pass admits the remainder.
func TestSystemCapacityLimit(t *testing.T) {
	src := newTestSource("grayscale", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 200, GPUBytes: 0, Downloads: 8}, nil)
	defer q.Shutdown()

	points := pts(5)
	q.UpdatePriorities(visible(src, 0, points...))
	q.Quiesce()

	var resident, queued int
	for i, pt := range points {
		state, found := src.state(pt)
		if !found {
			t.Fatalf("chunk %s missing from table\n", pt)
		}
		switch state {
		case StateSystemMemory:
			resident++
			if i > 1 {
				t.Errorf("chunk %s resident ahead of better priorities\n", pt)
			}
		case StateQueued:
			queued++
		default:
			t.Errorf("chunk %s in unexpected state %s\n", pt, state)
		}
	}
	if resident != 2 || queued != 3 {
		t.Errorf("got %d resident, %d queued; expected 2 and 3\n", resident, queued)
	}
	if used := q.Stats().System.Used; used != 200 {
		t.Errorf("system budget shows %d used, expected 200\n", used)
	}

	q.ResizeSystem(500)
	q.UpdatePriorities(visible(src, 0, points...))
	q.Quiesce()
	for _, pt := range points {
		if state, _ := src.state(pt); state != StateSystemMemory {
			t.Errorf("after resize, chunk %s is %s, expected SYSTEM_MEMORY\n", pt, state)
		}
	}
	if used := q.Stats().System.Used; used != 500 {
		t.Errorf("system budget shows %d used, expected 500\n", used)
	}
}

// GPU memory always holds the best-priority resident chunks; a priority
// flip demotes the old occupant.
func TestGPUPromotionFollowsPriority(t *testing.T) {
	src := newTestSource("labels", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 300, GPUBytes: 100, Downloads: 8}, nil)
	defer q.Shutdown()

	points := pts(3)
	q.UpdatePriorities(visible(src, 0, points...))
	q.Quiesce()

	if state, _ := src.state(points[0]); state != StateGPUMemory {
		t.Errorf("best chunk is %s, expected GPU_MEMORY\n", state)
	}
	for _, pt := range points[1:] {
		if state, _ := src.state(pt); state != StateSystemMemory {
			t.Errorf("chunk %s is %s, expected SYSTEM_MEMORY\n", pt, state)
		}
	}

	// Make the last chunk the most important.
	q.UpdatePriorities([]PriorityRequest{
		{Source: src, Point: points[0], Tier: VisibleTier, Priority: 5},
		{Source: src, Point: points[1], Tier: VisibleTier, Priority: 6},
		{Source: src, Point: points[2], Tier: VisibleTier, Priority: -1},
	})
	q.Quiesce()

	if state, _ := src.state(points[2]); state != StateGPUMemory {
		t.Errorf("new best chunk is %s, expected GPU_MEMORY\n", state)
	}
	if state, _ := src.state(points[0]); state != StateSystemMemory {
		t.Errorf("demoted chunk is %s, expected SYSTEM_MEMORY\n", state)
	}
	if used := q.Stats().GPU.Used; used != 100 {
		t.Errorf("GPU budget shows %d used, expected 100\n", used)
	}
}

// Tier precedence is absolute: a VISIBLE chunk takes the last GPU slot from
// a PREFETCH chunk even when the PREFETCH request carries a better priority
// value and entered the set first.
func TestVisibleTierOutranksPrefetch(t *testing.T) {
	src := newTestSource("labels", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 1000, GPUBytes: 100, Downloads: 4}, nil)
	defer q.Shutdown()

	pre := cview.ChunkPoint3d{0, 0, 0}
	vis := cview.ChunkPoint3d{1, 0, 0}
	q.UpdatePriorities([]PriorityRequest{
		{Source: src, Point: pre, Tier: PrefetchTier, Priority: -100},
		{Source: src, Point: vis, Tier: VisibleTier, Priority: 100},
	})
	q.Quiesce()

	if state, _ := src.state(vis); state != StateGPUMemory {
		t.Errorf("visible chunk is %s, expected GPU_MEMORY\n", state)
	}
	if state, _ := src.state(pre); state != StateSystemMemory {
		t.Errorf("prefetch chunk is %s, expected SYSTEM_MEMORY\n", state)
	}
	if used := q.Stats().GPU.Used; used != 100 {
		t.Errorf("GPU budget shows %d used, expected 100\n", used)
	}
}

// A failed download parks the chunk in FAILED with its capacity released;
// an explicit retry requeues it.
func TestFailureAndRetry(t *testing.T) {
	src := newTestSource("labels", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 1000, Downloads: 4}, nil)
	defer q.Shutdown()

	points := pts(2)
	src.mu.Lock()
	src.fail[points[1].Key()] = fmt.Errorf("transport broke")
	src.mu.Unlock()

	q.UpdatePriorities(visible(src, 0, points...))
	q.Quiesce()

	if state, _ := src.state(points[0]); state != StateSystemMemory {
		t.Errorf("good chunk is %s, expected SYSTEM_MEMORY\n", state)
	}
	if state, _ := src.state(points[1]); state != StateFailed {
		t.Fatalf("bad chunk is %s, expected FAILED\n", state)
	}
	c, _ := src.table().get(points[1].Key())
	if c.Err() == nil {
		t.Errorf("failed chunk has no recorded error\n")
	}
	if used := q.Stats().System.Used; used != 100 {
		t.Errorf("system budget shows %d used after failure, expected 100\n", used)
	}

	src.mu.Lock()
	delete(src.fail, points[1].Key())
	src.mu.Unlock()
	q.RetryFailed(src, points[1])
	q.Quiesce()
	if state, _ := src.state(points[1]); state != StateSystemMemory {
		t.Errorf("retried chunk is %s, expected SYSTEM_MEMORY\n", state)
	}
	if src.numFetches(points[1]) != 2 {
		t.Errorf("retried chunk fetched %d times, expected 2\n", src.numFetches(points[1]))
	}
}

// A FAILED chunk holds no memory, so its planning reservation must not
// starve healthy lower-priority chunks of admission.
func TestFailedChunkReservesNoBudget(t *testing.T) {
	src := newTestSource("labels", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 100, Downloads: 4}, nil)
	defer q.Shutdown()

	bad := cview.ChunkPoint3d{0, 0, 0}
	good := cview.ChunkPoint3d{1, 0, 0}
	src.mu.Lock()
	src.fail[bad.Key()] = fmt.Errorf("transport broke")
	src.mu.Unlock()

	requests := []PriorityRequest{
		{Source: src, Point: bad, Tier: VisibleTier, Priority: 0},
		{Source: src, Point: good, Tier: VisibleTier, Priority: 1},
	}
	q.UpdatePriorities(requests)
	q.Quiesce()
	if state, _ := src.state(bad); state != StateFailed {
		t.Fatalf("bad chunk is %s, expected FAILED\n", state)
	}

	// The next pass must hand the budget to the healthy chunk instead of
	// holding it for the failed one.
	q.UpdatePriorities(requests)
	q.Quiesce()
	if state, _ := src.state(good); state != StateSystemMemory {
		t.Errorf("good chunk is %s, expected SYSTEM_MEMORY\n", state)
	}
	if state, _ := src.state(bad); state != StateFailed {
		t.Errorf("bad chunk is %s, expected FAILED\n", state)
	}
	if used := q.Stats().System.Used; used != 100 {
		t.Errorf("system budget shows %d used, expected 100\n", used)
	}
}

// A chunk evicted under capacity pressure leaves its payload in the
// retained cache and refills from it without another download.
func TestRetainedRefill(t *testing.T) {
	src := newTestSource("labels", 100)
	retained := NewRetainedCache(1)
	q := NewQueueManager(CapacitySpec{SystemBytes: 200, Downloads: 4}, retained)
	defer q.Shutdown()

	a := cview.ChunkPoint3d{0, 0, 0}
	b := cview.ChunkPoint3d{1, 0, 0}
	c := cview.ChunkPoint3d{2, 0, 0}

	q.UpdatePriorities(visible(src, 0, a))
	q.Quiesce()
	if state, _ := src.state(a); state != StateSystemMemory {
		t.Fatalf("chunk a is %s, expected SYSTEM_MEMORY\n", state)
	}

	// Fill the budget with other chunks, forcing a out entirely.
	q.UpdatePriorities(visible(src, 0, b, c))
	q.Quiesce()
	if _, found := src.state(a); found {
		t.Fatalf("chunk a still tracked after eviction\n")
	}

	q.UpdatePriorities(visible(src, 0, a))
	q.Quiesce()
	if state, _ := src.state(a); state != StateSystemMemory {
		t.Errorf("refilled chunk a is %s, expected SYSTEM_MEMORY\n", state)
	}
	if n := src.numFetches(a); n != 1 {
		t.Errorf("chunk a fetched %d times, expected 1 (refill from cache)\n", n)
	}
	if retained.Hits() != 1 {
		t.Errorf("retained cache hits = %d, expected 1\n", retained.Hits())
	}
}

// A resident chunk dropped from the priority set is retained in the RECENT
// tier without refetching when capacity allows.
func TestRecentRetention(t *testing.T) {
	src := newTestSource("labels", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 1000, Downloads: 4}, nil)
	defer q.Shutdown()

	a := cview.ChunkPoint3d{0, 0, 0}
	b := cview.ChunkPoint3d{1, 0, 0}

	q.UpdatePriorities(visible(src, 0, a))
	q.Quiesce()

	q.UpdatePriorities(visible(src, 0, b))
	q.Quiesce()
	chunkA, found := src.table().get(a.Key())
	if !found {
		t.Fatalf("chunk a expired despite available capacity\n")
	}
	if chunkA.Tier() != RecentTier {
		t.Errorf("chunk a in tier %s, expected RECENT\n", chunkA.Tier())
	}
	if chunkA.State() != StateSystemMemory {
		t.Errorf("chunk a is %s, expected SYSTEM_MEMORY\n", chunkA.State())
	}

	q.UpdatePriorities(visible(src, 0, a, b))
	q.Quiesce()
	if chunkA.Tier() != VisibleTier {
		t.Errorf("re-requested chunk a in tier %s, expected VISIBLE\n", chunkA.Tier())
	}
	if n := src.numFetches(a); n != 1 {
		t.Errorf("chunk a fetched %d times, expected 1\n", n)
	}
}

// Expiring a chunk twice must not double-credit the budgets.
func TestExpireIdempotent(t *testing.T) {
	src := newTestSource("labels", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 1000, Downloads: 4}, nil)
	defer q.Shutdown()

	a := cview.ChunkPoint3d{0, 0, 0}
	q.UpdatePriorities(visible(src, 0, a))
	q.Quiesce()
	if used := q.Stats().System.Used; used != 100 {
		t.Fatalf("system budget shows %d used, expected 100\n", used)
	}
	q.Expire(src, a)
	q.Expire(src, a)
	q.Quiesce()
	if used := q.Stats().System.Used; used != 0 {
		t.Errorf("system budget shows %d used after expiry, expected 0\n", used)
	}
	if _, found := src.state(a); found {
		t.Errorf("expired chunk still tracked\n")
	}
}

// An in-flight download whose chunk is evicted by a better-priority request
// is cancelled and its budget reclaimed.
func TestEvictionCancelsDownload(t *testing.T) {
	src := newTestSource("labels", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 100, Downloads: 4}, nil)
	defer q.Shutdown()

	a := cview.ChunkPoint3d{0, 0, 0}
	b := cview.ChunkPoint3d{1, 0, 0}
	src.mu.Lock()
	src.slow[a.Key()] = true
	src.mu.Unlock()

	q.UpdatePriorities(visible(src, 0, a))
	waitFor(t, func() bool { return atomic.LoadInt32(&src.started) == 1 })

	// b outranks a and there is room for only one chunk.
	q.UpdatePriorities([]PriorityRequest{
		{Source: src, Point: b, Tier: VisibleTier, Priority: -1},
	})
	close(src.release)
	q.Quiesce()

	if _, found := src.state(a); found {
		t.Errorf("evicted chunk a still tracked\n")
	}
	if state, _ := src.state(b); state != StateSystemMemory {
		t.Errorf("chunk b is %s, expected SYSTEM_MEMORY\n", state)
	}
	if used := q.Stats().System.Used; used != 100 {
		t.Errorf("system budget shows %d used, expected 100\n", used)
	}
}

// The download budget bounds fetch concurrency; slots recycle as downloads
// finish.
func TestDownloadConcurrency(t *testing.T) {
	src := newTestSource("labels", 10)
	q := NewQueueManager(CapacitySpec{SystemBytes: 1000, Downloads: 2}, nil)
	defer q.Shutdown()

	points := pts(5)
	src.mu.Lock()
	for _, pt := range points {
		src.slow[pt.Key()] = true
	}
	src.mu.Unlock()

	q.UpdatePriorities(visible(src, 0, points...))
	waitFor(t, func() bool { return atomic.LoadInt32(&src.started) == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&src.started); n != 2 {
		t.Errorf("%d downloads in flight, expected at most 2\n", n)
	}

	close(src.release)
	q.Quiesce()
	for _, pt := range points {
		if state, _ := src.state(pt); state != StateSystemMemory {
			t.Errorf("chunk %s is %s, expected SYSTEM_MEMORY\n", pt, state)
		}
	}
	stats := q.Stats()
	if stats.DownloadCount != 5 {
		t.Errorf("download count = %d, expected 5\n", stats.DownloadCount)
	}
	if stats.Downloads.Used != 0 {
		t.Errorf("download slots show %d used after quiesce, expected 0\n", stats.Downloads.Used)
	}
}

// State updates arrive in order: payload hand-off first, GPU promotion only
// after the transfer acknowledgment.
func TestUpdateOrdering(t *testing.T) {
	src := newTestSource("labels", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 100, GPUBytes: 100, Downloads: 4}, nil)
	defer q.Shutdown()

	var mu sync.Mutex
	var updates []StateUpdate
	q.SetNotifier(func(u StateUpdate) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	a := cview.ChunkPoint3d{0, 0, 0}
	q.UpdatePriorities(visible(src, 0, a))
	q.Quiesce()

	mu.Lock()
	if len(updates) != 1 {
		mu.Unlock()
		t.Fatalf("got %d updates before ack, expected 1\n", len(updates))
	}
	first := updates[0]
	mu.Unlock()
	if first.State != StateSystemMemoryWorker {
		t.Fatalf("first update is %s, expected SYSTEM_MEMORY_WORKER\n", first.State)
	}
	if len(first.Data) != 100 {
		t.Errorf("hand-off payload has %d bytes, expected 100\n", len(first.Data))
	}

	q.MarkTransferred(src.DataName(), a.Key())
	q.Quiesce()
	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 {
		t.Fatalf("got %d updates after ack, expected 2\n", len(updates))
	}
	if updates[1].State != StateGPUMemory {
		t.Errorf("second update is %s, expected GPU_MEMORY\n", updates[1].State)
	}
}

// A GPU upload failure reported by the interactive side demotes the chunk,
// credits its GPU budget to the next candidate, and suppresses re-promotion
// until a later pass asks again.
func TestGPUUploadFailureDemotes(t *testing.T) {
	src := newTestSource("labels", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 1000, GPUBytes: 100, Downloads: 4}, nil)
	defer q.Shutdown()

	a := cview.ChunkPoint3d{0, 0, 0}
	b := cview.ChunkPoint3d{1, 0, 0}
	q.UpdatePriorities(visible(src, 0, a, b))
	q.Quiesce()
	if state, _ := src.state(a); state != StateGPUMemory {
		t.Fatalf("chunk a is %s, expected GPU_MEMORY\n", state)
	}

	q.MarkGPUFailed(src.DataName(), a.Key())
	q.Quiesce()
	if state, _ := src.state(a); state != StateSystemMemory {
		t.Errorf("chunk a is %s after upload failure, expected SYSTEM_MEMORY\n", state)
	}
	if state, _ := src.state(b); state != StateGPUMemory {
		t.Errorf("chunk b is %s, expected GPU_MEMORY (freed budget)\n", state)
	}
	if used := q.Stats().GPU.Used; used != 100 {
		t.Errorf("GPU budget shows %d used, expected 100\n", used)
	}

	// A fresh pass clears the suppression and the better chunk wins again.
	q.UpdatePriorities(visible(src, 0, a, b))
	q.Quiesce()
	if state, _ := src.state(a); state != StateGPUMemory {
		t.Errorf("chunk a is %s after new pass, expected GPU_MEMORY\n", state)
	}
	if state, _ := src.state(b); state != StateSystemMemory {
		t.Errorf("chunk b is %s after new pass, expected SYSTEM_MEMORY\n", state)
	}
}

// A second pass while a download is in flight keeps exactly one chunk
// object per key.
func TestSingleChunkPerKey(t *testing.T) {
	src := newTestSource("labels", 100)
	q := NewQueueManager(CapacitySpec{SystemBytes: 1000, Downloads: 4}, nil)
	defer q.Shutdown()

	a := cview.ChunkPoint3d{0, 0, 0}
	src.mu.Lock()
	src.slow[a.Key()] = true
	src.mu.Unlock()

	q.UpdatePriorities(visible(src, 0, a))
	waitFor(t, func() bool { return atomic.LoadInt32(&src.started) == 1 })
	q.UpdatePriorities(visible(src, 0, a))
	close(src.release)
	q.Quiesce()

	if n := src.numFetches(a); n != 1 {
		t.Errorf("chunk fetched %d times, expected 1\n", n)
	}
	if state, _ := src.state(a); state != StateSystemMemory {
		t.Errorf("chunk is %s, expected SYSTEM_MEMORY\n", state)
	}
	if src.NumChunks() != 1 {
		t.Errorf("table holds %d chunks, expected 1\n", src.NumChunks())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached within deadline\n")
		}
		time.Sleep(time.Millisecond)
	}
}
