package chunk

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// StateStats aggregates chunks in one lifecycle state.
type StateStats struct {
	Chunks      int    `json:"chunks"`
	SystemBytes uint64 `json:"system_bytes"`
	GPUBytes    uint64 `json:"gpu_bytes"`
}

// CapacityStats is a snapshot of one capacity budget.
type CapacityStats struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
}

// Stats is a snapshot of queue manager bookkeeping, exposed for diagnostics
// and telemetry.  Nothing in the core consumes it.
type Stats struct {
	States [NumChunkStates]StateStats   `json:"states"`
	Tiers  [NumPriorityTiers]StateStats `json:"tiers"`

	System    CapacityStats `json:"system_memory"`
	GPU       CapacityStats `json:"gpu_memory"`
	Downloads CapacityStats `json:"downloads"`

	DownloadCount uint64        `json:"download_count"`
	DownloadBytes uint64        `json:"download_bytes"`
	DownloadTime  time.Duration `json:"download_time_ns"`

	RetainedHits   uint64 `json:"retained_hits"`
	RetainedMisses uint64 `json:"retained_misses"`
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "system memory: %s of %s used\n",
		humanize.Bytes(s.System.Used), humanize.Bytes(s.System.Total))
	fmt.Fprintf(&b, "gpu memory: %s of %s used\n",
		humanize.Bytes(s.GPU.Used), humanize.Bytes(s.GPU.Total))
	fmt.Fprintf(&b, "downloads: %d of %d slots used, %s fetched in %s total\n",
		s.Downloads.Used, s.Downloads.Total, humanize.Bytes(s.DownloadBytes), s.DownloadTime)
	for i := 0; i < NumChunkStates; i++ {
		if s.States[i].Chunks == 0 {
			continue
		}
		fmt.Fprintf(&b, "%21s: %s chunks, %s system, %s gpu\n", ChunkState(i),
			humanize.Comma(int64(s.States[i].Chunks)),
			humanize.Bytes(s.States[i].SystemBytes), humanize.Bytes(s.States[i].GPUBytes))
	}
	return b.String()
}
