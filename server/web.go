package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DmitriyVTitov/size"
	"github.com/rs/cors"
	"github.com/wblakecaldwell/profiler"

	"github.com/janelia-flyem/chunkview/chunk"
	"github.com/janelia-flyem/chunkview/cview"
)

const webHelp = `chunkview HTTP API

GET  /api/help           this message
GET  /api/heartbeat      liveness check
GET  /api/stats          scheduler and capacity statistics (JSON)
GET  /api/sources        open volumes with in-memory footprint (JSON)
POST /api/priorities     submit the full priority set for a pass (JSON)
POST /api/retry          requeue a failed chunk (JSON)
GET  /api/chunk/{volume}/{x}_{y}_{z}   mirrored chunk payload (octet-stream)

Memory profiling endpoints are served under /profiler/.
`

// ServeHTTP starts the daemon API on the configured address and blocks
// until the server stops.
func (s *Service) ServeHTTP() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/help", s.helpHandler)
	mux.HandleFunc("/api/heartbeat", s.heartbeatHandler)
	mux.HandleFunc("/api/stats", s.statsHandler)
	mux.HandleFunc("/api/sources", s.sourcesHandler)
	mux.HandleFunc("/api/priorities", s.prioritiesHandler)
	mux.HandleFunc("/api/retry", s.retryHandler)
	mux.HandleFunc("/api/chunk/", s.chunkHandler)

	profiler.AddMemoryProfilingHandlers()
	profiler.StartProfiling()
	mux.Handle("/profiler/", http.DefaultServeMux)

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: s.config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST"},
	})

	addr := s.config.Server.HTTPAddress
	cview.Infof("Web server listening at %s ...\n", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      corsWrapper.Handler(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Service) helpHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, webHelp)
}

func (s *Service) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, `{"alive": true}`)
}

func (s *Service) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	stats := s.manager.Queue().Stats()
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		cview.Errorf("encoding stats: %v\n", err)
	}
}

type sourceStatus struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Chunks      int    `json:"tracked_chunks"`
	MemoryBytes int64  `json:"memory_bytes"`
}

func (s *Service) sourcesHandler(w http.ResponseWriter, r *http.Request) {
	var statuses []sourceStatus
	s.manager.Sources(func(kind, key string, src chunk.Source) {
		status := sourceStatus{
			Kind:        kind,
			Name:        src.DataName(),
			MemoryBytes: int64(size.Of(src)),
		}
		if cs, ok := src.(interface{ NumChunks() int }); ok {
			status.Chunks = cs.NumChunks()
		}
		statuses = append(statuses, status)
	})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		cview.Errorf("encoding source statuses: %v\n", err)
	}
}

// priorityRequest is the wire form of one entry in a priority pass.
type priorityRequest struct {
	Volume   string   `json:"volume"`
	Chunk    [3]int32 `json:"chunk"`
	Tier     string   `json:"tier"`
	Priority int32    `json:"priority"`
}

func parseTier(name string) (chunk.PriorityTier, error) {
	switch strings.ToLower(name) {
	case "visible", "":
		return chunk.VisibleTier, nil
	case "prefetch":
		return chunk.PrefetchTier, nil
	case "recent":
		return chunk.RecentTier, nil
	}
	return 0, fmt.Errorf("unknown priority tier %q", name)
}

// prioritiesHandler accepts the complete set of currently wanted chunks
// and runs one scheduling pass.
func (s *Service) prioritiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var wire []priorityRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		http.Error(w, fmt.Sprintf("bad priority set: %v", err), http.StatusBadRequest)
		return
	}
	requests := make([]chunk.PriorityRequest, 0, len(wire))
	for _, pr := range wire {
		src, found := s.findSource(pr.Volume)
		if !found {
			http.Error(w, fmt.Sprintf("unknown volume %q", pr.Volume), http.StatusBadRequest)
			return
		}
		tier, err := parseTier(pr.Tier)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		requests = append(requests, chunk.PriorityRequest{
			Source:   src,
			Point:    cview.ChunkPoint3d{pr.Chunk[0], pr.Chunk[1], pr.Chunk[2]},
			Tier:     tier,
			Priority: pr.Priority,
		})
	}
	timeLog := cview.NewTimeLog()
	s.manager.Queue().UpdatePriorities(requests)
	timeLog.Debugf("priority pass over %d requests", len(requests))
	fmt.Fprintf(w, `{"accepted": %d}`, len(requests))
}

func (s *Service) retryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var pr priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&pr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	src, found := s.findSource(pr.Volume)
	if !found {
		http.Error(w, fmt.Sprintf("unknown volume %q", pr.Volume), http.StatusBadRequest)
		return
	}
	s.manager.Queue().RetryFailed(src, cview.ChunkPoint3d{pr.Chunk[0], pr.Chunk[1], pr.Chunk[2]})
	fmt.Fprint(w, `{}`)
}

// chunkHandler serves the locally mirrored payload of one chunk, if any.
// Path form: /api/chunk/{volume}/{x}_{y}_{z}
func (s *Service) chunkHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/chunk/"), "/")
	if len(parts) != 2 {
		http.Error(w, "expected /api/chunk/{volume}/{x}_{y}_{z}", http.StatusBadRequest)
		return
	}
	volume := parts[0]
	var pt cview.ChunkPoint3d
	if n, err := fmt.Sscanf(parts[1], "%d_%d_%d", &pt[0], &pt[1], &pt[2]); n != 3 || err != nil {
		http.Error(w, "bad chunk coordinate", http.StatusBadRequest)
		return
	}
	data := s.frontend.Data(volume, pt.Key())
	if data == nil {
		if state, found := s.frontend.State(volume, pt.Key()); found {
			w.Header().Set("X-Chunk-State", state.String())
		}
		http.Error(w, "chunk payload not resident", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// findSource resolves a volume name to its open source.
func (s *Service) findSource(volume string) (chunk.Source, bool) {
	var match chunk.Source
	s.manager.Sources(func(kind, key string, src chunk.Source) {
		if key == volume {
			match = src
		}
	})
	return match, match != nil
}
