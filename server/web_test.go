package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/janelia-flyem/chunkview/chunk"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	config := &Config{}
	config.SetDefaults()
	s, err := New(context.Background(), config)
	if err != nil {
		t.Fatalf("starting service: %v\n", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestStatsHandler(t *testing.T) {
	s := newTestService(t)
	w := httptest.NewRecorder()
	s.statsHandler(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d\n", w.Code)
	}
	var stats chunk.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats response not valid JSON: %v\n", err)
	}
	if stats.System.Total != uint64(defaultSystemMB)<<20 {
		t.Errorf("system total = %d, expected default\n", stats.System.Total)
	}
}

func TestSourcesHandlerEmpty(t *testing.T) {
	s := newTestService(t)
	w := httptest.NewRecorder()
	s.sourcesHandler(w, httptest.NewRequest(http.MethodGet, "/api/sources", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d\n", w.Code)
	}
}

func TestPrioritiesHandlerRejectsUnknownVolume(t *testing.T) {
	s := newTestService(t)
	body := `[{"volume": "nope", "chunk": [0, 0, 0], "tier": "visible", "priority": 0}]`
	w := httptest.NewRecorder()
	s.prioritiesHandler(w, httptest.NewRequest(http.MethodPost, "/api/priorities", strings.NewReader(body)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, expected 400\n", w.Code)
	}
}

func TestPrioritiesHandlerRejectsBadTier(t *testing.T) {
	if _, err := parseTier("speculative"); err == nil {
		t.Errorf("expected error for unknown tier\n")
	}
	for name, tier := range map[string]chunk.PriorityTier{
		"visible":  chunk.VisibleTier,
		"prefetch": chunk.PrefetchTier,
		"recent":   chunk.RecentTier,
	} {
		got, err := parseTier(name)
		if err != nil || got != tier {
			t.Errorf("parseTier(%q) = %v, %v\n", name, got, err)
		}
	}
}

func TestChunkHandlerBadPath(t *testing.T) {
	s := newTestService(t)
	w := httptest.NewRecorder()
	s.chunkHandler(w, httptest.NewRequest(http.MethodGet, "/api/chunk/onlyvolume", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, expected 400\n", w.Code)
	}
}
