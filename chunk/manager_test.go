package chunk

import (
	"fmt"
	"testing"

	"github.com/janelia-flyem/chunkview/cview"
)

func TestManagerMemoizesSources(t *testing.T) {
	q := NewQueueManager(CapacitySpec{SystemBytes: 1000, Downloads: 2}, nil)
	m := NewManager(q)
	defer m.Close()

	built := 0
	factory := func() (Source, error) {
		built++
		return newTestSource("vol1", 100), nil
	}
	a, err := m.GetSource("test", "vol1", factory)
	if err != nil {
		t.Fatalf("first GetSource: %v\n", err)
	}
	b, err := m.GetSource("test", "vol1", factory)
	if err != nil {
		t.Fatalf("second GetSource: %v\n", err)
	}
	if a != b {
		t.Errorf("same spec produced different source objects\n")
	}
	if built != 1 {
		t.Errorf("factory called %d times, expected 1\n", built)
	}
	if m.NumSources() != 1 {
		t.Errorf("manager tracks %d sources, expected 1\n", m.NumSources())
	}

	// A different key builds a separate source.
	if _, err := m.GetSource("test", "vol2", func() (Source, error) {
		return newTestSource("vol2", 100), nil
	}); err != nil {
		t.Fatalf("GetSource for vol2: %v\n", err)
	}
	if m.NumSources() != 2 {
		t.Errorf("manager tracks %d sources, expected 2\n", m.NumSources())
	}
}

func TestManagerReleaseExpiresChunks(t *testing.T) {
	q := NewQueueManager(CapacitySpec{SystemBytes: 1000, Downloads: 2}, nil)
	m := NewManager(q)
	defer m.Close()

	src := newTestSource("vol1", 100)
	got, err := m.GetSource("test", "vol1", func() (Source, error) { return src, nil })
	if err != nil {
		t.Fatalf("GetSource: %v\n", err)
	}
	// Second reference from another consumer.
	if _, err := m.GetSource("test", "vol1", nil); err != nil {
		t.Fatalf("second GetSource: %v\n", err)
	}

	a := cview.ChunkPoint3d{0, 0, 0}
	q.UpdatePriorities(visible(got, 0, a))
	q.Quiesce()
	if used := q.Stats().System.Used; used != 100 {
		t.Fatalf("system budget shows %d used, expected 100\n", used)
	}

	m.ReleaseSource("test", "vol1")
	if m.NumSources() != 1 {
		t.Errorf("source dropped while a reference remains\n")
	}
	m.ReleaseSource("test", "vol1")
	q.Quiesce()
	if m.NumSources() != 0 {
		t.Errorf("manager tracks %d sources after release, expected 0\n", m.NumSources())
	}
	if used := q.Stats().System.Used; used != 0 {
		t.Errorf("system budget shows %d used after release, expected 0\n", used)
	}
	if src.NumChunks() != 0 {
		t.Errorf("released source still tracks %d chunks\n", src.NumChunks())
	}
}

func TestManagerFactoryError(t *testing.T) {
	q := NewQueueManager(CapacitySpec{SystemBytes: 1000, Downloads: 2}, nil)
	m := NewManager(q)
	defer m.Close()

	if _, err := m.GetSource("test", "broken", func() (Source, error) {
		return nil, fmt.Errorf("no such volume")
	}); err == nil {
		t.Errorf("expected error from failing factory\n")
	}
	if m.NumSources() != 0 {
		t.Errorf("failed construction left %d sources registered\n", m.NumSources())
	}
}
