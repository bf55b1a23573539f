// Package server runs the chunkview daemon: it wires the scheduler, the
// state mirror, and the configured precomputed volumes together behind an
// HTTP API used for priority updates and diagnostics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gocloud.dev/blob"

	"github.com/janelia-flyem/chunkview/chunk"
	"github.com/janelia-flyem/chunkview/cview"
	"github.com/janelia-flyem/chunkview/mirror"
	"github.com/janelia-flyem/chunkview/source/precomputed"
)

// mirrorInterval paces the deadline-bounded update batches of the headless
// mirror, roughly one display frame.
const mirrorInterval = 16 * time.Millisecond

// Service is one running daemon.
type Service struct {
	config   *Config
	manager  *chunk.Manager
	frontend *mirror.Frontend
	gpu      *mirror.MemGPU

	mu      sync.Mutex
	buckets []*blob.Bucket
	httpSrv *http.Server

	stop chan struct{}
	done sync.WaitGroup
}

// New builds a service from config: scheduler, mirror, and one source per
// configured volume.  Volumes that fail to open abort startup.
func New(ctx context.Context, config *Config) (*Service, error) {
	config.Log.SetLogger()
	if config.Server.Verbose {
		cview.SetLogMode(cview.DebugMode)
	}

	var retained *chunk.RetainedCache
	if config.Memory.RetainedMB > 0 {
		retained = chunk.NewRetainedCache(config.Memory.RetainedMB)
	}
	queue := chunk.NewQueueManager(config.Memory.CapacitySpec(), retained)

	s := &Service{
		config:  config,
		manager: chunk.NewManager(queue),
		gpu:     mirror.NewMemGPU(),
		stop:    make(chan struct{}),
	}
	s.frontend = mirror.NewFrontend(queue, s.gpu, nil)
	queue.SetNotifier(s.frontend.Notify)

	for name, vc := range config.Volumes {
		if err := s.openVolume(ctx, name, vc); err != nil {
			s.Shutdown()
			return nil, err
		}
	}

	s.done.Add(1)
	go s.mirrorLoop()
	return s, nil
}

func (s *Service) openVolume(ctx context.Context, name string, vc VolumeConfig) error {
	bucket, err := blob.OpenBucket(ctx, vc.Bucket)
	if err != nil {
		return fmt.Errorf("opening volume %q at %s: %v", name, vc.Bucket, err)
	}
	s.mu.Lock()
	s.buckets = append(s.buckets, bucket)
	s.mu.Unlock()

	_, err = s.manager.GetSource("precomputed", name, func() (chunk.Source, error) {
		return precomputed.NewSource(ctx, name, bucket, vc.Scale)
	})
	return err
}

// mirrorLoop drives deadline-bounded update processing for the headless
// mirror, standing in for a renderer's frame loop.
func (s *Service) mirrorLoop() {
	defer s.done.Done()
	ticker := time.NewTicker(mirrorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.frontend.Process(0)
		}
	}
}

// Manager returns the source registry and scheduler.
func (s *Service) Manager() *chunk.Manager {
	return s.manager
}

// Frontend returns the daemon's state mirror.
func (s *Service) Frontend() *mirror.Frontend {
	return s.frontend
}

// Shutdown stops the mirror loop, tears down the scheduler, and closes all
// volume buckets.
func (s *Service) Shutdown() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.done.Wait()
	s.mu.Lock()
	httpSrv := s.httpSrv
	s.mu.Unlock()
	if httpSrv != nil {
		if err := httpSrv.Shutdown(context.Background()); err != nil {
			cview.Errorf("HTTP server shutdown: %v\n", err)
		}
	}
	s.manager.Close()
	s.frontend.Close()
	s.mu.Lock()
	for _, bucket := range s.buckets {
		if err := bucket.Close(); err != nil {
			cview.Errorf("closing volume bucket: %v\n", err)
		}
	}
	s.buckets = nil
	s.mu.Unlock()
	cview.Infof("Shutdown complete.\n")
	cview.LogShutdown()
}
