package precomputed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/chunkview/cview"
)

// ReadRegion fetches the voxel box [begin, end) spanning any number of
// chunks, downloading the covering chunks concurrently (at most maxFetch at
// once) and assembling them into one x-fastest buffer.  It bypasses the
// scheduler and is meant for one-shot tooling, not interactive use.
func (s *Source) ReadRegion(ctx context.Context, begin, end [3]int32, maxFetch int) ([]byte, error) {
	if s.info.NumChannels != 1 {
		return nil, fmt.Errorf("region reads support single-channel volumes only")
	}
	for i := 0; i < 3; i++ {
		if begin[i] >= end[i] {
			return nil, fmt.Errorf("empty region: begin %v, end %v", begin, end)
		}
	}
	if maxFetch < 1 {
		maxFetch = 1
	}
	cs := s.scale.ChunkSizes[0]
	off := s.scale.VoxelOffset
	var c0, c1 [3]int32
	for i := 0; i < 3; i++ {
		c0[i] = (begin[i] - off[i]) / cs[i]
		c1[i] = (end[i] - 1 - off[i]) / cs[i]
	}

	vx := int(end[0] - begin[0])
	vy := int(end[1] - begin[1])
	vz := int(end[2] - begin[2])
	stride := s.voxelSz * s.info.NumChannels
	out := make([]byte, vx*vy*vz*stride)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFetch)
	for cz := c0[2]; cz <= c1[2]; cz++ {
		for cy := c0[1]; cy <= c1[1]; cy++ {
			for cx := c0[0]; cx <= c1[0]; cx++ {
				pt := cview.ChunkPoint3d{cx, cy, cz}
				g.Go(func() error {
					data, err := s.GridGet(gctx, pt)
					if err != nil {
						return err
					}
					s.blit(out, begin, end, pt, data)
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// blit copies the overlap of one decoded chunk into the region buffer.
// Chunks write disjoint voxels, so no locking is needed.
func (s *Source) blit(out []byte, begin, end [3]int32, pt cview.ChunkPoint3d, data []byte) {
	cBegin, cEnd, err := s.chunkExtent(pt)
	if err != nil {
		return
	}
	var lo, hi [3]int32
	for i := 0; i < 3; i++ {
		lo[i] = max32(begin[i], cBegin[i])
		hi[i] = min32(end[i], cEnd[i])
		if lo[i] >= hi[i] {
			return
		}
	}
	stride := s.voxelSz * s.info.NumChannels
	cdx := int(cEnd[0] - cBegin[0])
	cdy := int(cEnd[1] - cBegin[1])
	vdx := int(end[0] - begin[0])
	vdy := int(end[1] - begin[1])
	rowBytes := int(hi[0]-lo[0]) * stride
	for z := lo[2]; z < hi[2]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			src := (int(lo[0]-cBegin[0]) + cdx*(int(y-cBegin[1])+cdy*int(z-cBegin[2]))) * stride
			dst := (int(lo[0]-begin[0]) + vdx*(int(y-begin[1])+vdy*int(z-begin[2]))) * stride
			copy(out[dst:dst+rowBytes], data[src:src+rowBytes])
		}
	}
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
