// Package precomputed implements a chunk source reading neuroglancer
// precomputed volumes from any gocloud.dev blob bucket (GCS, S3, local
// files, or in-memory for tests).  Chunk objects may be stored raw or in
// the compressed segmentation encoding, optionally gzipped.
package precomputed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gocloud.dev/blob"

	"github.com/janelia-flyem/chunkview/chunk"
	"github.com/janelia-flyem/chunkview/cview"
	"github.com/janelia-flyem/chunkview/encoding/compseg"
)

const (
	EncodingRaw     = "raw"
	EncodingCompSeg = "compressed_segmentation"
)

// Info is the top-level volume metadata, stored as JSON under "info" at the
// bucket root.
type Info struct {
	Type        string  `json:"type"`
	DataType    string  `json:"data_type"`
	NumChannels int     `json:"num_channels"`
	Scales      []Scale `json:"scales"`
}

// Scale describes one resolution level of a volume.
type Scale struct {
	Key          string     `json:"key"`
	Size         [3]int32   `json:"size"`
	Resolution   [3]float64 `json:"resolution"`
	VoxelOffset  [3]int32   `json:"voxel_offset"`
	ChunkSizes   [][3]int32 `json:"chunk_sizes"`
	Encoding     string     `json:"encoding"`
	CompSegBlock [3]int32   `json:"compressed_segmentation_block_size"`
}

// infoSchema gates the metadata before it is trusted by the source: the
// fields the scheduler sizes chunks from must be present and well-typed.
var infoSchema = jsonschema.MustCompileString("precomputed-info.json", `{
	"type": "object",
	"required": ["type", "data_type", "scales"],
	"properties": {
		"type": {"type": "string"},
		"data_type": {"type": "string"},
		"num_channels": {"type": "integer", "minimum": 1},
		"scales": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["key", "size", "chunk_sizes", "encoding"],
				"properties": {
					"key": {"type": "string"},
					"size": {
						"type": "array",
						"minItems": 3,
						"maxItems": 3,
						"items": {"type": "integer", "minimum": 0}
					},
					"chunk_sizes": {"type": "array", "minItems": 1},
					"encoding": {"type": "string"}
				}
			}
		}
	}
}`)

// LoadInfo reads, validates, and parses the volume metadata from the bucket.
func LoadInfo(ctx context.Context, bucket *blob.Bucket) (Info, error) {
	var info Info
	data, err := bucket.ReadAll(ctx, "info")
	if err != nil {
		return info, fmt.Errorf("reading precomputed info: %v", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return info, fmt.Errorf("parsing precomputed info: %v", err)
	}
	if err := infoSchema.Validate(doc); err != nil {
		return info, fmt.Errorf("invalid precomputed info: %v", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parsing precomputed info: %v", err)
	}
	if info.NumChannels < 1 {
		info.NumChannels = 1
	}
	return info, nil
}

func bytesPerVoxel(dataType string) (int, error) {
	switch dataType {
	case "uint8", "int8":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "uint32", "int32", "float32":
		return 4, nil
	case "uint64", "int64", "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported data type %q", dataType)
	}
}

// Source reads one scale of one precomputed volume.  It satisfies
// chunk.Source; payloads returned by GridGet are decoded little-endian
// voxel arrays in x-fastest order.
type Source struct {
	chunk.ChunkSource

	bucket  *blob.Bucket
	info    Info
	scale   Scale
	voxelSz int
}

// NewSource returns a source for the named scale of the volume in bucket.
// An empty scaleKey selects the highest-resolution scale.  The source does
// not own the bucket; the caller closes it.
func NewSource(ctx context.Context, name string, bucket *blob.Bucket, scaleKey string) (*Source, error) {
	info, err := LoadInfo(ctx, bucket)
	if err != nil {
		return nil, err
	}
	scale := info.Scales[0]
	if scaleKey != "" {
		found := false
		for _, s := range info.Scales {
			if s.Key == scaleKey {
				scale, found = s, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("volume %q has no scale %q", name, scaleKey)
		}
	}
	if len(scale.ChunkSizes) == 0 {
		return nil, fmt.Errorf("scale %q specifies no chunk sizes", scale.Key)
	}
	voxelSz, err := bytesPerVoxel(info.DataType)
	if err != nil {
		return nil, err
	}
	if scale.Encoding == EncodingCompSeg && voxelSz != 4 && voxelSz != 8 {
		return nil, fmt.Errorf("compressed segmentation requires 32- or 64-bit labels, not %q", info.DataType)
	}
	cview.Infof("Opened precomputed volume %q, scale %s: %d x %d x %d voxels of %s (%s)\n",
		name, scale.Key, scale.Size[0], scale.Size[1], scale.Size[2], info.DataType, scale.Encoding)
	return &Source{
		ChunkSource: chunk.NewChunkSource(name),
		bucket:      bucket,
		info:        info,
		scale:       scale,
		voxelSz:     voxelSz,
	}, nil
}

// Info returns the parsed volume metadata.
func (s *Source) Info() Info {
	return s.info
}

// Scale returns the metadata of the scale this source reads.
func (s *Source) Scale() Scale {
	return s.scale
}

// GridExtent returns the number of chunks along each axis.
func (s *Source) GridExtent() [3]int32 {
	cs := s.scale.ChunkSizes[0]
	var ext [3]int32
	for i := 0; i < 3; i++ {
		ext[i] = (s.scale.Size[i] + cs[i] - 1) / cs[i]
	}
	return ext
}

// ChunkBytes returns the decoded size of a full chunk, the reservation
// made before download.  Edge chunks may come in smaller.
func (s *Source) ChunkBytes() uint64 {
	cs := s.scale.ChunkSizes[0]
	return uint64(cs[0]) * uint64(cs[1]) * uint64(cs[2]) *
		uint64(s.voxelSz) * uint64(s.info.NumChannels)
}

// chunkExtent returns the voxel bounds [begin, end) of the chunk at pt,
// clipped to the volume, or an error if pt lies outside the grid.
func (s *Source) chunkExtent(pt cview.ChunkPoint3d) (begin, end [3]int32, err error) {
	cs := s.scale.ChunkSizes[0]
	for i := 0; i < 3; i++ {
		if pt[i] < 0 || pt[i]*cs[i] >= s.scale.Size[i] {
			return begin, end, fmt.Errorf("chunk %s outside volume grid", pt)
		}
		begin[i] = s.scale.VoxelOffset[i] + pt[i]*cs[i]
		end[i] = begin[i] + cs[i]
		if max := s.scale.VoxelOffset[i] + s.scale.Size[i]; end[i] > max {
			end[i] = max
		}
	}
	return begin, end, nil
}

// objectName returns the bucket key for the chunk at pt, following the
// precomputed "{scale}/x0-x1_y0-y1_z0-z1" layout.
func (s *Source) objectName(pt cview.ChunkPoint3d) (string, error) {
	begin, end, err := s.chunkExtent(pt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d-%d_%d-%d_%d-%d", s.scale.Key,
		begin[0], end[0], begin[1], end[1], begin[2], end[2]), nil
}

// GridGet fetches and decodes the chunk at pt.  The returned buffer holds
// exactly the chunk's clipped extent.
func (s *Source) GridGet(ctx context.Context, pt cview.ChunkPoint3d) ([]byte, error) {
	name, err := s.objectName(pt)
	if err != nil {
		return nil, err
	}
	raw, err := s.bucket.ReadAll(ctx, name)
	if err != nil {
		return nil, &cview.DownloadError{Key: pt.Key(), Err: err}
	}
	raw, err = maybeGunzip(raw)
	if err != nil {
		return nil, &cview.DecodeError{Key: pt.Key(), Err: err}
	}
	begin, end, _ := s.chunkExtent(pt)
	var dims [3]int32
	for i := 0; i < 3; i++ {
		dims[i] = end[i] - begin[i]
	}
	data, err := s.decode(raw, dims)
	if err != nil {
		return nil, &cview.DecodeError{Key: pt.Key(), Err: err}
	}
	return data, nil
}

func (s *Source) decode(raw []byte, dims [3]int32) ([]byte, error) {
	numVoxels := int(dims[0]) * int(dims[1]) * int(dims[2]) * s.info.NumChannels
	switch s.scale.Encoding {
	case EncodingRaw, "":
		if len(raw) != numVoxels*s.voxelSz {
			return nil, fmt.Errorf("raw chunk is %d bytes, expected %d", len(raw), numVoxels*s.voxelSz)
		}
		return raw, nil

	case EncodingCompSeg:
		encoded, err := cview.ByteToUint32(raw)
		if err != nil {
			return nil, err
		}
		volume := [4]int32{dims[0], dims[1], dims[2], int32(s.info.NumChannels)}
		if s.voxelSz == 8 {
			labels, err := compseg.DecodeUint64(encoded, volume, s.scale.CompSegBlock)
			if err != nil {
				return nil, err
			}
			return cview.Uint64ToByte(labels), nil
		}
		labels, err := compseg.DecodeUint32(encoded, volume, s.scale.CompSegBlock)
		if err != nil {
			return nil, err
		}
		return cview.Uint32ToByte(labels), nil

	default:
		return nil, fmt.Errorf("unsupported encoding %q", s.scale.Encoding)
	}
}

// maybeGunzip transparently decompresses gzip-wrapped chunk objects.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
