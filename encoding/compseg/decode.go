package compseg

import (
	"fmt"
)

// DecodeUint64 reverses EncodeUint64, reproducing the original dense volume
// exactly.  The same shape and block size used for encoding must be given.
// Truncated buffers or out-of-range offsets return ErrCorruptData; a shape
// that disagrees with the buffer's channel table returns ErrShapeMismatch.
func DecodeUint64(encoded []uint32, volSize [4]int32, blockSize [3]int32) ([]uint64, error) {
	if err := checkShape(encoded, volSize, blockSize); err != nil {
		return nil, err
	}
	channelVoxels := int64(volSize[0]) * int64(volSize[1]) * int64(volSize[2])
	volume := make([]uint64, channelVoxels*int64(volSize[3]))
	for c := int32(0); c < volSize[3]; c++ {
		base := int(encoded[c])
		channel := volume[int64(c)*channelVoxels : int64(c+1)*channelVoxels]
		if err := decodeChannelUint64(channel, encoded, base, volSize, blockSize); err != nil {
			return nil, err
		}
	}
	return volume, nil
}

// DecodeUint32 is the 32-bit label analog of DecodeUint64.
func DecodeUint32(encoded []uint32, volSize [4]int32, blockSize [3]int32) ([]uint32, error) {
	if err := checkShape(encoded, volSize, blockSize); err != nil {
		return nil, err
	}
	channelVoxels := int64(volSize[0]) * int64(volSize[1]) * int64(volSize[2])
	volume := make([]uint32, channelVoxels*int64(volSize[3]))
	for c := int32(0); c < volSize[3]; c++ {
		base := int(encoded[c])
		channel := volume[int64(c)*channelVoxels : int64(c+1)*channelVoxels]
		if err := decodeChannelUint32(channel, encoded, base, volSize, blockSize); err != nil {
			return nil, err
		}
	}
	return volume, nil
}

// checkShape validates the channel offset table against the instructed shape.
func checkShape(encoded []uint32, volSize [4]int32, blockSize [3]int32) error {
	if volSize[0] <= 0 || volSize[1] <= 0 || volSize[2] <= 0 || volSize[3] <= 0 {
		return ErrShapeMismatch
	}
	if blockSize[0] <= 0 || blockSize[1] <= 0 || blockSize[2] <= 0 {
		return ErrShapeMismatch
	}
	numChannels := int(volSize[3])
	if len(encoded) < numChannels {
		return fmt.Errorf("%w: buffer of %d words cannot hold %d channel offsets", ErrCorruptData, len(encoded), numChannels)
	}
	// Channel 0 data starts directly after the channel offset table, so its
	// offset doubles as a check that the instructed channel count matches
	// the buffer.
	if int(encoded[0]) != numChannels {
		return fmt.Errorf("%w: channel 0 offset %d, expected %d channels", ErrShapeMismatch, encoded[0], numChannels)
	}
	grid := gridSize(volSize, blockSize)
	indexWords := int(grid[0]) * int(grid[1]) * int(grid[2]) * blockHeaderSize
	for c := 0; c < numChannels; c++ {
		base := int(encoded[c])
		if base < numChannels || base+indexWords > len(encoded) {
			return fmt.Errorf("%w: channel %d offset %d leaves no room for block index", ErrCorruptData, c, base)
		}
	}
	return nil
}

// blockSpan describes one block's decode parameters pulled from its header.
type blockSpan struct {
	bits        uint32
	tableStart  int // absolute word offset of the value table
	valuesStart int // absolute word offset of the packed indices
	x0, y0, z0  int32
	ax, ay, az  int32
}

func blockSpans(encoded []uint32, base int, volSize [4]int32, blockSize [3]int32, wordsPerLabel int) ([]blockSpan, error) {
	grid := gridSize(volSize, blockSize)
	spans := make([]blockSpan, 0, int(grid[0])*int(grid[1])*int(grid[2]))
	blockVoxels := int(blockSize[0]) * int(blockSize[1]) * int(blockSize[2])
	for gz := int32(0); gz < grid[2]; gz++ {
		for gy := int32(0); gy < grid[1]; gy++ {
			for gx := int32(0); gx < grid[0]; gx++ {
				headerPos := base + (int(gx)+int(grid[0])*(int(gy)+int(grid[1])*int(gz)))*blockHeaderSize
				bits := encoded[headerPos] >> 24
				switch bits {
				case 0, 1, 2, 4, 8, 16, 32:
				default:
					return nil, fmt.Errorf("%w: block %d,%d,%d has %d encoded bits", ErrCorruptData, gx, gy, gz, bits)
				}
				s := blockSpan{
					bits:        bits,
					tableStart:  base + int(encoded[headerPos]&0xffffff),
					valuesStart: base + int(encoded[headerPos+1]),
					x0:          gx * blockSize[0],
					y0:          gy * blockSize[1],
					z0:          gz * blockSize[2],
				}
				s.ax = min32(blockSize[0], volSize[0]-s.x0)
				s.ay = min32(blockSize[1], volSize[1]-s.y0)
				s.az = min32(blockSize[2], volSize[2]-s.z0)

				encodedWords := (int(bits)*blockVoxels + 31) / 32
				if s.valuesStart+encodedWords > len(encoded) {
					return nil, fmt.Errorf("%w: block %d,%d,%d index data runs past buffer", ErrCorruptData, gx, gy, gz)
				}
				// At minimum the table holds one entry; per-index bounds are
				// checked during unpacking.
				if s.tableStart+wordsPerLabel > len(encoded) {
					return nil, fmt.Errorf("%w: block %d,%d,%d table offset out of range", ErrCorruptData, gx, gy, gz)
				}
				spans = append(spans, s)
			}
		}
	}
	return spans, nil
}

func decodeChannelUint64(channel []uint64, encoded []uint32, base int, volSize [4]int32, blockSize [3]int32) error {
	spans, err := blockSpans(encoded, base, volSize, blockSize, 2)
	if err != nil {
		return err
	}
	sx, sy := int64(volSize[0]), int64(volSize[1])
	for _, s := range spans {
		if s.bits == 0 {
			value := uint64(encoded[s.tableStart]) | uint64(encoded[s.tableStart+1])<<32
			for z := int32(0); z < s.az; z++ {
				for y := int32(0); y < s.ay; y++ {
					row := int64(s.x0) + sx*(int64(s.y0+y)+sy*int64(s.z0+z))
					for x := int32(0); x < s.ax; x++ {
						channel[row+int64(x)] = value
					}
				}
			}
			continue
		}
		mask := uint32(1)<<s.bits - 1
		if s.bits == 32 {
			mask = 0xffffffff
		}
		for z := int32(0); z < s.az; z++ {
			for y := int32(0); y < s.ay; y++ {
				row := int64(s.x0) + sx*(int64(s.y0+y)+sy*int64(s.z0+z))
				for x := int32(0); x < s.ax; x++ {
					pos := int(x) + int(blockSize[0])*(int(y)+int(blockSize[1])*int(z))
					bitPos := pos * int(s.bits)
					index := encoded[s.valuesStart+bitPos/32] >> (bitPos % 32) & mask
					entry := s.tableStart + int(index)*2
					if entry+2 > len(encoded) {
						return fmt.Errorf("%w: table index %d out of range", ErrCorruptData, index)
					}
					channel[row+int64(x)] = uint64(encoded[entry]) | uint64(encoded[entry+1])<<32
				}
			}
		}
	}
	return nil
}

func decodeChannelUint32(channel []uint32, encoded []uint32, base int, volSize [4]int32, blockSize [3]int32) error {
	spans, err := blockSpans(encoded, base, volSize, blockSize, 1)
	if err != nil {
		return err
	}
	sx, sy := int64(volSize[0]), int64(volSize[1])
	for _, s := range spans {
		if s.bits == 0 {
			value := encoded[s.tableStart]
			for z := int32(0); z < s.az; z++ {
				for y := int32(0); y < s.ay; y++ {
					row := int64(s.x0) + sx*(int64(s.y0+y)+sy*int64(s.z0+z))
					for x := int32(0); x < s.ax; x++ {
						channel[row+int64(x)] = value
					}
				}
			}
			continue
		}
		mask := uint32(1)<<s.bits - 1
		if s.bits == 32 {
			mask = 0xffffffff
		}
		for z := int32(0); z < s.az; z++ {
			for y := int32(0); y < s.ay; y++ {
				row := int64(s.x0) + sx*(int64(s.y0+y)+sy*int64(s.z0+z))
				for x := int32(0); x < s.ax; x++ {
					pos := int(x) + int(blockSize[0])*(int(y)+int(blockSize[1])*int(z))
					bitPos := pos * int(s.bits)
					index := encoded[s.valuesStart+bitPos/32] >> (bitPos % 32) & mask
					entry := s.tableStart + int(index)
					if entry >= len(encoded) {
						return fmt.Errorf("%w: table index %d out of range", ErrCorruptData, index)
					}
					channel[row+int64(x)] = encoded[entry]
				}
			}
		}
	}
	return nil
}
