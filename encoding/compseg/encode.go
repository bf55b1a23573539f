package compseg

import (
	"fmt"
	"sort"
)

// EncodeUint64 compresses a dense multi-channel uint64 label volume.  The
// volume is a flat C-order array with x varying fastest and channel slowest,
// of shape volSize = [x, y, z, channels].  Block size need not evenly divide
// the volume.
func EncodeUint64(volume []uint64, volSize [4]int32, blockSize [3]int32) ([]uint32, error) {
	if err := checkVolume(len(volume), volSize); err != nil {
		return nil, err
	}
	numChannels := volSize[3]
	channelVoxels := int64(volSize[0]) * int64(volSize[1]) * int64(volSize[2])
	output := make([]uint32, numChannels, int64(numChannels)+channelVoxels/4)
	for c := int32(0); c < numChannels; c++ {
		output[c] = uint32(len(output))
		channel := volume[int64(c)*channelVoxels : int64(c+1)*channelVoxels]
		var err error
		if output, err = encodeChannelUint64(output, channel, volSize, blockSize); err != nil {
			return nil, err
		}
	}
	return output, nil
}

// EncodeUint32 is the 32-bit label analog of EncodeUint64.
func EncodeUint32(volume []uint32, volSize [4]int32, blockSize [3]int32) ([]uint32, error) {
	if err := checkVolume(len(volume), volSize); err != nil {
		return nil, err
	}
	numChannels := volSize[3]
	channelVoxels := int64(volSize[0]) * int64(volSize[1]) * int64(volSize[2])
	output := make([]uint32, numChannels, int64(numChannels)+channelVoxels/4)
	for c := int32(0); c < numChannels; c++ {
		output[c] = uint32(len(output))
		channel := volume[int64(c)*channelVoxels : int64(c+1)*channelVoxels]
		var err error
		if output, err = encodeChannelUint32(output, channel, volSize, blockSize); err != nil {
			return nil, err
		}
	}
	return output, nil
}

func encodeChannelUint64(output []uint32, channel []uint64, volSize [4]int32, blockSize [3]int32) ([]uint32, error) {
	grid := gridSize(volSize, blockSize)
	base := len(output)
	numBlocks := int(grid[0]) * int(grid[1]) * int(grid[2])
	output = append(output, make([]uint32, numBlocks*blockHeaderSize)...)

	// Blocks with identical value tables share one table copy.
	tableCache := make(map[string]uint32)

	sx, sy := int64(volSize[0]), int64(volSize[1])
	for gz := int32(0); gz < grid[2]; gz++ {
		for gy := int32(0); gy < grid[1]; gy++ {
			for gx := int32(0); gx < grid[0]; gx++ {
				x0, y0, z0 := gx*blockSize[0], gy*blockSize[1], gz*blockSize[2]
				ax := min32(blockSize[0], volSize[0]-x0)
				ay := min32(blockSize[1], volSize[1]-y0)
				az := min32(blockSize[2], volSize[2]-z0)

				// Distinct values present in the block, ascending.
				seen := make(map[uint64]uint32)
				var table []uint64
				previous := channel[int64(x0)+sx*(int64(y0)+sy*int64(z0))] + 1
				for z := int32(0); z < az; z++ {
					for y := int32(0); y < ay; y++ {
						row := int64(x0) + sx*(int64(y0+y)+sy*int64(z0+z))
						for x := int32(0); x < ax; x++ {
							value := channel[row+int64(x)]
							if value != previous {
								previous = value
								if _, found := seen[value]; !found {
									seen[value] = 0
									table = append(table, value)
								}
							}
						}
					}
				}
				sort.Slice(table, func(i, j int) bool { return table[i] < table[j] })
				for i, value := range table {
					seen[value] = uint32(i)
				}

				bits := encodedBitsFor(len(table))
				encodedSize32 := (int(bits)*int(blockSize[0])*int(blockSize[1])*int(blockSize[2]) + 31) / 32
				encodedValueOffset := uint32(len(output) - base)

				tableKey := tableKeyUint64(table)
				tableOffset, shared := tableCache[tableKey]
				if !shared {
					tableOffset = encodedValueOffset + uint32(encodedSize32)
					tableCache[tableKey] = tableOffset
				}
				if tableOffset >= 1<<24 {
					return nil, fmt.Errorf("channel too large for compressed segmentation: table offset %d overflows 24 bits", tableOffset)
				}

				output = append(output, make([]uint32, encodedSize32)...)
				if bits > 0 {
					encoded := output[base+int(encodedValueOffset):]
					for z := int32(0); z < az; z++ {
						for y := int32(0); y < ay; y++ {
							row := int64(x0) + sx*(int64(y0+y)+sy*int64(z0+z))
							for x := int32(0); x < ax; x++ {
								index := seen[channel[row+int64(x)]]
								pos := int(x) + int(blockSize[0])*(int(y)+int(blockSize[1])*int(z))
								bitPos := pos * int(bits)
								encoded[bitPos/32] |= index << (bitPos % 32)
							}
						}
					}
				}
				if !shared {
					for _, value := range table {
						output = append(output, uint32(value), uint32(value>>32))
					}
				}

				headerPos := base + (int(gx)+int(grid[0])*(int(gy)+int(grid[1])*int(gz)))*blockHeaderSize
				output[headerPos] = tableOffset | bits<<24
				output[headerPos+1] = encodedValueOffset
			}
		}
	}
	return output, nil
}

func encodeChannelUint32(output []uint32, channel []uint32, volSize [4]int32, blockSize [3]int32) ([]uint32, error) {
	grid := gridSize(volSize, blockSize)
	base := len(output)
	numBlocks := int(grid[0]) * int(grid[1]) * int(grid[2])
	output = append(output, make([]uint32, numBlocks*blockHeaderSize)...)

	tableCache := make(map[string]uint32)

	sx, sy := int64(volSize[0]), int64(volSize[1])
	for gz := int32(0); gz < grid[2]; gz++ {
		for gy := int32(0); gy < grid[1]; gy++ {
			for gx := int32(0); gx < grid[0]; gx++ {
				x0, y0, z0 := gx*blockSize[0], gy*blockSize[1], gz*blockSize[2]
				ax := min32(blockSize[0], volSize[0]-x0)
				ay := min32(blockSize[1], volSize[1]-y0)
				az := min32(blockSize[2], volSize[2]-z0)

				seen := make(map[uint32]uint32)
				var table []uint32
				previous := channel[int64(x0)+sx*(int64(y0)+sy*int64(z0))] + 1
				for z := int32(0); z < az; z++ {
					for y := int32(0); y < ay; y++ {
						row := int64(x0) + sx*(int64(y0+y)+sy*int64(z0+z))
						for x := int32(0); x < ax; x++ {
							value := channel[row+int64(x)]
							if value != previous {
								previous = value
								if _, found := seen[value]; !found {
									seen[value] = 0
									table = append(table, value)
								}
							}
						}
					}
				}
				sort.Slice(table, func(i, j int) bool { return table[i] < table[j] })
				for i, value := range table {
					seen[value] = uint32(i)
				}

				bits := encodedBitsFor(len(table))
				encodedSize32 := (int(bits)*int(blockSize[0])*int(blockSize[1])*int(blockSize[2]) + 31) / 32
				encodedValueOffset := uint32(len(output) - base)

				tableKey := tableKeyUint32(table)
				tableOffset, shared := tableCache[tableKey]
				if !shared {
					tableOffset = encodedValueOffset + uint32(encodedSize32)
					tableCache[tableKey] = tableOffset
				}
				if tableOffset >= 1<<24 {
					return nil, fmt.Errorf("channel too large for compressed segmentation: table offset %d overflows 24 bits", tableOffset)
				}

				output = append(output, make([]uint32, encodedSize32)...)
				if bits > 0 {
					encoded := output[base+int(encodedValueOffset):]
					for z := int32(0); z < az; z++ {
						for y := int32(0); y < ay; y++ {
							row := int64(x0) + sx*(int64(y0+y)+sy*int64(z0+z))
							for x := int32(0); x < ax; x++ {
								index := seen[channel[row+int64(x)]]
								pos := int(x) + int(blockSize[0])*(int(y)+int(blockSize[1])*int(z))
								bitPos := pos * int(bits)
								encoded[bitPos/32] |= index << (bitPos % 32)
							}
						}
					}
				}
				if !shared {
					output = append(output, table...)
				}

				headerPos := base + (int(gx)+int(grid[0])*(int(gy)+int(grid[1])*int(gz)))*blockHeaderSize
				output[headerPos] = tableOffset | bits<<24
				output[headerPos+1] = encodedValueOffset
			}
		}
	}
	return output, nil
}

func tableKeyUint64(table []uint64) string {
	buf := make([]byte, 8*len(table))
	for i, v := range table {
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(v >> (8 * b))
		}
	}
	return string(buf)
}

func tableKeyUint32(table []uint32) string {
	buf := make([]byte, 4*len(table))
	for i, v := range table {
		for b := 0; b < 4; b++ {
			buf[i*4+b] = byte(v >> (8 * b))
		}
	}
	return string(buf)
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
