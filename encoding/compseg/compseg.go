/*
Package compseg implements the block-based compressed segmentation format
for label volumes, as used by neuroglancer's precomputed data sources.

The encoded stream is a sequence of little-endian 32-bit words.  For a
volume of shape [x, y, z, channels] and a fixed block size [bx, by, bz]:

  - The first `channels` words give the absolute word offset of each
    channel's encoded data.

  - Each channel starts with a block index of two words per block, ordered
    x fastest, then y, then z:

    word 0: table offset (low 24 bits, relative to the channel start)
    together with the number of encoded bits in the high 8 bits
    word 1: encoded value offset (relative to the channel start)

  - Encoded values are bit-packed indices into the block's value table
    using 0, 1, 2, 4, 8, 16, or 32 bits per voxel.  A block with a single
    distinct value uses 0 bits and stores no index words at all.

  - Value tables hold the block's distinct values in ascending order, one
    word per 32-bit label or two words (low, high) per 64-bit label.
    Blocks with identical tables share a single copy.

Any block can be decoded knowing only the channel offset, the block index
entry, and the buffer, so random access within the stream is possible.
Blocks at volume edges may be smaller than the block size; their index
bits are still laid out on the full block extent.
*/
package compseg

import (
	"errors"
)

var (
	// ErrCorruptData is returned when an encoded buffer is truncated or
	// contains offsets outside the buffer.
	ErrCorruptData = errors.New("corrupt compressed segmentation data")

	// ErrShapeMismatch is returned when the volume shape given for an
	// encode/decode disagrees with the data.
	ErrShapeMismatch = errors.New("compressed segmentation shape mismatch")
)

// blockHeaderSize is the number of 32-bit words per block index entry.
const blockHeaderSize = 2

// gridSize returns the number of blocks along each dimension, using ceiling
// division so edge blocks may be partial.
func gridSize(volSize [4]int32, blockSize [3]int32) (grid [3]int32) {
	for i := 0; i < 3; i++ {
		grid[i] = (volSize[i] + blockSize[i] - 1) / blockSize[i]
	}
	return
}

// encodedBitsFor returns the number of bits used to encode indices into a
// table with the given number of distinct values: 0 for a single value,
// otherwise the smallest of 1, 2, 4, 8, 16, 32 that can address the table.
func encodedBitsFor(numValues int) uint32 {
	if numValues == 1 {
		return 0
	}
	bits := uint32(1)
	for (1 << bits) < numValues {
		bits *= 2
	}
	return bits
}

// checkVolume verifies the flat volume length matches the given shape.
func checkVolume(volLen int, volSize [4]int32) error {
	if volSize[0] <= 0 || volSize[1] <= 0 || volSize[2] <= 0 || volSize[3] <= 0 {
		return ErrShapeMismatch
	}
	expected := int64(volSize[0]) * int64(volSize[1]) * int64(volSize[2]) * int64(volSize[3])
	if int64(volLen) != expected {
		return ErrShapeMismatch
	}
	return nil
}
