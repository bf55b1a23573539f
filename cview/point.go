/*
	This file holds grid coordinates for chunks and their fixed-width key
	representation used by chunk tables.
*/

package cview

import (
	"encoding/binary"
	"fmt"
)

// ChunkPoint3d handles 3d signed chunk (grid) coordinates.
type ChunkPoint3d [3]int32

// ChunkKeySize is the number of bytes in a ChunkKey.
const ChunkKeySize = 12

func (c ChunkPoint3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c[0], c[1], c[2])
}

// Value returns the value at the specified dimension.
func (c ChunkPoint3d) Value(dim uint8) int32 {
	return c[dim]
}

// ChunkKey is a fixed-width string representation of a chunk coordinate,
// usable as a map key.  Keys sort in Z, then Y, then X order since each
// coordinate is shifted to an unsigned value and stored big-endian.
type ChunkKey string

// Key returns the ChunkKey for this chunk coordinate.
func (c ChunkPoint3d) Key() ChunkKey {
	buf := make([]byte, ChunkKeySize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(int64(c[2])-int64(-1<<31)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(int64(c[1])-int64(-1<<31)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(int64(c[0])-int64(-1<<31)))
	return ChunkKey(buf)
}

// ChunkPoint3d returns the chunk coordinate encoded by this key.
func (k ChunkKey) ChunkPoint3d() (c ChunkPoint3d, err error) {
	if len(k) != ChunkKeySize {
		err = fmt.Errorf("bad chunk key %q: expected %d bytes, got %d", string(k), ChunkKeySize, len(k))
		return
	}
	c[2] = int32(int64(binary.BigEndian.Uint32([]byte(k[0:4]))) + int64(-1<<31))
	c[1] = int32(int64(binary.BigEndian.Uint32([]byte(k[4:8]))) + int64(-1<<31))
	c[0] = int32(int64(binary.BigEndian.Uint32([]byte(k[8:12]))) + int64(-1<<31))
	return
}

func (k ChunkKey) String() string {
	c, err := k.ChunkPoint3d()
	if err != nil {
		return fmt.Sprintf("<invalid chunk key % x>", string(k))
	}
	return c.String()
}
