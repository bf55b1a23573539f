/*
	Conversions between raw little-endian chunk payloads and label slices.
*/

package cview

import (
	"encoding/binary"
	"fmt"
)

// ByteToUint32 returns a uint32 slice copied from little-endian bytes.
func ByteToUint32(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, errBadByteLen(len(b), 4)
	}
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out, nil
}

// ByteToUint64 returns a uint64 slice copied from little-endian bytes.
func ByteToUint64(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, errBadByteLen(len(b), 8)
	}
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out, nil
}

// Uint32ToByte returns the little-endian byte representation of a uint32 slice.
func Uint32ToByte(vals []uint32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// Uint64ToByte returns the little-endian byte representation of a uint64 slice.
func Uint64ToByte(vals []uint64) []byte {
	out := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], v)
	}
	return out
}

func errBadByteLen(got, elemSize int) error {
	return fmt.Errorf("byte slice length %d is not a multiple of %d-byte elements", got, elemSize)
}
