package cview

import (
	"bytes"
	"math/rand"
	"reflect"
	"testing"
)

func TestChunkKeyRoundTrip(t *testing.T) {
	points := []ChunkPoint3d{
		{0, 0, 0},
		{1, 2, 3},
		{-1, -2, -3},
		{1 << 30, -(1 << 30), 42},
		{-1 << 31, 1<<31 - 1, 0},
	}
	for _, pt := range points {
		key := pt.Key()
		if len(key) != ChunkKeySize {
			t.Errorf("key for %s has %d bytes, expected %d\n", pt, len(key), ChunkKeySize)
		}
		got, err := key.ChunkPoint3d()
		if err != nil {
			t.Fatalf("decoding key for %s: %v\n", pt, err)
		}
		if got != pt {
			t.Errorf("round trip gave %s, expected %s\n", got, pt)
		}
	}
	if _, err := ChunkKey("short").ChunkPoint3d(); err == nil {
		t.Errorf("expected error decoding truncated key\n")
	}
}

// Keys must sort by z, then y, then x, across sign boundaries.
func TestChunkKeyOrdering(t *testing.T) {
	ordered := []ChunkPoint3d{
		{5, 5, -2},
		{-8, 0, 1},
		{9, 0, 1},
		{0, 3, 1},
		{0, 0, 4},
	}
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1].Key(), ordered[i].Key()
		if !(prev < cur) {
			t.Errorf("key for %s does not sort before %s\n", ordered[i-1], ordered[i])
		}
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(rng.Intn(10)) // compressible
	}
	for _, compression := range []Compression{Uncompressed, Snappy} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			s, err := SerializeData(data, compression, checksum)
			if err != nil {
				t.Fatalf("serialize (%d, %d): %v\n", compression, checksum, err)
			}
			got, gotCompression, err := DeserializeData(s)
			if err != nil {
				t.Fatalf("deserialize (%d, %d): %v\n", compression, checksum, err)
			}
			if gotCompression != compression {
				t.Errorf("got compression %d, expected %d\n", gotCompression, compression)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("round trip (%d, %d) altered data\n", compression, checksum)
			}
		}
	}
}

func TestSerializeChecksumDetectsCorruption(t *testing.T) {
	data := []byte("some chunk payload bytes")
	s, err := SerializeData(data, Snappy, CRC32)
	if err != nil {
		t.Fatalf("serialize: %v\n", err)
	}
	s[len(s)-1] ^= 0xff
	if _, _, err := DeserializeData(s); err == nil {
		t.Errorf("expected checksum failure on corrupted data\n")
	}
}

func TestUintByteConversions(t *testing.T) {
	u32 := []uint32{0, 1, 0xdeadbeef, 1 << 31}
	if got, err := ByteToUint32(Uint32ToByte(u32)); err != nil || !reflect.DeepEqual(got, u32) {
		t.Errorf("uint32 conversion round trip failed: %v %v\n", got, err)
	}
	u64 := []uint64{0, 1, 0xdeadbeefcafebabe}
	if got, err := ByteToUint64(Uint64ToByte(u64)); err != nil || !reflect.DeepEqual(got, u64) {
		t.Errorf("uint64 conversion round trip failed: %v %v\n", got, err)
	}
	if _, err := ByteToUint32(make([]byte, 7)); err == nil {
		t.Errorf("expected error for byte length not a multiple of 4\n")
	}
	if _, err := ByteToUint64(make([]byte, 12)); err == nil {
		t.Errorf("expected error for byte length not a multiple of 8\n")
	}
}
