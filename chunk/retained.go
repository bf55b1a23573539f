package chunk

import (
	"sync/atomic"

	"github.com/coocood/freecache"
	"github.com/janelia-flyem/chunkview/cview"
)

// RetainedCache holds snappy-compressed payloads of recently evicted chunks
// so a re-requested chunk can be refilled without another download.  Entries
// are framed with a CRC32 checksum; a corrupt entry is treated as a miss.
type RetainedCache struct {
	cache  *freecache.Cache
	hits   uint64
	misses uint64
}

// NewRetainedCache returns a cache bounded to roughly the given number of
// megabytes.
func NewRetainedCache(mb int) *RetainedCache {
	numBytes := mb * 1 << 20
	cview.Infof("Created retained-payload cache of ~ %d MB for evicted chunks.\n", mb)
	return &RetainedCache{cache: freecache.NewCache(numBytes)}
}

func retainedKey(source string, key cview.ChunkKey) []byte {
	return append([]byte(source+"|"), []byte(key)...)
}

func (rc *RetainedCache) put(source string, key cview.ChunkKey, data []byte) {
	framed, err := cview.SerializeData(data, cview.Snappy, cview.CRC32)
	if err != nil {
		cview.Errorf("unable to serialize retained payload for chunk %s: %v\n", key, err)
		return
	}
	// Entries larger than freecache allows are simply not retained.
	if err := rc.cache.Set(retainedKey(source, key), framed, 0); err != nil {
		cview.Debugf("chunk %s not retained: %v\n", key, err)
	}
}

func (rc *RetainedCache) get(source string, key cview.ChunkKey) ([]byte, bool) {
	framed, err := rc.cache.Get(retainedKey(source, key))
	if err != nil {
		if err != freecache.ErrNotFound {
			cview.Errorf("retained cache get for chunk %s: %v\n", key, err)
		}
		atomic.AddUint64(&rc.misses, 1)
		return nil, false
	}
	data, _, err := cview.DeserializeData(framed)
	if err != nil {
		cview.Errorf("corrupt retained payload for chunk %s: %v\n", key, err)
		atomic.AddUint64(&rc.misses, 1)
		return nil, false
	}
	atomic.AddUint64(&rc.hits, 1)
	return data, true
}

// has reports whether a payload is retained without copying it out.
func (rc *RetainedCache) has(source string, key cview.ChunkKey) bool {
	if rc == nil {
		return false
	}
	_, err := rc.cache.TTL(retainedKey(source, key))
	return err == nil
}

// Hits returns the number of successful refills from this cache.
func (rc *RetainedCache) Hits() uint64 {
	return atomic.LoadUint64(&rc.hits)
}

// Misses returns the number of lookups that fell through to download.
func (rc *RetainedCache) Misses() uint64 {
	return atomic.LoadUint64(&rc.misses)
}
