package chunk

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/janelia-flyem/chunkview/cview"
)

// AvailableCapacity bounds one resource dimension (system-memory bytes,
// GPU-memory bytes, or concurrent downloads).  It is not internally locked:
// all debits and credits happen under the owning QueueManager's lock, so
// accounting is atomic between scheduling passes.
type AvailableCapacity struct {
	total uint64
	used  uint64
}

func (c *AvailableCapacity) Total() uint64 { return c.total }

func (c *AvailableCapacity) Used() uint64 { return c.used }

func (c *AvailableCapacity) Available() uint64 {
	if c.used >= c.total {
		return 0
	}
	return c.total - c.used
}

// Resize changes the total capacity.  Shrinking below current use is
// allowed; the next scheduling pass evicts until the invariant holds again.
func (c *AvailableCapacity) Resize(total uint64) {
	c.total = total
}

func (c *AvailableCapacity) canFit(n uint64) bool {
	return c.used+n <= c.total
}

func (c *AvailableCapacity) debit(n uint64) error {
	if c.used+n > c.total {
		return fmt.Errorf("capacity debit of %d exceeds %d of %d available", n, c.Available(), c.total)
	}
	c.used += n
	return nil
}

func (c *AvailableCapacity) credit(n uint64) {
	if n > c.used {
		cview.Criticalf("capacity credit of %d exceeds %d used; clamping\n", n, c.used)
		c.used = 0
		return
	}
	c.used -= n
}

func (c *AvailableCapacity) String() string {
	return fmt.Sprintf("%s of %s used", humanize.Bytes(c.used), humanize.Bytes(c.total))
}
