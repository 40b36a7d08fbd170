package trb

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// ERSTEntrySize is the size of an Event Ring Segment Table entry.
const ERSTEntrySize = 16

// ERSTAlign is the required alignment of the Event Ring Segment Table.
const ERSTAlign = 64

// EventRing is the consumer side of a single-segment event ring. The
// controller produces entries; software detects new ones by comparing
// each entry's cycle bit against its consumer cycle state.
//
// Event rings have no Link TRB: the controller wraps at the end of the
// segment and toggles its producer cycle state, and so does the consumer.
type EventRing struct {
	seg     hal.DMABuffer
	erst    hal.DMABuffer
	size    int
	dequeue int
	cycle   bool
}

// NewEventRing initializes an event ring of n TRBs over seg and writes its
// one-entry segment table into erst.
func NewEventRing(seg, erst hal.DMABuffer, n int) (*EventRing, error) {
	if n < MinRingSize || n > MaxRingSize || n&(n-1) != 0 {
		return nil, fmt.Errorf("event ring size %d: %w", n, pkg.ErrInvalidParameter)
	}
	if seg.Len() < n*Size || erst.Len() < ERSTEntrySize {
		return nil, fmt.Errorf("event ring buffers too small: %w", pkg.ErrInvalidParameter)
	}
	if seg.Phys%RingAlign != 0 || erst.Phys%ERSTAlign != 0 {
		return nil, fmt.Errorf("event ring buffers unaligned: %w", pkg.ErrInvalidParameter)
	}

	e := &EventRing{
		seg:   seg.Slice(0, n*Size),
		erst:  erst.Slice(0, ERSTEntrySize),
		size:  n,
		cycle: true,
	}
	clear(e.seg.Bytes)
	clear(e.erst.Bytes)
	binary.LittleEndian.PutUint64(e.erst.Bytes[0:8], uint64(e.seg.Phys))
	binary.LittleEndian.PutUint32(e.erst.Bytes[8:12], uint32(n))
	return e, nil
}

// Next returns the entry at the dequeue index if the controller has
// produced it, and advances past it. It returns false once an entry's
// cycle bit shows it has not been written yet.
func (e *EventRing) Next() (TRB, bool) {
	var t TRB
	Parse(e.seg.Bytes[e.dequeue*Size:], &t)
	if t.Cycle() != e.cycle {
		return TRB{}, false
	}

	e.dequeue++
	if e.dequeue == e.size {
		e.dequeue = 0
		e.cycle = !e.cycle
	}
	return t, true
}

// DequeuePointer returns the physical address of the next entry to be
// consumed, the value written back to ERDP.
func (e *EventRing) DequeuePointer() hal.PhysAddr {
	return e.seg.Phys + hal.PhysAddr(e.dequeue*Size)
}

// SegmentTable returns the physical address of the segment table, the
// value written to ERSTBA.
func (e *EventRing) SegmentTable() hal.PhysAddr {
	return e.erst.Phys
}

// SegmentCount returns the number of segments, the value written to ERSTSZ.
func (e *EventRing) SegmentCount() uint32 {
	return 1
}

// Size returns the number of entries in the segment.
func (e *EventRing) Size() int {
	return e.size
}

// Cycle returns the consumer cycle state.
func (e *EventRing) Cycle() bool {
	return e.cycle
}

// ParseERSTEntry decodes a segment table entry into its base and size.
// Returns false if data is too short.
func ParseERSTEntry(data []byte) (base hal.PhysAddr, size uint32, ok bool) {
	if len(data) < ERSTEntrySize {
		return 0, 0, false
	}
	base = hal.PhysAddr(binary.LittleEndian.Uint64(data[0:8]))
	size = binary.LittleEndian.Uint32(data[8:12]) & 0xFFFF
	return base, size, true
}
