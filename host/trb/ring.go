package trb

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Ring size limits (in TRBs, including the Link TRB).
const (
	MinRingSize = 16
	MaxRingSize = 4096
)

// RingAlign is the required alignment of a ring segment. 64 bytes is the
// strictest requirement of any ring; a segment must also not cross a 64 KiB
// boundary, which a ring of at most 4096 TRBs satisfies when aligned to
// its own size.
const RingAlign = 64

// Ring is a producer ring (command ring or transfer ring): a fixed array
// of TRBs whose last slot always holds a Link TRB pointing back to slot 0.
//
// The producer owns every slot whose cycle bit differs from the ring's
// current cycle state. The cycle state starts at 1 and toggles each time
// the enqueue index passes the Link TRB.
type Ring struct {
	buf     hal.DMABuffer
	size    int  // TRB slots, including the Link TRB
	enqueue int  // next slot to write
	cycle   bool // producer cycle state
	pending int  // TRBs handed to the consumer and not yet retired
}

// NewRing initializes a ring over buf holding n TRBs. n must be a power of
// two between [MinRingSize] and [MaxRingSize], and buf must hold at least
// n TRBs.
func NewRing(buf hal.DMABuffer, n int) (*Ring, error) {
	if n < MinRingSize || n > MaxRingSize || n&(n-1) != 0 {
		return nil, fmt.Errorf("ring size %d: %w", n, pkg.ErrInvalidParameter)
	}
	if buf.Len() < n*Size {
		return nil, fmt.Errorf("ring buffer %d bytes for %d TRBs: %w", buf.Len(), n, pkg.ErrInvalidParameter)
	}
	if buf.Phys%RingAlign != 0 {
		return nil, fmt.Errorf("ring base 0x%x unaligned: %w", buf.Phys, pkg.ErrInvalidParameter)
	}

	r := &Ring{
		buf:  buf.Slice(0, n*Size),
		size: n,
	}
	r.Reset()
	return r, nil
}

// Reset zeroes every slot, rewrites the Link TRB and returns the ring to
// enqueue index 0 with cycle state 1.
func (r *Ring) Reset() {
	clear(r.buf.Bytes)
	link := TRB{
		Parameter: uint64(r.buf.Phys),
		Control:   Control(TypeLink, ToggleCycle),
	}
	link.MarshalTo(r.slot(r.size - 1))
	r.enqueue = 0
	r.cycle = true
	r.pending = 0
}

// Enqueue writes the next slot with the ring's cycle bit encoded into
// control and returns the physical address of the written TRB.
//
// A full ring is a caller bug: the driver keeps at most one request
// outstanding per ring, so Enqueue panics rather than returning an error.
func (r *Ring) Enqueue(parameter uint64, status, control uint32) hal.PhysAddr {
	if r.pending >= r.size-1 {
		panic(fmt.Sprintf("trb: enqueue on full ring at 0x%x (%d pending)", r.buf.Phys, r.pending))
	}

	addr := r.Address(r.enqueue)
	t := TRB{
		Parameter: parameter,
		Status:    status,
		Control:   control&^CycleBit | r.cycleBit(),
	}
	t.MarshalTo(r.slot(r.enqueue))
	r.enqueue++
	r.pending++

	if r.enqueue == r.size-1 {
		// Hand the Link TRB to the consumer. It carries the chain bit of
		// the TRB before it so a TD may span the wrap.
		var link TRB
		Parse(r.slot(r.size-1), &link)
		link.Control = Control(TypeLink, ToggleCycle|control&Chain) | r.cycleBit()
		link.MarshalTo(r.slot(r.size - 1))

		pkg.LogDebug(pkg.ComponentRing, "ring wrapped",
			"base", uint64(r.buf.Phys),
			"cycle", r.cycle)

		r.cycle = !r.cycle
		r.enqueue = 0
	}

	return addr
}

// Retire returns n TRBs to the producer after the consumer reported their
// completion.
func (r *Ring) Retire(n int) {
	r.pending -= n
	if r.pending < 0 {
		r.pending = 0
	}
}

// Pointer returns the physical address of the next slot to be written
// and the cycle state it will be written with. It is the value a Set TR
// Dequeue Pointer command needs after an endpoint halt.
func (r *Ring) Pointer() (hal.PhysAddr, bool) {
	return r.Address(r.enqueue), r.cycle
}

// Phys returns the physical base address of the ring.
func (r *Ring) Phys() hal.PhysAddr {
	return r.buf.Phys
}

// Address returns the physical address of slot i.
func (r *Ring) Address(i int) hal.PhysAddr {
	return r.buf.Phys + hal.PhysAddr(i*Size)
}

// Index returns the slot index of a physical address within the ring, or
// -1 if addr does not point at a slot of this ring.
func (r *Ring) Index(addr hal.PhysAddr) int {
	if addr < r.buf.Phys || addr >= r.buf.Phys+hal.PhysAddr(r.size*Size) {
		return -1
	}
	off := int(addr - r.buf.Phys)
	if off%Size != 0 {
		return -1
	}
	return off / Size
}

// Size returns the number of slots, including the Link TRB.
func (r *Ring) Size() int {
	return r.size
}

// EnqueueIndex returns the index of the next slot to be written.
func (r *Ring) EnqueueIndex() int {
	return r.enqueue
}

// Cycle returns the producer cycle state.
func (r *Ring) Cycle() bool {
	return r.cycle
}

// Pending returns the number of TRBs awaiting completion.
func (r *Ring) Pending() int {
	return r.pending
}

// Read returns the TRB in slot i.
func (r *Ring) Read(i int) TRB {
	var t TRB
	Parse(r.slot(i), &t)
	return t
}

func (r *Ring) slot(i int) []byte {
	return r.buf.Bytes[i*Size : (i+1)*Size]
}

func (r *Ring) cycleBit() uint32 {
	if r.cycle {
		return CycleBit
	}
	return 0
}
