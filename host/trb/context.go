package trb

import (
	"encoding/binary"

	"github.com/ardnew/softxhci/host/hal"
)

// MaxDCI is the highest Device Context Index.
const MaxDCI = 31

// Context array sizes in units of the context size (32 or 64 bytes).
const (
	DeviceContextEntries = MaxDCI + 1 // slot + 31 endpoints
	InputContextEntries  = MaxDCI + 2 // input control + device context
)

// DCI returns the Device Context Index of endpoint number ep. EP0 is DCI 1
// regardless of direction.
func DCI(ep uint8, in bool) uint8 {
	ep &= 0x0F
	if ep == 0 {
		return 1
	}
	dci := ep * 2
	if in {
		dci++
	}
	return dci
}

// SlotState is the slot state field of a slot context.
type SlotState uint8

// Slot states.
const (
	SlotDisabled   SlotState = 0
	SlotDefault    SlotState = 1
	SlotAddressed  SlotState = 2
	SlotConfigured SlotState = 3
)

// EndpointType is the EP Type field of an endpoint context.
type EndpointType uint8

// Endpoint types.
const (
	EndpointNotValid     EndpointType = 0
	EndpointIsochOut     EndpointType = 1
	EndpointBulkOut      EndpointType = 2
	EndpointInterruptOut EndpointType = 3
	EndpointControl      EndpointType = 4
	EndpointIsochIn      EndpointType = 5
	EndpointBulkIn       EndpointType = 6
	EndpointInterruptIn  EndpointType = 7
)

// EndpointState is the EP State field of an endpoint context.
type EndpointState uint8

// Endpoint states.
const (
	EndpointDisabled EndpointState = 0
	EndpointRunning  EndpointState = 1
	EndpointHalted   EndpointState = 2
	EndpointStopped  EndpointState = 3
	EndpointError    EndpointState = 4
)

// contextBytes is the portion of a context that carries defined fields.
// A 64-byte context leaves its upper half reserved.
const contextBytes = 32

// SlotContext holds the fields of a slot context the driver uses.
type SlotContext struct {
	RouteString uint32 // dword0 bits 0-19
	Speed       hal.Speed
	Entries     uint8 // last valid DCI
	RootPort    uint8
	Address     uint8 // written by the controller
	State       SlotState
}

// MarshalTo writes the slot context to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s *SlotContext) MarshalTo(buf []byte) int {
	if len(buf) < contextBytes {
		return 0
	}
	clear(buf[:contextBytes])
	binary.LittleEndian.PutUint32(buf[0:4],
		s.RouteString&0xFFFFF|uint32(s.Speed&0xF)<<20|uint32(s.Entries&0x1F)<<27)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.RootPort)<<16)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(s.Address)|uint32(s.State&0x1F)<<27)
	return contextBytes
}

// ParseSlotContext parses a slot context.
// Returns false if data is too short.
func ParseSlotContext(data []byte, out *SlotContext) bool {
	if len(data) < contextBytes {
		return false
	}
	d0 := binary.LittleEndian.Uint32(data[0:4])
	d1 := binary.LittleEndian.Uint32(data[4:8])
	d3 := binary.LittleEndian.Uint32(data[12:16])
	out.RouteString = d0 & 0xFFFFF
	out.Speed = hal.Speed(d0 >> 20 & 0xF)
	out.Entries = uint8(d0 >> 27)
	out.RootPort = uint8(d1 >> 16)
	out.Address = uint8(d3)
	out.State = SlotState(d3 >> 27)
	return true
}

// EndpointContext holds the fields of an endpoint context the driver uses.
type EndpointContext struct {
	State            EndpointState
	Interval         uint8
	ErrorCount       uint8 // CErr, 0-3
	Type             EndpointType
	MaxBurst         uint8
	MaxPacketSize    uint16
	Dequeue          hal.PhysAddr
	DequeueCycle     bool
	AverageTRBLength uint16
}

// MarshalTo writes the endpoint context to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (e *EndpointContext) MarshalTo(buf []byte) int {
	if len(buf) < contextBytes {
		return 0
	}
	clear(buf[:contextBytes])
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.State&0x7)|uint32(e.Interval)<<16)
	binary.LittleEndian.PutUint32(buf[4:8],
		uint32(e.ErrorCount&0x3)<<1|uint32(e.Type&0x7)<<3|uint32(e.MaxBurst)<<8|uint32(e.MaxPacketSize)<<16)
	deq := uint64(e.Dequeue) &^ 0xF
	if e.DequeueCycle {
		deq |= 1
	}
	binary.LittleEndian.PutUint64(buf[8:16], deq)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.AverageTRBLength))
	return contextBytes
}

// ParseEndpointContext parses an endpoint context.
// Returns false if data is too short.
func ParseEndpointContext(data []byte, out *EndpointContext) bool {
	if len(data) < contextBytes {
		return false
	}
	d0 := binary.LittleEndian.Uint32(data[0:4])
	d1 := binary.LittleEndian.Uint32(data[4:8])
	deq := binary.LittleEndian.Uint64(data[8:16])
	out.State = EndpointState(d0 & 0x7)
	out.Interval = uint8(d0 >> 16)
	out.ErrorCount = uint8(d1>>1) & 0x3
	out.Type = EndpointType(d1>>3) & 0x7
	out.MaxBurst = uint8(d1 >> 8)
	out.MaxPacketSize = uint16(d1 >> 16)
	out.Dequeue = hal.PhysAddr(deq &^ 0xF)
	out.DequeueCycle = deq&1 != 0
	out.AverageTRBLength = uint16(binary.LittleEndian.Uint32(data[16:20]))
	return true
}

// InputContext is a view of an input context: the input control context
// followed by a device context, each entry ctxSize bytes.
type InputContext struct {
	buf     []byte
	ctxSize int
}

// NewInputContext returns a view over buf, which must hold
// [InputContextEntries] contexts of ctxSize bytes.
func NewInputContext(buf []byte, ctxSize int) InputContext {
	return InputContext{buf: buf[:InputContextEntries*ctxSize], ctxSize: ctxSize}
}

// Reset zeroes the whole input context.
func (ic InputContext) Reset() {
	clear(ic.buf)
}

// SetFlags writes the drop and add context flags.
func (ic InputContext) SetFlags(drop, add uint32) {
	binary.LittleEndian.PutUint32(ic.buf[0:4], drop)
	binary.LittleEndian.PutUint32(ic.buf[4:8], add)
}

// Flags returns the drop and add context flags.
func (ic InputContext) Flags() (drop, add uint32) {
	return binary.LittleEndian.Uint32(ic.buf[0:4]), binary.LittleEndian.Uint32(ic.buf[4:8])
}

// Slot returns the slot context bytes.
func (ic InputContext) Slot() []byte {
	return ic.buf[ic.ctxSize : 2*ic.ctxSize]
}

// Endpoint returns the endpoint context bytes for dci.
func (ic InputContext) Endpoint(dci uint8) []byte {
	off := (int(dci) + 1) * ic.ctxSize
	return ic.buf[off : off+ic.ctxSize]
}

// DeviceContext is a view of an output device context, owned by the
// controller once its address is in the DCBAA.
type DeviceContext struct {
	buf     []byte
	ctxSize int
}

// NewDeviceContext returns a view over buf, which must hold
// [DeviceContextEntries] contexts of ctxSize bytes.
func NewDeviceContext(buf []byte, ctxSize int) DeviceContext {
	return DeviceContext{buf: buf[:DeviceContextEntries*ctxSize], ctxSize: ctxSize}
}

// Slot returns the slot context bytes.
func (dc DeviceContext) Slot() []byte {
	return dc.buf[0:dc.ctxSize]
}

// Endpoint returns the endpoint context bytes for dci.
func (dc DeviceContext) Endpoint(dci uint8) []byte {
	off := int(dci) * dc.ctxSize
	return dc.buf[off : off+dc.ctxSize]
}
