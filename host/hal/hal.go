package hal

import (
	"time"
)

// PhysAddr is a physical (bus) address visible to the controller.
type PhysAddr uint64

// Speed represents the negotiated port speed as reported by PORTSC.
type Speed uint8

// Protocol speed IDs of the default xHCI speed table.
const (
	SpeedUnknown Speed = 0 // Not connected or unknown
	SpeedFull    Speed = 1 // Full Speed (12 Mbit/s)
	SpeedLow     Speed = 2 // Low Speed (1.5 Mbit/s)
	SpeedHigh    Speed = 3 // High Speed (480 Mbit/s)
	SpeedSuper   Speed = 4 // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return "Unknown"
	}
}

// MaxPacketSize0 returns the default control endpoint max packet size
// used in the Address Device input context before the device descriptor
// has been read.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedFull, SpeedHigh:
		return 64
	case SpeedSuper:
		return 512
	default:
		return 8
	}
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// Uint64 packs the setup packet the way a Setup Stage TRB carries it as
// immediate data in its parameter field.
func (s *SetupPacket) Uint64() uint64 {
	return uint64(s.RequestType) |
		uint64(s.Request)<<8 |
		uint64(s.Value)<<16 |
		uint64(s.Index)<<32 |
		uint64(s.Length)<<48
}

// SetupPacketFromUint64 is the inverse of [SetupPacket.Uint64].
func SetupPacketFromUint64(v uint64) SetupPacket {
	return SetupPacket{
		RequestType: uint8(v),
		Request:     uint8(v >> 8),
		Value:       uint16(v >> 16),
		Index:       uint16(v >> 32),
		Length:      uint16(v >> 48),
	}
}

// IsIn returns true if the data stage is device-to-host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// PCIDevice is the function record supplied by PCI enumeration.
type PCIDevice struct {
	Bus           uint8
	Device        uint8
	Function      uint8
	VendorID      uint16
	DeviceID      uint16
	Class         uint32 // class, subclass, prog-if (0x0C0330 for xHCI)
	BAR           [6]uint64
	InterruptLine uint8
}

// ClassXHCI is the PCI class code of an xHCI controller.
const ClassXHCI = 0x0C0330

// Registers is a memory-mapped register window, normally BAR0 of the
// controller. Offsets are in bytes from the start of the window.
//
// Implementations must perform each access as a single, uncached access
// of the given width.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
	Read64(offset uint32) uint64
	Write64(offset uint32, value uint64)
}

// DMABuffer is a span of physically contiguous memory visible to the
// controller. Bytes aliases the memory at Phys and stays valid (and
// unrelocated) for the lifetime of the allocation.
type DMABuffer struct {
	Phys  PhysAddr
	Bytes []byte
}

// Len returns the size of the buffer in bytes.
func (b DMABuffer) Len() int {
	return len(b.Bytes)
}

// Slice returns the sub-buffer [from, to).
func (b DMABuffer) Slice(from, to int) DMABuffer {
	return DMABuffer{Phys: b.Phys + PhysAddr(from), Bytes: b.Bytes[from:to]}
}

// Memory is the memory manager collaborator. Allocations are zeroed,
// physically contiguous and never relocated.
type Memory interface {
	// Alloc allocates size bytes aligned to align (a power of two).
	Alloc(size, align int) (DMABuffer, error)

	// Translate returns the n bytes of memory at physical address pa.
	Translate(pa PhysAddr, n int) ([]byte, error)
}

// Interrupts is the interrupt layer collaborator.
type Interrupts interface {
	// Redirect routes a legacy IRQ line to a delivery vector.
	Redirect(line uint8, vector uint8) error

	// Register installs handler for a delivery vector.
	Register(vector uint8, handler func()) error
}

// Clock is a monotonic tick counter. One tick is nominally one millisecond.
type Clock interface {
	Ticks() uint64
}

// MonotonicClock derives ticks from the runtime's monotonic clock.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock returns a clock whose tick 0 is now.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// Ticks returns the whole milliseconds elapsed since the clock was created.
func (c *MonotonicClock) Ticks() uint64 {
	return uint64(time.Since(c.start) / time.Millisecond)
}
