package host

import (
	"math/bits"

	"github.com/ardnew/softxhci/host/trb"
)

// Default ring sizes, in TRBs.
const (
	DefaultCommandRingSize  = 64
	DefaultEventRingSize    = 256
	DefaultTransferRingSize = 256
)

// Default timeouts, in clock ticks.
const (
	DefaultResetTimeout     = 1000
	DefaultCommandTimeout   = 500
	DefaultPortResetTimeout = 500
	DefaultControlTimeout   = 1000
	DefaultTransferTimeout  = 5000
)

// DefaultVector is the interrupt delivery vector used when none is given.
const DefaultVector = 0x40

// Config holds controller options. Zero fields take their defaults.
type Config struct {
	CommandRingSize  int
	EventRingSize    int
	TransferRingSize int

	ResetTimeout     uint64 // HCRST and CNR
	CommandTimeout   uint64 // per command
	PortResetTimeout uint64 // PORTSC.PRC
	ControlTimeout   uint64 // per control transfer
	TransferTimeout  uint64 // per bulk transfer

	// Vector is the delivery vector the controller's IRQ line is
	// redirected to.
	Vector uint8

	// Yield is called on every iteration of a polling loop. It lets a
	// cooperative caller keep other work moving while the driver spins.
	Yield func()
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		CommandRingSize:  DefaultCommandRingSize,
		EventRingSize:    DefaultEventRingSize,
		TransferRingSize: DefaultTransferRingSize,
		ResetTimeout:     DefaultResetTimeout,
		CommandTimeout:   DefaultCommandTimeout,
		PortResetTimeout: DefaultPortResetTimeout,
		ControlTimeout:   DefaultControlTimeout,
		TransferTimeout:  DefaultTransferTimeout,
		Vector:           DefaultVector,
	}
}

// withDefaults fills zero fields from DefaultConfig and rounds ring sizes
// to a power of two the ring abstraction accepts.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CommandRingSize == 0 {
		c.CommandRingSize = d.CommandRingSize
	}
	if c.EventRingSize == 0 {
		c.EventRingSize = d.EventRingSize
	}
	if c.TransferRingSize == 0 {
		c.TransferRingSize = d.TransferRingSize
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.PortResetTimeout == 0 {
		c.PortResetTimeout = d.PortResetTimeout
	}
	if c.ControlTimeout == 0 {
		c.ControlTimeout = d.ControlTimeout
	}
	if c.TransferTimeout == 0 {
		c.TransferTimeout = d.TransferTimeout
	}
	if c.Vector == 0 {
		c.Vector = d.Vector
	}
	c.CommandRingSize = clampRing(c.CommandRingSize)
	c.EventRingSize = clampRing(c.EventRingSize)
	c.TransferRingSize = clampRing(c.TransferRingSize)
	return c
}

func clampRing(n int) int {
	n = min(max(n, trb.MinRingSize), trb.MaxRingSize)
	return 1 << bits.Len(uint(n-1))
}
