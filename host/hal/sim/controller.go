package sim

import (
	"encoding/binary"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// Register window layout of the model.
const (
	capLength  = 0x20
	rtsOff     = 0x2000
	dbOff      = 0x3000
	WindowSize = 0x4000
)

// Operational registers, relative to capLength.
const (
	regUSBCmd   = capLength + 0x00
	regUSBSts   = capLength + 0x04
	regPageSize = capLength + 0x08
	regCRCR     = capLength + 0x18
	regDCBAAP   = capLength + 0x30
	regConfig   = capLength + 0x38
	regPortBase = capLength + 0x400
)

// Interrupter 0 registers.
const (
	regIMAN   = rtsOff + 0x20
	regIMOD   = rtsOff + 0x24
	regERSTSZ = rtsOff + 0x28
	regERSTBA = rtsOff + 0x30
	regERDP   = rtsOff + 0x38
)

const (
	usbcmdRun   = 1 << 0
	usbcmdReset = 1 << 1
	usbcmdINTE  = 1 << 2

	usbstsHalted = 1 << 0
	usbstsHSE    = 1 << 2
	usbstsEINT   = 1 << 3
	usbstsPCD    = 1 << 4
	usbstsCNR    = 1 << 11

	crcrCS = 1 << 1
	crcrCA = 1 << 2

	imanIP = 1 << 0
	imanIE = 1 << 1

	erdpEHB = 1 << 3
)

// Config describes the modelled controller.
type Config struct {
	MaxSlots    int    // HCSPARAMS1.MaxSlots, default 8
	MaxPorts    int    // HCSPARAMS1.MaxPorts, default 4
	ContextSize int    // 32 or 64, default 32
	Scratchpads int    // HCSPARAMS2 scratchpad buffers
	Version     uint16 // HCIVERSION, default 0x0110
	Line        uint8  // legacy interrupt line, default 11

	// StuckNotReady keeps USBSTS.CNR set forever.
	StuckNotReady bool
}

func (c Config) withDefaults() Config {
	if c.MaxSlots == 0 {
		c.MaxSlots = 8
	}
	if c.MaxPorts == 0 {
		c.MaxPorts = 4
	}
	if c.ContextSize != 64 {
		c.ContextSize = 32
	}
	if c.Version == 0 {
		c.Version = 0x0110
	}
	if c.Line == 0 {
		c.Line = 11
	}
	return c
}

// Controller is a software model of an xHCI controller. It implements
// [hal.Registers]; doorbell writes are processed synchronously and raise
// the interrupt line after the model's lock is released.
type Controller struct {
	mu  sync.Mutex
	cfg Config
	mem *Memory
	irq *Interrupts

	usbcmd, usbsts uint32
	config         uint32
	crcr, dcbaap   uint64
	iman, imod     uint32
	erstsz         uint32
	erstba, erdp   uint64

	// Command ring consumer.
	cmdDeque   hal.PhysAddr
	cmdCycle   bool
	cmdStopped bool // stopped by CRCR.CS or CRCR.CA until the next doorbell

	// Event ring producer.
	evBase    hal.PhysAddr
	evSize    int
	evEnqueue int
	evCycle   bool
	evLost    int

	ports       []port
	slots       []*slot
	nextAddress uint8

	dropCommands bool
	raise        bool // interrupt to deliver once mu is released
}

// New returns a controller model using mem for DMA and irq for interrupt
// delivery.
func New(cfg Config, mem *Memory, irq *Interrupts) *Controller {
	c := &Controller{cfg: cfg.withDefaults(), mem: mem, irq: irq}
	c.ports = make([]port, c.cfg.MaxPorts+1)
	for i := range c.ports {
		c.ports[i].portsc = portPP
	}
	c.reset()
	c.usbsts = usbstsHalted
	if c.cfg.StuckNotReady {
		c.usbsts |= usbstsCNR
	}
	return c
}

// PCI returns the PCI function record for the model.
func (c *Controller) PCI() hal.PCIDevice {
	return hal.PCIDevice{
		VendorID:      0x1b36, // QEMU
		DeviceID:      0x000d,
		Class:         hal.ClassXHCI,
		BAR:           [6]uint64{0xfe00_0000},
		InterruptLine: c.cfg.Line,
	}
}

// reset returns every register and internal structure to its power-on
// value. Attached functions stay attached.
func (c *Controller) reset() {
	c.usbcmd = 0
	c.usbsts = usbstsHalted
	c.config = 0
	c.crcr, c.dcbaap = 0, 0
	c.iman, c.imod, c.erstsz = 0, 0, 0
	c.erstba, c.erdp = 0, 0
	c.cmdDeque, c.cmdCycle, c.cmdStopped = 0, true, false
	c.evBase, c.evSize, c.evEnqueue, c.evCycle = 0, 0, 0, true
	c.slots = make([]*slot, c.cfg.MaxSlots+1)
	c.nextAddress = 1
	for i := 1; i < len(c.ports); i++ {
		p := &c.ports[i]
		p.portsc &^= portPED | portPR
		if p.fn != nil {
			p.portsc |= portCSC
			if p.fn.Speed() == hal.SpeedSuper {
				p.portsc |= portPED
			}
		}
	}
}

// Read32 implements [hal.Registers].
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handleRead(off)
}

// Read64 implements [hal.Registers].
func (c *Controller) Read64(off uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.handleRead(off)) | uint64(c.handleRead(off+4))<<32
}

// Write32 implements [hal.Registers].
func (c *Controller) Write32(off, v uint32) {
	c.mu.Lock()
	c.handleWrite(off, v)
	c.flush()
}

// Write64 implements [hal.Registers]. The low dword is written first.
func (c *Controller) Write64(off uint32, v uint64) {
	c.mu.Lock()
	c.handleWrite(off, uint32(v))
	c.handleWrite(off+4, uint32(v>>32))
	c.flush()
}

// flush releases mu and delivers a pending interrupt.
func (c *Controller) flush() {
	raise := c.raise
	c.raise = false
	line := c.cfg.Line
	c.mu.Unlock()

	if raise && c.irq != nil {
		c.irq.Raise(line)
	}
}

func (c *Controller) handleRead(off uint32) uint32 {
	switch {
	case off < capLength:
		return c.readCapability(off)
	case off >= regPortBase && off < regPortBase+0x10*uint32(c.cfg.MaxPorts):
		n := int(off-regPortBase)/0x10 + 1
		if (off-regPortBase)%0x10 == 0 {
			return c.ports[n].portsc
		}
		return 0
	}

	switch off {
	case regUSBCmd:
		return c.usbcmd
	case regUSBSts:
		return c.usbsts
	case regPageSize:
		return 1 // 4 KiB
	case regCRCR:
		return 0 // reads as zero apart from CRR
	case regDCBAAP:
		return uint32(c.dcbaap)
	case regDCBAAP + 4:
		return uint32(c.dcbaap >> 32)
	case regConfig:
		return c.config
	case regIMAN:
		return c.iman
	case regIMOD:
		return c.imod
	case regERSTSZ:
		return c.erstsz
	case regERSTBA:
		return uint32(c.erstba)
	case regERSTBA + 4:
		return uint32(c.erstba >> 32)
	case regERDP:
		return uint32(c.erdp)
	case regERDP + 4:
		return uint32(c.erdp >> 32)
	}
	return 0
}

func (c *Controller) readCapability(off uint32) uint32 {
	switch off {
	case 0x00:
		return capLength | uint32(c.cfg.Version)<<16
	case 0x04:
		return uint32(c.cfg.MaxSlots) | 1<<8 | uint32(c.cfg.MaxPorts)<<24
	case 0x08:
		n := uint32(c.cfg.Scratchpads)
		return 1<<4 | (n>>5&0x1F)<<21 | (n&0x1F)<<27
	case 0x10:
		v := uint32(1) // AC64
		if c.cfg.ContextSize == 64 {
			v |= 1 << 2
		}
		return v
	case 0x14:
		return dbOff
	case 0x18:
		return rtsOff
	}
	return 0
}

func (c *Controller) handleWrite(off, v uint32) {
	switch {
	case off >= regPortBase && off < regPortBase+0x10*uint32(c.cfg.MaxPorts):
		if (off-regPortBase)%0x10 == 0 {
			c.writePort(int(off-regPortBase)/0x10+1, v)
		}
		return
	case off >= dbOff && off < dbOff+4*uint32(c.cfg.MaxSlots+1):
		c.doorbell(uint8((off-dbOff)/4), uint8(v))
		return
	}

	switch off {
	case regUSBCmd:
		c.writeCommand(v)
	case regUSBSts:
		c.usbsts &^= v & (usbstsHSE | usbstsEINT | usbstsPCD)
	case regCRCR:
		switch {
		case !c.running() || c.cmdStopped:
			c.crcr = c.crcr&^0xFFFFFFFF | uint64(v)
		case v&(crcrCS|crcrCA) != 0:
			c.stopCommands()
		}
	case regCRCR + 4:
		if !c.running() || c.cmdStopped {
			c.crcr = c.crcr&0xFFFFFFFF | uint64(v)<<32
			c.cmdDeque = hal.PhysAddr(c.crcr &^ 0x3F)
			c.cmdCycle = c.crcr&1 != 0
		}
	case regDCBAAP:
		c.dcbaap = c.dcbaap&^0xFFFFFFFF | uint64(v&^0x3F)
	case regDCBAAP + 4:
		c.dcbaap = c.dcbaap&0xFFFFFFFF | uint64(v)<<32
	case regConfig:
		c.config = v
	case regIMAN:
		c.iman = c.iman&^(imanIE|imanIP&v) | v&imanIE
	case regIMOD:
		c.imod = v
	case regERSTSZ:
		c.erstsz = v & 0xFFFF
	case regERSTBA:
		c.erstba = c.erstba&^0xFFFFFFFF | uint64(v&^0x3F)
	case regERSTBA + 4:
		c.erstba = c.erstba&0xFFFFFFFF | uint64(v)<<32
		c.loadEventRing()
	case regERDP:
		ehb := c.erdp & erdpEHB
		if v&erdpEHB != 0 {
			ehb = 0
		}
		c.erdp = c.erdp&^0xFFFFFFFF | uint64(v&^0xF) | ehb
	case regERDP + 4:
		c.erdp = c.erdp&0xFFFFFFFF | uint64(v)<<32
	}
}

func (c *Controller) writeCommand(v uint32) {
	if v&usbcmdReset != 0 {
		c.reset()
		if c.cfg.StuckNotReady {
			c.usbsts |= usbstsCNR
		}
		pkg.LogDebug(pkg.ComponentSim, "controller reset")
		return
	}
	if c.usbsts&usbstsCNR != 0 {
		return
	}
	c.usbcmd = v
	if v&usbcmdRun != 0 {
		c.usbsts &^= usbstsHalted
	} else {
		c.usbsts |= usbstsHalted
	}
}

// loadEventRing reads the first ERST entry and restarts the producer.
func (c *Controller) loadEventRing() {
	if c.erstsz == 0 {
		return
	}
	b, err := c.mem.Translate(hal.PhysAddr(c.erstba), trb.ERSTEntrySize)
	if err != nil {
		c.usbsts |= usbstsHSE
		return
	}
	base, size, _ := trb.ParseERSTEntry(b)
	c.evBase, c.evSize = base, int(size)
	c.evEnqueue, c.evCycle = 0, true
}

// running reports whether the controller processes doorbells.
func (c *Controller) running() bool {
	return c.usbcmd&usbcmdRun != 0 && c.usbsts&usbstsHalted == 0
}

// postEvent writes one event TRB and, if interrupts are enabled, marks an
// interrupt for delivery.
func (c *Controller) postEvent(ev trb.TRB) {
	if c.evSize == 0 {
		c.evLost++
		return
	}
	deq := int(hal.PhysAddr(c.erdp&^0xF)-c.evBase) / trb.Size
	if next := (c.evEnqueue + 1) % c.evSize; next == deq {
		c.evLost++
		pkg.LogWarn(pkg.ComponentSim, "event ring full", "type", ev.Type().String())
		return
	}

	b, err := c.mem.Translate(c.evBase+hal.PhysAddr(c.evEnqueue*trb.Size), trb.Size)
	if err != nil {
		c.usbsts |= usbstsHSE
		return
	}
	ev.Control &^= trb.CycleBit
	if c.evCycle {
		ev.Control |= trb.CycleBit
	}
	ev.MarshalTo(b)

	c.evEnqueue++
	if c.evEnqueue == c.evSize {
		c.evEnqueue = 0
		c.evCycle = !c.evCycle
	}

	c.usbsts |= usbstsEINT
	if c.iman&imanIE != 0 {
		c.iman |= imanIP
		if c.usbcmd&usbcmdINTE != 0 {
			c.raise = true
		}
	}
}

// PostEvent injects an arbitrary event TRB, as if the controller had
// produced it.
func (c *Controller) PostEvent(ev trb.TRB) {
	c.mu.Lock()
	c.postEvent(ev)
	c.flush()
}

// SetDropCommands makes the model consume commands without ever posting
// their completion.
func (c *Controller) SetDropCommands(drop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropCommands = drop
}

// LostEvents returns the number of events that could not be posted.
func (c *Controller) LostEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evLost
}

// readUint64 reads the little-endian uint64 at pa.
func (c *Controller) readUint64(pa hal.PhysAddr) (uint64, bool) {
	b, err := c.mem.Translate(pa, 8)
	if err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}
