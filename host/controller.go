package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// MaxSlots bounds the device arena regardless of what the controller
// reports in HCSPARAMS1.
const MaxSlots = 255

// imodInterval is the interrupter moderation interval in 250 ns units.
const imodInterval = 4000

// Controller owns one xHCI host controller: its rings, contexts and the
// devices enumerated on its root ports.
type Controller struct {
	pci  hal.PCIDevice
	regs hal.Registers
	mem  hal.Memory
	irq  hal.Interrupts
	cfg  Config
	poll *Poller

	// Learned from capability registers in Start.
	version     uint16
	opBase      uint32
	dbBase      uint32
	rtBase      uint32
	maxSlots    int
	maxPorts    int
	contextSize int
	pageSize    int
	scratchpads int
	ac64        bool

	dcbaa   hal.DMABuffer
	scratch hal.DMABuffer
	slotMem []slotMemory // indexed by slot ID
	cmdRing *trb.Ring
	events  *trb.EventRing

	// cmdMu serializes commands: at most one is in flight.
	cmdMu sync.Mutex

	// evMu guards the event ring and everything the event handler writes.
	evMu       sync.Mutex
	cmdHandle  CommandHandle
	cmdWaiting bool
	cmdDone    bool
	cmdResult  CommandResult
	cmdStopped bool // Command Ring Stopped event seen since the last abort
	portDirty  []bool
	devices    []*Device // indexed by slot ID
	stats      Stats

	// State
	running bool
	mutex   sync.RWMutex

	// Callbacks
	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// Stats counts controller activity.
type Stats struct {
	Interrupts    uint64
	Events        uint64
	Commands      uint64
	Transfers     uint64
	DroppedEvents uint64
}

// New creates a controller for the PCI function pci. regs is its BAR0
// register window. Nothing touches the hardware until Start.
func New(pci hal.PCIDevice, regs hal.Registers, mem hal.Memory, irq hal.Interrupts, clk hal.Clock, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		pci:  pci,
		regs: regs,
		mem:  mem,
		irq:  irq,
		cfg:  cfg,
		poll: NewPoller(clk, cfg.Yield),
	}
}

// Start brings the controller up: capability discovery, reset, DMA
// structure allocation, interrupter setup and finally Run.
func (c *Controller) Start(ctx context.Context) error {
	c.mutex.Lock()
	if c.running {
		c.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	c.mutex.Unlock()

	if err := c.discover(); err != nil {
		return err
	}
	if err := c.reset(ctx); err != nil {
		return err
	}
	if err := c.allocate(); err != nil {
		return err
	}
	c.program()

	if c.irq != nil {
		if err := c.irq.Redirect(c.pci.InterruptLine, c.cfg.Vector); err != nil {
			return fmt.Errorf("redirect IRQ %d: %w", c.pci.InterruptLine, err)
		}
		if err := c.irq.Register(c.cfg.Vector, c.HandleInterrupt); err != nil {
			return fmt.Errorf("register vector 0x%x: %w", c.cfg.Vector, err)
		}
	}

	c.writeOp32(opUSBCmd, cmdRun|cmdINTE|cmdHSEE)
	if err := c.poll.Until(ctx, c.cfg.ResetTimeout, func() bool {
		return c.readOp32(opUSBSts)&stsHalted == 0
	}); err != nil {
		return controllerTimeout("start", err)
	}

	c.mutex.Lock()
	c.running = true
	c.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentController, "controller started",
		"version", fmt.Sprintf("%x.%02x", c.version>>8, c.version&0xFF),
		"slots", c.maxSlots,
		"ports", c.maxPorts,
		"contextSize", c.contextSize,
		"scratchpads", c.scratchpads)
	return nil
}

// Stop clears Run/Stop and waits for the controller to halt. Every device
// record is dropped.
func (c *Controller) Stop() error {
	c.mutex.Lock()
	if !c.running {
		c.mutex.Unlock()
		return nil
	}
	c.running = false
	c.mutex.Unlock()

	c.writeOp32(opUSBCmd, c.readOp32(opUSBCmd)&^(cmdRun|cmdINTE))
	err := c.poll.Until(context.Background(), c.cfg.ResetTimeout, func() bool {
		return c.readOp32(opUSBSts)&stsHalted != 0
	})

	c.evMu.Lock()
	for i := range c.devices {
		c.devices[i] = nil
	}
	c.evMu.Unlock()

	if err != nil {
		return controllerTimeout("halt", err)
	}
	pkg.LogInfo(pkg.ComponentController, "controller stopped")
	return nil
}

// IsRunning returns true if the controller is running.
func (c *Controller) IsRunning() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.running
}

// discover reads the capability registers.
func (c *Controller) discover() error {
	capReg := c.regs.Read32(capLength)
	c.opBase = capReg & 0xFF
	c.version = uint16(capReg >> 16)
	if c.opBase == 0 {
		return fmt.Errorf("CAPLENGTH is zero: %w", pkg.ErrNotSupported)
	}

	hcs1 := c.regs.Read32(capHCSParams1)
	c.maxSlots = min(int(hcs1&hcsMaxSlotsMask), MaxSlots)
	c.maxPorts = int(hcs1 >> hcsMaxPortsShift)
	if c.maxSlots == 0 || c.maxPorts == 0 {
		return fmt.Errorf("%d slots, %d ports: %w", c.maxSlots, c.maxPorts, pkg.ErrNotSupported)
	}

	hcs2 := c.regs.Read32(capHCSParams2)
	c.scratchpads = int((hcs2>>hcsScratchHiShift)&hcsScratchMask)<<5 |
		int((hcs2>>hcsScratchLoShift)&hcsScratchMask)

	hcc1 := c.regs.Read32(capHCCParams1)
	c.contextSize = 32
	if hcc1&hccCSZ != 0 {
		c.contextSize = 64
	}
	c.ac64 = hcc1&hccAC64 != 0

	c.dbBase = c.regs.Read32(capDBOff) &^ 0x3
	c.rtBase = c.regs.Read32(capRTSOff) &^ 0x1F

	c.pageSize = 4096
	if ps := c.readOp32(opPageSize) & 0xFFFF; ps != 0 {
		for bit := 0; bit < 16; bit++ {
			if ps&(1<<bit) != 0 {
				c.pageSize = 1 << (bit + 12)
				break
			}
		}
	}

	c.portDirty = make([]bool, c.maxPorts+1)
	c.devices = make([]*Device, c.maxSlots+1)
	c.slotMem = make([]slotMemory, c.maxSlots+1)

	pkg.LogDebug(pkg.ComponentController, "capabilities",
		"capLength", c.opBase,
		"dbOff", c.dbBase,
		"rtsOff", c.rtBase,
		"pageSize", c.pageSize,
		"ac64", c.ac64)
	return nil
}

// reset halts the controller if it is running and performs HCRST.
func (c *Controller) reset(ctx context.Context) error {
	notReady := func() bool { return c.readOp32(opUSBSts)&stsCNR == 0 }
	if err := c.poll.Until(ctx, c.cfg.ResetTimeout, notReady); err != nil {
		return controllerTimeout("controller not ready", err)
	}

	if c.readOp32(opUSBSts)&stsHalted == 0 {
		c.writeOp32(opUSBCmd, c.readOp32(opUSBCmd)&^cmdRun)
		if err := c.poll.Until(ctx, c.cfg.ResetTimeout, func() bool {
			return c.readOp32(opUSBSts)&stsHalted != 0
		}); err != nil {
			return controllerTimeout("halt", err)
		}
	}

	c.writeOp32(opUSBCmd, cmdReset)
	if err := c.poll.Until(ctx, c.cfg.ResetTimeout, func() bool {
		return c.readOp32(opUSBCmd)&cmdReset == 0 && c.readOp32(opUSBSts)&stsCNR == 0
	}); err != nil {
		return controllerTimeout("reset", err)
	}

	pkg.LogDebug(pkg.ComponentController, "controller reset")
	return nil
}

// allocate creates the DCBAA, scratchpad buffers, command ring and event
// ring. Any failure is ErrOutOfSpace.
func (c *Controller) allocate() error {
	var err error
	if c.dcbaa, err = c.AllocDMA((c.maxSlots+1)*8, 64); err != nil {
		return fmt.Errorf("device context array: %w", err)
	}

	if c.scratchpads > 0 {
		if c.scratch, err = c.AllocDMA(c.scratchpads*8, 64); err != nil {
			return fmt.Errorf("scratchpad array: %w", err)
		}
		for i := 0; i < c.scratchpads; i++ {
			page, err := c.AllocDMA(c.pageSize, c.pageSize)
			if err != nil {
				return fmt.Errorf("scratchpad page %d: %w", i, err)
			}
			binary.LittleEndian.PutUint64(c.scratch.Bytes[i*8:], uint64(page.Phys))
		}
		binary.LittleEndian.PutUint64(c.dcbaa.Bytes[0:8], uint64(c.scratch.Phys))
	}

	if c.cmdRing, err = c.newRing(c.cfg.CommandRingSize); err != nil {
		return fmt.Errorf("command ring: %w", err)
	}

	n := c.cfg.EventRingSize
	seg, err := c.AllocDMA(n*trb.Size, ringAlign(n))
	if err != nil {
		return fmt.Errorf("event ring: %w", err)
	}
	erst, err := c.AllocDMA(trb.ERSTEntrySize, trb.ERSTAlign)
	if err != nil {
		return fmt.Errorf("event ring segment table: %w", err)
	}
	if c.events, err = trb.NewEventRing(seg, erst, n); err != nil {
		return err
	}
	return nil
}

// program writes the allocated structures into the operational and
// runtime registers.
func (c *Controller) program() {
	cfg := c.readOp32(opConfig)
	c.writeOp32(opConfig, cfg&^0xFF|uint32(c.maxSlots))
	c.writeOp64(opDCBAAP, uint64(c.dcbaa.Phys))

	ptr, cycle := c.cmdRing.Pointer()
	crcr := uint64(ptr)
	if cycle {
		crcr |= crcrRCS
	}
	c.writeOp64(opCRCR, crcr)

	// ERSTBA is written last: it starts the interrupter's event ring.
	c.writeIR32(irERSTSZ, c.events.SegmentCount())
	c.writeIR64(irERDP, uint64(c.events.DequeuePointer()))
	c.writeIR64(irERSTBA, uint64(c.events.SegmentTable()))
	c.writeIR32(irIMOD, imodInterval)
	c.writeIR32(irIMAN, imanIP|imanIE)
}

// AllocDMA allocates a zeroed DMA buffer from the memory collaborator.
// Failures wrap ErrOutOfSpace.
func (c *Controller) AllocDMA(size, align int) (hal.DMABuffer, error) {
	buf, err := c.mem.Alloc(size, align)
	if err != nil {
		return hal.DMABuffer{}, fmt.Errorf("%w: %d bytes: %w", pkg.ErrOutOfSpace, size, err)
	}
	if buf.Len() < size {
		return hal.DMABuffer{}, fmt.Errorf("%w: short allocation of %d bytes", pkg.ErrOutOfSpace, size)
	}
	return buf, nil
}

// newRing allocates and initializes a producer ring of n TRBs.
func (c *Controller) newRing(n int) (*trb.Ring, error) {
	buf, err := c.AllocDMA(n*trb.Size, ringAlign(n))
	if err != nil {
		return nil, err
	}
	return trb.NewRing(buf, n)
}

// ringAlign aligns a segment to its own size so it never crosses a 64 KiB
// boundary.
func ringAlign(n int) int {
	return max(trb.RingAlign, n*trb.Size)
}

// Ring writes the doorbell for slot. Slot 0 target 0 is the command ring;
// for a device slot target is the DCI of the endpoint.
func (c *Controller) Ring(slot, target uint8) {
	c.regs.Write32(c.dbBase+4*uint32(slot), uint32(target))
}

// Version returns HCIVERSION.
func (c *Controller) Version() uint16 { return c.version }

// MaxSlots returns the number of device slots enabled.
func (c *Controller) MaxSlots() int { return c.maxSlots }

// MaxPorts returns the number of root hub ports.
func (c *Controller) MaxPorts() int { return c.maxPorts }

// ContextSize returns the size of one context structure: 32 or 64 bytes.
func (c *Controller) ContextSize() int { return c.contextSize }

// Poller returns the poller used for every wait.
func (c *Controller) Poller() *Poller { return c.poll }

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Memory returns the memory collaborator.
func (c *Controller) Memory() hal.Memory { return c.mem }

// Stats returns a snapshot of the activity counters.
func (c *Controller) Stats() Stats {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	return c.stats
}

// Devices returns the addressed devices in slot order.
func (c *Controller) Devices() []*Device {
	c.evMu.Lock()
	defer c.evMu.Unlock()

	result := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		if d != nil {
			result = append(result, d)
		}
	}
	return result
}

// Device returns the device in slot, or nil.
func (c *Controller) Device(slot uint8) *Device {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if int(slot) >= len(c.devices) {
		return nil
	}
	return c.devices[slot]
}

// SetOnDeviceConnect sets the callback for a newly enumerated device.
func (c *Controller) SetOnDeviceConnect(cb func(*Device)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for a device whose port
// reported a disconnect.
func (c *Controller) SetOnDeviceDisconnect(cb func(*Device)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onDeviceDisconnect = cb
}

func (c *Controller) readOp32(off uint32) uint32 {
	return c.regs.Read32(c.opBase + off)
}

func (c *Controller) writeOp32(off, v uint32) {
	c.regs.Write32(c.opBase+off, v)
}

func (c *Controller) writeOp64(off uint32, v uint64) {
	c.regs.Write64(c.opBase+off, v)
}

func (c *Controller) readPort(port int) uint32 {
	return c.readOp32(opPortBase + opPortStep*uint32(port-1))
}

func (c *Controller) writePort(port int, v uint32) {
	c.writeOp32(opPortBase+opPortStep*uint32(port-1), v)
}

func (c *Controller) readIR32(off uint32) uint32 {
	return c.regs.Read32(c.rtBase + rtInterrupter0 + off)
}

func (c *Controller) writeIR32(off, v uint32) {
	c.regs.Write32(c.rtBase+rtInterrupter0+off, v)
}

func (c *Controller) writeIR64(off uint32, v uint64) {
	c.regs.Write64(c.rtBase+rtInterrupter0+off, v)
}

// controllerTimeout maps a poll failure to ErrControllerTimeout, leaving
// context errors untouched.
func controllerTimeout(what string, err error) error {
	if errors.Is(err, pkg.ErrTimeout) {
		return fmt.Errorf("%s: %w", what, pkg.ErrControllerTimeout)
	}
	return fmt.Errorf("%s: %w", what, err)
}
