package host

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// Direction is the direction of a bulk transfer.
type Direction uint8

// Transfer directions.
const (
	Out Direction = iota // host to device
	In                   // device to host
)

// String returns "OUT" or "IN".
func (d Direction) String() string {
	if d == In {
		return "IN"
	}
	return "OUT"
}

// TransferHandle identifies a transfer by the physical address of the
// last TRB of its TD. It is a distinct type from CommandHandle so the two
// kinds of address never compare.
type TransferHandle hal.PhysAddr

// Completion is the outcome of a transfer.
type Completion struct {
	Code     trb.CompletionCode
	Length   uint32 // bytes transferred
	Residual uint32 // bytes requested but not transferred
}

// Err returns nil for a successful completion, ErrShortPacket for a
// short one, and the completion code's sentinel otherwise.
func (c Completion) Err() error {
	if c.Code == trb.CodeShortPacket || c.Code == trb.CodeSuccess && c.Residual > 0 {
		return fmt.Errorf("%d of %d bytes: %w", c.Length, c.Length+c.Residual, pkg.ErrShortPacket)
	}
	return c.Code.Err()
}

// maxTDTRBs bounds the TRBs of one TD.
const maxTDTRBs = 16

// pendingTransfer correlates the one in-flight TD of an endpoint with its
// completion. The zero value is "nothing outstanding".
type pendingTransfer struct {
	active bool
	done   bool
	handle TransferHandle // last TRB of the TD
	trbs   int
	addrs  [maxTDTRBs]TransferHandle
	lens   [maxTDTRBs]uint32
	length uint32 // bytes requested
	code   trb.CompletionCode
	xfer   uint32 // bytes transferred

	// A control TD still runs its Status stage after a short Data stage,
	// so the short event does not finish it.
	control bool
	short   bool
}

// add records one TRB of the TD being built.
func (p *pendingTransfer) add(addr hal.PhysAddr, n uint32) {
	p.addrs[p.trbs] = TransferHandle(addr)
	p.lens[p.trbs] = n
	p.trbs++
	p.handle = TransferHandle(addr)
}

// match returns the index of the TRB an event for addr reports on, or -1.
// Only TRBs of the outstanding TD match; the controller reports on the
// last one unless an earlier one failed.
func (p *pendingTransfer) match(addr TransferHandle) int {
	if !p.active || p.done {
		return -1
	}
	for i := 0; i < p.trbs; i++ {
		if p.addrs[i] == addr {
			return i
		}
	}
	return -1
}

// complete records the completion of TRB i with the given residual. It
// reports whether the TD is finished.
func (p *pendingTransfer) complete(i int, code trb.CompletionCode, residual uint32) bool {
	if p.short {
		// Status stage of a control TD whose Data stage came up short.
		p.done = true
		if code != trb.CodeSuccess {
			p.code = code
		}
		return true
	}

	var xfer uint32
	for j := 0; j < i; j++ {
		xfer += p.lens[j]
	}
	xfer += p.lens[i] - min(residual, p.lens[i])
	p.code = code
	p.xfer = min(xfer, p.length)
	if p.control && code == trb.CodeShortPacket && i < p.trbs-1 {
		p.short = true
		return false
	}
	p.done = true
	return true
}

func (p *pendingTransfer) result() Completion {
	return Completion{Code: p.code, Length: p.xfer, Residual: p.length - p.xfer}
}

// endpoint is the software side of one endpoint context.
type endpoint struct {
	dci           uint8
	address       uint8
	maxPacketSize uint16
	ring          *trb.Ring
	pending       pendingTransfer
}

// Device is an addressed device occupying one controller slot.
//
// Endpoint state is indexed by DCI. The pending records are written by the
// event handler and guarded by the controller's event lock.
type Device struct {
	ctrl  *Controller
	slot  uint8
	port  int
	speed hal.Speed

	output  hal.DMABuffer // device context, owned by the controller
	input   hal.DMABuffer // input context scratch
	control hal.DMABuffer // EP0 data-stage buffer

	endpoints [trb.MaxDCI + 1]*endpoint

	descriptor DeviceDescriptor
	storage    StorageInterface
	hasStorage bool
	configured bool
}

// maxControlData is the size of the EP0 data-stage buffer.
const maxControlData = MaxConfigurationSize

// slotMemory is the DMA memory of one slot. It outlives the devices that
// use the slot so re-enumeration does not allocate again.
type slotMemory struct {
	output  hal.DMABuffer
	input   hal.DMABuffer
	control hal.DMABuffer
	rings   [trb.MaxDCI + 1]*trb.Ring
}

// slotBuffer points buf at a zeroed buffer of size bytes, allocating it
// the first time.
func (c *Controller) slotBuffer(buf *hal.DMABuffer, size int) error {
	if buf.Bytes != nil {
		clear(buf.Bytes)
		return nil
	}
	b, err := c.AllocDMA(size, 64)
	if err != nil {
		return err
	}
	*buf = b
	return nil
}

// newDevice prepares the contexts for slot and installs the device
// context in the DCBAA.
func (c *Controller) newDevice(slot uint8, port int, speed hal.Speed) (*Device, error) {
	d := &Device{ctrl: c, slot: slot, port: port, speed: speed}
	m := &c.slotMem[slot]

	if err := c.slotBuffer(&m.output, trb.DeviceContextEntries*c.contextSize); err != nil {
		return nil, fmt.Errorf("device context: %w", err)
	}
	if err := c.slotBuffer(&m.input, trb.InputContextEntries*c.contextSize); err != nil {
		return nil, fmt.Errorf("input context: %w", err)
	}
	if err := c.slotBuffer(&m.control, maxControlData); err != nil {
		return nil, fmt.Errorf("control buffer: %w", err)
	}
	d.output, d.input, d.control = m.output, m.input, m.control

	ep0, err := c.newEndpoint(slot, 1, 0, speed.MaxPacketSize0())
	if err != nil {
		return nil, fmt.Errorf("EP0 ring: %w", err)
	}
	d.endpoints[1] = ep0

	binary.LittleEndian.PutUint64(c.dcbaa.Bytes[int(slot)*8:], uint64(d.output.Phys))
	return d, nil
}

// newEndpoint returns an endpoint of slot with an empty transfer ring,
// reusing the ring the slot last had at dci.
func (c *Controller) newEndpoint(slot, dci, address uint8, mps uint16) (*endpoint, error) {
	m := &c.slotMem[slot]
	ring := m.rings[dci]
	if ring != nil {
		ring.Reset()
	} else {
		var err error
		if ring, err = c.newRing(c.cfg.TransferRingSize); err != nil {
			return nil, err
		}
		m.rings[dci] = ring
	}
	return &endpoint{dci: dci, address: address, maxPacketSize: mps, ring: ring}, nil
}

// release clears the DCBAA entry of the device's slot.
func (d *Device) release() {
	binary.LittleEndian.PutUint64(d.ctrl.dcbaa.Bytes[int(d.slot)*8:], 0)
}

func (d *Device) endpointLocked(dci int) *endpoint {
	if dci < 1 || dci > trb.MaxDCI {
		return nil
	}
	return d.endpoints[dci]
}

// inputContext returns a zeroed view of the input context.
func (d *Device) inputContext() trb.InputContext {
	ic := trb.NewInputContext(d.input.Bytes, d.ctrl.contextSize)
	ic.Reset()
	return ic
}

// slotContext builds the slot context for the device with entries as the
// last valid DCI.
func (d *Device) slotContext(entries uint8) trb.SlotContext {
	return trb.SlotContext{
		Speed:    d.speed,
		Entries:  entries,
		RootPort: uint8(d.port),
	}
}

// endpointContext builds the endpoint context for ep.
func (d *Device) endpointContext(ep *endpoint, typ trb.EndpointType, burst uint8) trb.EndpointContext {
	ptr, cycle := ep.ring.Pointer()
	avg := uint16(8) // control endpoints
	if typ != trb.EndpointControl {
		avg = 3072
	}
	return trb.EndpointContext{
		ErrorCount:       3,
		Type:             typ,
		MaxBurst:         burst,
		MaxPacketSize:    ep.maxPacketSize,
		Dequeue:          ptr,
		DequeueCycle:     cycle,
		AverageTRBLength: avg,
	}
}

// Slot returns the controller slot ID.
func (d *Device) Slot() uint8 { return d.slot }

// Port returns the root hub port number (1-based).
func (d *Device) Port() int { return d.port }

// Speed returns the negotiated speed.
func (d *Device) Speed() hal.Speed { return d.speed }

// Controller returns the controller the device is attached to.
func (d *Device) Controller() *Controller { return d.ctrl }

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

// Storage returns the mass-storage interface, if the device has one.
func (d *Device) Storage() (StorageInterface, bool) { return d.storage, d.hasStorage }

// IsConfigured returns true once SET_CONFIGURATION succeeded.
func (d *Device) IsConfigured() bool { return d.configured }

// Address returns the USB address the controller assigned, read from the
// output slot context.
func (d *Device) Address() uint8 {
	var sc trb.SlotContext
	trb.ParseSlotContext(trb.NewDeviceContext(d.output.Bytes, d.ctrl.contextSize).Slot(), &sc)
	return sc.Address
}

// EndpointState returns the controller's view of the endpoint state for
// a bulk direction.
func (d *Device) EndpointState(dir Direction) trb.EndpointState {
	dci := d.bulkDCI(dir)
	if dci == 0 {
		return trb.EndpointDisabled
	}
	var ec trb.EndpointContext
	trb.ParseEndpointContext(trb.NewDeviceContext(d.output.Bytes, d.ctrl.contextSize).Endpoint(dci), &ec)
	return ec.State
}

// bulkDCI returns the DCI of the bulk endpoint for dir, or 0.
func (d *Device) bulkDCI(dir Direction) uint8 {
	if !d.hasStorage {
		return 0
	}
	if dir == In {
		return trb.DCI(d.storage.BulkIn.Number(), true)
	}
	return trb.DCI(d.storage.BulkOut.Number(), false)
}
