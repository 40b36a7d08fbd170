package host

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/sim"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Mock Function for Testing
// =============================================================================

// mockFunction implements sim.Function with canned descriptors, a queue of
// bulk IN replies and per-endpoint stall flags.
type mockFunction struct {
	mu sync.Mutex

	speed  hal.Speed
	device []byte
	config []byte

	address       uint8
	configuration uint8
	requests      []hal.SetupPacket

	stallRequest int // stall control requests with this code, -1 for none
	stalled      map[uint8]bool
	cleared      []uint16

	received [][]byte // bulk OUT payloads
	replies  [][]byte // bulk IN payloads; empty means NAK
}

func newMockFunction(speed hal.Speed, config []byte) *mockFunction {
	mps0 := uint8(64)
	usb := uint16(0x0200)
	if speed == hal.SpeedSuper {
		mps0, usb = 9, 0x0300
	}
	return &mockFunction{
		speed:        speed,
		device:       deviceDescriptor(usb, mps0),
		config:       config,
		stallRequest: -1,
		stalled:      make(map[uint8]bool),
	}
}

func deviceDescriptor(usb uint16, mps0 uint8) []byte {
	d := []byte{
		DeviceDescriptorSize, DescriptorTypeDevice,
		0, 0, // bcdUSB
		0, 0, 0, // class in interface
		mps0,
		0x34, 0x12, // idVendor
		0x78, 0x56, // idProduct
		0x00, 0x01, // bcdDevice
		1, 2, 3, 1,
	}
	binary.LittleEndian.PutUint16(d[2:4], usb)
	return d
}

// storageConfig returns a configuration with one Bulk-Only mass-storage
// interface on endpoints 0x81 and 0x02.
func storageConfig(mps uint16) []byte {
	b := []byte{
		9, DescriptorTypeConfiguration, 0, 0, 1, 1, 0, 0x80, 50,
		9, DescriptorTypeInterface, 0, 0, 2, ClassMassStorage, SubclassSCSI, ProtocolBulkOnly, 0,
		7, DescriptorTypeEndpoint, 0x81, EndpointTypeBulk, byte(mps), byte(mps >> 8), 0,
		7, DescriptorTypeEndpoint, 0x02, EndpointTypeBulk, byte(mps), byte(mps >> 8), 0,
	}
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// hidConfig returns a configuration with one HID interface.
func hidConfig() []byte {
	b := []byte{
		9, DescriptorTypeConfiguration, 0, 0, 1, 1, 0, 0x80, 50,
		9, DescriptorTypeInterface, 0, 0, 1, 0x03, 0x01, 0x01, 0,
		7, DescriptorTypeEndpoint, 0x81, EndpointTypeInterrupt, 8, 0, 10,
	}
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

func (f *mockFunction) Speed() hal.Speed { return f.speed }

func (f *mockFunction) Control(setup hal.SetupPacket, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, setup)

	if int(setup.Request) == f.stallRequest {
		return nil, pkg.ErrStall
	}

	switch setup.Request {
	case RequestSetAddress:
		f.address = uint8(setup.Value)
	case RequestGetDescriptor:
		switch setup.Value >> 8 {
		case DescriptorTypeDevice:
			return f.device, nil
		case DescriptorTypeConfiguration:
			return f.config, nil
		}
		return nil, pkg.ErrStall
	case RequestSetConfiguration:
		f.configuration = uint8(setup.Value)
	case RequestClearFeature:
		f.cleared = append(f.cleared, setup.Index)
		delete(f.stalled, uint8(setup.Index))
	default:
		return nil, pkg.ErrStall
	}
	return nil, nil
}

func (f *mockFunction) BulkOut(ep uint8, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stalled[ep] {
		return pkg.ErrStall
	}
	f.received = append(f.received, append([]byte(nil), data...))
	return nil
}

func (f *mockFunction) BulkIn(ep uint8, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stalled[ep] {
		return 0, pkg.ErrStall
	}
	if len(f.replies) == 0 {
		return 0, sim.ErrNAK
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return copy(buf, r), nil
}

func (f *mockFunction) reply(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, b)
}

func (f *mockFunction) stall(ep uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled[ep] = true
}

// =============================================================================
// Register Recorder
// =============================================================================

type regWrite struct {
	offset uint32
	value  uint32
}

// recordingRegisters logs every 32-bit write before passing it on.
type recordingRegisters struct {
	hal.Registers
	mu     sync.Mutex
	writes []regWrite
}

func (r *recordingRegisters) Write32(offset, value uint32) {
	r.mu.Lock()
	r.writes = append(r.writes, regWrite{offset, value})
	r.mu.Unlock()
	r.Registers.Write32(offset, value)
}

// take returns the writes since the last call.
func (r *recordingRegisters) take() []regWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.writes
	r.writes = nil
	return w
}

// =============================================================================
// Test Controller
// =============================================================================

type testController struct {
	*Controller
	xhc *sim.Controller
	mem *sim.Memory
	irq *sim.Interrupts
}

type testOptions struct {
	sim    sim.Config
	cfg    Config
	noIRQ  bool
	memory int
	wrap   func(hal.Registers) hal.Registers // interposes on register access
}

// newTestController builds a controller over a fresh model. It is not
// started.
func newTestController(t *testing.T, opts testOptions) *testController {
	t.Helper()
	if opts.memory == 0 {
		opts.memory = 8 << 20
	}
	tc := &testController{mem: sim.NewMemory(opts.memory)}

	var irq hal.Interrupts
	if !opts.noIRQ {
		tc.irq = sim.NewInterrupts()
		irq = tc.irq
	}
	tc.xhc = sim.New(opts.sim, tc.mem, tc.irq)
	var regs hal.Registers = tc.xhc
	if opts.wrap != nil {
		regs = opts.wrap(regs)
	}
	tc.Controller = New(tc.xhc.PCI(), regs, tc.mem, irq, sim.NewClock(), opts.cfg)
	return tc
}

// startTestController builds and starts a controller.
func startTestController(t *testing.T, opts testOptions) *testController {
	t.Helper()
	tc := newTestController(t, opts)
	if err := tc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { tc.Stop() })
	return tc
}

// attach plugs fn into port and enumerates it.
func (tc *testController) attach(t *testing.T, port int, fn sim.Function) *Device {
	t.Helper()
	if err := tc.xhc.Attach(port, fn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	found := tc.PollPorts(context.Background())
	if len(found) != 1 {
		t.Fatalf("PollPorts found %d devices, want 1", len(found))
	}
	return found[0]
}

// storageDevice starts a controller and enumerates one High Speed
// mass-storage function on port 1.
func storageDevice(t *testing.T, opts testOptions) (*testController, *mockFunction, *Device) {
	t.Helper()
	tc := startTestController(t, opts)
	fn := newMockFunction(hal.SpeedHigh, storageConfig(512))
	d := tc.attach(t, 1, fn)
	if _, ok := d.Storage(); !ok {
		t.Fatal("device has no storage interface")
	}
	return tc, fn, d
}
