package msc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/sim"
	"github.com/ardnew/softxhci/pkg"
)

// Bulk endpoint addresses of a Target.
const (
	EndpointIn  = 0x81
	EndpointOut = 0x02
)

// Config describes the device a Target presents.
type Config struct {
	Speed     hal.Speed
	VendorID  uint16
	ProductID uint16

	// INQUIRY strings, padded or truncated to 8, 16 and 4 bytes.
	Vendor   string
	Product  string
	Revision string

	Removable bool
	MaxLUN    uint8

	// ControlPacketSize overrides bMaxPacketSize0 for Full Speed devices.
	ControlPacketSize uint8
}

// DefaultConfig returns a High Speed disk.
func DefaultConfig() Config {
	return Config{
		Speed:     hal.SpeedHigh,
		VendorID:  0x1209,
		ProductID: 0x0001,
		Vendor:    "softxhci",
		Product:   "Virtual Disk",
		Revision:  "1.0",
	}
}

// phase is the target's position in the CBW, data, CSW exchange.
type phase uint8

const (
	phaseCommand phase = iota // waiting for a CBW
	phaseDataIn
	phaseDataOut
	phaseStatus
	phaseReset // invalid CBW received; only a reset recovers
)

// Stats counts target activity.
type Stats struct {
	Commands    int // valid CBWs
	InvalidCBWs int
	Resets      int // Bulk-Only Mass Storage Resets
	ClearHalts  int
}

// Target is a Bulk-Only Transport SCSI disk. It implements [sim.Function]
// and is attached to a port of a simulated controller.
type Target struct {
	mu sync.Mutex

	cfg     Config
	storage Storage
	inquiry InquiryResponse
	device  [18]byte
	config  []byte

	address       uint8
	configuration uint8

	phase     phase
	cbw       CommandBlockWrapper
	csw       CommandStatusWrapper
	sense     Sense
	data      []byte // pending data-in, or data-out received so far
	residue   uint32
	want      int    // data-out bytes expected
	writeLBA  uint64 // destination of the data-out stage
	dataBuf   []byte
	inHalted  bool
	outHalted bool

	faults      Faults
	hangStatus  bool
	stallStatus bool

	stats  Stats
	counts [256]int
}

// New returns a target serving storage.
func New(cfg Config, storage Storage) (*Target, error) {
	if cfg.Speed != hal.SpeedFull && cfg.Speed != hal.SpeedHigh && cfg.Speed != hal.SpeedSuper {
		return nil, fmt.Errorf("%s bulk endpoints: %w", cfg.Speed, pkg.ErrNotSupported)
	}
	t := &Target{
		cfg:     cfg,
		storage: storage,
		inquiry: NewInquiryResponse(cfg.Removable, cfg.Vendor, cfg.Product, cfg.Revision),
		dataBuf: make([]byte, MaxTransferSize),
	}
	t.buildDescriptors()
	return t, nil
}

// buildDescriptors lays out the device descriptor and a configuration
// with one Bulk-Only interface.
func (t *Target) buildDescriptors() {
	usb, mps0, mps := uint16(0x0200), uint8(64), uint16(512)
	switch t.cfg.Speed {
	case hal.SpeedFull:
		mps = 64
		if t.cfg.ControlPacketSize != 0 {
			mps0 = t.cfg.ControlPacketSize
		}
	case hal.SpeedSuper:
		usb, mps0, mps = 0x0300, 9, 1024
	}

	d := t.device[:]
	d[0], d[1] = 18, descriptorDevice
	binary.LittleEndian.PutUint16(d[2:4], usb)
	d[7] = mps0
	binary.LittleEndian.PutUint16(d[8:10], t.cfg.VendorID)
	binary.LittleEndian.PutUint16(d[10:12], t.cfg.ProductID)
	binary.LittleEndian.PutUint16(d[12:14], 0x0100)
	d[17] = 1

	c := []byte{
		9, descriptorConfiguration, 0, 0, 1, 1, 0, 0x80, 50,
		9, descriptorInterface, 0, 0, 2, ClassMSC, SubclassSCSI, ProtocolBulkOnly, 0,
	}
	for _, addr := range []uint8{EndpointIn, EndpointOut} {
		c = append(c, 7, descriptorEndpoint, addr, 0x02, byte(mps), byte(mps>>8), 0)
		if t.cfg.Speed == hal.SpeedSuper {
			c = append(c, 6, descriptorSSEndpointCompanion, 0, 0, 0, 0)
		}
	}
	binary.LittleEndian.PutUint16(c[2:4], uint16(len(c)))
	t.config = c
}

// Storage returns the backend.
func (t *Target) Storage() Storage {
	return t.storage
}

// Address returns the address assigned by SET_ADDRESS.
func (t *Target) Address() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

// Configuration returns the active configuration value.
func (t *Target) Configuration() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.configuration
}

// Stats returns a snapshot of the activity counters.
func (t *Target) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Count returns how many CBWs carried opcode.
func (t *Target) Count(opcode uint8) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[opcode]
}

// Halted reports whether the bulk endpoint at address ep is halted.
func (t *Target) Halted(ep uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep == EndpointIn {
		return t.inHalted || t.phase == phaseReset
	}
	return t.outHalted || t.phase == phaseReset
}

// =============================================================================
// sim.Function
// =============================================================================

// Speed returns the configured speed.
func (t *Target) Speed() hal.Speed {
	return t.cfg.Speed
}

// Control answers standard and class requests on EP0.
func (t *Target) Control(setup hal.SetupPacket, data []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if setup.RequestType&0x60 == 0x20 {
		return t.classRequest(setup)
	}

	switch setup.Request {
	case requestGetDescriptor:
		switch setup.Value >> 8 {
		case descriptorDevice:
			return t.device[:], nil
		case descriptorConfiguration:
			return t.config, nil
		}
	case requestSetAddress:
		t.address = uint8(setup.Value & 0x7F)
		return nil, nil
	case requestSetConfiguration:
		if setup.Value <= 1 {
			t.configuration = uint8(setup.Value)
			return nil, nil
		}
	case requestGetConfiguration:
		return []byte{t.configuration}, nil
	case requestClearFeature:
		if setup.RequestType&0x1F == 0x02 && setup.Value == 0 {
			t.clearHalt(uint8(setup.Index))
			return nil, nil
		}
	}

	pkg.LogDebug(pkg.ComponentTarget, "unsupported request",
		"type", setup.RequestType,
		"request", setup.Request,
		"value", setup.Value)
	return nil, pkg.ErrStall
}

func (t *Target) classRequest(setup hal.SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestBulkOnlyMassStorageReset:
		t.reset()
		return nil, nil
	case RequestGetMaxLUN:
		return []byte{t.cfg.MaxLUN}, nil
	}
	return nil, pkg.ErrStall
}

// reset returns the target to the command phase. Halts set by the
// transport stay set until cleared with CLEAR_FEATURE.
func (t *Target) reset() {
	t.stats.Resets++
	if t.phase == phaseReset {
		t.inHalted, t.outHalted = true, true
	}
	t.phase = phaseCommand
	t.data = nil
	t.hangStatus = false
	t.stallStatus = false
	pkg.LogDebug(pkg.ComponentTarget, "mass storage reset")
}

func (t *Target) clearHalt(ep uint8) {
	t.stats.ClearHalts++
	switch ep {
	case EndpointIn:
		t.inHalted = false
	case EndpointOut:
		t.outHalted = false
	}
}

// BulkOut receives a CBW or data-out stage.
func (t *Target) BulkOut(ep uint8, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ep != EndpointOut {
		return pkg.ErrStall
	}
	if t.outHalted || t.phase == phaseReset {
		return pkg.ErrStall
	}

	switch t.phase {
	case phaseCommand:
		return t.command(data)
	case phaseDataOut:
		t.data = append(t.data, data...)
		if len(t.data) >= t.want {
			t.completeWrite()
		}
		return nil
	}
	return sim.ErrNAK
}

// command accepts a CBW.
func (t *Target) command(data []byte) error {
	if t.faults.StallCBW > 0 {
		t.faults.StallCBW--
		t.outHalted = true
		return pkg.ErrStall
	}
	if !ParseCBW(data, &t.cbw) {
		t.stats.InvalidCBWs++
		t.phase = phaseReset
		pkg.LogWarn(pkg.ComponentTarget, "invalid CBW",
			"length", len(data))
		return pkg.ErrStall
	}

	t.stats.Commands++
	t.counts[t.cbw.CB[0]]++
	pkg.LogDebug(pkg.ComponentTarget, "CBW received",
		"tag", t.cbw.Tag,
		"dataLen", t.cbw.DataTransferLength,
		"flags", t.cbw.Flags,
		"opcode", t.cbw.CB[0])

	t.execute()
	return nil
}

// BulkIn sends a data-in stage or CSW.
func (t *Target) BulkIn(ep uint8, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ep != EndpointIn {
		return 0, pkg.ErrStall
	}
	if t.inHalted || t.phase == phaseReset {
		return 0, pkg.ErrStall
	}

	switch t.phase {
	case phaseDataIn:
		n := copy(buf, t.data)
		t.residue += uint32(len(t.data) - n)
		t.data = nil
		t.finish(CSWStatusGood, t.residue)
		return n, nil

	case phaseStatus:
		if t.hangStatus {
			return 0, sim.ErrNAK
		}
		if t.stallStatus {
			t.stallStatus = false
			t.inHalted = true
			return 0, pkg.ErrStall
		}
		n := t.csw.MarshalTo(buf)
		if n == 0 {
			return 0, pkg.ErrStall
		}
		t.phase = phaseCommand
		pkg.LogDebug(pkg.ComponentTarget, "CSW sent",
			"tag", t.csw.Tag,
			"residue", t.csw.DataResidue,
			"status", t.csw.Status)
		return n, nil
	}
	return 0, sim.ErrNAK
}

// =============================================================================
// Stage Transitions
// =============================================================================

// good completes a command with no data stage.
func (t *Target) good() {
	t.finish(CSWStatusGood, t.cbw.DataTransferLength)
}

// fail records sense and completes the command as failed, halting the
// data pipe the host expects to use.
func (t *Target) fail(s Sense) {
	t.sense = s
	t.haltDataPipe()
	t.finish(CSWStatusFailed, t.cbw.DataTransferLength)
}

// phaseError completes a command whose data stage disagrees with the CBW.
func (t *Target) phaseError() {
	t.haltDataPipe()
	t.finish(CSWStatusPhaseError, t.cbw.DataTransferLength)
}

func (t *Target) haltDataPipe() {
	switch {
	case t.cbw.DataTransferLength == 0:
	case t.cbw.IsDataIn():
		t.inHalted = true
	default:
		t.outHalted = true
	}
}

// sendData queues resp as the data-in stage, truncated to what the host
// asked for.
func (t *Target) sendData(resp []byte) {
	want := t.cbw.DataTransferLength
	switch {
	case want == 0:
		t.finish(CSWStatusGood, 0)
		return
	case !t.cbw.IsDataIn():
		t.phaseError()
		return
	case t.faults.StallData > 0:
		t.faults.StallData--
		t.sense = senseMedium
		t.inHalted = true
		t.finish(CSWStatusFailed, want)
		return
	}

	n := min(uint32(len(resp)), want)
	t.data = resp[:n]
	t.residue = want - n
	t.phase = phaseDataIn
}

// receiveData starts a data-out stage of n bytes.
func (t *Target) receiveData(n int) {
	if t.cbw.IsDataIn() || uint32(n) != t.cbw.DataTransferLength {
		t.phaseError()
		return
	}
	t.want = n
	t.data = t.dataBuf[:0]
	t.phase = phaseDataOut
}

// completeWrite stores a finished data-out stage.
func (t *Target) completeWrite() {
	data := t.data[:t.want]
	t.data = nil
	if err := t.storage.WriteBlocks(t.writeLBA, data); err != nil {
		pkg.LogWarn(pkg.ComponentTarget, "write error", "error", err)
		t.sense = senseMedium
		t.finish(CSWStatusFailed, uint32(t.want))
		return
	}
	t.finish(CSWStatusGood, 0)
}

// finish prepares the CSW and enters the status phase, applying any CSW
// faults.
func (t *Target) finish(status uint8, residue uint32) {
	if t.cbw.CB[0] == SCSIRead10 && status == CSWStatusGood && t.faults.ReadFailures > 0 {
		t.faults.ReadFailures--
		status = t.faults.ReadStatus
		if status == CSWStatusGood {
			status = CSWStatusFailed
		}
	}

	t.csw = NewCSW(t.cbw.Tag, residue, status)
	switch {
	case t.faults.BadTag > 0:
		t.faults.BadTag--
		t.csw.Tag++
	case t.faults.BadSignature > 0:
		t.faults.BadSignature--
		t.csw.Signature = CBWSignature
	}
	if t.faults.HangStatus > 0 {
		t.faults.HangStatus--
		t.hangStatus = true
	} else if t.faults.StallStatus > 0 {
		t.faults.StallStatus--
		t.stallStatus = true
	}
	t.phase = phaseStatus
}
