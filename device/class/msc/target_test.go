package msc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/sim"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Helpers
// =============================================================================

func newTarget(t *testing.T, blocks uint64) (*Target, *MemoryStorage) {
	t.Helper()
	storage := NewMemoryStorage(blocks, DefaultBlockSize)
	storage.Fill()
	tgt, err := New(DefaultConfig(), storage)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tgt, storage
}

func makeCBW(tag, length uint32, in bool, cdb ...byte) []byte {
	b := make([]byte, CBWSize)
	binary.LittleEndian.PutUint32(b[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(b[4:8], tag)
	binary.LittleEndian.PutUint32(b[8:12], length)
	if in {
		b[12] = CBWFlagDataIn
	}
	b[14] = byte(len(cdb))
	copy(b[15:], cdb)
	return b
}

func read10(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = SCSIRead10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

type csw struct {
	signature, tag, residue uint32
	status                  uint8
}

func readCSW(t *testing.T, tgt *Target) csw {
	t.Helper()
	buf := make([]byte, CSWSize)
	n, err := tgt.BulkIn(EndpointIn, buf)
	if err != nil {
		t.Fatalf("CSW BulkIn failed: %v", err)
	}
	if n != CSWSize {
		t.Fatalf("CSW length = %d, want %d", n, CSWSize)
	}
	return csw{
		signature: binary.LittleEndian.Uint32(buf[0:4]),
		tag:       binary.LittleEndian.Uint32(buf[4:8]),
		residue:   binary.LittleEndian.Uint32(buf[8:12]),
		status:    buf[12],
	}
}

// roundTrip runs one command with a data-in stage of length bytes.
func roundTrip(t *testing.T, tgt *Target, tag, length uint32, cdb ...byte) ([]byte, csw) {
	t.Helper()
	if err := tgt.BulkOut(EndpointOut, makeCBW(tag, length, true, cdb...)); err != nil {
		t.Fatalf("CBW BulkOut failed: %v", err)
	}
	var data []byte
	if length > 0 {
		buf := make([]byte, length)
		n, err := tgt.BulkIn(EndpointIn, buf)
		if err != nil {
			t.Fatalf("data BulkIn failed: %v", err)
		}
		data = buf[:n]
	}
	return data, readCSW(t, tgt)
}

func control(t *testing.T, tgt *Target, typ, req uint8, value, index, length uint16) []byte {
	t.Helper()
	data, err := tgt.Control(hal.SetupPacket{
		RequestType: typ,
		Request:     req,
		Value:       value,
		Index:       index,
		Length:      length,
	}, nil)
	if err != nil {
		t.Fatalf("Control(0x%02X) failed: %v", req, err)
	}
	return data
}

func massStorageReset(t *testing.T, tgt *Target) {
	t.Helper()
	control(t, tgt, 0x21, RequestBulkOnlyMassStorageReset, 0, 0, 0)
	control(t, tgt, 0x02, requestClearFeature, 0, EndpointIn, 0)
	control(t, tgt, 0x02, requestClearFeature, 0, EndpointOut, 0)
}

// =============================================================================
// Descriptor Tests
// =============================================================================

func TestTarget_Descriptors(t *testing.T) {
	tests := []struct {
		speed hal.Speed
		usb   uint16
		mps0  uint8
		mps   uint16
		total int
	}{
		{hal.SpeedFull, 0x0200, 64, 64, 32},
		{hal.SpeedHigh, 0x0200, 64, 512, 32},
		{hal.SpeedSuper, 0x0300, 9, 1024, 44},
	}

	for _, tt := range tests {
		t.Run(tt.speed.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Speed = tt.speed
			tgt, err := New(cfg, NewMemoryStorage(16, 512))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			dev := control(t, tgt, 0x80, requestGetDescriptor, descriptorDevice<<8, 0, 18)
			if len(dev) != 18 || dev[1] != descriptorDevice {
				t.Fatalf("device descriptor = % X", dev)
			}
			if got := binary.LittleEndian.Uint16(dev[2:4]); got != tt.usb {
				t.Errorf("bcdUSB = 0x%04X, want 0x%04X", got, tt.usb)
			}
			if dev[7] != tt.mps0 {
				t.Errorf("bMaxPacketSize0 = %d, want %d", dev[7], tt.mps0)
			}

			cfgDesc := control(t, tgt, 0x80, requestGetDescriptor, descriptorConfiguration<<8, 0, 255)
			if len(cfgDesc) != tt.total {
				t.Fatalf("configuration length = %d, want %d", len(cfgDesc), tt.total)
			}
			if got := int(binary.LittleEndian.Uint16(cfgDesc[2:4])); got != tt.total {
				t.Errorf("wTotalLength = %d, want %d", got, tt.total)
			}
			if cfgDesc[14] != ClassMSC || cfgDesc[15] != SubclassSCSI || cfgDesc[16] != ProtocolBulkOnly {
				t.Errorf("interface class = % X", cfgDesc[14:17])
			}
			if got := binary.LittleEndian.Uint16(cfgDesc[22:24]); got != tt.mps {
				t.Errorf("bulk wMaxPacketSize = %d, want %d", got, tt.mps)
			}
		})
	}
}

func TestTarget_LowSpeedRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Speed = hal.SpeedLow
	if _, err := New(cfg, NewMemoryStorage(1, 512)); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("New error = %v, want ErrNotSupported", err)
	}
}

func TestTarget_StandardRequests(t *testing.T) {
	tgt, _ := newTarget(t, 8)

	control(t, tgt, 0x00, requestSetAddress, 5, 0, 0)
	if tgt.Address() != 5 {
		t.Errorf("Address() = %d, want 5", tgt.Address())
	}
	control(t, tgt, 0x00, requestSetConfiguration, 1, 0, 0)
	if got := control(t, tgt, 0x80, requestGetConfiguration, 0, 0, 1); len(got) != 1 || got[0] != 1 {
		t.Errorf("GET_CONFIGURATION = %v, want [1]", got)
	}
	if got := control(t, tgt, 0xA1, RequestGetMaxLUN, 0, 0, 1); len(got) != 1 || got[0] != 0 {
		t.Errorf("GET_MAX_LUN = %v, want [0]", got)
	}

	_, err := tgt.Control(hal.SetupPacket{RequestType: 0x80, Request: requestGetDescriptor, Value: 0x0300}, nil)
	if !errors.Is(err, pkg.ErrStall) {
		t.Errorf("string descriptor error = %v, want ErrStall", err)
	}
	_, err = tgt.Control(hal.SetupPacket{Request: requestSetConfiguration, Value: 2}, nil)
	if !errors.Is(err, pkg.ErrStall) {
		t.Errorf("SET_CONFIGURATION(2) error = %v, want ErrStall", err)
	}
}

// =============================================================================
// Bulk-Only Transport Tests
// =============================================================================

func TestTarget_Inquiry(t *testing.T) {
	tgt, _ := newTarget(t, 8)
	data, status := roundTrip(t, tgt, 7, 36, SCSIInquiry, 0, 0, 0, 36, 0)

	if status.signature != CSWSignature || status.tag != 7 || status.status != CSWStatusGood {
		t.Errorf("CSW = %+v", status)
	}
	if len(data) != InquiryStandardSize {
		t.Fatalf("INQUIRY length = %d", len(data))
	}
	if string(data[8:16]) != "softxhci" || string(data[16:32]) != "Virtual Disk    " {
		t.Errorf("vendor/product = %q/%q", data[8:16], data[16:32])
	}
}

func TestTarget_ReadCapacity(t *testing.T) {
	tgt, _ := newTarget(t, 2048)
	data, status := roundTrip(t, tgt, 1, 8, SCSIReadCapacity10)
	if status.status != CSWStatusGood || status.residue != 0 {
		t.Errorf("CSW = %+v", status)
	}
	if binary.BigEndian.Uint32(data[0:4]) != 2047 || binary.BigEndian.Uint32(data[4:8]) != 512 {
		t.Errorf("READ CAPACITY = % X", data)
	}
}

func TestTarget_Read10(t *testing.T) {
	tgt, storage := newTarget(t, 16)
	data, status := roundTrip(t, tgt, 3, 1024, read10(4, 2)...)

	if status.status != CSWStatusGood || status.residue != 0 {
		t.Errorf("CSW = %+v", status)
	}
	want := make([]byte, 1024)
	if err := storage.ReadBlocks(4, want); err != nil {
		t.Fatal(err)
	}
	if string(data) != string(want) {
		t.Error("READ(10) data differs from storage")
	}
	if tgt.Count(SCSIRead10) != 1 {
		t.Errorf("Count(READ10) = %d, want 1", tgt.Count(SCSIRead10))
	}
}

func TestTarget_Read10OutOfRange(t *testing.T) {
	tgt, _ := newTarget(t, 16)
	if err := tgt.BulkOut(EndpointOut, makeCBW(1, 512, true, read10(16, 1)...)); err != nil {
		t.Fatalf("CBW failed: %v", err)
	}
	if _, err := tgt.BulkIn(EndpointIn, make([]byte, 512)); !errors.Is(err, pkg.ErrStall) {
		t.Fatalf("data stage error = %v, want ErrStall", err)
	}
	control(t, tgt, 0x02, requestClearFeature, 0, EndpointIn, 0)
	if status := readCSW(t, tgt); status.status != CSWStatusFailed || status.residue != 512 {
		t.Errorf("CSW = %+v, want failed with residue 512", status)
	}

	sense, _ := roundTrip(t, tgt, 2, 18, SCSIRequestSense, 0, 0, 0, 18, 0)
	if sense[2] != SenseIllegalRequest || sense[12] != ASCLBAOutOfRange {
		t.Errorf("sense = % X", sense)
	}
}

func TestTarget_Write10(t *testing.T) {
	tgt, storage := newTarget(t, 16)
	cdb := read10(2, 1)
	cdb[0] = SCSIWrite10

	if err := tgt.BulkOut(EndpointOut, makeCBW(9, 512, false, cdb...)); err != nil {
		t.Fatalf("CBW failed: %v", err)
	}
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xA5
	}
	// The data stage may arrive in pieces.
	if err := tgt.BulkOut(EndpointOut, payload[:200]); err != nil {
		t.Fatal(err)
	}
	if err := tgt.BulkOut(EndpointOut, payload[200:]); err != nil {
		t.Fatal(err)
	}
	if status := readCSW(t, tgt); status.status != CSWStatusGood || status.tag != 9 {
		t.Errorf("CSW = %+v", status)
	}

	got := make([]byte, 512)
	if err := storage.ReadBlocks(2, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Error("storage not updated by WRITE(10)")
	}
}

func TestTarget_WriteProtected(t *testing.T) {
	tgt, storage := newTarget(t, 16)
	storage.SetReadOnly(true)
	cdb := read10(0, 1)
	cdb[0] = SCSIWrite10

	if err := tgt.BulkOut(EndpointOut, makeCBW(1, 512, false, cdb...)); err != nil {
		t.Fatalf("CBW failed: %v", err)
	}
	if !tgt.Halted(EndpointOut) {
		t.Error("OUT pipe not halted for a refused write")
	}
	if status := readCSW(t, tgt); status.status != CSWStatusFailed {
		t.Errorf("CSW status = %d, want failed", status.status)
	}
}

func TestTarget_NoDataWhileIdle(t *testing.T) {
	tgt, _ := newTarget(t, 8)
	if _, err := tgt.BulkIn(EndpointIn, make([]byte, CSWSize)); !errors.Is(err, sim.ErrNAK) {
		t.Errorf("idle BulkIn error = %v, want ErrNAK", err)
	}
}

func TestTarget_InvalidCBW(t *testing.T) {
	tests := []struct {
		name string
		cbw  []byte
	}{
		{"short", makeCBW(1, 0, false, SCSITestUnitReady)[:30]},
		{"bad signature", func() []byte {
			b := makeCBW(1, 0, false, SCSITestUnitReady)
			b[0] = 0
			return b
		}()},
		{"zero CB length", makeCBW(1, 0, false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt, _ := newTarget(t, 8)
			if err := tgt.BulkOut(EndpointOut, tt.cbw); !errors.Is(err, pkg.ErrStall) {
				t.Fatalf("BulkOut error = %v, want ErrStall", err)
			}
			// Clearing the halt is not enough.
			control(t, tgt, 0x02, requestClearFeature, 0, EndpointIn, 0)
			if _, err := tgt.BulkIn(EndpointIn, make([]byte, CSWSize)); !errors.Is(err, pkg.ErrStall) {
				t.Errorf("BulkIn before reset error = %v, want ErrStall", err)
			}

			massStorageReset(t, tgt)
			if _, status := roundTrip(t, tgt, 2, 0, SCSITestUnitReady); status.status != CSWStatusGood {
				t.Errorf("TEST UNIT READY after reset = %+v", status)
			}
			st := tgt.Stats()
			if st.InvalidCBWs != 1 || st.Resets != 1 {
				t.Errorf("Stats = %+v", st)
			}
		})
	}
}

// =============================================================================
// Fault Injection Tests
// =============================================================================

func TestTarget_NotReady(t *testing.T) {
	tgt, _ := newTarget(t, 8)
	tgt.Inject(Faults{NotReady: 2})

	for i := 0; i < 2; i++ {
		if _, status := roundTrip(t, tgt, uint32(i+1), 0, SCSITestUnitReady); status.status != CSWStatusFailed {
			t.Fatalf("TUR %d status = %d, want failed", i, status.status)
		}
		sense, _ := roundTrip(t, tgt, 10, 18, SCSIRequestSense, 0, 0, 0, 18, 0)
		if sense[0] != 0x70 || sense[2] != SenseNotReady || sense[12] != ASCLogicalUnitNotReady {
			t.Errorf("sense = % X", sense)
		}
	}
	if _, status := roundTrip(t, tgt, 3, 0, SCSITestUnitReady); status.status != CSWStatusGood {
		t.Errorf("TUR after faults = %+v", status)
	}
	if tgt.Faults().NotReady != 0 {
		t.Error("NotReady counter not consumed")
	}
}

func TestTarget_UnitAttention(t *testing.T) {
	tgt, _ := newTarget(t, 8)
	tgt.Inject(Faults{UnitAttention: 1})

	// INQUIRY is not affected.
	if _, status := roundTrip(t, tgt, 1, 36, SCSIInquiry, 0, 0, 0, 36, 0); status.status != CSWStatusGood {
		t.Errorf("INQUIRY status = %d", status.status)
	}
	if _, status := roundTrip(t, tgt, 2, 0, SCSITestUnitReady); status.status != CSWStatusFailed {
		t.Errorf("TUR status = %d, want failed", status.status)
	}
	sense, _ := roundTrip(t, tgt, 3, 18, SCSIRequestSense, 0, 0, 0, 18, 0)
	if sense[2] != SenseUnitAttention || sense[12] != ASCNotReadyToReadyChange {
		t.Errorf("sense = % X", sense)
	}
}

func TestTarget_ReadFailures(t *testing.T) {
	tgt, _ := newTarget(t, 8)
	tgt.Inject(Faults{ReadFailures: 1, ReadStatus: CSWStatusPhaseError})

	data, status := roundTrip(t, tgt, 1, 512, read10(0, 1)...)
	if len(data) != 512 || status.status != CSWStatusPhaseError {
		t.Errorf("first READ = %d bytes, status %d", len(data), status.status)
	}
	if _, status := roundTrip(t, tgt, 2, 512, read10(0, 1)...); status.status != CSWStatusGood {
		t.Errorf("second READ status = %d", status.status)
	}
}

func TestTarget_CorruptCSW(t *testing.T) {
	tgt, _ := newTarget(t, 8)
	tgt.Inject(Faults{BadTag: 1, BadSignature: 1})

	if _, status := roundTrip(t, tgt, 5, 0, SCSITestUnitReady); status.tag == 5 {
		t.Error("BadTag CSW carried the CBW tag")
	}
	if _, status := roundTrip(t, tgt, 6, 0, SCSITestUnitReady); status.signature == CSWSignature {
		t.Error("BadSignature CSW carried a valid signature")
	}
	if _, status := roundTrip(t, tgt, 7, 0, SCSITestUnitReady); status.tag != 7 || status.signature != CSWSignature {
		t.Errorf("CSW after faults = %+v", status)
	}
}

func TestTarget_StallData(t *testing.T) {
	tgt, _ := newTarget(t, 8)
	tgt.Inject(Faults{StallData: 1})

	if err := tgt.BulkOut(EndpointOut, makeCBW(1, 512, true, read10(0, 1)...)); err != nil {
		t.Fatal(err)
	}
	if _, err := tgt.BulkIn(EndpointIn, make([]byte, 512)); !errors.Is(err, pkg.ErrStall) {
		t.Fatalf("data stage error = %v, want ErrStall", err)
	}
	control(t, tgt, 0x02, requestClearFeature, 0, EndpointIn, 0)
	if status := readCSW(t, tgt); status.status != CSWStatusFailed {
		t.Errorf("CSW status = %d, want failed", status.status)
	}
	if tgt.Stats().ClearHalts != 1 {
		t.Errorf("ClearHalts = %d, want 1", tgt.Stats().ClearHalts)
	}
}

func TestTarget_StallStatus(t *testing.T) {
	tgt, _ := newTarget(t, 8)
	tgt.Inject(Faults{StallStatus: 1})

	if err := tgt.BulkOut(EndpointOut, makeCBW(4, 0, false, SCSITestUnitReady)); err != nil {
		t.Fatal(err)
	}
	if _, err := tgt.BulkIn(EndpointIn, make([]byte, CSWSize)); !errors.Is(err, pkg.ErrStall) {
		t.Fatalf("CSW error = %v, want ErrStall", err)
	}
	control(t, tgt, 0x02, requestClearFeature, 0, EndpointIn, 0)
	if status := readCSW(t, tgt); status.tag != 4 || status.status != CSWStatusGood {
		t.Errorf("CSW after clear = %+v", status)
	}
}

func TestTarget_HangStatus(t *testing.T) {
	tgt, _ := newTarget(t, 8)
	tgt.Inject(Faults{HangStatus: 1})

	if err := tgt.BulkOut(EndpointOut, makeCBW(1, 0, false, SCSITestUnitReady)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := tgt.BulkIn(EndpointIn, make([]byte, CSWSize)); !errors.Is(err, sim.ErrNAK) {
			t.Fatalf("CSW error = %v, want ErrNAK", err)
		}
	}
	massStorageReset(t, tgt)
	if _, status := roundTrip(t, tgt, 2, 0, SCSITestUnitReady); status.status != CSWStatusGood {
		t.Errorf("TUR after reset = %+v", status)
	}
}

func TestTarget_StallCBW(t *testing.T) {
	tgt, _ := newTarget(t, 8)
	tgt.Inject(Faults{StallCBW: 1})

	if err := tgt.BulkOut(EndpointOut, makeCBW(1, 0, false, SCSITestUnitReady)); !errors.Is(err, pkg.ErrStall) {
		t.Fatalf("CBW error = %v, want ErrStall", err)
	}
	if !tgt.Halted(EndpointOut) {
		t.Error("OUT pipe not halted")
	}
	massStorageReset(t, tgt)
	if _, status := roundTrip(t, tgt, 2, 0, SCSITestUnitReady); status.status != CSWStatusGood {
		t.Errorf("TUR after reset = %+v", status)
	}
}

func TestTarget_NoMedium(t *testing.T) {
	tgt, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, status := roundTrip(t, tgt, 1, 0, SCSITestUnitReady); status.status != CSWStatusFailed {
		t.Errorf("TUR status = %d, want failed", status.status)
	}
	sense, _ := roundTrip(t, tgt, 2, 18, SCSIRequestSense, 0, 0, 0, 18, 0)
	if sense[2] != SenseNotReady || sense[12] != ASCMediumNotPresent {
		t.Errorf("sense = % X", sense)
	}
}
