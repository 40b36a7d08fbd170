package msc

import (
	"encoding/binary"

	"github.com/ardnew/softxhci/pkg"
)

// execute dispatches the SCSI command in the current CBW. Every path ends
// in a data stage or the status phase.
func (t *Target) execute() {
	cb := t.cbw.CB[:]
	opcode := cb[0]

	if t.cbw.LUN > t.cfg.MaxLUN {
		t.fail(senseBadField)
		return
	}
	if opcode != SCSIInquiry && opcode != SCSIRequestSense && t.faults.UnitAttention > 0 {
		t.faults.UnitAttention--
		t.fail(senseMediaChanged)
		return
	}

	switch opcode {
	case SCSITestUnitReady:
		t.testUnitReady()

	case SCSIRequestSense:
		n := t.sense.MarshalTo(t.dataBuf)
		t.sense = senseNone
		t.sendData(t.dataBuf[:min(n, int(cb[4]))])

	case SCSIInquiry:
		n := t.inquiry.MarshalTo(t.dataBuf)
		t.sendData(t.dataBuf[:min(n, int(binary.BigEndian.Uint16(cb[3:5])))])

	case SCSIReadCapacity10:
		t.readCapacity10()

	case SCSIRead10:
		t.read10()

	case SCSIWrite10:
		t.write10()

	case SCSIModeSense6:
		n := modeSense6(t.dataBuf, t.storage != nil && t.storage.ReadOnly())
		t.sendData(t.dataBuf[:min(n, int(cb[4]))])

	case SCSIPreventAllowRemoval, SCSIStartStopUnit, SCSIVerify10:
		t.good()

	case SCSISynchronizeCache10:
		if t.storage == nil {
			t.fail(senseNoMedium)
			return
		}
		if err := t.storage.Sync(); err != nil {
			t.fail(Sense{Key: SenseHardwareError})
			return
		}
		t.good()

	default:
		pkg.LogWarn(pkg.ComponentTarget, "unsupported SCSI command",
			"opcode", opcode)
		t.fail(senseBadOpcode)
	}
}

func (t *Target) testUnitReady() {
	switch {
	case t.faults.NotReady > 0:
		t.faults.NotReady--
		t.fail(senseBecomingReady)
	case t.faults.HardwareErrors > 0:
		t.faults.HardwareErrors--
		t.fail(Sense{Key: SenseHardwareError})
	case t.storage == nil:
		t.fail(senseNoMedium)
	default:
		t.sense = senseNone
		t.good()
	}
}

func (t *Target) readCapacity10() {
	if t.storage == nil {
		t.fail(senseNoMedium)
		return
	}
	// READ CAPACITY (10) saturates at 0xFFFFFFFF.
	last := uint32(0xFFFFFFFF)
	if count := t.storage.BlockCount(); count <= 0xFFFFFFFF {
		last = uint32(count - 1)
	}
	resp := ReadCapacity10Response{LastLBA: last, BlockLength: t.storage.BlockSize()}
	n := resp.MarshalTo(t.dataBuf)
	t.sendData(t.dataBuf[:n])
}

// blockRange decodes the LBA and transfer length of a 10-byte CDB and
// checks them against the medium.
func (t *Target) blockRange() (lba uint64, n int, ok bool) {
	cb := t.cbw.CB[:]
	lba = uint64(binary.BigEndian.Uint32(cb[2:6]))
	blocks := uint64(binary.BigEndian.Uint16(cb[7:9]))
	if t.storage == nil {
		t.fail(senseNoMedium)
		return 0, 0, false
	}
	if lba+blocks > t.storage.BlockCount() {
		t.fail(senseOutOfRange)
		return 0, 0, false
	}
	size := blocks * uint64(t.storage.BlockSize())
	if size > MaxTransferSize {
		t.fail(senseBadField)
		return 0, 0, false
	}
	return lba, int(size), true
}

func (t *Target) read10() {
	lba, n, ok := t.blockRange()
	if !ok {
		return
	}
	if n == 0 {
		t.good()
		return
	}

	pkg.LogDebug(pkg.ComponentTarget, "READ(10)",
		"lba", lba,
		"bytes", n)

	buf := t.dataBuf[:n]
	if err := t.storage.ReadBlocks(lba, buf); err != nil {
		pkg.LogWarn(pkg.ComponentTarget, "read error", "error", err)
		t.fail(senseMedium)
		return
	}
	t.sendData(buf)
}

func (t *Target) write10() {
	lba, n, ok := t.blockRange()
	if !ok {
		return
	}
	if t.storage.ReadOnly() {
		t.fail(senseWriteProtect)
		return
	}
	if n == 0 {
		t.good()
		return
	}

	pkg.LogDebug(pkg.ComponentTarget, "WRITE(10)",
		"lba", lba,
		"bytes", n)

	t.writeLBA = lba
	t.receiveData(n)
}
