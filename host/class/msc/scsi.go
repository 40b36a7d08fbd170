package msc

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// =============================================================================
// Command Blocks
// =============================================================================

// TestUnitReadyCDB returns a TEST UNIT READY command block.
func TestUnitReadyCDB() []byte {
	return []byte{OpTestUnitReady, 0, 0, 0, 0, 0}
}

// RequestSenseCDB returns a REQUEST SENSE command block for alloc bytes.
func RequestSenseCDB(alloc uint8) []byte {
	return []byte{OpRequestSense, 0, 0, 0, alloc, 0}
}

// InquiryCDB returns a standard INQUIRY command block for alloc bytes.
func InquiryCDB(alloc uint16) []byte {
	cdb := []byte{OpInquiry, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(cdb[3:5], alloc)
	return cdb
}

// ReadCapacity10CDB returns a READ CAPACITY (10) command block.
func ReadCapacity10CDB() []byte {
	return []byte{OpReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
}

// Read10CDB returns a READ (10) command block.
func Read10CDB(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = OpRead10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// =============================================================================
// Responses
// =============================================================================

// InquiryData is the identification part of standard INQUIRY data.
type InquiryData struct {
	PeripheralType uint8
	Removable      bool
	Version        uint8
	Vendor         string
	Product        string
	Revision       string
}

// ParseInquiry parses standard INQUIRY data. The identification strings
// have non-printable bytes removed and surrounding spaces trimmed.
// Returns false if data is shorter than [InquiryLength].
func ParseInquiry(data []byte, out *InquiryData) bool {
	if len(data) < InquiryLength {
		return false
	}
	out.PeripheralType = data[0] & 0x1F
	out.Removable = data[1]&0x80 != 0
	out.Version = data[2]
	out.Vendor = printable(data[8:16])
	out.Product = printable(data[16:32])
	out.Revision = printable(data[32:36])
	return true
}

func printable(b []byte) string {
	s := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7E {
			return -1
		}
		return r
	}, string(b))
	return strings.TrimSpace(s)
}

// Capacity is READ CAPACITY (10) data.
type Capacity struct {
	LastLBA   uint32
	BlockSize uint32
}

// Blocks returns the number of addressable blocks.
func (c Capacity) Blocks() uint64 {
	return uint64(c.LastLBA) + 1
}

// Bytes returns the capacity in bytes.
func (c Capacity) Bytes() uint64 {
	return c.Blocks() * uint64(c.BlockSize)
}

// ParseReadCapacity10 parses a READ CAPACITY (10) response.
// Returns false if data is shorter than [ReadCapacityLength].
func ParseReadCapacity10(data []byte, out *Capacity) bool {
	if len(data) < ReadCapacityLength {
		return false
	}
	out.LastLBA = binary.BigEndian.Uint32(data[0:4])
	out.BlockSize = binary.BigEndian.Uint32(data[4:8])
	return true
}

// Sense is the classification part of sense data.
type Sense struct {
	Key  SenseKey
	ASC  uint8
	ASCQ uint8
}

// String formats the sense as "KEY (ASC/ASCQ)".
func (s Sense) String() string {
	return fmt.Sprintf("%s (%02X/%02X)", s.Key, s.ASC, s.ASCQ)
}

// ParseSense parses fixed or descriptor format sense data.
// Returns false if data is too short or the response code is unknown.
func ParseSense(data []byte, out *Sense) bool {
	if len(data) < 1 {
		return false
	}
	switch data[0] & 0x7F {
	case 0x70, 0x71:
		if len(data) < 14 {
			return false
		}
		out.Key = SenseKey(data[2] & 0x0F)
		out.ASC = data[12]
		out.ASCQ = data[13]
	case 0x72, 0x73:
		if len(data) < 4 {
			return false
		}
		out.Key = SenseKey(data[1] & 0x0F)
		out.ASC = data[2]
		out.ASCQ = data[3]
	default:
		return false
	}
	return true
}
