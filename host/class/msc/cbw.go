package msc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// CBW is a Command Block Wrapper.
type CBW struct {
	Tag                uint32
	DataTransferLength uint32
	In                 bool
	LUN                uint8
	CB                 []byte // 1-16 bytes
}

// MarshalTo writes the CBW to buf.
// Returns the number of bytes written, or 0 if buf is too small or the
// command block length is out of range.
func (c *CBW) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize || len(c.CB) < 1 || len(c.CB) > 16 {
		return 0
	}

	clear(buf[:CBWSize])
	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], c.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], c.DataTransferLength)
	if c.In {
		buf[12] = CBWFlagDataIn
	}
	buf[13] = c.LUN & 0x0F
	buf[14] = uint8(len(c.CB))
	copy(buf[15:31], c.CB)

	return CBWSize
}

// CSW is a Command Status Wrapper.
type CSW struct {
	Signature uint32
	Tag       uint32
	Residue   uint32
	Status    uint8
}

// ParseCSW parses a Command Status Wrapper.
// Returns false if data is not exactly [CSWSize] bytes.
func ParseCSW(data []byte, out *CSW) bool {
	if len(data) != CSWSize {
		return false
	}
	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.Residue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = data[12]
	return true
}

// Validate checks the CSW answers the CBW with tag. A mismatch wraps
// ErrTransportCorrupt.
func (c *CSW) Validate(tag uint32) error {
	if c.Signature != CSWSignature {
		return fmt.Errorf("CSW signature 0x%08X: %w", c.Signature, pkg.ErrTransportCorrupt)
	}
	if c.Tag != tag {
		return fmt.Errorf("CSW tag 0x%08X, want 0x%08X: %w", c.Tag, tag, pkg.ErrTransportCorrupt)
	}
	return nil
}
