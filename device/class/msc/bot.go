package msc

import "encoding/binary"

// CommandBlockWrapper is a CBW as received on the bulk OUT endpoint.
type CommandBlockWrapper struct {
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8    // bits 0-3
	CBLength           uint8    // 1-16
	CB                 [16]byte // SCSI CDB
}

// ParseCBW parses a Command Block Wrapper.
// Returns false unless data is exactly [CBWSize] bytes with a valid
// signature and command block length, which is what BOT calls a valid
// and meaningful CBW.
func ParseCBW(data []byte, out *CommandBlockWrapper) bool {
	if len(data) != CBWSize {
		return false
	}
	if binary.LittleEndian.Uint32(data[0:4]) != CBWSignature {
		return false
	}

	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
	out.Flags = data[12]
	out.LUN = data[13] & 0x0F
	out.CBLength = data[14] & 0x1F
	copy(out.CB[:], data[15:31])

	return out.CBLength >= 1 && out.CBLength <= 16
}

// IsDataIn reports whether the data stage is device-to-host.
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// CommandStatusWrapper is a CSW as sent on the bulk IN endpoint.
type CommandStatusWrapper struct {
	Signature   uint32
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// MarshalTo writes the Command Status Wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], csw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], csw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], csw.DataResidue)
	buf[12] = csw.Status

	return CSWSize
}

// NewCSW returns a CSW answering the CBW with tag.
func NewCSW(tag, residue uint32, status uint8) CommandStatusWrapper {
	return CommandStatusWrapper{
		Signature:   CSWSignature,
		Tag:         tag,
		DataResidue: residue,
		Status:      status,
	}
}
