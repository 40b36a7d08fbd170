package msc

import "encoding/binary"

// InquiryResponse is standard INQUIRY data.
type InquiryResponse struct {
	DeviceType     uint8
	Removable      bool
	Version        uint8
	ResponseFormat uint8
	VendorID       [8]byte
	ProductID      [16]byte
	ProductRev     [4]byte
}

// MarshalTo writes the INQUIRY response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}

	clear(buf[:InquiryStandardSize])
	buf[0] = r.DeviceType
	if r.Removable {
		buf[1] = InquiryRMB
	}
	buf[2] = r.Version
	buf[3] = r.ResponseFormat
	buf[4] = InquiryStandardSize - 5
	copy(buf[8:16], r.VendorID[:])
	copy(buf[16:32], r.ProductID[:])
	copy(buf[32:36], r.ProductRev[:])

	return InquiryStandardSize
}

// NewInquiryResponse returns INQUIRY data for a direct-access disk. The
// strings are space padded or truncated to their field widths.
func NewInquiryResponse(removable bool, vendor, product, revision string) InquiryResponse {
	r := InquiryResponse{
		DeviceType:     DeviceTypeDisk,
		Removable:      removable,
		Version:        InquiryVersionSPC4,
		ResponseFormat: InquiryResponseFormatSPC,
	}
	pad(r.VendorID[:], vendor)
	pad(r.ProductID[:], product)
	pad(r.ProductRev[:], revision)
	return r
}

// ReadCapacity10Response is READ CAPACITY (10) data.
type ReadCapacity10Response struct {
	LastLBA     uint32
	BlockLength uint32
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadCapacity10Response) MarshalTo(buf []byte) int {
	if len(buf) < 8 {
		return 0
	}

	binary.BigEndian.PutUint32(buf[0:4], r.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], r.BlockLength)

	return 8
}

// Sense is a sense key with its additional sense code and qualifier.
type Sense struct {
	Key  uint8
	ASC  uint8
	ASCQ uint8
}

// MarshalTo writes current fixed-format sense data to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s Sense) MarshalTo(buf []byte) int {
	if len(buf) < SenseSize {
		return 0
	}

	clear(buf[:SenseSize])
	buf[0] = 0x70 // current errors, fixed format
	buf[2] = s.Key & 0x0F
	buf[7] = SenseSize - 8
	buf[12] = s.ASC
	buf[13] = s.ASCQ

	return SenseSize
}

// Common sense values.
var (
	senseNone          = Sense{}
	senseBecomingReady = Sense{SenseNotReady, ASCLogicalUnitNotReady, 0x01}
	senseNoMedium      = Sense{SenseNotReady, ASCMediumNotPresent, 0}
	senseMediaChanged  = Sense{SenseUnitAttention, ASCNotReadyToReadyChange, 0}
	senseBadOpcode     = Sense{SenseIllegalRequest, ASCInvalidCommand, 0}
	senseBadField      = Sense{SenseIllegalRequest, ASCInvalidFieldInCDB, 0}
	senseOutOfRange    = Sense{SenseIllegalRequest, ASCLBAOutOfRange, 0}
	senseWriteProtect  = Sense{SenseDataProtect, ASCWriteProtected, 0}
	senseMedium        = Sense{SenseMediumError, ASCNoAdditionalInfo, 0}
)

// modeSense6 writes a MODE SENSE (6) header with no block descriptors or
// pages.
func modeSense6(buf []byte, readOnly bool) int {
	if len(buf) < 4 {
		return 0
	}
	buf[0] = 3 // mode data length, excluding itself
	buf[1] = 0
	buf[2] = 0
	if readOnly {
		buf[2] = 0x80 // WP
	}
	buf[3] = 0
	return 4
}

// pad copies s into dst and fills the rest with spaces.
func pad(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}
