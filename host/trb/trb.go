package trb

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// Size is the size of a TRB in bytes.
const Size = 16

// Type is the 6-bit TRB type tag carried in bits 10-15 of the control field.
type Type uint8

// Transfer TRB types.
const (
	TypeNormal    Type = 1
	TypeSetup     Type = 2
	TypeData      Type = 3
	TypeStatus    Type = 4
	TypeIsoch     Type = 5
	TypeLink      Type = 6
	TypeEventData Type = 7
	TypeNoOp      Type = 8
)

// Command TRB types.
const (
	TypeEnableSlot        Type = 9
	TypeDisableSlot       Type = 10
	TypeAddressDevice     Type = 11
	TypeConfigureEndpoint Type = 12
	TypeEvaluateContext   Type = 13
	TypeResetEndpoint     Type = 14
	TypeStopEndpoint      Type = 15
	TypeSetTRDequeue      Type = 16
	TypeResetDevice       Type = 17
	TypeNoOpCommand       Type = 23
)

// Event TRB types.
const (
	TypeTransferEvent     Type = 32
	TypeCommandCompletion Type = 33
	TypePortStatusChange  Type = 34
	TypeBandwidthRequest  Type = 35
	TypeDoorbellEvent     Type = 36
	TypeHostController    Type = 37
	TypeDeviceNotify      Type = 38
	TypeMFIndexWrap       Type = 39
)

// String returns the TRB type name.
func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "Normal"
	case TypeSetup:
		return "Setup Stage"
	case TypeData:
		return "Data Stage"
	case TypeStatus:
		return "Status Stage"
	case TypeLink:
		return "Link"
	case TypeNoOp:
		return "No Op"
	case TypeEnableSlot:
		return "Enable Slot"
	case TypeDisableSlot:
		return "Disable Slot"
	case TypeAddressDevice:
		return "Address Device"
	case TypeConfigureEndpoint:
		return "Configure Endpoint"
	case TypeEvaluateContext:
		return "Evaluate Context"
	case TypeResetEndpoint:
		return "Reset Endpoint"
	case TypeStopEndpoint:
		return "Stop Endpoint"
	case TypeSetTRDequeue:
		return "Set TR Dequeue Pointer"
	case TypeResetDevice:
		return "Reset Device"
	case TypeNoOpCommand:
		return "No Op Command"
	case TypeTransferEvent:
		return "Transfer Event"
	case TypeCommandCompletion:
		return "Command Completion Event"
	case TypePortStatusChange:
		return "Port Status Change Event"
	case TypeHostController:
		return "Host Controller Event"
	default:
		return fmt.Sprintf("TRB type %d", uint8(t))
	}
}

// Control field flags.
const (
	CycleBit    uint32 = 1 << 0  // Cycle bit (C)
	ToggleCycle uint32 = 1 << 1  // Link TRB: toggle cycle (TC)
	EventData   uint32 = 1 << 2  // Transfer Event: event data (ED)
	ISP         uint32 = 1 << 2  // Interrupt on short packet
	NoSnoop     uint32 = 1 << 3  // No snoop (NS)
	Chain       uint32 = 1 << 4  // Chain bit (CH)
	IOC         uint32 = 1 << 5  // Interrupt on completion
	IDT         uint32 = 1 << 6  // Immediate data
	BSR         uint32 = 1 << 9  // Address Device: block set address request
	Deconfigure uint32 = 1 << 9  // Configure Endpoint: deconfigure (DC)
	DirIn       uint32 = 1 << 16 // Data/Status stage direction IN
)

// Setup Stage transfer type (TRT) values, bits 16-17.
const (
	TRTNoData uint32 = 0 << 16
	TRTOut    uint32 = 2 << 16
	TRTIn     uint32 = 3 << 16
)

const (
	typeShift = 10
	typeMask  = 0x3F
)

// MaxTransferLength is the largest buffer a single transfer TRB may describe.
const MaxTransferLength = 64 * 1024

// TRB is a Transfer Request Block: the 16-byte work item of every ring.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// Control builds a control field for the given type and flags. The cycle
// bit is owned by the ring and is ignored here.
func Control(t Type, flags uint32) uint32 {
	return uint32(t&typeMask)<<typeShift | flags&^CycleBit
}

// Type returns the TRB type tag.
func (t TRB) Type() Type {
	return Type(t.Control >> typeShift & typeMask)
}

// Cycle returns the cycle bit.
func (t TRB) Cycle() bool {
	return t.Control&CycleBit != 0
}

// CompletionCode returns the completion code of an event TRB.
func (t TRB) CompletionCode() CompletionCode {
	return CompletionCode(t.Status >> 24)
}

// TransferLength returns the residual length of a Transfer Event, or the
// transfer length field of a transfer TRB.
func (t TRB) TransferLength() uint32 {
	return t.Status & 0xFFFFFF
}

// SlotID returns the slot ID field (bits 24-31 of control).
func (t TRB) SlotID() uint8 {
	return uint8(t.Control >> 24)
}

// EndpointID returns the endpoint ID (DCI) field (bits 16-20 of control).
func (t TRB) EndpointID() uint8 {
	return uint8(t.Control>>16) & 0x1F
}

// PortID returns the port number of a Port Status Change Event.
func (t TRB) PortID() uint8 {
	return uint8(t.Parameter >> 24)
}

// MarshalTo writes the TRB to buf in little-endian order. The control
// dword, which carries the cycle bit, is written last.
// Returns the number of bytes written, or 0 if buf is too small.
func (t TRB) MarshalTo(buf []byte) int {
	if len(buf) < Size {
		return 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], t.Parameter)
	binary.LittleEndian.PutUint32(buf[8:12], t.Status)
	binary.LittleEndian.PutUint32(buf[12:16], t.Control)
	return Size
}

// Parse parses a TRB from raw bytes.
// Returns false if data is too short.
func Parse(data []byte, out *TRB) bool {
	if len(data) < Size {
		return false
	}
	out.Parameter = binary.LittleEndian.Uint64(data[0:8])
	out.Status = binary.LittleEndian.Uint32(data[8:12])
	out.Control = binary.LittleEndian.Uint32(data[12:16])
	return true
}

// CompletionCode is the xHCI completion code of an event TRB.
type CompletionCode uint8

// Completion codes.
const (
	CodeInvalid            CompletionCode = 0
	CodeSuccess            CompletionCode = 1
	CodeDataBuffer         CompletionCode = 2
	CodeBabble             CompletionCode = 3
	CodeTransaction        CompletionCode = 4
	CodeTRB                CompletionCode = 5
	CodeStall              CompletionCode = 6
	CodeResource           CompletionCode = 7
	CodeBandwidth          CompletionCode = 8
	CodeNoSlotsAvailable   CompletionCode = 9
	CodeInvalidStreamType  CompletionCode = 10
	CodeSlotNotEnabled     CompletionCode = 11
	CodeEndpointNotEnabled CompletionCode = 12
	CodeShortPacket        CompletionCode = 13
	CodeRingUnderrun       CompletionCode = 14
	CodeRingOverrun        CompletionCode = 15
	CodeParameter          CompletionCode = 17
	CodeContextState       CompletionCode = 19
	CodeEventRingFull      CompletionCode = 21
	CodeCommandRingStopped CompletionCode = 24
	CodeCommandAborted     CompletionCode = 25
	CodeStopped            CompletionCode = 26
	CodeStoppedLength      CompletionCode = 27
)

// String returns the completion code name.
func (c CompletionCode) String() string {
	switch c {
	case CodeInvalid:
		return "invalid"
	case CodeSuccess:
		return "success"
	case CodeDataBuffer:
		return "data buffer error"
	case CodeBabble:
		return "babble detected"
	case CodeTransaction:
		return "USB transaction error"
	case CodeTRB:
		return "TRB error"
	case CodeStall:
		return "stall error"
	case CodeResource:
		return "resource error"
	case CodeBandwidth:
		return "bandwidth error"
	case CodeNoSlotsAvailable:
		return "no slots available"
	case CodeSlotNotEnabled:
		return "slot not enabled"
	case CodeEndpointNotEnabled:
		return "endpoint not enabled"
	case CodeShortPacket:
		return "short packet"
	case CodeParameter:
		return "parameter error"
	case CodeContextState:
		return "context state error"
	case CodeEventRingFull:
		return "event ring full"
	case CodeCommandRingStopped:
		return "command ring stopped"
	case CodeCommandAborted:
		return "command aborted"
	case CodeStopped:
		return "stopped"
	default:
		return fmt.Sprintf("completion code %d", uint8(c))
	}
}

// OK returns true for codes that mean the work item completed. A short
// packet is a successful completion with a residue.
func (c CompletionCode) OK() bool {
	return c == CodeSuccess || c == CodeShortPacket
}

// Err returns the sentinel error for the completion code, or nil if the
// code is [CompletionCode.OK].
func (c CompletionCode) Err() error {
	switch c {
	case CodeSuccess, CodeShortPacket:
		return nil
	case CodeStall:
		return pkg.ErrStall
	case CodeBabble:
		return pkg.ErrBabble
	case CodeTransaction:
		return pkg.ErrTransaction
	case CodeNoSlotsAvailable, CodeResource:
		return pkg.ErrOutOfSpace
	case CodeSlotNotEnabled, CodeEndpointNotEnabled, CodeContextState:
		return pkg.ErrInvalidState
	case CodeParameter:
		return pkg.ErrInvalidParameter
	default:
		return pkg.ErrProtocol
	}
}
