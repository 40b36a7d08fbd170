package msc

// Bulk-Only Transport class requests.
const (
	RequestMassStorageReset = 0xFF
	RequestGetMaxLUN        = 0xFE
)

// Command Block Wrapper constants.
const (
	CBWSignature  = 0x43425355 // "USBC"
	CBWSize       = 31
	CBWFlagDataIn = 0x80
)

// Command Status Wrapper constants.
const (
	CSWSignature        = 0x53425355 // "USBS"
	CSWSize             = 13
	CSWStatusGood       = 0x00
	CSWStatusFailed     = 0x01
	CSWStatusPhaseError = 0x02
)

// SCSI operation codes.
const (
	OpTestUnitReady  = 0x00
	OpRequestSense   = 0x03
	OpInquiry        = 0x12
	OpReadCapacity10 = 0x25
	OpRead10         = 0x28
)

// Response sizes.
const (
	InquiryLength      = 36
	SenseLength        = 18
	ReadCapacityLength = 8
)

// SenseKey is the sense key of a REQUEST SENSE response.
type SenseKey uint8

// Sense keys.
const (
	SenseNoSense        SenseKey = 0x0
	SenseRecoveredError SenseKey = 0x1
	SenseNotReady       SenseKey = 0x2
	SenseMediumError    SenseKey = 0x3
	SenseHardwareError  SenseKey = 0x4
	SenseIllegalRequest SenseKey = 0x5
	SenseUnitAttention  SenseKey = 0x6
	SenseDataProtect    SenseKey = 0x7
	SenseAbortedCommand SenseKey = 0xB
)

// String returns the SPC name of the sense key.
func (k SenseKey) String() string {
	switch k {
	case SenseNoSense:
		return "NO SENSE"
	case SenseRecoveredError:
		return "RECOVERED ERROR"
	case SenseNotReady:
		return "NOT READY"
	case SenseMediumError:
		return "MEDIUM ERROR"
	case SenseHardwareError:
		return "HARDWARE ERROR"
	case SenseIllegalRequest:
		return "ILLEGAL REQUEST"
	case SenseUnitAttention:
		return "UNIT ATTENTION"
	case SenseDataProtect:
		return "DATA PROTECT"
	case SenseAbortedCommand:
		return "ABORTED COMMAND"
	default:
		return "UNKNOWN"
	}
}
