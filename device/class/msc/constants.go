package msc

// USB Mass Storage interface codes.
const (
	ClassMSC         = 0x08 // Mass Storage Class
	SubclassSCSI     = 0x06 // SCSI Transparent Command Set
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport (BOT)
)

// Bulk-Only Transport class requests.
const (
	RequestBulkOnlyMassStorageReset = 0xFF // Reset the MSC device
	RequestGetMaxLUN                = 0xFE // Get maximum Logical Unit Number
)

// Standard requests the target answers on EP0.
const (
	requestClearFeature     = 0x01
	requestSetAddress       = 0x05
	requestGetDescriptor    = 0x06
	requestGetConfiguration = 0x08
	requestSetConfiguration = 0x09
)

// Descriptor types.
const (
	descriptorDevice              = 0x01
	descriptorConfiguration       = 0x02
	descriptorInterface           = 0x04
	descriptorEndpoint            = 0x05
	descriptorSSEndpointCompanion = 0x30
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC" signature
	CBWSize        = 31         // Fixed CBW size in bytes
	CBWFlagDataOut = 0x00       // Data transfer: host to device
	CBWFlagDataIn  = 0x80       // Data transfer: device to host
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS" signature
	CSWSize             = 13         // Fixed CSW size in bytes
	CSWStatusGood       = 0x00       // Command passed
	CSWStatusFailed     = 0x01       // Command failed
	CSWStatusPhaseError = 0x02       // Phase error occurred
)

// SCSI operation codes.
const (
	SCSITestUnitReady       = 0x00
	SCSIRequestSense        = 0x03
	SCSIInquiry             = 0x12
	SCSIModeSense6          = 0x1A
	SCSIStartStopUnit       = 0x1B
	SCSIPreventAllowRemoval = 0x1E
	SCSIReadCapacity10      = 0x25
	SCSIRead10              = 0x28
	SCSIWrite10             = 0x2A
	SCSIVerify10            = 0x2F
	SCSISynchronizeCache10  = 0x35
)

// SCSI sense keys.
const (
	SenseNoSense        = 0x00 // No error
	SenseNotReady       = 0x02 // Device not ready
	SenseMediumError    = 0x03 // Medium error
	SenseHardwareError  = 0x04 // Hardware error
	SenseIllegalRequest = 0x05 // Illegal request
	SenseUnitAttention  = 0x06 // Unit attention
	SenseDataProtect    = 0x07 // Data protect
)

// Additional Sense Codes (ASC).
const (
	ASCNoAdditionalInfo      = 0x00
	ASCLogicalUnitNotReady   = 0x04 // ASCQ 0x01: becoming ready
	ASCInvalidCommand        = 0x20
	ASCLBAOutOfRange         = 0x21
	ASCInvalidFieldInCDB     = 0x24
	ASCWriteProtected        = 0x27
	ASCNotReadyToReadyChange = 0x28
	ASCMediumNotPresent      = 0x3A
)

// INQUIRY response constants.
const (
	DeviceTypeDisk           = 0x00
	InquiryStandardSize      = 36
	InquiryVersionSPC4       = 0x06
	InquiryResponseFormatSPC = 0x02
	InquiryRMB               = 0x80 // Removable media bit
)

// SenseSize is the length of fixed-format sense data.
const SenseSize = 18

// DefaultBlockSize is the logical block size of a new storage backend.
const DefaultBlockSize = 512

// MaxTransferSize bounds the data stage of one command.
const MaxTransferSize = 1 << 20
