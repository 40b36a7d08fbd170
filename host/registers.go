package host

// Capability register offsets (from BAR0).
const (
	capLength     = 0x00 // CAPLENGTH (byte 0) and HCIVERSION (bytes 2-3)
	capHCSParams1 = 0x04
	capHCSParams2 = 0x08
	capHCSParams3 = 0x0C
	capHCCParams1 = 0x10
	capDBOff      = 0x14
	capRTSOff     = 0x18
)

// HCSPARAMS1 fields.
const (
	hcsMaxSlotsMask  = 0xFF
	hcsMaxPortsShift = 24
)

// HCSPARAMS2 scratchpad fields.
const (
	hcsScratchHiShift = 21
	hcsScratchLoShift = 27
	hcsScratchMask    = 0x1F
)

// HCCPARAMS1 fields.
const (
	hccAC64 = 1 << 0 // 64-bit addressing
	hccCSZ  = 1 << 2 // 64-byte contexts
)

// Operational register offsets (from the operational base).
const (
	opUSBCmd   = 0x00
	opUSBSts   = 0x04
	opPageSize = 0x08
	opDNCtrl   = 0x14
	opCRCR     = 0x18
	opDCBAAP   = 0x30
	opConfig   = 0x38
	opPortBase = 0x400
	opPortStep = 0x10
)

// USBCMD bits.
const (
	cmdRun   = 1 << 0 // Run/Stop
	cmdReset = 1 << 1 // Host Controller Reset
	cmdINTE  = 1 << 2 // Interrupter Enable
	cmdHSEE  = 1 << 3 // Host System Error Enable
)

// USBSTS bits.
const (
	stsHalted = 1 << 0  // HCHalted
	stsHSE    = 1 << 2  // Host System Error
	stsEINT   = 1 << 3  // Event Interrupt
	stsPCD    = 1 << 4  // Port Change Detect
	stsCNR    = 1 << 11 // Controller Not Ready
	stsHCE    = 1 << 12 // Host Controller Error
)

// CRCR bits.
const (
	crcrRCS = 1 << 0 // Ring Cycle State
	crcrCS  = 1 << 1 // Command Stop
	crcrCA  = 1 << 2 // Command Abort
	crcrCRR = 1 << 3 // Command Ring Running
)

// PORTSC bits.
const (
	portCCS        = 1 << 0 // Current Connect Status
	portPED        = 1 << 1 // Port Enabled/Disabled (RW1C)
	portOCA        = 1 << 3 // Over-current Active
	portPR         = 1 << 4 // Port Reset
	portPP         = 1 << 9 // Port Power
	portSpeedShift = 10
	portSpeedMask  = 0xF
	portCSC        = 1 << 17 // Connect Status Change
	portPEC        = 1 << 18 // Port Enabled/Disabled Change
	portWRC        = 1 << 19 // Warm Port Reset Change
	portOCC        = 1 << 20 // Over-current Change
	portPRC        = 1 << 21 // Port Reset Change
	portPLC        = 1 << 22 // Port Link State Change
	portCEC        = 1 << 23 // Port Config Error Change

	// portChangeBits are the RW1C change bits of PORTSC.
	portChangeBits = portCSC | portPEC | portWRC | portOCC | portPRC | portPLC | portCEC
)

// Runtime register offsets (from the runtime base).
const (
	rtInterrupter0 = 0x20
	irIMAN         = 0x00
	irIMOD         = 0x04
	irERSTSZ       = 0x08
	irERSTBA       = 0x10
	irERDP         = 0x18
)

// IMAN bits.
const (
	imanIP = 1 << 0 // Interrupt Pending (RW1C)
	imanIE = 1 << 1 // Interrupt Enable
)

// ERDP bits.
const (
	erdpEHB = 1 << 3 // Event Handler Busy (RW1C)
)

// portPreserve returns the PORTSC value to write back so that only the
// requested bits change: RW1C change bits and PED are masked out.
func portPreserve(v uint32) uint32 {
	return v &^ (portChangeBits | portPED | portPR)
}
