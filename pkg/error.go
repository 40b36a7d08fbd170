package pkg

import "errors"

// Controller and command errors.
var (
	// ErrControllerTimeout indicates the controller never left the
	// "controller not ready" state, or never halted/ran when asked to.
	ErrControllerTimeout = errors.New("controller timeout")

	// ErrCommandTimeout indicates no Command Completion Event arrived for a
	// command within its timeout.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrOutOfSpace indicates a ring, context or DMA buffer could not be
	// allocated. It is fatal to the controller instance.
	ErrOutOfSpace = errors.New("out of DMA space")

	// ErrNotRunning indicates the controller has not been started.
	ErrNotRunning = errors.New("not running")

	// ErrAlreadyRunning indicates the controller is already started.
	ErrAlreadyRunning = errors.New("already running")
)

// Enumeration errors.
var (
	// ErrEnumerationFailed indicates a port's reset, address or configure
	// sequence failed. It is isolated to that port.
	ErrEnumerationFailed = errors.New("enumeration failed")

	// ErrNoStorageDevice indicates no port produced a usable mass-storage
	// device.
	ErrNoStorageDevice = errors.New("no storage device available")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)

// Transfer errors, derived from xHCI completion codes.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrBabble indicates the device sent more data than requested.
	ErrBabble = errors.New("babble detected")

	// ErrTransaction indicates a USB transaction error (CRC, timeout, bit stuffing).
	ErrTransaction = errors.New("USB transaction error")

	// ErrShortPacket indicates a transfer completed with less data than requested.
	ErrShortPacket = errors.New("short packet")

	// ErrProtocol indicates a protocol or TRB error reported by the controller.
	ErrProtocol = errors.New("protocol error")

	// ErrBusy indicates a transfer is already pending on the endpoint.
	ErrBusy = errors.New("resource busy")
)

// Mass-storage errors.
var (
	// ErrTransportCorrupt indicates a CSW with a bad signature or tag.
	ErrTransportCorrupt = errors.New("transport corrupt")

	// ErrDeviceNotReady indicates the unit reported sense key NOT READY.
	ErrDeviceNotReady = errors.New("device not ready")

	// ErrDeviceError indicates a command failure that recovery could not
	// clear, or a device whose reset budget is exhausted.
	ErrDeviceError = errors.New("device error")

	// ErrIO is the error surfaced to the block layer for a failed read.
	ErrIO = errors.New("I/O error")
)

// General errors.
var (
	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNoMemory indicates insufficient memory in a DMA arena.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrExists indicates a name is already registered.
	ErrExists = errors.New("already exists")
)
