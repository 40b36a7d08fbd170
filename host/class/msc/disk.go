package msc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/blockdev"
)

// Recovery defaults.
const (
	DefaultReadAttempts         = 3
	DefaultNotReadyRetries      = 5
	DefaultMaxResets            = 2
	DefaultBackoffBase          = 10 // ticks
	DefaultUnitAttentionRetries = 8
	DefaultResetDecay           = 8
	DefaultOperationTimeout     = 5000 // ticks
)

// dataBufferSize is the size of the owned data-stage buffer. Larger reads
// are split into several READ(10) commands.
const dataBufferSize = 64 << 10

// Config holds the recovery policy of a Disk. Zero fields take their
// defaults.
type Config struct {
	ReadAttempts         int    // READ(10) attempts before a reset
	NotReadyRetries      int    // TEST UNIT READY retries while NOT READY
	MaxResets            int    // BOT resets before the disk is failed
	BackoffBase          uint64 // NOT READY backoff is BackoffBase * retry
	UnitAttentionRetries int    // consecutive UNIT ATTENTION conditions tolerated
	ResetDecay           int    // consecutive successes that restore the reset budget
	OperationTimeout     uint64 // ticks per BOT operation

	// Name is the block-device name. Probe picks one from the registry
	// when empty.
	Name string
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		ReadAttempts:         DefaultReadAttempts,
		NotReadyRetries:      DefaultNotReadyRetries,
		MaxResets:            DefaultMaxResets,
		BackoffBase:          DefaultBackoffBase,
		UnitAttentionRetries: DefaultUnitAttentionRetries,
		ResetDecay:           DefaultResetDecay,
		OperationTimeout:     DefaultOperationTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReadAttempts <= 0 {
		c.ReadAttempts = d.ReadAttempts
	}
	if c.NotReadyRetries <= 0 {
		c.NotReadyRetries = d.NotReadyRetries
	}
	if c.MaxResets <= 0 {
		c.MaxResets = d.MaxResets
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.UnitAttentionRetries <= 0 {
		c.UnitAttentionRetries = d.UnitAttentionRetries
	}
	if c.ResetDecay <= 0 {
		c.ResetDecay = d.ResetDecay
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	return c
}

// Stats counts BOT activity on a disk.
type Stats struct {
	Operations  uint64 // CBWs queued
	Completed   uint64 // CSWs validated
	Corrupt     uint64 // CSWs failing validation
	Timeouts    uint64
	Retries     uint64 // READ(10) and TEST UNIT READY retries
	Resets      uint64 // BOT resets spent from the budget
	ClearStalls uint64
}

// SenseError is a command that completed with CSW status Failed, with the
// sense data REQUEST SENSE returned for it.
type SenseError struct {
	Kind  Kind
	Sense Sense
}

func (e *SenseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Sense)
}

// Unwrap returns ErrDeviceNotReady for NOT READY and ErrDeviceError for
// every other sense key.
func (e *SenseError) Unwrap() error {
	if e.Sense.Key == SenseNotReady {
		return pkg.ErrDeviceNotReady
	}
	return pkg.ErrDeviceError
}

// Disk drives one mass-storage device through Bulk-Only Transport.
//
// Operations are serialized by the disk's lock: one BOT operation per
// device, while other disks proceed independently. The CBW, CSW and data
// buffers are allocated once by New and reused by every operation.
type Disk struct {
	mu sync.Mutex

	dev   *host.Device
	cfg   Config
	iface uint8
	lun   uint8

	cbw  hal.DMABuffer
	csw  hal.DMABuffer
	data hal.DMABuffer

	op  Operation
	tag uint32

	capacity Capacity
	inquiry  InquiryData

	resets    int
	successes int
	failed    bool
	backoff   uint64 // TEST UNIT READY is held off until this tick

	onBackoff func(retry int, deadline uint64)
	stats     Stats
}

// New returns a Disk for the mass-storage interface of dev.
func New(dev *host.Device, cfg Config) (*Disk, error) {
	si, ok := dev.Storage()
	if !ok {
		return nil, fmt.Errorf("slot %d: %w", dev.Slot(), pkg.ErrNoStorageDevice)
	}
	d := &Disk{dev: dev, cfg: cfg.withDefaults(), iface: si.Interface.InterfaceNumber}

	ctrl := dev.Controller()
	var err error
	if d.cbw, err = ctrl.AllocDMA(CBWSize, 64); err != nil {
		return nil, fmt.Errorf("CBW buffer: %w", err)
	}
	if d.csw, err = ctrl.AllocDMA(CSWSize, 64); err != nil {
		return nil, fmt.Errorf("CSW buffer: %w", err)
	}
	if d.data, err = ctrl.AllocDMA(dataBufferSize, 4096); err != nil {
		return nil, fmt.Errorf("data buffer: %w", err)
	}
	return d, nil
}

// Name returns the configured block-device name.
func (d *Disk) Name() string { return d.cfg.Name }

// Device returns the USB device the disk runs on.
func (d *Disk) Device() *host.Device { return d.dev }

// Capacity returns the capacity read by the last successful ReadCapacity.
func (d *Disk) Capacity() Capacity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity
}

// Failed reports whether the reset budget ran out. A failed disk rejects
// every operation with ErrDeviceError.
func (d *Disk) Failed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

// Resets returns the number of resets spent from the current budget.
func (d *Disk) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Stats returns a snapshot of the disk's counters.
func (d *Disk) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// SetOnBackoff sets a callback run each time a NOT READY condition sets
// a new backoff deadline.
func (d *Disk) SetOnBackoff(cb func(retry int, deadline uint64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onBackoff = cb
}

// =============================================================================
// SCSI Commands
// =============================================================================

// Inquiry issues INQUIRY and returns the unit's identification.
func (d *Disk) Inquiry(ctx context.Context) (InquiryData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	op, err := d.command(ctx, KindInquiry, InquiryCDB(InquiryLength), InquiryLength)
	if err != nil {
		return InquiryData{}, err
	}
	var inq InquiryData
	if !ParseInquiry(d.data.Bytes[:op.Valid()], &inq) {
		return InquiryData{}, fmt.Errorf("INQUIRY of %d bytes: %w", op.Valid(), pkg.ErrShortPacket)
	}
	d.inquiry = inq
	pkg.LogInfo(pkg.ComponentBOT, "inquiry",
		"disk", d.cfg.Name,
		"vendor", inq.Vendor,
		"product", inq.Product,
		"revision", inq.Revision)
	return inq, nil
}

// TestUnitReady issues TEST UNIT READY. A unit that is not ready is
// classified with REQUEST SENSE and reported as a *SenseError.
func (d *Disk) TestUnitReady(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.testUnitReady(ctx)
}

func (d *Disk) testUnitReady(ctx context.Context) error {
	if err := d.waitBackoff(ctx); err != nil {
		return err
	}
	op, err := d.run(ctx, KindTestUnitReady, TestUnitReadyCDB(), 0, false)
	if err != nil {
		return err
	}
	if op.Status == CSWStatusGood {
		return nil
	}
	if op.Status != CSWStatusFailed {
		return fmt.Errorf("%s: CSW status %d: %w", op.Kind, op.Status, pkg.ErrDeviceError)
	}
	sense, err := d.requestSense(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op.Kind, err)
	}
	return &SenseError{Kind: op.Kind, Sense: sense}
}

// waitBackoff holds the caller off until the backoff deadline passes.
func (d *Disk) waitBackoff(ctx context.Context) error {
	poll := d.dev.Controller().Poller()
	deadline := d.backoff
	if poll.Now() >= deadline {
		return nil
	}
	return poll.Until(ctx, deadline-poll.Now()+1, func() bool {
		return poll.Now() >= deadline
	})
}

// RequestSense issues REQUEST SENSE and returns the sense data.
func (d *Disk) RequestSense(ctx context.Context) (Sense, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestSense(ctx)
}

func (d *Disk) requestSense(ctx context.Context) (Sense, error) {
	op, err := d.command(ctx, KindRequestSense, RequestSenseCDB(SenseLength), SenseLength)
	if err != nil {
		return Sense{}, err
	}
	var s Sense
	if !ParseSense(d.data.Bytes[:op.Valid()], &s) {
		return Sense{}, fmt.Errorf("sense data of %d bytes: %w", op.Valid(), pkg.ErrDeviceError)
	}
	return s, nil
}

// ReadCapacity issues READ CAPACITY(10) and records the result.
func (d *Disk) ReadCapacity(ctx context.Context) (Capacity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	op, err := d.command(ctx, KindReadCapacity, ReadCapacity10CDB(), ReadCapacityLength)
	if err != nil {
		return Capacity{}, err
	}
	var c Capacity
	if !ParseReadCapacity10(d.data.Bytes[:op.Valid()], &c) {
		return Capacity{}, fmt.Errorf("READ CAPACITY of %d bytes: %w", op.Valid(), pkg.ErrShortPacket)
	}
	if c.BlockSize == 0 || c.BlockSize > dataBufferSize {
		return Capacity{}, fmt.Errorf("block size %d: %w", c.BlockSize, pkg.ErrNotSupported)
	}
	d.capacity = c
	return c, nil
}

// command runs a data-in command and requires CSW status Good.
func (d *Disk) command(ctx context.Context, kind Kind, cdb []byte, length uint32) (Operation, error) {
	op, err := d.run(ctx, kind, cdb, length, true)
	if err != nil {
		return op, err
	}
	if op.Status != CSWStatusGood {
		return op, fmt.Errorf("%s: CSW status %d: %w", kind, op.Status, pkg.ErrDeviceError)
	}
	return op, nil
}

// =============================================================================
// Block Access
// =============================================================================

// Read reads count blocks starting at lba into buf. ReadCapacity must
// have succeeded first. A failed read wraps both ErrIO and its cause.
func (d *Disk) Read(ctx context.Context, lba uint64, count int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failed {
		return fmt.Errorf("read %s: %w: %w", d.cfg.Name, pkg.ErrIO, pkg.ErrDeviceError)
	}
	bs := int(d.capacity.BlockSize)
	if bs == 0 {
		return fmt.Errorf("read %s: capacity unknown: %w", d.cfg.Name, pkg.ErrInvalidState)
	}
	if count < 0 || len(buf) < count*bs {
		return fmt.Errorf("read %s: %d blocks into %d bytes: %w", d.cfg.Name, count, len(buf), pkg.ErrInvalidParameter)
	}
	if lba+uint64(count) > d.capacity.Blocks() {
		return fmt.Errorf("read %s: blocks %d+%d past %d: %w", d.cfg.Name, lba, count, d.capacity.Blocks(), pkg.ErrInvalidParameter)
	}

	chunk := min(d.data.Len()/bs, 0xFFFF)
	for count > 0 {
		n := min(count, chunk)
		if err := d.read10(ctx, uint32(lba), uint16(n)); err != nil {
			return err
		}
		copy(buf, d.data.Bytes[:n*bs])
		buf = buf[n*bs:]
		lba += uint64(n)
		count -= n
	}
	return nil
}

// read10 reads blocks into the data buffer, retrying failed commands and
// resetting the device once the attempts run out.
func (d *Disk) read10(ctx context.Context, lba uint32, blocks uint16) error {
	length := uint32(blocks) * d.capacity.BlockSize
	cdb := Read10CDB(lba, blocks)

	var cause error
	for attempt := 1; attempt <= d.cfg.ReadAttempts; attempt++ {
		if attempt > 1 {
			d.stats.Retries++
		}
		op, err := d.run(ctx, KindRead10, cdb, length, true)
		switch {
		case err != nil:
			cause = err
			if d.failed || ctx.Err() != nil {
				return fmt.Errorf("read LBA %d: %w: %w", lba, pkg.ErrIO, cause)
			}
		case op.Status != CSWStatusGood:
			cause = fmt.Errorf("CSW status %d: %w", op.Status, pkg.ErrDeviceError)
		case op.Valid() < length:
			cause = fmt.Errorf("%d of %d bytes: %w", op.Valid(), length, pkg.ErrShortPacket)
		default:
			return nil
		}
		pkg.LogWarn(pkg.ComponentBOT, "read failed",
			"disk", d.cfg.Name,
			"lba", lba,
			"blocks", blocks,
			"attempt", attempt,
			"error", cause)
	}

	if err := d.recover(context.WithoutCancel(ctx)); err != nil {
		cause = errors.Join(cause, err)
	}
	return fmt.Errorf("read LBA %d: %w: %w", lba, pkg.ErrIO, cause)
}

// =============================================================================
// Readiness
// =============================================================================

// WaitReady polls TEST UNIT READY until the unit is ready.
//
// NOT READY backs off BackoffBase * retry ticks before the next attempt
// and escalates to a reset after NotReadyRetries retries. UNIT ATTENTION
// clears the NOT READY count and retries at once. Any other sense key
// escalates to a reset immediately. After a reset the unit is tested
// again with fresh counts; WaitReady gives up only when the reset budget
// is spent or a reset fails.
func (d *Disk) WaitReady(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	notReady, attention := 0, 0
	for {
		err := d.testUnitReady(ctx)
		if err == nil {
			d.backoff = 0
			return nil
		}
		var se *SenseError
		if !errors.As(err, &se) {
			return err
		}

		escalate := false
		switch se.Sense.Key {
		case SenseNotReady:
			notReady++
			if notReady > d.cfg.NotReadyRetries {
				escalate = true
				break
			}
			poll := d.dev.Controller().Poller()
			d.backoff = poll.Now() + d.cfg.BackoffBase*uint64(notReady)
			pkg.LogDebug(pkg.ComponentBOT, "unit not ready",
				"disk", d.cfg.Name,
				"retry", notReady,
				"deadline", d.backoff,
				"sense", se.Sense)
			if d.onBackoff != nil {
				d.onBackoff(notReady, d.backoff)
			}

		case SenseUnitAttention:
			notReady = 0
			attention++
			escalate = attention > d.cfg.UnitAttentionRetries

		default:
			escalate = true
		}

		if escalate {
			if err := d.escalate(ctx, err); err != nil {
				return err
			}
			notReady, attention = 0, 0
			continue
		}
		d.stats.Retries++
	}
}

// escalate spends a reset on a unit that did not become ready. It returns
// nil once the reset went through.
func (d *Disk) escalate(ctx context.Context, cause error) error {
	d.backoff = 0
	if err := d.recover(ctx); err != nil {
		return errors.Join(cause, err)
	}
	pkg.LogInfo(pkg.ComponentBOT, "unit reset, testing again",
		"disk", d.cfg.Name,
		"resets", d.resets,
		"cause", cause)
	return nil
}

// =============================================================================
// Block Device
// =============================================================================

// Probe brings the unit up and publishes it to reg: INQUIRY, then
// WaitReady, then READ CAPACITY(10). The registered device reads through
// the disk, rejects writes and has a no-op sync.
func (d *Disk) Probe(ctx context.Context, reg *blockdev.Registry) (*blockdev.Device, error) {
	if _, err := d.Inquiry(ctx); err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	if err := d.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	c, err := d.ReadCapacity(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}

	d.mu.Lock()
	if d.cfg.Name == "" {
		d.cfg.Name = reg.Next("usb")
	}
	name := d.cfg.Name
	d.mu.Unlock()

	bd := &blockdev.Device{
		Name:         name,
		SectorSize:   int(c.BlockSize),
		TotalSectors: c.Blocks(),
		Read:         d.Read,
	}
	if err := reg.Register(bd); err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	return bd, nil
}
