package msc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/host"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Class request types (class, interface recipient).
const (
	requestTypeClassOut = 0x21
	requestTypeClassIn  = 0xA1
)

// ClearStalls clears a halt on both bulk endpoints, IN first. Both are
// attempted even if the first fails.
func (d *Disk) ClearStalls(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearStalls(ctx)
}

func (d *Disk) clearStalls(ctx context.Context) error {
	d.stats.ClearStalls++
	var errs []error
	for _, dir := range []host.Direction{host.In, host.Out} {
		if err := d.dev.ClearHalt(ctx, dir); err != nil {
			errs = append(errs, fmt.Errorf("clear bulk %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

// Reset performs a Bulk-Only Mass Storage Reset followed by Clear Stalls.
// It does not count against the reset budget.
func (d *Disk) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reset(ctx)
}

func (d *Disk) reset(ctx context.Context) error {
	d.cancelPending()
	d.backoff = 0

	setup := d.classRequest(requestTypeClassOut, RequestMassStorageReset, 0)
	if _, err := d.dev.ControlTransfer(ctx, setup, nil); err != nil {
		return fmt.Errorf("mass storage reset: %w", err)
	}
	pkg.LogInfo(pkg.ComponentBOT, "mass storage reset",
		"disk", d.cfg.Name,
		"slot", d.dev.Slot())
	return d.clearStalls(ctx)
}

// GetMaxLUN returns the highest logical unit number of the device. A
// device that stalls the request has a single LUN.
func (d *Disk) GetMaxLUN(ctx context.Context) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf [1]byte
	setup := d.classRequest(requestTypeClassIn, RequestGetMaxLUN, 1)
	n, err := d.dev.ControlTransfer(ctx, setup, buf[:])
	switch {
	case errors.Is(err, pkg.ErrStall):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("get max LUN: %w", err)
	case n < 1:
		return 0, fmt.Errorf("get max LUN: %w", pkg.ErrShortPacket)
	}
	return buf[0] & 0x0F, nil
}

func (d *Disk) classRequest(typ, req uint8, length uint16) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: typ,
		Request:     req,
		Index:       uint16(d.iface),
		Length:      length,
	}
}

// cancelPending abandons whatever is outstanding on either bulk pipe.
func (d *Disk) cancelPending() {
	for _, dir := range []host.Direction{host.Out, host.In} {
		if !d.dev.Pending(dir) {
			continue
		}
		if err := d.dev.Cancel(context.Background(), dir); err != nil {
			pkg.LogWarn(pkg.ComponentBOT, "cancel failed",
				"disk", d.cfg.Name,
				"dir", dir,
				"error", err)
		}
	}
}

// recover spends one unit of the reset budget on a BOT reset. With the
// budget exhausted the disk is failed permanently.
func (d *Disk) recover(ctx context.Context) error {
	if d.resets >= d.cfg.MaxResets {
		d.failed = true
		pkg.LogError(pkg.ComponentBOT, "reset budget exhausted",
			"disk", d.cfg.Name,
			"resets", d.resets)
		return fmt.Errorf("%s after %d resets: %w", d.cfg.Name, d.resets, pkg.ErrDeviceError)
	}
	d.resets++
	d.successes = 0
	d.stats.Resets++
	if err := d.reset(ctx); err != nil {
		return fmt.Errorf("recover %s: %w", d.cfg.Name, err)
	}
	return nil
}

// succeeded records a successful operation. Enough of them in a row
// restore the full reset budget.
func (d *Disk) succeeded() {
	d.successes++
	if d.resets > 0 && d.successes >= d.cfg.ResetDecay {
		pkg.LogDebug(pkg.ComponentBOT, "reset budget restored",
			"disk", d.cfg.Name,
			"resets", d.resets)
		d.resets = 0
		d.successes = 0
	}
}
