package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// Normal TRB status field positions.
const (
	tdSizeShift = 17
	tdSizeMax   = 31
)

// EnqueueBulk queues a bulk transfer of length bytes at buf on the bulk
// endpoint for dir and rings its doorbell. It does not wait.
//
// The buffer is split into Normal TRBs at 64 KiB boundaries, chained with
// CH and with IOC on the last. Only one transfer may be outstanding per
// endpoint; a second returns ErrBusy.
func (d *Device) EnqueueBulk(dir Direction, buf hal.PhysAddr, length int) (TransferHandle, error) {
	dci := d.bulkDCI(dir)
	if dci == 0 {
		return 0, fmt.Errorf("bulk %s: %w", dir, pkg.ErrInvalidState)
	}
	return d.enqueueNormal(dci, buf, length)
}

func (d *Device) enqueueNormal(dci uint8, buf hal.PhysAddr, length int) (TransferHandle, error) {
	if length <= 0 {
		return 0, fmt.Errorf("transfer length %d: %w", length, pkg.ErrInvalidParameter)
	}
	if n := trbCount(buf, length); n > maxTDTRBs {
		return 0, fmt.Errorf("transfer of %d bytes needs %d TRBs: %w", length, n, pkg.ErrInvalidParameter)
	}

	c := d.ctrl
	c.evMu.Lock()
	ep := d.endpoints[dci]
	if ep == nil {
		c.evMu.Unlock()
		return 0, fmt.Errorf("DCI %d: %w", dci, pkg.ErrInvalidState)
	}
	if ep.pending.active && !ep.pending.done {
		c.evMu.Unlock()
		pkg.LogError(pkg.ComponentBulk, "transfer already pending",
			"slot", d.slot,
			"dci", dci)
		return 0, pkg.ErrBusy
	}

	mps := max(int(ep.maxPacketSize), 1)
	isp := uint32(0)
	if dci%2 == 1 {
		isp = trb.ISP
	}
	ep.pending = pendingTransfer{active: true, length: uint32(length)}
	addr, remaining := buf, length
	for remaining > 0 {
		chunk := min(remaining, trb.MaxTransferLength-int(uint64(addr)%trb.MaxTransferLength))
		remaining -= chunk

		flags := trb.IOC | isp
		if remaining > 0 {
			flags = trb.Chain | isp
		}
		tdSize := min((remaining+mps-1)/mps, tdSizeMax)
		status := uint32(chunk) | uint32(tdSize)<<tdSizeShift

		at := ep.ring.Enqueue(uint64(addr), status, trb.Control(trb.TypeNormal, flags))
		ep.pending.add(at, uint32(chunk))
		addr += hal.PhysAddr(chunk)
	}
	h := ep.pending.handle
	c.stats.Transfers++
	c.evMu.Unlock()

	pkg.LogDebug(pkg.ComponentBulk, "transfer queued",
		"slot", d.slot,
		"dci", dci,
		"length", length,
		"trb", uint64(h))

	c.Ring(d.slot, dci)
	return h, nil
}

// trbCount returns the number of Normal TRBs a buffer splits into.
func trbCount(buf hal.PhysAddr, length int) int {
	first := int(uint64(buf) / trb.MaxTransferLength)
	last := int((uint64(buf) + uint64(length) - 1) / trb.MaxTransferLength)
	return last - first + 1
}

// TransferResult claims the completion of h on the bulk endpoint for dir.
// It returns false while the transfer is still in flight.
func (d *Device) TransferResult(dir Direction, h TransferHandle) (Completion, bool) {
	dci := d.bulkDCI(dir)
	if dci == 0 {
		return Completion{}, false
	}
	return d.claim(dci, h)
}

func (d *Device) claim(dci uint8, h TransferHandle) (Completion, bool) {
	d.ctrl.evMu.Lock()
	defer d.ctrl.evMu.Unlock()
	ep := d.endpoints[dci]
	if ep == nil || !ep.pending.active || !ep.pending.done || ep.pending.handle != h {
		return Completion{}, false
	}
	res := ep.pending.result()
	ep.pending = pendingTransfer{}
	return res, true
}

// Pending reports whether a transfer is outstanding on the bulk endpoint
// for dir.
func (d *Device) Pending(dir Direction) bool {
	dci := d.bulkDCI(dir)
	if dci == 0 {
		return false
	}
	d.ctrl.evMu.Lock()
	defer d.ctrl.evMu.Unlock()
	p := d.endpoints[dci].pending
	return p.active && !p.done
}

// wait polls until h completes on dci, draining events on every
// iteration. A transfer that does not complete in time is cancelled.
func (d *Device) wait(ctx context.Context, dci uint8, h TransferHandle, timeout uint64) (Completion, error) {
	var res Completion
	err := d.ctrl.poll.Until(ctx, timeout, func() bool {
		d.ctrl.ProcessEvents()
		var ok bool
		res, ok = d.claim(dci, h)
		return ok
	})
	if err != nil {
		if cerr := d.cancel(context.Background(), dci); cerr != nil {
			pkg.LogWarn(pkg.ComponentBulk, "cancel failed",
				"slot", d.slot,
				"dci", dci,
				"error", cerr)
		}
		if errors.Is(err, pkg.ErrTimeout) {
			return res, fmt.Errorf("slot %d DCI %d: %w", d.slot, dci, pkg.ErrTimeout)
		}
		return res, err
	}
	return res, nil
}

// Transfer performs a blocking bulk transfer over buf.
func (d *Device) Transfer(ctx context.Context, dir Direction, buf hal.DMABuffer) (Completion, error) {
	h, err := d.EnqueueBulk(dir, buf.Phys, buf.Len())
	if err != nil {
		return Completion{}, err
	}
	res, err := d.wait(ctx, d.bulkDCI(dir), h, d.ctrl.cfg.TransferTimeout)
	if err != nil {
		return res, err
	}
	return res, res.Err()
}

// ControlTransfer performs a control transfer on EP0. For an IN request
// the data stage is copied into data; for OUT it is taken from data. It
// returns the number of data-stage bytes the device actually moved, which
// for IN may be less than setup.Length.
//
// A stall is cleared on the host side before returning ErrStall.
func (d *Device) ControlTransfer(ctx context.Context, setup hal.SetupPacket, data []byte) (int, error) {
	n := int(setup.Length)
	if n > len(data) || n > d.control.Len() {
		return 0, fmt.Errorf("control data %d bytes: %w", n, pkg.ErrInvalidParameter)
	}
	in := setup.IsIn()

	c := d.ctrl
	c.evMu.Lock()
	ep := d.endpoints[1]
	if ep.pending.active && !ep.pending.done {
		c.evMu.Unlock()
		return 0, pkg.ErrBusy
	}
	if in {
		clear(d.control.Bytes[:n])
	} else {
		copy(d.control.Bytes, data[:n])
	}

	trt := trb.TRTNoData
	switch {
	case n > 0 && in:
		trt = trb.TRTIn
	case n > 0:
		trt = trb.TRTOut
	}
	ep.pending = pendingTransfer{active: true, control: true, length: uint32(n)}
	at := ep.ring.Enqueue(setup.Uint64(), hal.SetupPacketSize, trb.Control(trb.TypeSetup, trb.IDT|trt))
	ep.pending.add(at, 0)

	statusDir := trb.DirIn
	if n > 0 {
		dir := uint32(0)
		if in {
			dir = trb.DirIn | trb.ISP
			statusDir = 0
		}
		at = ep.ring.Enqueue(uint64(d.control.Phys), uint32(n), trb.Control(trb.TypeData, dir))
		ep.pending.add(at, uint32(n))
	}
	at = ep.ring.Enqueue(0, 0, trb.Control(trb.TypeStatus, statusDir|trb.IOC))
	ep.pending.add(at, 0)
	h := ep.pending.handle
	c.evMu.Unlock()

	c.Ring(d.slot, 1)

	res, err := d.wait(ctx, 1, h, c.cfg.ControlTimeout)
	if err != nil {
		return 0, fmt.Errorf("control request 0x%02x: %w", setup.Request, err)
	}
	if res.Code != trb.CodeSuccess && res.Code != trb.CodeShortPacket {
		if res.Code == trb.CodeStall {
			if rerr := d.resetEndpoint(ctx, 1); rerr != nil {
				pkg.LogWarn(pkg.ComponentBulk, "EP0 reset failed",
					"slot", d.slot,
					"error", rerr)
			}
		}
		return 0, fmt.Errorf("control request 0x%02x: %w", setup.Request, res.Code.Err())
	}
	got := min(int(res.Length), n)
	if in {
		copy(data[:got], d.control.Bytes[:got])
	}
	return got, nil
}

// ResetEndpoint recovers the host side of a halted bulk endpoint: Reset
// Endpoint, then Set TR Dequeue Pointer to the ring's enqueue position so
// any abandoned TRBs are skipped.
func (d *Device) ResetEndpoint(ctx context.Context, dir Direction) error {
	dci := d.bulkDCI(dir)
	if dci == 0 {
		return fmt.Errorf("bulk %s: %w", dir, pkg.ErrInvalidState)
	}
	return d.resetEndpoint(ctx, dci)
}

func (d *Device) resetEndpoint(ctx context.Context, dci uint8) error {
	err := d.ctrl.ResetEndpoint(ctx, d.slot, dci)
	if err != nil && !errors.Is(err, pkg.ErrInvalidState) {
		return err
	}
	return d.resetDequeue(ctx, dci)
}

// ClearHalt clears a halt on both sides of the bulk endpoint for dir: a
// halted host endpoint is reset and CLEAR_FEATURE(ENDPOINT_HALT) is sent
// to the device, which may be halted even when the host endpoint is not.
func (d *Device) ClearHalt(ctx context.Context, dir Direction) error {
	dci := d.bulkDCI(dir)
	if dci == 0 {
		return fmt.Errorf("bulk %s: %w", dir, pkg.ErrInvalidState)
	}
	if d.EndpointState(dir) == trb.EndpointHalted {
		if err := d.resetEndpoint(ctx, dci); err != nil {
			return fmt.Errorf("reset DCI %d: %w", dci, err)
		}
	}

	address := d.storage.BulkOut.EndpointAddress
	if dir == In {
		address = d.storage.BulkIn.EndpointAddress
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(address),
	}
	if _, err := d.ControlTransfer(ctx, setup, nil); err != nil {
		return fmt.Errorf("clear halt 0x%02x: %w", address, err)
	}
	pkg.LogDebug(pkg.ComponentBulk, "halt cleared",
		"slot", d.slot,
		"endpoint", address)
	return nil
}

// Cancel abandons any transfer outstanding on the bulk endpoint for dir.
func (d *Device) Cancel(ctx context.Context, dir Direction) error {
	dci := d.bulkDCI(dir)
	if dci == 0 {
		return fmt.Errorf("bulk %s: %w", dir, pkg.ErrInvalidState)
	}
	return d.cancel(ctx, dci)
}

// cancel stops the endpoint and moves its dequeue pointer past whatever
// was queued. The pending record is dropped even when Stop Endpoint fails,
// so the endpoint accepts new transfers; a later cancel resyncs the
// controller's dequeue pointer.
func (d *Device) cancel(ctx context.Context, dci uint8) error {
	err := d.ctrl.StopEndpoint(ctx, d.slot, dci)
	if err != nil && !errors.Is(err, pkg.ErrInvalidState) {
		d.dropPending(dci)
		return err
	}
	return d.resetDequeue(ctx, dci)
}

// dropPending forgets the transfer outstanding on dci and retires its
// TRBs. It returns the ring's enqueue position.
func (d *Device) dropPending(dci uint8) (hal.PhysAddr, bool) {
	d.ctrl.evMu.Lock()
	defer d.ctrl.evMu.Unlock()
	ep := d.endpoints[dci]
	ep.pending = pendingTransfer{}
	ep.ring.Retire(ep.ring.Pending())
	return ep.ring.Pointer()
}

// resetDequeue drops the pending record of dci and points the controller's
// dequeue pointer at the ring's enqueue position.
func (d *Device) resetDequeue(ctx context.Context, dci uint8) error {
	ptr, cycle := d.dropPending(dci)
	return d.ctrl.SetTRDequeuePointer(ctx, d.slot, dci, ptr, cycle)
}
