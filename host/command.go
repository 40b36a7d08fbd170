package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// Command TRB field positions.
const (
	cmdSlotShift     = 24
	cmdEndpointShift = 16
	dequeueSCT       = 0xE // stream context type bits of a dequeue pointer
)

// CommandHandle identifies a command by the physical address of its TRB
// on the command ring.
type CommandHandle hal.PhysAddr

// CommandResult is the content of a Command Completion Event.
type CommandResult struct {
	Code      trb.CompletionCode
	SlotID    uint8
	Parameter uint32 // completion parameter, status bits 0-23
}

// CommandError reports a command that completed with a code other than
// success. It unwraps to the sentinel for the code.
type CommandError struct {
	Type trb.Type
	Code trb.CompletionCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Code)
}

// Unwrap returns the sentinel error for the completion code.
func (e *CommandError) Unwrap() error {
	return e.Code.Err()
}

// SendCommand enqueues a command TRB and rings the command doorbell. It
// does not wait; pair it with WaitCommand. Callers issuing commands
// concurrently must use Command instead.
func (c *Controller) SendCommand(parameter uint64, status, control uint32) CommandHandle {
	h := c.enqueueCommand(parameter, status, control)

	pkg.LogDebug(pkg.ComponentCommand, "command sent",
		"type", controlType(control).String(),
		"trb", uint64(h))

	// Rung without evMu: a controller may deliver the completion
	// interrupt before the doorbell write returns.
	c.Ring(0, 0)
	return h
}

func (c *Controller) enqueueCommand(parameter uint64, status, control uint32) CommandHandle {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	h := CommandHandle(c.cmdRing.Enqueue(parameter, status, control))
	c.cmdHandle = h
	c.cmdWaiting = true
	c.cmdDone = false
	c.stats.Commands++
	return h
}

// WaitCommand polls for the completion of h for at most timeout ticks,
// draining the event ring on every iteration. It returns ErrCommandTimeout
// if no completion arrives. A command that is given up on, by timeout or
// by ctx, is aborted and the command ring rewound.
func (c *Controller) WaitCommand(ctx context.Context, h CommandHandle, timeout uint64) (CommandResult, error) {
	var res CommandResult
	err := c.poll.Until(ctx, timeout, func() bool {
		c.ProcessEvents()
		c.evMu.Lock()
		defer c.evMu.Unlock()
		if c.cmdDone && c.cmdHandle == h {
			res = c.cmdResult
			return true
		}
		return false
	})
	if err == nil {
		return res, nil
	}

	if aerr := c.abortCommands(context.WithoutCancel(ctx), h); aerr != nil {
		pkg.LogError(pkg.ComponentCommand, "command ring abort failed",
			"trb", uint64(h),
			"error", aerr)
	}
	if errors.Is(err, pkg.ErrTimeout) {
		return res, fmt.Errorf("command TRB 0x%x: %w", uint64(h), pkg.ErrCommandTimeout)
	}
	return res, err
}

// abortCommands stops the command ring after h was abandoned, drains what
// the controller reports for it and rewinds the ring to its base. The
// abandoned TRB is neither executed later nor left counted against the
// ring. Registers are written without evMu: the stop raises an interrupt.
func (c *Controller) abortCommands(ctx context.Context, h CommandHandle) error {
	c.evMu.Lock()
	if c.cmdHandle == h {
		c.cmdWaiting = false
	}
	c.cmdStopped = false
	c.evMu.Unlock()

	// Only the low dword: pointer writes are ignored while CRR is set
	// and must not land once it clears.
	c.writeOp32(opCRCR, crcrCA)
	err := c.poll.Until(ctx, c.cfg.CommandTimeout, func() bool {
		c.ProcessEvents()
		return c.readOp32(opCRCR)&crcrCRR == 0
	})
	if err != nil {
		err = controllerTimeout("command ring abort", err)
	}

	c.evMu.Lock()
	c.drainLocked(false)
	stopped := c.cmdStopped
	c.cmdRing.Reset()
	ptr, cycle := c.cmdRing.Pointer()
	c.evMu.Unlock()

	crcr := uint64(ptr)
	if cycle {
		crcr |= crcrRCS
	}
	c.writeOp64(opCRCR, crcr)

	pkg.LogWarn(pkg.ComponentCommand, "command ring aborted",
		"trb", uint64(h),
		"stopEvent", stopped)
	return err
}

// Command sends one command and waits for its completion. Commands are
// serialized: at most one is in flight on the controller.
func (c *Controller) Command(ctx context.Context, parameter uint64, status, control uint32) (CommandResult, error) {
	if !c.IsRunning() {
		return CommandResult{}, pkg.ErrNotRunning
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	h := c.SendCommand(parameter, status, control)
	res, err := c.WaitCommand(ctx, h, c.cfg.CommandTimeout)
	if err != nil {
		pkg.LogWarn(pkg.ComponentCommand, "command failed",
			"type", controlType(control).String(),
			"error", err)
		return res, err
	}
	if res.Code != trb.CodeSuccess {
		err := &CommandError{Type: controlType(control), Code: res.Code}
		pkg.LogDebug(pkg.ComponentCommand, "command completed with error",
			"error", err,
			"slot", res.SlotID)
		return res, err
	}
	return res, nil
}

// EnableSlot requests a device slot and returns its ID.
func (c *Controller) EnableSlot(ctx context.Context) (uint8, error) {
	res, err := c.Command(ctx, 0, 0, trb.Control(trb.TypeEnableSlot, 0))
	if err != nil {
		return 0, err
	}
	if res.SlotID == 0 || int(res.SlotID) > c.maxSlots {
		return 0, fmt.Errorf("enable slot returned slot %d: %w", res.SlotID, pkg.ErrProtocol)
	}
	return res.SlotID, nil
}

// DisableSlot releases slot.
func (c *Controller) DisableSlot(ctx context.Context, slot uint8) error {
	_, err := c.Command(ctx, 0, 0, trb.Control(trb.TypeDisableSlot, uint32(slot)<<cmdSlotShift))
	return err
}

// AddressDevice issues Address Device for slot with the input context at
// input. With bsr set the controller does not send SET_ADDRESS.
func (c *Controller) AddressDevice(ctx context.Context, slot uint8, input hal.PhysAddr, bsr bool) error {
	flags := uint32(slot) << cmdSlotShift
	if bsr {
		flags |= trb.BSR
	}
	_, err := c.Command(ctx, uint64(input), 0, trb.Control(trb.TypeAddressDevice, flags))
	return err
}

// ConfigureEndpoint adds or drops the endpoints flagged in the input
// context. With deconfigure set every endpoint but EP0 is dropped.
func (c *Controller) ConfigureEndpoint(ctx context.Context, slot uint8, input hal.PhysAddr, deconfigure bool) error {
	flags := uint32(slot) << cmdSlotShift
	if deconfigure {
		flags |= trb.Deconfigure
	}
	_, err := c.Command(ctx, uint64(input), 0, trb.Control(trb.TypeConfigureEndpoint, flags))
	return err
}

// EvaluateContext updates the fields of the flagged contexts, used to fix
// up the EP0 max packet size.
func (c *Controller) EvaluateContext(ctx context.Context, slot uint8, input hal.PhysAddr) error {
	_, err := c.Command(ctx, uint64(input), 0,
		trb.Control(trb.TypeEvaluateContext, uint32(slot)<<cmdSlotShift))
	return err
}

// ResetEndpoint moves a halted endpoint to the stopped state.
func (c *Controller) ResetEndpoint(ctx context.Context, slot, dci uint8) error {
	_, err := c.Command(ctx, 0, 0, trb.Control(trb.TypeResetEndpoint,
		uint32(slot)<<cmdSlotShift|uint32(dci)<<cmdEndpointShift))
	return err
}

// StopEndpoint stops a running endpoint.
func (c *Controller) StopEndpoint(ctx context.Context, slot, dci uint8) error {
	_, err := c.Command(ctx, 0, 0, trb.Control(trb.TypeStopEndpoint,
		uint32(slot)<<cmdSlotShift|uint32(dci)<<cmdEndpointShift))
	return err
}

// SetTRDequeuePointer moves the dequeue pointer of a stopped endpoint.
func (c *Controller) SetTRDequeuePointer(ctx context.Context, slot, dci uint8, ptr hal.PhysAddr, cycle bool) error {
	param := uint64(ptr) &^ dequeueSCT
	if cycle {
		param |= 1
	}
	_, err := c.Command(ctx, param, 0, trb.Control(trb.TypeSetTRDequeue,
		uint32(slot)<<cmdSlotShift|uint32(dci)<<cmdEndpointShift))
	return err
}

// NoOp issues a No Op command, exercising the command ring.
func (c *Controller) NoOp(ctx context.Context) error {
	_, err := c.Command(ctx, 0, 0, trb.Control(trb.TypeNoOpCommand, 0))
	return err
}

func controlType(control uint32) trb.Type {
	return trb.TRB{Control: control}.Type()
}
