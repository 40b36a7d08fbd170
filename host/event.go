package host

import (
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// HandleInterrupt is the controller's interrupt handler. It drains the
// event ring and acknowledges the interrupt.
func (c *Controller) HandleInterrupt() {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	c.stats.Interrupts++
	c.drainLocked(true)
}

// ProcessEvents drains the event ring without waiting for an interrupt,
// for callers that poll. It returns the number of events consumed.
func (c *Controller) ProcessEvents() int {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.events == nil {
		return 0
	}
	return c.drainLocked(false)
}

// drainLocked consumes events strictly in ring order until it finds one
// the controller has not produced yet. evMu must be held.
func (c *Controller) drainLocked(ack bool) int {
	n := 0
	for {
		ev, ok := c.events.Next()
		if !ok {
			break
		}
		n++
		c.stats.Events++
		c.dispatchLocked(ev)
	}

	if n > 0 {
		c.writeIR64(irERDP, uint64(c.events.DequeuePointer())|erdpEHB)
	}
	if ack || n > 0 {
		c.writeOp32(opUSBSts, stsEINT)
		c.writeIR32(irIMAN, imanIP|imanIE)
	}
	return n
}

func (c *Controller) dispatchLocked(ev trb.TRB) {
	switch ev.Type() {
	case trb.TypeCommandCompletion:
		c.completeCommandLocked(ev)

	case trb.TypePortStatusChange:
		port := int(ev.PortID())
		if port < 1 || port >= len(c.portDirty) {
			pkg.LogWarn(pkg.ComponentEvent, "port status change for unknown port",
				"port", port)
			return
		}
		c.portDirty[port] = true
		pkg.LogDebug(pkg.ComponentEvent, "port status change", "port", port)

	case trb.TypeTransferEvent:
		c.completeTransferLocked(ev)

	case trb.TypeHostController:
		pkg.LogError(pkg.ComponentEvent, "host controller event",
			"code", ev.CompletionCode().String())

	default:
		pkg.LogDebug(pkg.ComponentEvent, "ignored event",
			"type", ev.Type().String())
	}
}

// completeCommandLocked copies a command completion into the waiting area
// if it answers the outstanding command. A Command Ring Stopped event
// answers an abort and consumes no TRB.
func (c *Controller) completeCommandLocked(ev trb.TRB) {
	if ev.CompletionCode() == trb.CodeCommandRingStopped {
		c.cmdStopped = true
		pkg.LogDebug(pkg.ComponentEvent, "command ring stopped",
			"trb", ev.Parameter)
		return
	}
	c.cmdRing.Retire(1)

	h := CommandHandle(ev.Parameter)
	if !c.cmdWaiting || h != c.cmdHandle {
		c.stats.DroppedEvents++
		pkg.LogWarn(pkg.ComponentEvent, "unexpected command completion",
			"trb", uint64(h),
			"code", ev.CompletionCode().String())
		return
	}

	c.cmdResult = CommandResult{
		Code:      ev.CompletionCode(),
		SlotID:    ev.SlotID(),
		Parameter: ev.TransferLength(),
	}
	c.cmdDone = true
	c.cmdWaiting = false
	pkg.LogDebug(pkg.ComponentEvent, "command completion",
		"trb", uint64(h),
		"code", c.cmdResult.Code.String(),
		"slot", c.cmdResult.SlotID)
}

// completeTransferLocked matches a transfer event against the one pending
// record of its endpoint. The record matches only if one of its TRB
// addresses equals the event's TRB pointer; anything else is logged and
// dropped.
func (c *Controller) completeTransferLocked(ev trb.TRB) {
	slot, dci := int(ev.SlotID()), int(ev.EndpointID())
	handle := TransferHandle(ev.Parameter)

	var ep *endpoint
	if slot > 0 && slot < len(c.devices) && c.devices[slot] != nil {
		ep = c.devices[slot].endpointLocked(dci)
	}
	i := -1
	if ep != nil {
		i = ep.pending.match(handle)
	}
	if i < 0 {
		c.stats.DroppedEvents++
		pkg.LogWarn(pkg.ComponentEvent, "transfer event matches no pending transfer",
			"slot", slot,
			"dci", dci,
			"trb", uint64(handle),
			"code", ev.CompletionCode().String())
		return
	}

	if ep.pending.complete(i, ev.CompletionCode(), ev.TransferLength()) {
		ep.ring.Retire(ep.pending.trbs)
	}
	pkg.LogDebug(pkg.ComponentEvent, "transfer event",
		"slot", slot,
		"dci", dci,
		"code", ev.CompletionCode().String(),
		"residual", ev.TransferLength())
}
