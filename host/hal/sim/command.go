package sim

import (
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// slot is the model's state for one enabled device slot.
type slot struct {
	port      int
	address   uint8
	state     trb.SlotState
	endpoints [trb.MaxDCI + 1]*endpoint
}

// endpoint is the model's state for one endpoint context.
type endpoint struct {
	typ     trb.EndpointType
	state   trb.EndpointState
	mps     uint16
	dequeue hal.PhysAddr
	cycle   bool
}

// doorbell dispatches a doorbell write.
func (c *Controller) doorbell(slotID, target uint8) {
	if !c.running() {
		return
	}
	if slotID == 0 {
		if target == 0 {
			c.cmdStopped = false
			c.processCommands()
		}
		return
	}
	c.processTransfers(slotID, target)
}

// processCommands executes every command the producer has handed over.
func (c *Controller) processCommands() {
	for {
		b, err := c.mem.Translate(c.cmdDeque, trb.Size)
		if err != nil {
			c.usbsts |= usbstsHSE
			return
		}
		var t trb.TRB
		trb.Parse(b, &t)
		if t.Cycle() != c.cmdCycle {
			return
		}

		if t.Type() == trb.TypeLink {
			if t.Control&trb.ToggleCycle != 0 {
				c.cmdCycle = !c.cmdCycle
			}
			c.cmdDeque = hal.PhysAddr(t.Parameter &^ 0xF)
			continue
		}

		addr := c.cmdDeque
		c.cmdDeque += trb.Size
		code, slotID := c.execute(t)
		if c.dropCommands {
			continue
		}
		c.postEvent(trb.TRB{
			Parameter: uint64(addr),
			Status:    uint32(code) << 24,
			Control:   trb.Control(trb.TypeCommandCompletion, uint32(slotID)<<24),
		})
	}
}

// stopCommands stops the command ring. Commands execute synchronously on
// the doorbell, so none is ever in progress: the stop only reports where
// the ring halted.
func (c *Controller) stopCommands() {
	c.cmdStopped = true
	c.postEvent(trb.TRB{
		Parameter: uint64(c.cmdDeque),
		Status:    uint32(trb.CodeCommandRingStopped) << 24,
		Control:   trb.Control(trb.TypeCommandCompletion, 0),
	})
}

// execute runs one command and returns its completion code and slot ID.
func (c *Controller) execute(t trb.TRB) (trb.CompletionCode, uint8) {
	id := t.SlotID()
	dci := t.EndpointID()
	pkg.LogDebug(pkg.ComponentSim, "command", "type", t.Type().String(), "slot", id)

	switch t.Type() {
	case trb.TypeNoOpCommand:
		return trb.CodeSuccess, 0

	case trb.TypeEnableSlot:
		for i := 1; i < len(c.slots); i++ {
			if c.slots[i] == nil {
				c.slots[i] = &slot{state: trb.SlotDefault}
				return trb.CodeSuccess, uint8(i)
			}
		}
		return trb.CodeNoSlotsAvailable, 0
	}

	s := c.slot(id)
	if s == nil {
		return trb.CodeSlotNotEnabled, id
	}

	switch t.Type() {
	case trb.TypeDisableSlot:
		c.slots[id] = nil
		if out, ok := c.outputContext(id); ok {
			clear(out.Slot()[:16])
		}
		return trb.CodeSuccess, id

	case trb.TypeAddressDevice:
		return c.addressDevice(id, s, hal.PhysAddr(t.Parameter), t.Control&trb.BSR != 0), id

	case trb.TypeConfigureEndpoint:
		return c.configureEndpoint(id, s, hal.PhysAddr(t.Parameter), t.Control&trb.Deconfigure != 0), id

	case trb.TypeEvaluateContext:
		return c.evaluateContext(id, s, hal.PhysAddr(t.Parameter)), id

	case trb.TypeResetEndpoint:
		ep := s.endpoint(dci)
		if ep == nil {
			return trb.CodeEndpointNotEnabled, id
		}
		if ep.state != trb.EndpointHalted {
			return trb.CodeContextState, id
		}
		ep.state = trb.EndpointStopped
		c.syncEndpoint(id, dci, ep)
		return trb.CodeSuccess, id

	case trb.TypeStopEndpoint:
		ep := s.endpoint(dci)
		if ep == nil {
			return trb.CodeEndpointNotEnabled, id
		}
		if ep.state != trb.EndpointRunning {
			return trb.CodeContextState, id
		}
		ep.state = trb.EndpointStopped
		c.syncEndpoint(id, dci, ep)
		return trb.CodeSuccess, id

	case trb.TypeSetTRDequeue:
		ep := s.endpoint(dci)
		if ep == nil {
			return trb.CodeEndpointNotEnabled, id
		}
		if ep.state != trb.EndpointStopped && ep.state != trb.EndpointError {
			return trb.CodeContextState, id
		}
		ep.dequeue = hal.PhysAddr(t.Parameter &^ 0xF)
		ep.cycle = t.Parameter&1 != 0
		c.syncEndpoint(id, dci, ep)
		return trb.CodeSuccess, id
	}
	return trb.CodeTRB, id
}

func (c *Controller) slot(id uint8) *slot {
	if id == 0 || int(id) >= len(c.slots) {
		return nil
	}
	return c.slots[id]
}

func (s *slot) endpoint(dci uint8) *endpoint {
	if dci < 1 || dci > trb.MaxDCI {
		return nil
	}
	return s.endpoints[dci]
}

// outputContext returns the device context the DCBAA holds for id.
func (c *Controller) outputContext(id uint8) (trb.DeviceContext, bool) {
	pa, ok := c.readUint64(hal.PhysAddr(c.dcbaap) + hal.PhysAddr(id)*8)
	if !ok || pa == 0 {
		return trb.DeviceContext{}, false
	}
	b, err := c.mem.Translate(hal.PhysAddr(pa), trb.DeviceContextEntries*c.cfg.ContextSize)
	if err != nil {
		return trb.DeviceContext{}, false
	}
	return trb.NewDeviceContext(b, c.cfg.ContextSize), true
}

// inputContext returns the input context at pa.
func (c *Controller) inputContext(pa hal.PhysAddr) (trb.InputContext, bool) {
	b, err := c.mem.Translate(pa, trb.InputContextEntries*c.cfg.ContextSize)
	if err != nil {
		return trb.InputContext{}, false
	}
	return trb.NewInputContext(b, c.cfg.ContextSize), true
}

func (c *Controller) addressDevice(id uint8, s *slot, input hal.PhysAddr, bsr bool) trb.CompletionCode {
	ic, ok := c.inputContext(input)
	if !ok {
		return trb.CodeParameter
	}
	out, ok := c.outputContext(id)
	if !ok {
		return trb.CodeParameter
	}
	if _, add := ic.Flags(); add&0x3 != 0x3 {
		return trb.CodeParameter
	}

	var sc trb.SlotContext
	var ec trb.EndpointContext
	trb.ParseSlotContext(ic.Slot(), &sc)
	trb.ParseEndpointContext(ic.Endpoint(1), &ec)
	if ec.Type != trb.EndpointControl || ec.MaxPacketSize == 0 {
		return trb.CodeParameter
	}

	fn := c.function(int(sc.RootPort))
	if fn == nil {
		return trb.CodeTransaction
	}
	s.port = int(sc.RootPort)

	if !bsr {
		s.address = c.nextAddress
		c.nextAddress++
		setup := hal.SetupPacket{Request: 0x05, Value: uint16(s.address)}
		if _, err := fn.Control(setup, nil); err != nil {
			return trb.CodeTransaction
		}
		s.state = trb.SlotAddressed
	}

	s.endpoints[1] = &endpoint{
		typ:     trb.EndpointControl,
		state:   trb.EndpointRunning,
		mps:     ec.MaxPacketSize,
		dequeue: ec.Dequeue,
		cycle:   ec.DequeueCycle,
	}

	sc.Address = s.address
	sc.State = s.state
	sc.MarshalTo(out.Slot())
	ec.State = trb.EndpointRunning
	ec.MarshalTo(out.Endpoint(1))
	return trb.CodeSuccess
}

func (c *Controller) configureEndpoint(id uint8, s *slot, input hal.PhysAddr, deconfigure bool) trb.CompletionCode {
	if s.state != trb.SlotAddressed && s.state != trb.SlotConfigured {
		return trb.CodeContextState
	}
	out, ok := c.outputContext(id)
	if !ok {
		return trb.CodeParameter
	}

	if deconfigure {
		for dci := uint8(2); dci <= trb.MaxDCI; dci++ {
			s.endpoints[dci] = nil
			clear(out.Endpoint(dci))
		}
		s.state = trb.SlotAddressed
		c.syncSlot(out, s, 1)
		return trb.CodeSuccess
	}

	ic, ok := c.inputContext(input)
	if !ok {
		return trb.CodeParameter
	}
	drop, add := ic.Flags()
	var sc trb.SlotContext
	trb.ParseSlotContext(ic.Slot(), &sc)

	for dci := uint8(2); dci <= trb.MaxDCI; dci++ {
		if drop&(1<<dci) != 0 {
			s.endpoints[dci] = nil
			clear(out.Endpoint(dci))
		}
		if add&(1<<dci) == 0 {
			continue
		}
		var ec trb.EndpointContext
		trb.ParseEndpointContext(ic.Endpoint(dci), &ec)
		if ec.Type == trb.EndpointNotValid || ec.MaxPacketSize == 0 || ec.Dequeue == 0 {
			return trb.CodeParameter
		}
		s.endpoints[dci] = &endpoint{
			typ:     ec.Type,
			state:   trb.EndpointRunning,
			mps:     ec.MaxPacketSize,
			dequeue: ec.Dequeue,
			cycle:   ec.DequeueCycle,
		}
		ec.State = trb.EndpointRunning
		ec.MarshalTo(out.Endpoint(dci))
	}

	s.state = trb.SlotConfigured
	c.syncSlot(out, s, sc.Entries)
	return trb.CodeSuccess
}

func (c *Controller) evaluateContext(id uint8, s *slot, input hal.PhysAddr) trb.CompletionCode {
	ic, ok := c.inputContext(input)
	if !ok {
		return trb.CodeParameter
	}
	if _, ok := c.outputContext(id); !ok {
		return trb.CodeParameter
	}
	_, add := ic.Flags()
	if add&(1<<1) != 0 {
		ep0 := s.endpoints[1]
		if ep0 == nil {
			return trb.CodeContextState
		}
		var ec trb.EndpointContext
		trb.ParseEndpointContext(ic.Endpoint(1), &ec)
		ep0.mps = ec.MaxPacketSize
		c.syncEndpoint(id, 1, ep0)
	}
	return trb.CodeSuccess
}

// syncSlot rewrites the output slot context.
func (c *Controller) syncSlot(out trb.DeviceContext, s *slot, entries uint8) {
	var sc trb.SlotContext
	trb.ParseSlotContext(out.Slot(), &sc)
	if entries != 0 {
		sc.Entries = entries
	}
	sc.Address = s.address
	sc.State = s.state
	sc.MarshalTo(out.Slot())
}

// syncEndpoint rewrites the output endpoint context for dci.
func (c *Controller) syncEndpoint(id, dci uint8, ep *endpoint) {
	out, ok := c.outputContext(id)
	if !ok {
		return
	}
	b := out.Endpoint(dci)
	var ec trb.EndpointContext
	trb.ParseEndpointContext(b, &ec)
	ec.State = ep.state
	ec.MaxPacketSize = ep.mps
	ec.Dequeue = ep.dequeue
	ec.DequeueCycle = ep.cycle
	ec.MarshalTo(b)
}

// SlotState returns the model's state of slot id, for tests.
func (c *Controller) SlotState(id uint8) (trb.SlotState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(id)
	if s == nil {
		return trb.SlotDisabled, false
	}
	return s.state, true
}

// EndpointState returns the model's state of an endpoint, for tests.
func (c *Controller) EndpointState(id, dci uint8) trb.EndpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(id)
	if s == nil || s.endpoint(dci) == nil {
		return trb.EndpointDisabled
	}
	return s.endpoint(dci).state
}

// DCBAA returns entry i of the device context base address array.
func (c *Controller) DCBAA(i int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _ := c.readUint64(hal.PhysAddr(c.dcbaap) + hal.PhysAddr(i)*8)
	return v
}
