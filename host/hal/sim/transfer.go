package sim

import (
	"errors"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// maxTD bounds the TRBs the model gathers into one TD.
const maxTD = 64

// cursor walks a transfer ring from the consumer side.
type cursor struct {
	addr  hal.PhysAddr
	cycle bool
}

// fetched is one TRB read from a ring along with its address.
type fetched struct {
	addr hal.PhysAddr
	trb  trb.TRB
}

// next returns the TRB at the cursor, following Link TRBs. It returns false
// if the producer has not handed the TRB over.
func (c *Controller) next(cur *cursor) (fetched, bool) {
	for range 2 {
		b, err := c.mem.Translate(cur.addr, trb.Size)
		if err != nil {
			c.usbsts |= usbstsHSE
			return fetched{}, false
		}
		var t trb.TRB
		trb.Parse(b, &t)
		if t.Cycle() != cur.cycle {
			return fetched{}, false
		}
		if t.Type() == trb.TypeLink {
			if t.Control&trb.ToggleCycle != 0 {
				cur.cycle = !cur.cycle
			}
			cur.addr = hal.PhysAddr(t.Parameter &^ 0xF)
			continue
		}
		f := fetched{addr: cur.addr, trb: t}
		cur.addr += trb.Size
		return f, true
	}
	return fetched{}, false
}

// gather reads one complete TD. Control TDs run from a Setup TRB to its
// Status TRB; other TDs run to the first TRB without CH.
func (c *Controller) gather(cur *cursor) ([]fetched, bool) {
	var td []fetched
	for len(td) < maxTD {
		f, ok := c.next(cur)
		if !ok {
			return nil, false
		}
		td = append(td, f)
		switch f.trb.Type() {
		case trb.TypeSetup, trb.TypeData:
			continue
		case trb.TypeStatus:
			return td, true
		}
		if f.trb.Control&trb.Chain == 0 {
			return td, true
		}
	}
	return nil, false
}

// processTransfers runs every complete TD queued on one endpoint.
func (c *Controller) processTransfers(id, dci uint8) {
	s := c.slot(id)
	if s == nil {
		return
	}
	ep := s.endpoint(dci)
	if ep == nil || ep.state == trb.EndpointHalted || ep.state == trb.EndpointDisabled {
		return
	}
	if ep.state == trb.EndpointStopped {
		ep.state = trb.EndpointRunning
	}
	fn := c.function(s.port)

	for {
		cur := cursor{addr: ep.dequeue, cycle: ep.cycle}
		td, ok := c.gather(&cur)
		if !ok {
			break
		}
		if fn == nil {
			c.transferEvent(id, dci, td[len(td)-1].addr, trb.CodeTransaction, 0)
			ep.dequeue, ep.cycle = cur.addr, cur.cycle
			continue
		}

		var done bool
		if td[0].trb.Type() == trb.TypeSetup {
			done = c.control(id, ep, fn, td)
		} else {
			done = c.bulk(id, dci, ep, fn, td)
		}
		if !done {
			break
		}
		if ep.state != trb.EndpointHalted {
			ep.dequeue, ep.cycle = cur.addr, cur.cycle
		}
		if ep.state != trb.EndpointRunning {
			break
		}
	}
	c.syncEndpoint(id, dci, ep)
}

// control runs a Setup, optional Data and Status TD against fn.
func (c *Controller) control(id uint8, ep *endpoint, fn Function, td []fetched) bool {
	setup := hal.SetupPacketFromUint64(td[0].trb.Parameter)
	status := td[len(td)-1]
	var data *fetched
	if len(td) == 3 && td[1].trb.Type() == trb.TypeData {
		data = &td[1]
	}
	if status.trb.Type() != trb.TypeStatus {
		c.transferEvent(id, 1, td[0].addr, trb.CodeTRB, 0)
		return true
	}

	var out []byte
	var buf []byte
	if data != nil {
		n := int(data.trb.Status & 0x1FFFF)
		b, err := c.mem.Translate(hal.PhysAddr(data.trb.Parameter), n)
		if err != nil {
			c.transferEvent(id, 1, data.addr, trb.CodeDataBuffer, uint32(n))
			return true
		}
		buf = b
		if !setup.IsIn() {
			out = b
		}
	}

	in, err := fn.Control(setup, out)
	if errors.Is(err, ErrNAK) {
		return false
	}
	if err != nil {
		at := status.addr
		if data != nil {
			at = data.addr
		}
		code := trb.CodeTransaction
		if errors.Is(err, pkg.ErrStall) {
			code = trb.CodeStall
			ep.state = trb.EndpointHalted
		}
		pkg.LogDebug(pkg.ComponentSim, "control request failed",
			"slot", id,
			"request", setup.Request,
			"error", err)
		c.transferEvent(id, 1, at, code, uint32(len(buf)))
		return true
	}
	if setup.IsIn() && buf != nil {
		n := copy(buf, in)
		if n < len(buf) && data.trb.Control&trb.ISP != 0 {
			c.transferEvent(id, 1, data.addr, trb.CodeShortPacket, uint32(len(buf)-n))
		}
	}
	c.transferEvent(id, 1, status.addr, trb.CodeSuccess, 0)
	return true
}

// bulk runs a chain of Normal TRBs against fn.
func (c *Controller) bulk(id, dci uint8, ep *endpoint, fn Function, td []fetched) bool {
	in := dci%2 == 1
	address := dci / 2
	if in {
		address |= 0x80
	}

	bufs := make([][]byte, len(td))
	total := 0
	for i, f := range td {
		if f.trb.Type() != trb.TypeNormal {
			c.transferEvent(id, dci, f.addr, trb.CodeTRB, 0)
			return true
		}
		n := int(f.trb.Status & 0x1FFFF)
		b, err := c.mem.Translate(hal.PhysAddr(f.trb.Parameter), n)
		if err != nil {
			c.transferEvent(id, dci, f.addr, trb.CodeDataBuffer, uint32(n))
			return true
		}
		bufs[i] = b
		total += n
	}

	var err error
	n := total
	if in {
		flat := make([]byte, total)
		n, err = fn.BulkIn(address, flat)
		if err == nil {
			rest := flat[:min(n, total)]
			for _, b := range bufs {
				copy(b, rest)
				rest = rest[min(len(b), len(rest)):]
			}
		}
	} else {
		flat := make([]byte, 0, total)
		for _, b := range bufs {
			flat = append(flat, b...)
		}
		err = fn.BulkOut(address, flat)
	}

	switch {
	case errors.Is(err, ErrNAK):
		return false
	case errors.Is(err, pkg.ErrStall):
		ep.state = trb.EndpointHalted
		c.transferEvent(id, dci, td[0].addr, trb.CodeStall, uint32(len(bufs[0])))
		return true
	case err != nil:
		ep.state = trb.EndpointHalted
		c.transferEvent(id, dci, td[0].addr, trb.CodeTransaction, uint32(len(bufs[0])))
		return true
	}

	if n >= total {
		c.transferEvent(id, dci, td[len(td)-1].addr, trb.CodeSuccess, 0)
		return true
	}
	// Short packet: report on the TRB the data ran out in.
	for i, b := range bufs {
		if n < len(b) {
			c.transferEvent(id, dci, td[i].addr, trb.CodeShortPacket, uint32(len(b)-n))
			return true
		}
		n -= len(b)
	}
	return true
}

// transferEvent posts a Transfer Event for the TRB at addr.
func (c *Controller) transferEvent(id, dci uint8, addr hal.PhysAddr, code trb.CompletionCode, residual uint32) {
	c.postEvent(trb.TRB{
		Parameter: uint64(addr),
		Status:    uint32(code)<<24 | residual&0xFFFFFF,
		Control:   trb.Control(trb.TypeTransferEvent, uint32(id)<<24|uint32(dci)<<16),
	})
}
