package sim

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// PORTSC bits.
const (
	portCCS        = 1 << 0
	portPED        = 1 << 1
	portPR         = 1 << 4
	portPP         = 1 << 9
	portSpeedShift = 10
	portSpeedMask  = 0xF << portSpeedShift
	portCSC        = 1 << 17
	portPEC        = 1 << 18
	portPRC        = 1 << 21
	portChange     = 0x7F << 17
)

// port is one root hub port.
type port struct {
	portsc uint32
	fn     Function
	hang   bool // never complete a port reset
}

// Attach connects fn to port n (1-based) and posts a Port Status Change
// Event. A SuperSpeed function's link trains on connect, so its port is
// enabled without a reset.
func (c *Controller) Attach(n int, fn Function) error {
	c.mu.Lock()
	if n < 1 || n > c.cfg.MaxPorts {
		c.mu.Unlock()
		return fmt.Errorf("port %d: %w", n, pkg.ErrInvalidParameter)
	}
	p := &c.ports[n]
	if p.fn != nil {
		c.mu.Unlock()
		return fmt.Errorf("port %d: %w", n, pkg.ErrBusy)
	}
	p.fn = fn
	p.portsc = p.portsc&^portSpeedMask | portCCS | portCSC | uint32(fn.Speed())<<portSpeedShift
	if fn.Speed() == hal.SpeedSuper {
		p.portsc |= portPED
	}
	c.portChanged(n)
	c.flush()
	return nil
}

// Detach disconnects whatever is attached to port n.
func (c *Controller) Detach(n int) {
	c.mu.Lock()
	if n >= 1 && n <= c.cfg.MaxPorts && c.ports[n].fn != nil {
		p := &c.ports[n]
		p.fn = nil
		p.portsc = p.portsc&^(portCCS|portPED|portSpeedMask) | portCSC
		c.portChanged(n)
	}
	c.flush()
}

// SetPortResetHang makes port resets on port n never complete.
func (c *Controller) SetPortResetHang(n int, hang bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= 1 && n <= c.cfg.MaxPorts {
		c.ports[n].hang = hang
	}
}

// portChanged posts a Port Status Change Event for port n.
func (c *Controller) portChanged(n int) {
	c.usbsts |= usbstsPCD
	if !c.running() {
		return
	}
	c.postEvent(trb.TRB{
		Parameter: uint64(n) << 24,
		Status:    uint32(trb.CodeSuccess) << 24,
		Control:   trb.Control(trb.TypePortStatusChange, 0),
	})
}

func (c *Controller) writePort(n int, v uint32) {
	p := &c.ports[n]
	p.portsc &^= v & portChange
	if v&portPED != 0 {
		p.portsc &^= portPED
	}
	p.portsc = p.portsc&^portPP | v&portPP

	if v&portPR == 0 || p.fn == nil || p.hang {
		if v&portPR != 0 && p.fn != nil {
			p.portsc |= portPR
		}
		return
	}
	p.portsc = p.portsc&^portPR | portPED | portPRC
	pkg.LogDebug(pkg.ComponentSim, "port reset", "port", n)
	c.portChanged(n)
}

// function returns the function attached to port n, or nil.
func (c *Controller) function(n int) Function {
	if n < 1 || n > c.cfg.MaxPorts {
		return nil
	}
	p := &c.ports[n]
	if p.portsc&portPED == 0 {
		return nil
	}
	return p.fn
}
