package sim

import (
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/pkg"
)

// Interrupts is an interrupt layer with an IOAPIC-style redirection
// table. Raising a line calls the handler registered for the vector the
// line is redirected to, on the raising goroutine.
type Interrupts struct {
	mu        sync.Mutex
	redirects map[uint8]uint8
	handlers  map[uint8]func()
	raised    uint64
}

// NewInterrupts returns an empty interrupt layer.
func NewInterrupts() *Interrupts {
	return &Interrupts{
		redirects: make(map[uint8]uint8),
		handlers:  make(map[uint8]func()),
	}
}

// Redirect routes line to vector.
func (i *Interrupts) Redirect(line, vector uint8) error {
	if vector < 0x20 {
		return fmt.Errorf("vector 0x%x is reserved: %w", vector, pkg.ErrInvalidParameter)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.redirects[line] = vector
	return nil
}

// Register installs handler for vector.
func (i *Interrupts) Register(vector uint8, handler func()) error {
	if handler == nil {
		return fmt.Errorf("nil handler: %w", pkg.ErrInvalidParameter)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.handlers[vector]; ok {
		return fmt.Errorf("vector 0x%x: %w", vector, pkg.ErrBusy)
	}
	i.handlers[vector] = handler
	return nil
}

// Raise delivers an interrupt on line. It returns false if the line is
// not redirected or no handler is registered.
func (i *Interrupts) Raise(line uint8) bool {
	i.mu.Lock()
	vector, ok := i.redirects[line]
	h := i.handlers[vector]
	if ok && h != nil {
		i.raised++
	}
	i.mu.Unlock()

	if !ok || h == nil {
		return false
	}
	h()
	return true
}

// Raised returns the number of interrupts delivered.
func (i *Interrupts) Raised() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.raised
}
