//go:build linux

package linux

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// UIO Interrupts
// =============================================================================

// UIO delivers the interrupts of one PCI function bound to
// uio_pci_generic. It implements hal.Interrupts: the legacy line is
// whatever the kernel routed, so Redirect only records which vector the
// line maps to, and each interrupt runs that vector's handler on the
// poller goroutine.
type UIO struct {
	fd     int
	poller *poller

	mu       sync.Mutex
	lines    map[uint8]uint8 // line -> vector
	handlers map[uint8]func()
	vector   uint8 // vector of the UIO line
	routed   bool
	count    uint32 // last interrupt count
	started  bool
}

// OpenUIO opens the UIO node ("uio0") under DevPath.
func OpenUIO(node string) (*UIO, error) {
	path := filepath.Join(DevPath, node)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	u, err := newUIO(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return u, nil
}

func newUIO(fd int) (*UIO, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	u := &UIO{
		fd:       fd,
		poller:   p,
		lines:    make(map[uint8]uint8),
		handlers: make(map[uint8]func()),
	}
	if err := p.add(fd, u.service); err != nil {
		p.close()
		return nil, err
	}
	return u, nil
}

// Redirect records that line is delivered on vector. The first line
// redirected becomes the line of the UIO node.
func (u *UIO) Redirect(line uint8, vector uint8) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if v, ok := u.lines[line]; ok && v != vector {
		return fmt.Errorf("line %d already on vector 0x%x: %w", line, v, pkg.ErrBusy)
	}
	u.lines[line] = vector
	if !u.routed {
		u.vector = vector
		u.routed = true
	}
	pkg.LogDebug(pkg.ComponentHAL, "redirected IRQ", "line", line, "vector", vector)
	return nil
}

// Register installs handler for vector and unmasks the UIO line once the
// routed vector has a handler.
func (u *UIO) Register(vector uint8, handler func()) error {
	if handler == nil {
		return fmt.Errorf("vector 0x%x: %w", vector, pkg.ErrInvalidParameter)
	}

	u.mu.Lock()
	if _, ok := u.handlers[vector]; ok {
		u.mu.Unlock()
		return fmt.Errorf("vector 0x%x: %w", vector, pkg.ErrBusy)
	}
	u.handlers[vector] = handler
	start := !u.started && u.routed && u.vector == vector
	if start {
		u.started = true
	}
	u.mu.Unlock()

	if start {
		if err := u.unmask(); err != nil {
			return err
		}
		u.poller.start()
	}
	return nil
}

// Count returns the interrupt count last read from the node.
func (u *UIO) Count() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count
}

// service consumes one interrupt, runs the handler and unmasks the line.
func (u *UIO) service(fd int) {
	var buf [uioCountSize]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil || n != len(buf) {
		if err != unix.EAGAIN && err != unix.EINTR {
			pkg.LogWarn(pkg.ComponentHAL, "UIO read failed", "error", err, "n", n)
		}
		return
	}

	u.mu.Lock()
	u.count = binary.NativeEndian.Uint32(buf[:])
	handler := u.handlers[u.vector]
	u.mu.Unlock()

	if handler != nil {
		handler()
	}
	if err := u.unmask(); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "UIO unmask failed", "error", err)
	}
}

// unmask re-enables the interrupt; uio_pci_generic masks INTx after every
// delivery.
func (u *UIO) unmask() error {
	var buf [uioCountSize]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(u.fd, buf[:]); err != nil {
		return fmt.Errorf("unmask UIO: %w", err)
	}
	return nil
}

// Close stops delivery and closes the node.
func (u *UIO) Close() error {
	u.poller.remove(u.fd)
	u.poller.close()
	return unix.Close(u.fd)
}
