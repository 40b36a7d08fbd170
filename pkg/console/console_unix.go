//go:build unix

package console

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/ardnew/softxhci/pkg"
)

type rawState struct {
	fd       int
	old      *term.State
	nonblock bool
}

// Open puts f into raw, non-blocking mode. f must be a terminal.
func Open(f *os.File) (*Console, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%s: not a terminal: %w", f.Name(), pkg.ErrNotSupported)
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%s: raw mode: %w", f.Name(), err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = term.Restore(fd, old)
		return nil, fmt.Errorf("%s: non-blocking: %w", f.Name(), err)
	}

	c := newConsole(func(p []byte) (int, error) {
		n, err := unix.Read(fd, p)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return n, err
	})
	c.raw = rawState{fd: fd, old: old, nonblock: true}
	return c, nil
}

// Close restores the terminal to the mode it was in before Open.
func (c *Console) Close() error {
	var errs []error
	if c.raw.nonblock {
		errs = append(errs, unix.SetNonblock(c.raw.fd, false))
		c.raw.nonblock = false
	}
	if c.raw.old != nil {
		errs = append(errs, term.Restore(c.raw.fd, c.raw.old))
		c.raw.old = nil
	}
	return errors.Join(errs...)
}
