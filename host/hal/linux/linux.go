//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Host Collaborators
// =============================================================================

// Options configures Open.
type Options struct {
	// Pages is the number of huge pages in the DMA arena
	// (DefaultArenaPages if zero).
	Pages int

	// Bind rebinds the function to uio_pci_generic if another driver
	// owns it.
	Bind bool
}

// Host bundles the hal collaborators of one controller.
type Host struct {
	Function   Function
	Registers  *MMIO
	Memory     *Arena
	Interrupts *UIO
	Clock      *hal.MonotonicClock

	closeOnce sync.Once
}

// Open prepares fn for a host.Controller: it maps BAR0, reserves the DMA
// arena and opens the UIO node, waiting for the node to appear if the
// function was just bound.
func Open(ctx context.Context, fn Function, opts Options) (*Host, error) {
	if fn.BAR[0] == 0 || fn.BARSize[0] == 0 {
		return nil, fmt.Errorf("%s has no BAR0: %w", fn.Address, pkg.ErrNoDevice)
	}
	if opts.Pages == 0 {
		opts.Pages = DefaultArenaPages
	}
	if opts.Bind {
		if err := BindUIO(&fn); err != nil {
			return nil, err
		}
	}

	node, err := uioNode(fn.Path)
	if err != nil && opts.Bind {
		// The uio directory appears with the node.
		if err = WaitForNode(ctx, filepath.Join(fn.Path, "uio")); err == nil {
			node, err = uioNode(fn.Path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s not bound to %s: %w", fn.Address, UIODriver, err)
	}
	if err := WaitForNode(ctx, filepath.Join(DevPath, node)); err != nil {
		return nil, err
	}

	h := &Host{Function: fn, Clock: hal.NewMonotonicClock()}
	if h.Registers, err = MapBAR(fn.ResourcePath(0), int(fn.BARSize[0])); err != nil {
		return nil, err
	}
	if h.Memory, err = NewArena(opts.Pages); err != nil {
		h.Close()
		return nil, err
	}
	if h.Interrupts, err = OpenUIO(node); err != nil {
		h.Close()
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentHAL, "controller opened",
		"address", fn.Address, "node", node, "irq", fn.InterruptLine,
		"bar0", fmt.Sprintf("0x%x", fn.BAR[0]), "size", fn.BARSize[0])
	return h, nil
}

// Close releases everything Open acquired.
func (h *Host) Close() error {
	var errs []error
	h.closeOnce.Do(func() {
		if h.Interrupts != nil {
			errs = append(errs, h.Interrupts.Close())
		}
		if h.Memory != nil {
			errs = append(errs, h.Memory.Close())
		}
		if h.Registers != nil {
			errs = append(errs, h.Registers.Close())
		}
	})
	return errors.Join(errs...)
}
