package blockdev

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/ardnew/softxhci/pkg"
)

// Registry is a set of block devices keyed by name, safe for concurrent
// use. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	order   []string

	onRegister func(*Device)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// SetOnRegister sets a callback run after each successful Register.
func (r *Registry) SetOnRegister(cb func(*Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRegister = cb
}

// Register adds dev under dev.Name.
func (r *Registry) Register(dev *Device) error {
	switch {
	case dev == nil || dev.Name == "":
		return fmt.Errorf("register unnamed device: %w", pkg.ErrInvalidParameter)
	case dev.SectorSize <= 0 || dev.TotalSectors == 0:
		return fmt.Errorf("register %s: geometry %d x %d: %w", dev.Name, dev.TotalSectors, dev.SectorSize, pkg.ErrInvalidParameter)
	case dev.Read == nil:
		return fmt.Errorf("register %s: no read function: %w", dev.Name, pkg.ErrInvalidParameter)
	}

	r.mu.Lock()
	if _, ok := r.devices[dev.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", dev.Name, pkg.ErrExists)
	}
	r.devices[dev.Name] = dev
	r.order = append(r.order, dev.Name)
	cb := r.onRegister
	r.mu.Unlock()

	pkg.LogInfo(pkg.ComponentBlock, "block device registered",
		"name", dev.Name,
		"sectors", dev.TotalSectors,
		"sector_size", dev.SectorSize)
	if cb != nil {
		cb(dev)
	}
	return nil
}

// Unregister removes the device named name and reports whether it was
// present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[name]; !ok {
		return false
	}
	delete(r.devices, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Lookup returns the device named name.
func (r *Registry) Lookup(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[name]
	return dev, ok
}

// Devices returns the registered devices in registration order.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.devices[n])
	}
	return out
}

// Next returns the first name of the form prefix0, prefix1, ... that is
// not registered.
func (r *Registry) Next(prefix string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := 0; ; i++ {
		name := prefix + strconv.Itoa(i)
		if _, ok := r.devices[name]; !ok {
			return name
		}
	}
}
