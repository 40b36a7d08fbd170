package sim

import (
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// MemoryBase is the physical address of the first byte of a Memory arena.
const MemoryBase hal.PhysAddr = 0x4000_0000

// Memory is a bump-allocated arena standing in for physical memory. Its
// physical addresses are offsets from MemoryBase, and allocations are
// never freed or moved.
type Memory struct {
	mu   sync.Mutex
	mem  []byte
	next int
}

// NewMemory returns an arena of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{mem: make([]byte, size)}
}

// Alloc returns a zeroed buffer of size bytes aligned to align.
func (m *Memory) Alloc(size, align int) (hal.DMABuffer, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return hal.DMABuffer{}, fmt.Errorf("alloc %d bytes align %d: %w", size, align, pkg.ErrInvalidParameter)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	base := int(MemoryBase)
	start := (base + m.next + align - 1) &^ (align - 1)
	off := start - base
	if off+size > len(m.mem) {
		return hal.DMABuffer{}, fmt.Errorf("alloc %d bytes with %d free: %w", size, len(m.mem)-m.next, pkg.ErrNoMemory)
	}
	m.next = off + size
	buf := m.mem[off : off+size : off+size]
	clear(buf)
	return hal.DMABuffer{Phys: hal.PhysAddr(start), Bytes: buf}, nil
}

// Translate returns the n bytes at pa.
func (m *Memory) Translate(pa hal.PhysAddr, n int) ([]byte, error) {
	if pa < MemoryBase || n < 0 {
		return nil, fmt.Errorf("translate 0x%x: %w", uint64(pa), pkg.ErrInvalidParameter)
	}
	off := int(pa - MemoryBase)
	if off+n > len(m.mem) {
		return nil, fmt.Errorf("translate 0x%x+%d: %w", uint64(pa), n, pkg.ErrInvalidParameter)
	}
	return m.mem[off : off+n : off+n], nil
}

// Used returns the number of bytes allocated, including alignment
// padding.
func (m *Memory) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}
