//go:build linux

package linux

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softxhci/pkg"
)

// MMIO is a register window mapped from a sysfs resource file. It
// implements hal.Registers.
type MMIO struct {
	mem []byte
}

// MapBAR maps size bytes of the resource file at path. A size of 0 maps
// the whole file.
func MapBAR(path string, size int) (*MMIO, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	if size == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		size = int(st.Size)
	}
	if size <= 0 {
		return nil, fmt.Errorf("map %s: %w", path, pkg.ErrInvalidParameter)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	pkg.LogDebug(pkg.ComponentHAL, "mapped BAR", "path", path, "size", size)
	return &MMIO{mem: mem}, nil
}

// newMMIO wraps an existing mapping.
func newMMIO(mem []byte) *MMIO {
	return &MMIO{mem: mem}
}

// Len returns the size of the window in bytes.
func (m *MMIO) Len() int {
	return len(m.mem)
}

func (m *MMIO) word(offset uint32) *uint32 {
	if int(offset)+4 > len(m.mem) || offset&3 != 0 {
		panic(fmt.Sprintf("mmio: bad 32-bit access at 0x%x", offset))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[offset]))
}

// Read32 reads the register at offset.
func (m *MMIO) Read32(offset uint32) uint32 {
	return atomic.LoadUint32(m.word(offset))
}

// Write32 writes the register at offset.
func (m *MMIO) Write32(offset uint32, value uint32) {
	atomic.StoreUint32(m.word(offset), value)
}

// Read64 reads a 64-bit register as two dword accesses, low first.
func (m *MMIO) Read64(offset uint32) uint64 {
	lo := m.Read32(offset)
	hi := m.Read32(offset + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// Write64 writes a 64-bit register as two dword accesses, low first.
func (m *MMIO) Write64(offset uint32, value uint64) {
	m.Write32(offset, uint32(value))
	m.Write32(offset+4, uint32(value>>32))
}

// Close unmaps the window.
func (m *MMIO) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
