//go:build linux

package linux

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// DMA Arena
// =============================================================================

// page is one physically contiguous span of the arena.
type page struct {
	phys hal.PhysAddr
	mem  []byte
}

// Arena is a bump allocator over locked huge pages. It implements
// hal.Memory. Allocations never span two pages and are never freed.
type Arena struct {
	mu      sync.Mutex
	pages   []page
	cur     int // index of the page being carved
	next    int // offset of the next free byte in pages[cur]
	mapping []byte
}

// NewArena maps and locks n huge pages and resolves their physical
// addresses through PagemapPath.
func NewArena(n int) (*Arena, error) {
	if n <= 0 {
		return nil, fmt.Errorf("arena of %d pages: %w", n, pkg.ErrInvalidParameter)
	}

	mem, err := unix.Mmap(-1, 0, n*HugePageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("map %d huge pages: %w", n, err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("lock DMA arena: %w", err)
	}

	fd, err := unix.Open(PagemapPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("open %s: %w", PagemapPath, err)
	}
	defer unix.Close(fd)

	pages := make([]page, n)
	for i := range pages {
		chunk := mem[i*HugePageSize : (i+1)*HugePageSize : (i+1)*HugePageSize]
		pa, err := translate(fd, virtualAddress(chunk))
		if err != nil {
			unix.Munmap(mem)
			return nil, err
		}
		pages[i] = page{phys: pa, mem: chunk}
	}

	a := newArena(pages)
	a.mapping = mem
	pkg.LogInfo(pkg.ComponentHAL, "DMA arena ready",
		"pages", n, "bytes", len(mem), "phys", fmt.Sprintf("0x%x", uint64(pages[0].phys)))
	return a, nil
}

func newArena(pages []page) *Arena {
	return &Arena{pages: pages}
}

// Alloc returns a zeroed buffer of size bytes aligned to align.
func (a *Arena) Alloc(size, align int) (hal.DMABuffer, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return hal.DMABuffer{}, fmt.Errorf("alloc %d bytes align %d: %w", size, align, pkg.ErrInvalidParameter)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for ; a.cur < len(a.pages); a.cur, a.next = a.cur+1, 0 {
		p := a.pages[a.cur]
		if size > len(p.mem) {
			break
		}
		start := int(alignUp(uint64(p.phys)+uint64(a.next), uint64(align)) - uint64(p.phys))
		if start+size <= len(p.mem) {
			a.next = start + size
			buf := p.mem[start : start+size : start+size]
			clear(buf)
			return hal.DMABuffer{Phys: p.phys + hal.PhysAddr(start), Bytes: buf}, nil
		}
	}
	return hal.DMABuffer{}, fmt.Errorf("alloc %d bytes: %w", size, pkg.ErrNoMemory)
}

// Translate returns the n bytes at pa, which must lie in one page.
func (a *Arena) Translate(pa hal.PhysAddr, n int) ([]byte, error) {
	for _, p := range a.pages {
		if pa < p.phys || n < 0 {
			continue
		}
		off := int(pa - p.phys)
		if off+n <= len(p.mem) {
			return p.mem[off : off+n : off+n], nil
		}
	}
	return nil, fmt.Errorf("translate 0x%x+%d: %w", uint64(pa), n, pkg.ErrInvalidParameter)
}

// Close releases the arena. Buffers handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages = nil
	if a.mapping == nil {
		return nil
	}
	err := unix.Munmap(a.mapping)
	a.mapping = nil
	return err
}

// =============================================================================
// Pagemap
// =============================================================================

// translate resolves the physical address of virtual address va.
func translate(pagemap int, va uintptr) (hal.PhysAddr, error) {
	var entry [pagemapEntrySize]byte
	off := int64(va/PageSize) * pagemapEntrySize
	n, err := unix.Pread(pagemap, entry[:], off)
	if err != nil {
		return 0, fmt.Errorf("read pagemap at 0x%x: %w", va, err)
	}
	if n != len(entry) {
		return 0, fmt.Errorf("read pagemap at 0x%x: short read", va)
	}
	frame, ok := pagemapFrame(binary.LittleEndian.Uint64(entry[:]))
	if !ok {
		return 0, fmt.Errorf("page 0x%x not resident: %w", va, pkg.ErrNoMemory)
	}
	if frame == 0 {
		// Unprivileged readers see zeroed frame numbers.
		return 0, fmt.Errorf("page 0x%x has no visible frame: %w", va, pkg.ErrNotSupported)
	}
	return hal.PhysAddr(frame*PageSize + uint64(va%PageSize)), nil
}

// pagemapFrame decodes a pagemap entry into a page frame number.
func pagemapFrame(entry uint64) (uint64, bool) {
	if entry&pagemapPresent == 0 || entry&pagemapSwapped != 0 {
		return 0, false
	}
	return entry & pagemapFrameMask, true
}

func virtualAddress(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
