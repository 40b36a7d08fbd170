//go:build linux

package linux

// =============================================================================
// System Paths
// =============================================================================

// SysfsPCIPath is the base path for PCI functions in sysfs.
const SysfsPCIPath = "/sys/bus/pci/devices"

// SysfsPCIDrivers is the base path for PCI drivers in sysfs.
const SysfsPCIDrivers = "/sys/bus/pci/drivers"

// SysfsPCIProbe asks the PCI core to rebind a function to a driver.
const SysfsPCIProbe = "/sys/bus/pci/drivers_probe"

// DevPath is the directory holding the UIO device nodes.
const DevPath = "/dev"

// PagemapPath exposes the physical frame of each virtual page of this
// process. Frame numbers read as zero without CAP_SYS_ADMIN.
const PagemapPath = "/proc/self/pagemap"

// UIODriver is the generic UIO driver for PCI functions.
const UIODriver = "uio_pci_generic"

// =============================================================================
// Memory
// =============================================================================

// PageSize is the base page size assumed for pagemap lookups.
const PageSize = 4096

// HugePageSize is the size of one DMA arena page. Each huge page is
// physically contiguous, so no allocation may span two of them.
const HugePageSize = 2 << 20

// DefaultArenaPages is the number of huge pages reserved by Open.
const DefaultArenaPages = 8

// pagemap entry layout (Documentation/admin-guide/mm/pagemap.rst).
const (
	pagemapPresent   = 1 << 63
	pagemapSwapped   = 1 << 62
	pagemapFrameMask = 1<<55 - 1
	pagemapEntrySize = 8
)

// =============================================================================
// Interrupts
// =============================================================================

// MaxEpollEvents is the maximum number of events returned per epoll_wait.
const MaxEpollEvents = 8

// uioCountSize is the size of the interrupt count read from a UIO node.
const uioCountSize = 4
