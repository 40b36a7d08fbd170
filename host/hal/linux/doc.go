//go:build linux

// Package linux provides the hal collaborators for driving a real xHCI
// controller from Linux user space.
//
// The controller's PCI function is bound to uio_pci_generic so the kernel
// xhci_hcd driver lets go of it. From there:
//   - Registers: BAR0 is mapped from sysfs resource0 ([MapBAR])
//   - Memory: an arena of locked huge pages whose physical addresses are
//     read from /proc/self/pagemap ([NewArena])
//   - Interrupts: the UIO node is watched with epoll and each interrupt
//     runs the registered handler ([OpenUIO])
//   - Clock: [hal.MonotonicClock]
//
// [ScanControllers] finds candidate functions by PCI class and [Open]
// bundles the collaborators for one of them.
//
// # Requirements
//
// Root (or CAP_SYS_ADMIN and CAP_SYS_RAWIO), huge pages reserved with
// vm.nr_hugepages, and the uio_pci_generic module loaded. Pagemap frame
// numbers read as zero without privileges, which Open reports as
// pkg.ErrNotSupported.
//
// An IOMMU in translating mode breaks the physical addresses handed to the
// controller; boot with iommu=pt or intel_iommu=off.
package linux
