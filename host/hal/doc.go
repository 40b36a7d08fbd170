// Package hal defines the collaborators the xHCI driver consumes from the
// rest of the system.
//
// The driver owns all protocol logic. Everything it needs from the
// platform is expressed as a small interface:
//   - [Registers]: the controller's memory-mapped BAR0 window
//   - [Memory]: DMA-safe, physically contiguous, never relocated allocations
//     and physical-to-virtual translation
//   - [Interrupts]: IOAPIC redirection and handler registration
//   - [Clock]: the monotonic tick counter used for every timeout
//
// [PCIDevice] carries the function record produced by PCI enumeration.
//
// A software controller model implementing these interfaces lives in
// [github.com/ardnew/softxhci/host/hal/sim]; a hosted Linux backend using
// sysfs, UIO and hugepages lives in [github.com/ardnew/softxhci/host/hal/linux].
package hal
