//go:build linux

// Package hwids looks up vendor and device names in the usb.ids and
// pci.ids databases shipped with most Linux distributions.
//
// Both files share one format: a vendor line "vvvv  Name" followed by
// tab-indented device lines "\tdddd  Name". Class sections and subsystem
// lines are skipped.
//
//	pci := hwids.NewPCI()
//	pci.Load()
//	fmt.Println(pci.Describe(0x1033, 0x0194))
//	// NEC Corporation uPD720200 USB 3.0 Host Controller [1033:0194]
//
// A missing database is not an error; lookups return empty strings and
// Describe falls back to the bare IDs. All methods are safe for concurrent
// use.
package hwids
