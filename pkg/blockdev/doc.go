// Package blockdev is the block-device registry storage drivers publish
// their disks to.
//
// A driver fills in a [Device] once the capacity of its medium is known
// and registers it:
//
//	reg := blockdev.NewRegistry()
//	err := reg.Register(&blockdev.Device{
//	    Name:         reg.Next("usb"),
//	    SectorSize:   512,
//	    TotalSectors: blocks,
//	    Read:         disk.Read,
//	})
//
// Consumers look devices up by name and read whole sectors with
// [Device.ReadSectors], or wrap a device with [Device.ReaderAt] to read
// at arbitrary byte offsets.
package blockdev
