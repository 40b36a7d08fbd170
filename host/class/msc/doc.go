// Package msc implements the USB Mass Storage Class Bulk-Only Transport
// on top of the host controller driver.
//
// A [Disk] wraps a [host.Device] that enumerated with a Bulk-Only SCSI
// interface. Every SCSI command runs as one [Operation]: a Command Block
// Wrapper on bulk OUT, an optional data stage, and a Command Status
// Wrapper on bulk IN, each phase advanced by the completion of the last.
//
//	disk, err := msc.New(dev, msc.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	bd, err := disk.Probe(ctx, registry)
//
// # Recovery
//
// Halts on the data or status stage are cleared in place. A CSW that
// fails signature or tag validation, a failed CBW, and an operation that
// times out all trigger a Bulk-Only Mass Storage Reset followed by
// CLEAR_FEATURE(ENDPOINT_HALT) on both bulk endpoints. Resets come from a
// small per-disk budget that is restored after a run of successful
// operations; a disk that exhausts it is failed permanently.
//
// Failed READ(10) commands are retried, then the device is reset and the
// read reports an error wrapping [pkg.ErrIO].
package msc
