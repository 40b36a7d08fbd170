// Package msc implements a USB Mass Storage Class target: a Bulk-Only
// Transport disk with a SCSI transparent command set, served from a
// [Storage] backend.
//
// A [Target] implements [sim.Function], so it plugs into a port of the
// simulated xHCI controller and answers the host driver's enumeration,
// CBW, data and CSW stages exactly as a USB flash drive would.
//
// # Bulk-Only Transport
//
// Each command is three stages on the bulk pipes:
//
//  1. Command: the host sends a 31-byte Command Block Wrapper (CBW)
//  2. Data: an optional transfer in the direction the CBW names
//  3. Status: the target returns a 13-byte Command Status Wrapper (CSW)
//
// A CBW with a bad signature or length halts both pipes until the host
// issues a Bulk-Only Mass Storage Reset and clears the halts. A failed
// command with a data stage halts that pipe; the host clears it and reads
// the CSW.
//
// # SCSI Command Support
//
//   - TEST UNIT READY, REQUEST SENSE, INQUIRY
//   - READ CAPACITY (10), READ (10), WRITE (10)
//   - MODE SENSE (6), PREVENT/ALLOW MEDIUM REMOVAL, START STOP UNIT,
//     VERIFY (10), SYNCHRONIZE CACHE (10)
//
// # Fault Injection
//
// [Target.Inject] schedules failures that exercise host recovery: NOT
// READY and UNIT ATTENTION sense, failed or corrupt CSWs, stalled stages
// and a CSW that never arrives.
//
// # Usage Example
//
//	storage := msc.NewMemoryStorage(2048, msc.DefaultBlockSize)
//	disk, _ := msc.New(msc.DefaultConfig(), storage)
//	xhc.Attach(1, disk)
//
// # References
//
//   - USB Mass Storage Class Bulk-Only Transport 1.0
//   - SCSI Primary Commands (SPC-4)
//   - SCSI Block Commands (SBC-3)
package msc

import "github.com/ardnew/softxhci/host/hal/sim"

var _ sim.Function = (*Target)(nil)
