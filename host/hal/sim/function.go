package sim

import (
	"errors"

	"github.com/ardnew/softxhci/host/hal"
)

// ErrNAK is returned by a [Function] that has nothing to transfer yet. The
// model leaves the TD on the ring and retries it on the next doorbell.
var ErrNAK = errors.New("NAK")

// Function is a USB device as seen from a root hub port.
//
// Returning [github.com/ardnew/softxhci/pkg.ErrStall] from any method halts
// the endpoint; any other error other than [ErrNAK] is reported as a
// transaction error.
type Function interface {
	// Speed returns the speed the function connects at.
	Speed() hal.Speed

	// Control handles a control request on EP0. For OUT requests data is
	// the data stage; for IN requests the returned bytes are.
	Control(setup hal.SetupPacket, data []byte) ([]byte, error)

	// BulkOut delivers data sent to the OUT endpoint address ep.
	BulkOut(ep uint8, data []byte) error

	// BulkIn fills buf from the IN endpoint address ep and returns the
	// number of bytes written.
	BulkIn(ep uint8, buf []byte) (int, error)
}
