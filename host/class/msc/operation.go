package msc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/host"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// State is the phase of a BOT operation.
type State uint8

// Operation states.
const (
	StateIdle State = iota
	StateCBWInFlight
	StateDataInFlight
	StateCSWInFlight
	StateComplete
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCBWInFlight:
		return "CBWInFlight"
	case StateDataInFlight:
		return "DataInFlight"
	case StateCSWInFlight:
		return "CSWInFlight"
	case StateComplete:
		return "Complete"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Kind is the SCSI command an operation carries.
type Kind uint8

// Operation kinds.
const (
	KindTestUnitReady Kind = iota
	KindRequestSense
	KindInquiry
	KindReadCapacity
	KindRead10
)

// String returns the SCSI command name.
func (k Kind) String() string {
	switch k {
	case KindTestUnitReady:
		return "TEST UNIT READY"
	case KindRequestSense:
		return "REQUEST SENSE"
	case KindInquiry:
		return "INQUIRY"
	case KindReadCapacity:
		return "READ CAPACITY(10)"
	case KindRead10:
		return "READ(10)"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Operation is one CBW, data, CSW exchange.
type Operation struct {
	State       State
	Kind        Kind
	Tag         uint32
	Length      uint32 // expected data-stage bytes
	Transferred uint32 // data-stage bytes actually moved
	Residue     uint32 // as reported by the CSW
	Status      uint8  // CSW status
	Err         error  // transport failure, nil once the CSW validated

	in         bool
	handle     host.TransferHandle
	cswRetried bool
	needReset  bool
}

// Valid returns the number of data bytes the device vouched for: the
// bytes transferred, bounded by the expected length less the residue.
func (o *Operation) Valid() uint32 {
	n := o.Transferred
	if o.Residue <= o.Length {
		n = min(n, o.Length-o.Residue)
	}
	return n
}

// dataDir returns the bulk direction of the data stage.
func (o *Operation) dataDir() host.Direction {
	if o.in {
		return host.In
	}
	return host.Out
}

// start moves an idle operation to CBWInFlight: a fresh tag is taken,
// the CBW is written to the owned CBW buffer and queued on bulk OUT.
func (d *Disk) start(kind Kind, cdb []byte, length uint32, in bool) error {
	if d.op.State != StateIdle {
		return fmt.Errorf("%s while %s in %s: %w", kind, d.op.Kind, d.op.State, pkg.ErrBusy)
	}
	if int(length) > d.data.Len() {
		return fmt.Errorf("%s of %d bytes: %w", kind, length, pkg.ErrInvalidParameter)
	}

	d.tag++
	if d.tag == 0 {
		d.tag = 1
	}
	d.op = Operation{Kind: kind, Tag: d.tag, Length: length, in: in}

	cbw := CBW{Tag: d.tag, DataTransferLength: length, In: in, LUN: d.lun, CB: cdb}
	if cbw.MarshalTo(d.cbw.Bytes) == 0 {
		d.op = Operation{}
		return fmt.Errorf("%s command block of %d bytes: %w", kind, len(cdb), pkg.ErrInvalidParameter)
	}

	h, err := d.dev.EnqueueBulk(host.Out, d.cbw.Phys, CBWSize)
	if err != nil {
		d.op = Operation{}
		return fmt.Errorf("%s CBW: %w", kind, err)
	}
	d.op.handle = h
	d.op.State = StateCBWInFlight
	d.stats.Operations++

	pkg.LogDebug(pkg.ComponentBOT, "CBW queued",
		"disk", d.cfg.Name,
		"op", kind,
		"tag", d.tag,
		"length", length)
	return nil
}

// step advances the operation on the completion of its current phase. It
// never blocks on the bulk pipes and returns true once the operation has
// reached Complete or failed back to Idle.
func (d *Disk) step(ctx context.Context) bool {
	op := &d.op
	switch op.State {
	case StateCBWInFlight:
		res, ok := d.dev.TransferResult(host.Out, op.handle)
		if !ok {
			return false
		}
		if err := res.Err(); err != nil {
			return d.abort(fmt.Errorf("%s CBW: %w", op.Kind, err))
		}
		if op.Length == 0 {
			return d.queueCSW()
		}
		h, err := d.dev.EnqueueBulk(op.dataDir(), d.data.Phys, int(op.Length))
		if err != nil {
			return d.abort(fmt.Errorf("%s data: %w", op.Kind, err))
		}
		op.handle = h
		op.State = StateDataInFlight
		return false

	case StateDataInFlight:
		res, ok := d.dev.TransferResult(op.dataDir(), op.handle)
		if !ok {
			return false
		}
		op.Transferred = res.Length
		switch res.Code {
		case trb.CodeSuccess, trb.CodeShortPacket:
		case trb.CodeStall:
			// The device halts the data pipe to end the data stage
			// early; the CSW still follows.
			if err := d.dev.ClearHalt(ctx, op.dataDir()); err != nil {
				return d.abort(fmt.Errorf("%s data stall: %w", op.Kind, err))
			}
		default:
			return d.abort(fmt.Errorf("%s data: %w", op.Kind, res.Err()))
		}
		return d.queueCSW()

	case StateCSWInFlight:
		res, ok := d.dev.TransferResult(host.In, op.handle)
		if !ok {
			return false
		}
		if res.Code == trb.CodeStall && !op.cswRetried {
			op.cswRetried = true
			if err := d.dev.ClearHalt(ctx, host.In); err != nil {
				return d.abort(fmt.Errorf("%s CSW stall: %w", op.Kind, err))
			}
			return d.queueCSW()
		}
		if res.Code != trb.CodeSuccess && res.Code != trb.CodeShortPacket {
			return d.abort(fmt.Errorf("%s CSW: %w", op.Kind, res.Err()))
		}

		var csw CSW
		if !ParseCSW(d.csw.Bytes[:res.Length], &csw) {
			d.stats.Corrupt++
			return d.abort(fmt.Errorf("%s CSW of %d bytes: %w", op.Kind, res.Length, pkg.ErrTransportCorrupt))
		}
		if err := csw.Validate(op.Tag); err != nil {
			d.stats.Corrupt++
			return d.abort(fmt.Errorf("%s: %w", op.Kind, err))
		}
		op.Residue = csw.Residue
		op.Status = csw.Status
		op.State = StateComplete
		d.stats.Completed++
		return true
	}
	return true
}

// queueCSW moves the operation to CSWInFlight.
func (d *Disk) queueCSW() bool {
	h, err := d.dev.EnqueueBulk(host.In, d.csw.Phys, CSWSize)
	if err != nil {
		return d.abort(fmt.Errorf("%s CSW: %w", d.op.Kind, err))
	}
	d.op.handle = h
	d.op.State = StateCSWInFlight
	return false
}

// abort fails the operation back to Idle. Every transport failure needs
// a BOT reset before the device can be trusted again.
func (d *Disk) abort(err error) bool {
	d.op.Err = err
	d.op.needReset = true
	d.op.State = StateIdle
	return true
}

// run performs one operation to completion: it starts it, then services
// controller events and steps the state machine until the operation ends
// or the operation timeout passes. Transport failures are recovered with a
// BOT reset before run returns. The returned Operation is a snapshot; the
// disk itself is Idle again on return.
func (d *Disk) run(ctx context.Context, kind Kind, cdb []byte, length uint32, in bool) (Operation, error) {
	if d.failed {
		return Operation{}, fmt.Errorf("%s: %w", d.cfg.Name, pkg.ErrDeviceError)
	}
	if err := d.start(kind, cdb, length, in); err != nil {
		return Operation{}, err
	}

	ctrl := d.dev.Controller()
	err := ctrl.Poller().Until(ctx, d.cfg.OperationTimeout, func() bool {
		ctrl.ProcessEvents()
		return d.step(ctx)
	})
	op := d.op
	d.op.State = StateIdle

	if err != nil {
		d.stats.Timeouts++
		d.cancelPending()
		if errors.Is(err, pkg.ErrTimeout) {
			err = fmt.Errorf("%s tag %d in %s: %w", kind, op.Tag, op.State, pkg.ErrTimeout)
		}
		op.Err, op.needReset = err, true
	}
	if op.State == StateComplete && op.Status == CSWStatusPhaseError && kind != KindRead10 {
		op.needReset = true
	}

	if op.State == StateComplete && op.Status == CSWStatusGood {
		d.succeeded()
	} else {
		d.successes = 0
	}

	if op.needReset {
		pkg.LogWarn(pkg.ComponentBOT, "operation failed",
			"disk", d.cfg.Name,
			"op", kind,
			"tag", op.Tag,
			"state", op.State,
			"status", op.Status,
			"error", op.Err)
		// Recovery runs even when ctx ended the wait; the device is
		// mid-command until it has been reset.
		if rerr := d.recover(context.WithoutCancel(ctx)); rerr != nil {
			if op.Err == nil {
				return op, rerr
			}
			return op, errors.Join(op.Err, rerr)
		}
	}
	return op, op.Err
}
