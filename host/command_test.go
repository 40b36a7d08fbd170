package host

import (
	"context"
	"errors"
	"testing"

	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Command Tests
// =============================================================================

func TestCommand_EnableDisableSlot(t *testing.T) {
	tc := startTestController(t, testOptions{})
	ctx := context.Background()

	slot, err := tc.EnableSlot(ctx)
	if err != nil {
		t.Fatalf("EnableSlot failed: %v", err)
	}
	if slot != 1 {
		t.Errorf("EnableSlot() = %d, want 1", slot)
	}
	if _, ok := tc.xhc.SlotState(slot); !ok {
		t.Error("model has no slot after Enable Slot")
	}

	if err := tc.DisableSlot(ctx, slot); err != nil {
		t.Fatalf("DisableSlot failed: %v", err)
	}
	if _, ok := tc.xhc.SlotState(slot); ok {
		t.Error("model still has the slot after Disable Slot")
	}
}

func TestCommand_ErrorCode(t *testing.T) {
	tc := startTestController(t, testOptions{})

	err := tc.DisableSlot(context.Background(), 5)
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("DisableSlot error = %v, want *CommandError", err)
	}
	if cerr.Code != trb.CodeSlotNotEnabled || cerr.Type != trb.TypeDisableSlot {
		t.Errorf("CommandError = %+v", cerr)
	}
	if !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("error %v does not unwrap to ErrInvalidState", err)
	}
}

func TestCommand_NoSlotsAvailable(t *testing.T) {
	tc := startTestController(t, testOptions{})

	for i := 0; i < tc.MaxSlots(); i++ {
		if _, err := tc.EnableSlot(context.Background()); err != nil {
			t.Fatalf("EnableSlot %d failed: %v", i, err)
		}
	}
	if _, err := tc.EnableSlot(context.Background()); !errors.Is(err, pkg.ErrOutOfSpace) {
		t.Errorf("EnableSlot on a full controller error = %v, want ErrOutOfSpace", err)
	}
}

func TestCommand_Timeout(t *testing.T) {
	tc := startTestController(t, testOptions{cfg: Config{CommandTimeout: 40}})
	tc.xhc.SetDropCommands(true)

	if err := tc.NoOp(context.Background()); !errors.Is(err, pkg.ErrCommandTimeout) {
		t.Fatalf("NoOp error = %v, want ErrCommandTimeout", err)
	}

	// The controller stays usable once completions come back.
	tc.xhc.SetDropCommands(false)
	if err := tc.NoOp(context.Background()); err != nil {
		t.Errorf("NoOp after timeout failed: %v", err)
	}
}

func TestCommand_TimeoutsDoNotFillRing(t *testing.T) {
	tc := startTestController(t, testOptions{cfg: Config{CommandRingSize: 16, CommandTimeout: 5}})
	tc.xhc.SetDropCommands(true)

	for i := 0; i < 40; i++ {
		if err := tc.NoOp(context.Background()); !errors.Is(err, pkg.ErrCommandTimeout) {
			t.Fatalf("NoOp %d error = %v, want ErrCommandTimeout", i, err)
		}
	}
	if n := tc.cmdRing.Pending(); n != 0 {
		t.Errorf("command ring holds %d abandoned TRBs, want 0", n)
	}

	tc.xhc.SetDropCommands(false)
	slot, err := tc.EnableSlot(context.Background())
	if err != nil {
		t.Fatalf("EnableSlot after timeouts failed: %v", err)
	}
	if slot != 1 {
		t.Errorf("EnableSlot() = %d, want 1", slot)
	}
	if got := tc.Stats().DroppedEvents; got != 0 {
		t.Errorf("DroppedEvents = %d, want 0 (stop events are expected)", got)
	}
}

func TestCommand_RingWraps(t *testing.T) {
	tc := startTestController(t, testOptions{cfg: Config{CommandRingSize: 16}})
	for i := 0; i < 100; i++ {
		if err := tc.NoOp(context.Background()); err != nil {
			t.Fatalf("NoOp %d failed: %v", i, err)
		}
	}
	if got := tc.Stats().Commands; got != 100 {
		t.Errorf("Commands = %d, want 100", got)
	}
}

func TestCommand_UnexpectedCompletionDropped(t *testing.T) {
	tc := startTestController(t, testOptions{noIRQ: true})

	tc.xhc.PostEvent(trb.TRB{
		Parameter: 0xDEAD0,
		Status:    uint32(trb.CodeSuccess) << 24,
		Control:   trb.Control(trb.TypeCommandCompletion, 0),
	})
	if n := tc.ProcessEvents(); n != 1 {
		t.Fatalf("ProcessEvents() = %d, want 1", n)
	}
	if got := tc.Stats().DroppedEvents; got != 1 {
		t.Errorf("DroppedEvents = %d, want 1", got)
	}
}

func TestCommand_WaitCancelled(t *testing.T) {
	tc := startTestController(t, testOptions{})
	tc.xhc.SetDropCommands(true)

	ctx, cancel := context.WithCancel(context.Background())
	h := tc.SendCommand(0, 0, trb.Control(trb.TypeNoOpCommand, 0))
	cancel()
	if _, err := tc.WaitCommand(ctx, h, 1000); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitCommand error = %v, want context.Canceled", err)
	}
}
