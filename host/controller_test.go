package host

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/sim"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Bring-up Tests
// =============================================================================

func TestController_Start(t *testing.T) {
	tests := []struct {
		name        string
		contextSize int
		scratchpads int
	}{
		{"32-byte contexts", 32, 0},
		{"64-byte contexts", 64, 0},
		{"scratchpads", 32, 4},
		{"many scratchpads", 64, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := startTestController(t, testOptions{sim: sim.Config{
				MaxSlots:    8,
				MaxPorts:    4,
				ContextSize: tt.contextSize,
				Scratchpads: tt.scratchpads,
			}})

			if !tc.IsRunning() {
				t.Error("controller not running after Start")
			}
			if tc.ContextSize() != tt.contextSize {
				t.Errorf("ContextSize() = %d, want %d", tc.ContextSize(), tt.contextSize)
			}
			if tc.MaxSlots() != 8 || tc.MaxPorts() != 4 {
				t.Errorf("slots/ports = %d/%d, want 8/4", tc.MaxSlots(), tc.MaxPorts())
			}
			if tc.Version() != 0x0110 {
				t.Errorf("Version() = 0x%04X, want 0x0110", tc.Version())
			}

			entry := binary.LittleEndian.Uint64(tc.dcbaa.Bytes[0:8])
			if tt.scratchpads == 0 && entry != 0 {
				t.Errorf("DCBAA[0] = 0x%X without scratchpads", entry)
			}
			if tt.scratchpads > 0 {
				if entry != uint64(tc.scratch.Phys) {
					t.Fatalf("DCBAA[0] = 0x%X, want scratchpad array 0x%X", entry, tc.scratch.Phys)
				}
				for i := 0; i < tt.scratchpads; i++ {
					page := binary.LittleEndian.Uint64(tc.scratch.Bytes[i*8:])
					if page == 0 || page%uint64(tc.pageSize) != 0 {
						t.Errorf("scratchpad %d = 0x%X", i, page)
					}
				}
			}

			if err := tc.NoOp(context.Background()); err != nil {
				t.Errorf("NoOp after Start failed: %v", err)
			}
		})
	}
}

func TestController_StartTwice(t *testing.T) {
	tc := startTestController(t, testOptions{})
	if err := tc.Start(context.Background()); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestController_StuckNotReady(t *testing.T) {
	tc := newTestController(t, testOptions{
		sim: sim.Config{StuckNotReady: true},
		cfg: Config{ResetTimeout: 50},
	})
	err := tc.Start(context.Background())
	if !errors.Is(err, pkg.ErrControllerTimeout) {
		t.Fatalf("Start error = %v, want ErrControllerTimeout", err)
	}
	if tc.IsRunning() {
		t.Error("controller running after failed Start")
	}
}

func TestController_OutOfSpace(t *testing.T) {
	tc := newTestController(t, testOptions{memory: 4096})
	if err := tc.Start(context.Background()); !errors.Is(err, pkg.ErrOutOfSpace) {
		t.Errorf("Start error = %v, want ErrOutOfSpace", err)
	}
}

func TestController_StartCancelled(t *testing.T) {
	tc := newTestController(t, testOptions{sim: sim.Config{StuckNotReady: true}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tc.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Start error = %v, want context.Canceled", err)
	}
}

func TestController_Stop(t *testing.T) {
	tc := startTestController(t, testOptions{})
	if err := tc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if tc.IsRunning() {
		t.Error("controller running after Stop")
	}
	if err := tc.NoOp(context.Background()); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("NoOp after Stop error = %v, want ErrNotRunning", err)
	}
	if err := tc.Stop(); err != nil {
		t.Errorf("second Stop error = %v", err)
	}
}

func TestController_InterruptDelivery(t *testing.T) {
	tc := startTestController(t, testOptions{})
	if err := tc.NoOp(context.Background()); err != nil {
		t.Fatalf("NoOp failed: %v", err)
	}
	if tc.irq.Raised() == 0 {
		t.Error("no interrupt raised for the command completion")
	}
	if tc.Stats().Interrupts == 0 {
		t.Error("interrupt handler never ran")
	}
}

func TestController_AcknowledgeOrder(t *testing.T) {
	rec := &recordingRegisters{}
	tc := startTestController(t, testOptions{wrap: func(r hal.Registers) hal.Registers {
		rec.Registers = r
		return rec
	}})
	rec.take()

	if err := tc.NoOp(context.Background()); err != nil {
		t.Fatalf("NoOp failed: %v", err)
	}

	usbsts := tc.opBase + opUSBSts
	iman := tc.rtBase + rtInterrupter0 + irIMAN
	acks := 0
	stsCleared := false
	for _, w := range rec.take() {
		switch w.offset {
		case usbsts:
			stsCleared = w.value&stsEINT != 0
		case iman:
			if w.value&imanIP == 0 {
				continue
			}
			if !stsCleared {
				t.Errorf("IMAN.IP acknowledged before USBSTS.EINT")
			}
			stsCleared = false
			acks++
		}
	}
	if acks == 0 {
		t.Error("no interrupt acknowledged")
	}
}

func TestController_PollingWithoutInterrupts(t *testing.T) {
	tc := startTestController(t, testOptions{noIRQ: true})
	for i := 0; i < 3; i++ {
		if err := tc.NoOp(context.Background()); err != nil {
			t.Fatalf("NoOp %d failed: %v", i, err)
		}
	}
	st := tc.Stats()
	if st.Interrupts != 0 {
		t.Errorf("Interrupts = %d without an interrupt layer", st.Interrupts)
	}
	if st.Events != 3 || st.Commands != 3 {
		t.Errorf("Events/Commands = %d/%d, want 3/3", st.Events, st.Commands)
	}
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfig_WithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	want := DefaultConfig()
	if got.CommandRingSize != want.CommandRingSize ||
		got.EventRingSize != want.EventRingSize ||
		got.TransferRingSize != want.TransferRingSize ||
		got.CommandTimeout != want.CommandTimeout ||
		got.TransferTimeout != want.TransferTimeout ||
		got.Vector != want.Vector {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}

	got = Config{CommandTimeout: 7}.withDefaults()
	if got.CommandTimeout != 7 {
		t.Errorf("CommandTimeout = %d, want 7", got.CommandTimeout)
	}
}

func TestConfig_RingSizes(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{1, 16},
		{16, 16},
		{17, 32},
		{100, 128},
		{256, 256},
		{4096, 4096},
		{100000, 4096},
	}

	for _, tt := range tests {
		if got := clampRing(tt.in); got != tt.want {
			t.Errorf("clampRing(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
