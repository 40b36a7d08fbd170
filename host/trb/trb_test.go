package trb

import (
	"errors"
	"testing"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

func newBuffer(phys hal.PhysAddr, n int) hal.DMABuffer {
	return hal.DMABuffer{Phys: phys, Bytes: make([]byte, n)}
}

// =============================================================================
// TRB Codec Tests
// =============================================================================

func TestTRB_MarshalTo(t *testing.T) {
	tr := TRB{
		Parameter: 0x1122334455667788,
		Status:    0xAABBCCDD,
		Control:   Control(TypeNormal, IOC) | CycleBit,
	}

	buf := make([]byte, Size)
	if n := tr.MarshalTo(buf); n != Size {
		t.Fatalf("MarshalTo returned %d, want %d", n, Size)
	}

	expected := []byte{
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, // parameter
		0xDD, 0xCC, 0xBB, 0xAA, // status
		0x21, 0x04, 0x00, 0x00, // control: type 1 << 10 | IOC | C
	}
	for i, b := range expected {
		if buf[i] != b {
			t.Errorf("buf[%d] = 0x%02X, want 0x%02X", i, buf[i], b)
		}
	}

	var parsed TRB
	if !Parse(buf, &parsed) {
		t.Fatal("Parse returned false")
	}
	if parsed != tr {
		t.Errorf("Parse = %+v, want %+v", parsed, tr)
	}
}

func TestTRB_TooShort(t *testing.T) {
	var tr TRB
	if Parse(make([]byte, Size-1), &tr) {
		t.Error("Parse should return false for short data")
	}
	if n := tr.MarshalTo(make([]byte, Size-1)); n != 0 {
		t.Errorf("MarshalTo to small buffer returned %d, want 0", n)
	}
}

func TestTRB_Fields(t *testing.T) {
	ev := TRB{
		Parameter: 0x5000_0040,
		Status:    uint32(CodeShortPacket)<<24 | 0x1F0,
		Control:   Control(TypeTransferEvent, 0) | 3<<16 | 7<<24 | CycleBit,
	}

	if ev.Type() != TypeTransferEvent {
		t.Errorf("Type() = %v, want %v", ev.Type(), TypeTransferEvent)
	}
	if !ev.Cycle() {
		t.Error("Cycle() = false, want true")
	}
	if ev.CompletionCode() != CodeShortPacket {
		t.Errorf("CompletionCode() = %v, want %v", ev.CompletionCode(), CodeShortPacket)
	}
	if ev.TransferLength() != 0x1F0 {
		t.Errorf("TransferLength() = 0x%X, want 0x1F0", ev.TransferLength())
	}
	if ev.EndpointID() != 3 {
		t.Errorf("EndpointID() = %d, want 3", ev.EndpointID())
	}
	if ev.SlotID() != 7 {
		t.Errorf("SlotID() = %d, want 7", ev.SlotID())
	}

	psc := TRB{Parameter: 4 << 24}
	if psc.PortID() != 4 {
		t.Errorf("PortID() = %d, want 4", psc.PortID())
	}
}

func TestControl_IgnoresCycle(t *testing.T) {
	c := Control(TypeLink, ToggleCycle|CycleBit)
	if c&CycleBit != 0 {
		t.Error("Control should not set the cycle bit")
	}
	if (TRB{Control: c}).Type() != TypeLink {
		t.Error("Control lost the type tag")
	}
}

func TestCompletionCode_Err(t *testing.T) {
	tests := []struct {
		code CompletionCode
		want error
	}{
		{CodeSuccess, nil},
		{CodeShortPacket, nil},
		{CodeStall, pkg.ErrStall},
		{CodeBabble, pkg.ErrBabble},
		{CodeTransaction, pkg.ErrTransaction},
		{CodeNoSlotsAvailable, pkg.ErrOutOfSpace},
		{CodeSlotNotEnabled, pkg.ErrInvalidState},
		{CodeTRB, pkg.ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := tt.code.Err()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Err() = %v, want nil", err)
				}
				if !tt.code.OK() {
					t.Error("OK() = false, want true")
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Err() = %v, want %v", err, tt.want)
			}
			if tt.code.OK() {
				t.Error("OK() = true, want false")
			}
		})
	}
}
