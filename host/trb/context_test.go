package trb

import (
	"testing"

	"github.com/ardnew/softxhci/host/hal"
)

// =============================================================================
// Context Tests
// =============================================================================

func TestDCI(t *testing.T) {
	tests := []struct {
		ep   uint8
		in   bool
		want uint8
	}{
		{0, false, 1},
		{0, true, 1},
		{1, false, 2},
		{1, true, 3},
		{2, false, 4},
		{0x81, true, 3},
		{15, true, 31},
	}

	for _, tt := range tests {
		if got := DCI(tt.ep, tt.in); got != tt.want {
			t.Errorf("DCI(%d, %v) = %d, want %d", tt.ep, tt.in, got, tt.want)
		}
	}
}

func TestSlotContext_RoundTrip(t *testing.T) {
	in := SlotContext{
		RouteString: 0x12345,
		Speed:       hal.SpeedSuper,
		Entries:     5,
		RootPort:    3,
		Address:     7,
		State:       SlotConfigured,
	}
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xFF
	}
	if n := in.MarshalTo(buf); n != 32 {
		t.Fatalf("MarshalTo returned %d, want 32", n)
	}
	// dword0: route | speed << 20 | entries << 27
	if buf[0] != 0x45 || buf[1] != 0x23 || buf[2] != 0x41 || buf[3] != 0x28 {
		t.Errorf("dword0 = % X", buf[0:4])
	}
	if buf[6] != 3 {
		t.Errorf("root port byte = %d, want 3", buf[6])
	}
	if buf[32] != 0xFF {
		t.Error("MarshalTo wrote past the defined fields")
	}

	var out SlotContext
	if !ParseSlotContext(buf, &out) {
		t.Fatal("ParseSlotContext failed")
	}
	if out != in {
		t.Errorf("ParseSlotContext = %+v, want %+v", out, in)
	}

	if in.MarshalTo(make([]byte, 31)) != 0 {
		t.Error("MarshalTo accepted a short buffer")
	}
	if ParseSlotContext(make([]byte, 31), &out) {
		t.Error("ParseSlotContext accepted a short buffer")
	}
}

func TestEndpointContext_RoundTrip(t *testing.T) {
	in := EndpointContext{
		State:            EndpointRunning,
		Interval:         4,
		ErrorCount:       3,
		Type:             EndpointBulkIn,
		MaxBurst:         15,
		MaxPacketSize:    1024,
		Dequeue:          0x1000_2340,
		DequeueCycle:     true,
		AverageTRBLength: 3072,
	}
	buf := make([]byte, 32)
	if n := in.MarshalTo(buf); n != 32 {
		t.Fatalf("MarshalTo returned %d, want 32", n)
	}
	// dword1: CErr << 1 | type << 3 | burst << 8 | mps << 16
	if buf[4] != 0x36 || buf[5] != 15 || buf[6] != 0x00 || buf[7] != 0x04 {
		t.Errorf("dword1 = % X", buf[4:8])
	}
	if buf[8] != 0x41 {
		t.Errorf("dequeue low byte = 0x%02X, want 0x41 (pointer | DCS)", buf[8])
	}

	var out EndpointContext
	if !ParseEndpointContext(buf, &out) {
		t.Fatal("ParseEndpointContext failed")
	}
	if out != in {
		t.Errorf("ParseEndpointContext = %+v, want %+v", out, in)
	}
}

func TestEndpointContext_DequeueAlignment(t *testing.T) {
	e := EndpointContext{Dequeue: 0x1003, DequeueCycle: false}
	buf := make([]byte, 32)
	e.MarshalTo(buf)

	var out EndpointContext
	ParseEndpointContext(buf, &out)
	if out.Dequeue != 0x1000 || out.DequeueCycle {
		t.Errorf("Dequeue = 0x%X cycle %v, want 0x1000 cycle false", out.Dequeue, out.DequeueCycle)
	}
}

func TestInputContext_Layout(t *testing.T) {
	for _, size := range []int{32, 64} {
		buf := make([]byte, InputContextEntries*size+16)
		ic := NewInputContext(buf, size)

		ic.SetFlags(0x4, 0x3)
		drop, add := ic.Flags()
		if drop != 0x4 || add != 0x3 {
			t.Errorf("size %d: Flags() = 0x%X/0x%X, want 0x4/0x3", size, drop, add)
		}

		ic.Slot()[0] = 0xA1
		ic.Endpoint(1)[0] = 0xB1
		ic.Endpoint(MaxDCI)[size-1] = 0xC1
		if buf[size] != 0xA1 {
			t.Errorf("size %d: slot context not at offset %d", size, size)
		}
		if buf[2*size] != 0xB1 {
			t.Errorf("size %d: EP0 context not at offset %d", size, 2*size)
		}
		if buf[InputContextEntries*size-1] != 0xC1 {
			t.Errorf("size %d: last endpoint context misplaced", size)
		}

		ic.Reset()
		for i, b := range buf[:InputContextEntries*size] {
			if b != 0 {
				t.Fatalf("size %d: byte %d = 0x%02X after Reset", size, i, b)
			}
		}
	}
}

func TestDeviceContext_Layout(t *testing.T) {
	for _, size := range []int{32, 64} {
		buf := make([]byte, DeviceContextEntries*size)
		dc := NewDeviceContext(buf, size)

		dc.Slot()[0] = 0xA1
		dc.Endpoint(1)[0] = 0xB1
		dc.Endpoint(3)[0] = 0xC1
		if buf[0] != 0xA1 || buf[size] != 0xB1 || buf[3*size] != 0xC1 {
			t.Errorf("size %d: device context entries misplaced", size)
		}
		if len(dc.Endpoint(MaxDCI)) != size {
			t.Errorf("size %d: Endpoint(%d) length = %d", size, MaxDCI, len(dc.Endpoint(MaxDCI)))
		}
	}
}
