package blockdev

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Test Device
// =============================================================================

// memDevice returns a device of n sectors where every byte is its offset
// modulo 251, and a counter of Read calls.
func memDevice(name string, n uint64, ss int) (*Device, *int) {
	reads := new(int)
	dev := &Device{
		Name:         name,
		SectorSize:   ss,
		TotalSectors: n,
		Read: func(_ context.Context, lba uint64, count int, buf []byte) error {
			*reads++
			base := int(lba) * ss
			for i := 0; i < count*ss; i++ {
				buf[i] = byte((base + i) % 251)
			}
			return nil
		},
	}
	return dev, reads
}

// =============================================================================
// Device Tests
// =============================================================================

func TestDevice_ReadSectors(t *testing.T) {
	dev, reads := memDevice("d", 8, 512)
	ctx := context.Background()

	buf := make([]byte, 1024)
	if err := dev.ReadSectors(ctx, 2, 2, buf); err != nil {
		t.Fatalf("ReadSectors failed: %v", err)
	}
	if buf[0] != byte(1024%251) {
		t.Errorf("buf[0] = %d, want %d", buf[0], 1024%251)
	}

	tests := []struct {
		name  string
		lba   uint64
		count int
		buf   int
		want  error
	}{
		{"past end", 7, 2, 1024, io.ErrUnexpectedEOF},
		{"lba past end", 9, 0, 0, io.ErrUnexpectedEOF},
		{"short buffer", 0, 2, 512, pkg.ErrInvalidParameter},
		{"negative count", 0, -1, 0, pkg.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dev.ReadSectors(ctx, tt.lba, tt.count, make([]byte, tt.buf))
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadSectors error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := dev.ReadSectors(ctx, 8, 0, nil); err != nil {
		t.Errorf("zero-sector read at end failed: %v", err)
	}
	if *reads != 1 {
		t.Errorf("Read called %d times, want 1", *reads)
	}
}

func TestDevice_Defaults(t *testing.T) {
	dev, _ := memDevice("d", 4, 512)
	ctx := context.Background()

	if err := dev.WriteSectors(ctx, 0, 1, make([]byte, 512)); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("WriteSectors error = %v, want ErrNotSupported", err)
	}
	if err := dev.Flush(ctx); err != nil {
		t.Errorf("Flush error = %v", err)
	}
	if dev.Size() != 2048 {
		t.Errorf("Size() = %d, want 2048", dev.Size())
	}
}

func TestDevice_ReaderAt(t *testing.T) {
	dev, _ := memDevice("d", 4, 512)
	r := dev.ReaderAt(context.Background())

	tests := []struct {
		name  string
		off   int64
		size  int
		wantN int
		eof   bool
	}{
		{"aligned", 512, 1024, 1024, false},
		{"unaligned", 100, 1000, 1000, false},
		{"inside one sector", 700, 10, 10, false},
		{"tail", 2000, 100, 48, true},
		{"at end", 2048, 10, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := make([]byte, tt.size)
			n, err := r.ReadAt(p, tt.off)
			if n != tt.wantN {
				t.Errorf("ReadAt n = %d, want %d", n, tt.wantN)
			}
			if tt.eof != (err == io.EOF) {
				t.Errorf("ReadAt error = %v, eof %v", err, tt.eof)
			}
			for i := 0; i < n; i++ {
				if want := byte((int(tt.off) + i) % 251); p[i] != want {
					t.Fatalf("p[%d] = %d, want %d", i, p[i], want)
				}
			}
		})
	}
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	var seen []string
	reg.SetOnRegister(func(d *Device) { seen = append(seen, d.Name) })

	if got := reg.Next("usb"); got != "usb0" {
		t.Errorf("Next() = %q, want usb0", got)
	}
	a, _ := memDevice(reg.Next("usb"), 4, 512)
	if err := reg.Register(a); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	b, _ := memDevice(reg.Next("usb"), 4, 512)
	if b.Name != "usb1" {
		t.Errorf("second name = %q, want usb1", b.Name)
	}
	if err := reg.Register(b); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	dup, _ := memDevice("usb0", 4, 512)
	if err := reg.Register(dup); !errors.Is(err, pkg.ErrExists) {
		t.Errorf("duplicate Register error = %v, want ErrExists", err)
	}

	if got, ok := reg.Lookup("usb1"); !ok || got != b {
		t.Errorf("Lookup(usb1) = %v, %v", got, ok)
	}
	devs := reg.Devices()
	if len(devs) != 2 || devs[0] != a || devs[1] != b {
		t.Errorf("Devices() = %v", devs)
	}
	if len(seen) != 2 {
		t.Errorf("callback saw %v", seen)
	}

	if !reg.Unregister("usb0") {
		t.Error("Unregister(usb0) = false")
	}
	if reg.Unregister("usb0") {
		t.Error("second Unregister(usb0) = true")
	}
	if got := reg.Next("usb"); got != "usb0" {
		t.Errorf("Next() after Unregister = %q, want usb0", got)
	}
	if devs := reg.Devices(); len(devs) != 1 || devs[0] != b {
		t.Errorf("Devices() after Unregister = %v", devs)
	}
}

func TestRegistry_Invalid(t *testing.T) {
	reg := NewRegistry()
	noRead, _ := memDevice("x", 4, 512)
	noRead.Read = nil
	empty, _ := memDevice("y", 0, 512)

	tests := []struct {
		name string
		dev  *Device
	}{
		{"nil", nil},
		{"unnamed", &Device{SectorSize: 512, TotalSectors: 1}},
		{"no read", noRead},
		{"no sectors", empty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.Register(tt.dev); !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("Register error = %v, want ErrInvalidParameter", err)
			}
		})
	}
}
