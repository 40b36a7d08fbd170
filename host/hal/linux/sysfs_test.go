//go:build linux

package linux

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// parseAddress Tests
// =============================================================================

func TestParseAddress(t *testing.T) {
	tests := []struct {
		addr         string
		bus, dev, fn uint8
		wantErr      bool
	}{
		{"0000:00:14.0", 0x00, 0x14, 0, false},
		{"0000:3a:00.3", 0x3a, 0x00, 3, false},
		{"0001:ff:1f.7", 0xff, 0x1f, 7, false},
		{"0000:00:20.0", 0, 0, 0, true}, // device > 31
		{"0000:00:14.8", 0, 0, 0, true}, // function > 7
		{"00:14.0", 0, 0, 0, true},
		{"0000:00:14", 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			bus, dev, fn, err := parseAddress(tt.addr)
			if tt.wantErr {
				if !errors.Is(err, pkg.ErrInvalidParameter) {
					t.Errorf("error = %v, want ErrInvalidParameter", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAddress failed: %v", err)
			}
			if bus != tt.bus || dev != tt.dev || fn != tt.fn {
				t.Errorf("got %02x:%02x.%d, want %02x:%02x.%d", bus, dev, fn, tt.bus, tt.dev, tt.fn)
			}
		})
	}
}

// =============================================================================
// parseResource Tests
// =============================================================================

const resourceSample = `0x00000000f7f00000 0x00000000f7f0ffff 0x0000000000140204
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000000000000000 0x0000000000000000 0x0000000000000000
`

func TestParseResource(t *testing.T) {
	bar, size, err := parseResource(bufio.NewScanner(strings.NewReader(resourceSample)))
	if err != nil {
		t.Fatalf("parseResource failed: %v", err)
	}
	if bar[0] != 0xf7f00000 {
		t.Errorf("BAR0 = 0x%x, want 0xf7f00000", bar[0])
	}
	if size[0] != 0x10000 {
		t.Errorf("BAR0 size = 0x%x, want 0x10000", size[0])
	}
	for i := 1; i < 6; i++ {
		if bar[i] != 0 || size[i] != 0 {
			t.Errorf("BAR%d = 0x%x/0x%x, want empty", i, bar[i], size[i])
		}
	}
}

func TestParseResource_Malformed(t *testing.T) {
	_, _, err := parseResource(bufio.NewScanner(strings.NewReader("0x1000 0x1fff\n")))
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("error = %v, want ErrInvalidParameter", err)
	}
}

// =============================================================================
// ScanControllers Tests
// =============================================================================

// writeFunction creates a fake sysfs function directory.
func writeFunction(t *testing.T, root, addr string, attrs map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, addr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, value := range attrs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestScanControllers(t *testing.T) {
	root := t.TempDir()

	xhci := writeFunction(t, root, "0000:00:14.0", map[string]string{
		"vendor":   "0x8086",
		"device":   "0xa36d",
		"class":    "0x0c0330",
		"irq":      "16",
		"resource": strings.TrimSuffix(resourceSample, "\n"),
	})
	drivers := t.TempDir()
	if err := os.Mkdir(filepath.Join(drivers, "xhci_hcd"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(drivers, "xhci_hcd"), filepath.Join(xhci, "driver")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(xhci, "uio", "uio3"), 0o755); err != nil {
		t.Fatal(err)
	}

	writeFunction(t, root, "0000:00:02.0", map[string]string{
		"vendor": "0x8086",
		"device": "0x3e92",
		"class":  "0x030000",
	})
	writeFunction(t, root, "0000:00:1f.0", map[string]string{
		"vendor": "not hex",
		"class":  "0x0c0330",
	})

	fns, err := ScanControllers(root)
	if err != nil {
		t.Fatalf("ScanControllers failed: %v", err)
	}
	if len(fns) != 1 {
		t.Fatalf("found %d controllers, want 1", len(fns))
	}

	fn := fns[0]
	want := hal.PCIDevice{
		Bus:           0,
		Device:        0x14,
		Function:      0,
		VendorID:      0x8086,
		DeviceID:      0xa36d,
		Class:         hal.ClassXHCI,
		BAR:           [6]uint64{0xf7f00000},
		InterruptLine: 16,
	}
	if fn.PCIDevice != want {
		t.Errorf("PCIDevice = %+v, want %+v", fn.PCIDevice, want)
	}
	if fn.Driver != "xhci_hcd" {
		t.Errorf("Driver = %q, want xhci_hcd", fn.Driver)
	}
	if fn.BARSize[0] != 0x10000 {
		t.Errorf("BARSize[0] = 0x%x", fn.BARSize[0])
	}
	if got := fn.ResourcePath(0); got != filepath.Join(xhci, "resource0") {
		t.Errorf("ResourcePath(0) = %q", got)
	}

	node, err := uioNode(fn.Path)
	if err != nil || node != "uio3" {
		t.Errorf("uioNode() = %q, %v, want uio3", node, err)
	}
}

func TestUIONode_Missing(t *testing.T) {
	if _, err := uioNode(t.TempDir()); err == nil {
		t.Error("uioNode() succeeded without a uio directory")
	}
}

func TestBindUIO_AlreadyBound(t *testing.T) {
	fn := Function{Driver: UIODriver, Path: "/nonexistent"}
	if err := BindUIO(&fn); err != nil {
		t.Errorf("BindUIO() = %v, want nil", err)
	}
}
