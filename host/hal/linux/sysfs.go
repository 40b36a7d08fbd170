//go:build linux

package linux

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// PCI Function Information
// =============================================================================

// Function is a PCI function discovered via sysfs.
type Function struct {
	hal.PCIDevice

	Address string // domain:bus:device.function, e.g. "0000:00:14.0"
	Path    string // directory in sysfs
	BARSize [6]uint64
	Driver  string // bound driver, "" if none
}

// ResourcePath returns the sysfs file that maps BAR n.
func (f Function) ResourcePath(n int) string {
	return filepath.Join(f.Path, "resource"+strconv.Itoa(n))
}

// =============================================================================
// Sysfs Parsing
// =============================================================================

// ScanControllers returns the xHCI functions found under root, normally
// SysfsPCIPath.
func ScanControllers(root string) ([]Function, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var fns []Function
	for _, entry := range entries {
		fn, err := parseFunction(filepath.Join(root, entry.Name()))
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "skipping PCI function",
				"address", entry.Name(), "error", err)
			continue
		}
		if fn.Class == hal.ClassXHCI {
			fns = append(fns, fn)
		}
	}
	return fns, nil
}

// parseFunction reads one PCI function directory.
func parseFunction(path string) (Function, error) {
	fn := Function{Path: path, Address: filepath.Base(path)}

	var err error
	if fn.Bus, fn.Device, fn.Function, err = parseAddress(fn.Address); err != nil {
		return fn, err
	}
	if fn.VendorID, err = readSysfsHexUint16(filepath.Join(path, "vendor")); err != nil {
		return fn, err
	}
	if fn.DeviceID, err = readSysfsHexUint16(filepath.Join(path, "device")); err != nil {
		return fn, err
	}
	class, err := readSysfsHex(filepath.Join(path, "class"), 32)
	if err != nil {
		return fn, err
	}
	fn.Class = uint32(class)

	if irq, err := readSysfsUint(filepath.Join(path, "irq"), 32); err == nil {
		fn.InterruptLine = uint8(irq)
	}
	if f, err := os.Open(filepath.Join(path, "resource")); err == nil {
		fn.BAR, fn.BARSize, err = parseResource(bufio.NewScanner(f))
		f.Close()
		if err != nil {
			return fn, err
		}
	}
	if link, err := os.Readlink(filepath.Join(path, "driver")); err == nil {
		fn.Driver = filepath.Base(link)
	}
	return fn, nil
}

// parseAddress splits "dddd:bb:dd.f".
func parseAddress(addr string) (bus, dev, fn uint8, err error) {
	parts := strings.Split(addr, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("PCI address %q: %w", addr, pkg.ErrInvalidParameter)
	}
	df := strings.Split(parts[2], ".")
	if len(df) != 2 {
		return 0, 0, 0, fmt.Errorf("PCI address %q: %w", addr, pkg.ErrInvalidParameter)
	}
	b, err1 := strconv.ParseUint(parts[1], 16, 8)
	d, err2 := strconv.ParseUint(df[0], 16, 5)
	f, err3 := strconv.ParseUint(df[1], 16, 3)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, fmt.Errorf("PCI address %q: %w", addr, pkg.ErrInvalidParameter)
	}
	return uint8(b), uint8(d), uint8(f), nil
}

// parseResource reads the "start end flags" lines of a resource file.
// Only the six BAR lines are kept.
func parseResource(sc *bufio.Scanner) (bar, size [6]uint64, err error) {
	for i := 0; i < len(bar) && sc.Scan(); i++ {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			return bar, size, fmt.Errorf("resource line %d: %w", i, pkg.ErrInvalidParameter)
		}
		start, err1 := strconv.ParseUint(fields[0], 0, 64)
		end, err2 := strconv.ParseUint(fields[1], 0, 64)
		if err1 != nil || err2 != nil {
			return bar, size, fmt.Errorf("resource line %d: %w", i, pkg.ErrInvalidParameter)
		}
		bar[i] = start
		if end > start {
			size[i] = end - start + 1
		}
	}
	return bar, size, sc.Err()
}

// uioNode returns the UIO device name ("uio0") bound to the function.
func uioNode(path string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(path, "uio"))
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "uio") {
			return entry.Name(), nil
		}
	}
	return "", fmt.Errorf("%s: %w", path, pkg.ErrNoDevice)
}

// BindUIO rebinds the function to uio_pci_generic. It is a no-op if the
// driver is already bound.
func BindUIO(fn *Function) error {
	if fn.Driver == UIODriver {
		return nil
	}
	if err := os.WriteFile(filepath.Join(fn.Path, "driver_override"), []byte(UIODriver), 0o200); err != nil {
		return fmt.Errorf("override driver: %w", err)
	}
	if fn.Driver != "" {
		unbind := filepath.Join(SysfsPCIDrivers, fn.Driver, "unbind")
		if err := os.WriteFile(unbind, []byte(fn.Address), 0o200); err != nil {
			return fmt.Errorf("unbind %s: %w", fn.Driver, err)
		}
	}
	if err := os.WriteFile(SysfsPCIProbe, []byte(fn.Address), 0o200); err != nil {
		return fmt.Errorf("probe %s: %w", fn.Address, err)
	}
	pkg.LogInfo(pkg.ComponentHAL, "bound PCI function",
		"address", fn.Address, "driver", UIODriver, "previous", fn.Driver)
	fn.Driver = UIODriver
	return nil
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsUint reads an unsigned decimal integer from a sysfs attribute file.
func readSysfsUint(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, bitSize)
}

// readSysfsHex reads a hexadecimal value from a sysfs attribute file.
func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, bitSize)
}

// readSysfsHexUint16 reads a hexadecimal uint16 from a sysfs attribute file.
func readSysfsHexUint16(path string) (uint16, error) {
	v, err := readSysfsHex(path, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
