//go:build linux

package linux

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ardnew/softxhci/host/hal"
)

var _ hal.Registers = (*MMIO)(nil)
var _ hal.Memory = (*Arena)(nil)
var _ hal.Interrupts = (*UIO)(nil)

func TestMMIO_ReadWrite(t *testing.T) {
	mem := make([]byte, 64)
	m := newMMIO(mem)

	m.Write32(0x10, 0xDEADBEEF)
	if got := binary.LittleEndian.Uint32(mem[0x10:]); got != 0xDEADBEEF {
		t.Errorf("backing dword = 0x%08x", got)
	}
	if got := m.Read32(0x10); got != 0xDEADBEEF {
		t.Errorf("Read32() = 0x%08x", got)
	}

	m.Write64(0x20, 0x0123456789ABCDEF)
	if lo, hi := m.Read32(0x20), m.Read32(0x24); lo != 0x89ABCDEF || hi != 0x01234567 {
		t.Errorf("halves = 0x%08x 0x%08x", lo, hi)
	}
	if got := m.Read64(0x20); got != 0x0123456789ABCDEF {
		t.Errorf("Read64() = 0x%016x", got)
	}
}

func TestMMIO_BadAccess(t *testing.T) {
	m := newMMIO(make([]byte, 16))

	for _, off := range []uint32{2, 16, 0x1000} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Read32(0x%x) did not panic", off)
				}
			}()
			m.Read32(off)
		}()
	}
}

func TestMapBAR(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource0")
	data := make([]byte, 4096)
	binary.LittleEndian.PutUint32(data[0x20:], 0x01000020) // HCIVERSION 1.0, CAPLENGTH 0x20
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := MapBAR(path, 0)
	if err != nil {
		t.Fatalf("MapBAR failed: %v", err)
	}
	defer m.Close()

	if m.Len() != 4096 {
		t.Errorf("Len() = %d, want 4096", m.Len())
	}
	if got := m.Read32(0x20); got != 0x01000020 {
		t.Errorf("Read32(0x20) = 0x%08x", got)
	}
	m.Write32(0x40, 7)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	back, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(back[0x40:]); got != 7 {
		t.Errorf("written dword = %d, want 7", got)
	}
}

func TestMapBAR_Missing(t *testing.T) {
	_, err := MapBAR(filepath.Join(t.TempDir(), "resource0"), 4096)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want ErrNotExist", err)
	}
}
