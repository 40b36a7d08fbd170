//go:build linux

package hwids

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Standard locations of the databases.
var (
	USBPaths = []string{
		"/usr/share/hwdata/usb.ids",
		"/var/lib/usbutils/usb.ids",
		"/usr/share/misc/usb.ids",
	}
	PCIPaths = []string{
		"/usr/share/hwdata/pci.ids",
		"/usr/share/misc/pci.ids",
		"/usr/share/pci.ids",
	}
)

// Database caches vendor and device names from one ID file.
type Database struct {
	mu      sync.RWMutex
	vendors map[uint16]string
	devices map[uint32]string // vendor<<16 | device
	loaded  bool
	paths   []string
}

// NewUSB returns a database that searches the usb.ids locations.
func NewUSB() *Database { return NewWithPaths(USBPaths) }

// NewPCI returns a database that searches the pci.ids locations.
func NewPCI() *Database { return NewWithPaths(PCIPaths) }

// NewWithPaths returns a database that searches paths in order.
func NewWithPaths(paths []string) *Database {
	return &Database{
		vendors: make(map[uint16]string),
		devices: make(map[uint32]string),
		paths:   paths,
	}
}

// Load parses the first database file found. It is idempotent and returns
// false if no file could be opened.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.loaded {
		return len(db.vendors) > 0
	}
	db.loaded = true

	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		db.parse(f)
		return true
	}
	return false
}

// Parse adds the entries read from r.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.loaded = true
	return db.parse(r)
}

func (db *Database) parse(r io.Reader) error {
	sc := bufio.NewScanner(r)
	var vendor uint16
	var inVendor bool

	for sc.Scan() {
		line := sc.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if line[0] != '\t' {
			id, name, ok := entry(line)
			inVendor = ok
			if ok {
				vendor = id
				db.vendors[id] = name
			}
			continue
		}

		// Device lines have one tab; subsystem lines have two.
		if !inVendor || len(line) < 2 || line[1] == '\t' {
			continue
		}
		if id, name, ok := entry(line[1:]); ok {
			db.devices[uint32(vendor)<<16|uint32(id)] = name
		}
	}
	return sc.Err()
}

// entry splits "xxxx  Name".
func entry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimLeft(s[5:], " "), true
}

// Vendor returns the vendor name for vid, or "".
func (db *Database) Vendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// Device returns the device name for vid:did, or "".
func (db *Database) Device(vid, did uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.devices[uint32(vid)<<16|uint32(did)]
}

// Describe formats "Vendor Device [vvvv:dddd]", leaving out unknown
// names.
func (db *Database) Describe(vid, did uint16) string {
	ids := fmt.Sprintf("[%04x:%04x]", vid, did)
	var parts []string
	if v := db.Vendor(vid); v != "" {
		parts = append(parts, v)
	}
	if d := db.Device(vid, did); d != "" {
		parts = append(parts, d)
	}
	return strings.Join(append(parts, ids), " ")
}

// Len returns the number of vendors and devices loaded.
func (db *Database) Len() (vendors, devices int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors), len(db.devices)
}
