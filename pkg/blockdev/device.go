package blockdev

import (
	"context"
	"fmt"
	"io"

	"github.com/ardnew/softxhci/pkg"
)

// Device describes one registered block device.
//
// Read is required. A nil Write reports ErrNotSupported and a nil Sync
// does nothing.
type Device struct {
	Name         string
	SectorSize   int
	TotalSectors uint64

	Read  func(ctx context.Context, lba uint64, count int, buf []byte) error
	Write func(ctx context.Context, lba uint64, count int, buf []byte) error
	Sync  func(ctx context.Context) error
}

// Size returns the capacity in bytes.
func (d *Device) Size() int64 {
	return int64(d.TotalSectors) * int64(d.SectorSize)
}

func (d *Device) check(lba uint64, count int, buf []byte) error {
	if count < 0 || len(buf) < count*d.SectorSize {
		return fmt.Errorf("%s: %d sectors into %d bytes: %w", d.Name, count, len(buf), pkg.ErrInvalidParameter)
	}
	if lba > d.TotalSectors || uint64(count) > d.TotalSectors-lba {
		return fmt.Errorf("%s: sectors %d+%d past %d: %w", d.Name, lba, count, d.TotalSectors, io.ErrUnexpectedEOF)
	}
	return nil
}

// ReadSectors reads count sectors starting at lba into buf.
func (d *Device) ReadSectors(ctx context.Context, lba uint64, count int, buf []byte) error {
	if err := d.check(lba, count, buf); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	return d.Read(ctx, lba, count, buf)
}

// WriteSectors writes count sectors starting at lba from buf.
func (d *Device) WriteSectors(ctx context.Context, lba uint64, count int, buf []byte) error {
	if d.Write == nil {
		return fmt.Errorf("%s: write: %w", d.Name, pkg.ErrNotSupported)
	}
	if err := d.check(lba, count, buf); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	return d.Write(ctx, lba, count, buf)
}

// Flush commits any cached writes.
func (d *Device) Flush(ctx context.Context) error {
	if d.Sync == nil {
		return nil
	}
	return d.Sync(ctx)
}

// ReaderAt returns an io.ReaderAt over the device. Reads that are not
// sector aligned go through a one-sector bounce buffer.
func (d *Device) ReaderAt(ctx context.Context) io.ReaderAt {
	return &readerAt{ctx: ctx, dev: d, bounce: make([]byte, d.SectorSize)}
}

type readerAt struct {
	ctx    context.Context
	dev    *Device
	bounce []byte
}

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("offset %d: %w", off, pkg.ErrInvalidParameter)
	}
	size := r.dev.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := len(p)
	if rem := size - off; int64(want) > rem {
		p = p[:rem]
	}

	ss := int64(r.dev.SectorSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		lba, skip := uint64(pos/ss), int(pos%ss)

		// Whole sectors go straight into p.
		if skip == 0 && len(p)-n >= int(ss) {
			count := (len(p) - n) / int(ss)
			if err := r.dev.ReadSectors(r.ctx, lba, count, p[n:]); err != nil {
				return n, err
			}
			n += count * int(ss)
			continue
		}

		if err := r.dev.ReadSectors(r.ctx, lba, 1, r.bounce); err != nil {
			return n, err
		}
		n += copy(p[n:], r.bounce[skip:])
	}
	if n < want {
		return n, io.EOF
	}
	return n, nil
}
