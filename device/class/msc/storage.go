package msc

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ardnew/softxhci/pkg"
)

// Storage is a block backend for a [Target].
type Storage interface {
	// BlockSize returns the size of a logical block in bytes.
	BlockSize() uint32

	// BlockCount returns the total number of blocks.
	BlockCount() uint64

	// ReadBlocks fills buf, a whole number of blocks, starting at lba.
	ReadBlocks(lba uint64, buf []byte) error

	// WriteBlocks stores buf, a whole number of blocks, starting at lba.
	WriteBlocks(lba uint64, buf []byte) error

	// Sync flushes cached writes.
	Sync() error

	// ReadOnly reports whether writes are refused.
	ReadOnly() bool
}

// checkRange validates a block-aligned access of len(buf) bytes at lba.
func checkRange(s Storage, lba uint64, buf []byte) error {
	bs := uint64(s.BlockSize())
	if uint64(len(buf))%bs != 0 {
		return fmt.Errorf("length %d not a multiple of %d: %w", len(buf), bs, pkg.ErrInvalidParameter)
	}
	if lba+uint64(len(buf))/bs > s.BlockCount() {
		return fmt.Errorf("LBA %d+%d: %w", lba, uint64(len(buf))/bs, io.ErrUnexpectedEOF)
	}
	return nil
}

// =============================================================================
// Memory Storage
// =============================================================================

// MemoryStorage is a RAM disk.
type MemoryStorage struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint32
	readOnly  bool
}

// NewMemoryStorage returns a zeroed RAM disk of blocks blocks.
func NewMemoryStorage(blocks uint64, blockSize uint32) *MemoryStorage {
	return &MemoryStorage{
		data:      make([]byte, blocks*uint64(blockSize)),
		blockSize: blockSize,
	}
}

// BlockSize returns the block size.
func (m *MemoryStorage) BlockSize() uint32 {
	return m.blockSize
}

// BlockCount returns the number of blocks.
func (m *MemoryStorage) BlockCount() uint64 {
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// ReadBlocks copies blocks out of memory.
func (m *MemoryStorage) ReadBlocks(lba uint64, buf []byte) error {
	if err := checkRange(m, lba, buf); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	off := lba * uint64(m.blockSize)
	copy(buf, m.data[off:])
	return nil
}

// WriteBlocks copies blocks into memory.
func (m *MemoryStorage) WriteBlocks(lba uint64, buf []byte) error {
	if err := checkRange(m, lba, buf); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return os.ErrPermission
	}
	off := lba * uint64(m.blockSize)
	copy(m.data[off:], buf)
	return nil
}

// Sync is a no-op.
func (m *MemoryStorage) Sync() error {
	return nil
}

// ReadOnly reports whether writes are refused.
func (m *MemoryStorage) ReadOnly() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readOnly
}

// SetReadOnly sets the write-protect flag.
func (m *MemoryStorage) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = readOnly
}

// Fill writes a recognizable pattern into every block: each byte is its
// offset within the block plus the low byte of the LBA.
func (m *MemoryStorage) Fill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs := int(m.blockSize)
	for i := range m.data {
		m.data[i] = byte(i%bs) + byte(i/bs)
	}
}

// =============================================================================
// File Storage
// =============================================================================

// FileStorage is a disk image file.
type FileStorage struct {
	mu        sync.RWMutex
	file      *os.File
	blockSize uint32
	blocks    uint64
	readOnly  bool
}

// NewFileStorage opens the image at path. A trailing partial block is
// not addressable.
func NewFileStorage(path string, blockSize uint32, readOnly bool) (*FileStorage, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &FileStorage{
		file:      file,
		blockSize: blockSize,
		blocks:    uint64(stat.Size()) / uint64(blockSize),
		readOnly:  readOnly,
	}, nil
}

// BlockSize returns the block size.
func (f *FileStorage) BlockSize() uint32 {
	return f.blockSize
}

// BlockCount returns the number of whole blocks in the image.
func (f *FileStorage) BlockCount() uint64 {
	return f.blocks
}

// ReadBlocks reads blocks from the image.
func (f *FileStorage) ReadBlocks(lba uint64, buf []byte) error {
	if err := checkRange(f, lba, buf); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return os.ErrClosed
	}
	_, err := f.file.ReadAt(buf, int64(lba*uint64(f.blockSize)))
	return err
}

// WriteBlocks writes blocks to the image.
func (f *FileStorage) WriteBlocks(lba uint64, buf []byte) error {
	if err := checkRange(f, lba, buf); err != nil {
		return err
	}
	if f.readOnly {
		return os.ErrPermission
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return os.ErrClosed
	}
	_, err := f.file.WriteAt(buf, int64(lba*uint64(f.blockSize)))
	return err
}

// Sync flushes the image to disk.
func (f *FileStorage) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readOnly || f.file == nil {
		return nil
	}
	return f.file.Sync()
}

// ReadOnly reports whether the image was opened read-only.
func (f *FileStorage) ReadOnly() bool {
	return f.readOnly
}

// Close closes the image file.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
