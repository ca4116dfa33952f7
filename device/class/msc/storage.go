package msc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ardnew/usbd/pkg"
)

// Storage is the block device behind a logical unit.
type Storage interface {
	BlockSize() uint32
	BlockCount() uint64

	// ReadBlocks fills buf, a whole number of blocks, starting at lba.
	ReadBlocks(lba uint64, buf []byte) error
	// WriteBlocks stores buf, a whole number of blocks, starting at lba.
	WriteBlocks(lba uint64, buf []byte) error

	Sync() error
	ReadOnly() bool
}

// Ejector is implemented by storage with removable media.
type Ejector interface {
	Present() bool
	Eject() error
}

// Errors returned by the storage backends.
var (
	ErrOutOfRange   = fmt.Errorf("%w: block range", pkg.ErrInvalid)
	ErrReadOnly     = errors.New("storage is read-only")
	ErrNotPresent   = errors.New("medium not present")
	ErrNotRemovable = errors.New("medium not removable")
)

func checkRange(s Storage, lba uint64, n int) error {
	bs := uint64(s.BlockSize())
	if n < 0 || uint64(n)%bs != 0 {
		return fmt.Errorf("%d bytes with %d-byte blocks: %w", n, bs, pkg.ErrInvalidLength)
	}
	if end := lba + uint64(n)/bs; end < lba || end > s.BlockCount() {
		return fmt.Errorf("blocks %d+%d of %d: %w", lba, uint64(n)/bs, s.BlockCount(), ErrOutOfRange)
	}
	return nil
}

// MemoryStorage is a RAM disk.
type MemoryStorage struct {
	mutex     sync.RWMutex
	data      []byte
	blockSize uint32
	readOnly  bool
	removable bool
	present   bool
}

// NewMemoryStorage creates a zeroed RAM disk of blocks blocks.
func NewMemoryStorage(blocks uint64, blockSize uint32) *MemoryStorage {
	return &MemoryStorage{
		data:      make([]byte, blocks*uint64(blockSize)),
		blockSize: blockSize,
		present:   true,
	}
}

// BlockSize implements [Storage].
func (m *MemoryStorage) BlockSize() uint32 { return m.blockSize }

// BlockCount implements [Storage].
func (m *MemoryStorage) BlockCount() uint64 {
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// ReadBlocks implements [Storage].
func (m *MemoryStorage) ReadBlocks(lba uint64, buf []byte) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if !m.present {
		return ErrNotPresent
	}
	if err := checkRange(m, lba, len(buf)); err != nil {
		return err
	}
	copy(buf, m.data[lba*uint64(m.blockSize):])
	return nil
}

// WriteBlocks implements [Storage].
func (m *MemoryStorage) WriteBlocks(lba uint64, buf []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	switch {
	case !m.present:
		return ErrNotPresent
	case m.readOnly:
		return ErrReadOnly
	}
	if err := checkRange(m, lba, len(buf)); err != nil {
		return err
	}
	copy(m.data[lba*uint64(m.blockSize):], buf)
	return nil
}

// Sync implements [Storage].
func (m *MemoryStorage) Sync() error { return nil }

// ReadOnly implements [Storage].
func (m *MemoryStorage) ReadOnly() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.readOnly
}

// SetReadOnly write-protects the disk.
func (m *MemoryStorage) SetReadOnly(on bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = on
}

// SetRemovable allows [MemoryStorage.Eject].
func (m *MemoryStorage) SetRemovable(on bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.removable = on
}

// Present implements [Ejector].
func (m *MemoryStorage) Present() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.present
}

// Insert makes an ejected medium present again.
func (m *MemoryStorage) Insert() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.present = true
}

// Eject implements [Ejector].
func (m *MemoryStorage) Eject() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.removable {
		return ErrNotRemovable
	}
	m.present = false
	return nil
}

// FileStorage is a disk image file.
type FileStorage struct {
	mutex     sync.Mutex
	file      *os.File
	blockSize uint32
	blocks    uint64
	readOnly  bool
}

// OpenFileStorage opens the image at path. Trailing bytes that do not fill
// a block are not addressable.
func OpenFileStorage(path string, blockSize uint32, readOnly bool) (*FileStorage, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("block size 0: %w", pkg.ErrInvalidParameter)
	}
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileStorage{
		file:      f,
		blockSize: blockSize,
		blocks:    uint64(info.Size()) / uint64(blockSize),
		readOnly:  readOnly,
	}, nil
}

// CreateFileStorage creates (or truncates) a zeroed image at path.
func CreateFileStorage(path string, blocks uint64, blockSize uint32) (*FileStorage, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(blocks * uint64(blockSize))); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return OpenFileStorage(path, blockSize, false)
}

// BlockSize implements [Storage].
func (f *FileStorage) BlockSize() uint32 { return f.blockSize }

// BlockCount implements [Storage].
func (f *FileStorage) BlockCount() uint64 { return f.blocks }

// ReadBlocks implements [Storage].
func (f *FileStorage) ReadBlocks(lba uint64, buf []byte) error {
	if err := checkRange(f, lba, len(buf)); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.file == nil {
		return os.ErrClosed
	}
	_, err := f.file.ReadAt(buf, int64(lba*uint64(f.blockSize)))
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// WriteBlocks implements [Storage].
func (f *FileStorage) WriteBlocks(lba uint64, buf []byte) error {
	if f.readOnly {
		return ErrReadOnly
	}
	if err := checkRange(f, lba, len(buf)); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.file == nil {
		return os.ErrClosed
	}
	_, err := f.file.WriteAt(buf, int64(lba*uint64(f.blockSize)))
	return err
}

// Sync implements [Storage].
func (f *FileStorage) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.file == nil || f.readOnly {
		return nil
	}
	return f.file.Sync()
}

// ReadOnly implements [Storage].
func (f *FileStorage) ReadOnly() bool { return f.readOnly }

// Close closes the image.
func (f *FileStorage) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
