package rdma

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Buffer is a page-backed byte region that can be registered with a
// protection domain. Remote peers write into it through the fabric while
// local code reads it, so every access goes through the buffer lock.
type Buffer struct {
	free         func([]byte) error
	data         []byte
	size         int
	useAfterFree atomic.Int64
	mu           sync.Mutex
	released     atomic.Bool
}

// NewBuffer allocates a zeroed buffer of size bytes.
func NewBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	data, free, err := allocate(size)
	if err != nil {
		return nil, err
	}

	return &Buffer{data: data, size: size, free: free}, nil
}

// Len returns the buffer size in bytes. It stays valid after Free.
func (b *Buffer) Len() int {
	return b.size
}

// Addr returns the virtual address of the first byte, or 0 once released.
func (b *Buffer) Addr() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&b.data[0])))
}

func (b *Buffer) bounds(off, n int) error {
	if b.released.Load() {
		b.useAfterFree.Add(1)
		return ErrBufferReleased
	}

	if off < 0 || n < 0 || off > len(b.data) || n > len(b.data)-off {
		return &OutOfBoundsError{Offset: off, Length: n, Size: len(b.data)}
	}

	return nil
}

// ReadAt copies n bytes starting at off.
func (b *Buffer) ReadAt(off, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.bounds(off, n); err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, b.data[off:off+n])

	return out, nil
}

// WriteAt copies p into the buffer at off. Nothing is written on error.
func (b *Buffer) WriteAt(off int, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.bounds(off, len(p)); err != nil {
		return err
	}

	copy(b.data[off:], p)

	return nil
}

// ReadInt32 decodes a little-endian int32 at off.
func (b *Buffer) ReadInt32(off int) (int32, error) {
	p, err := b.ReadAt(off, 4)
	if err != nil {
		return 0, err
	}

	return int32(binary.LittleEndian.Uint32(p)), nil //nolint:gosec // G115: reinterpret bits
}

// WriteInt32 encodes v little-endian at off.
func (b *Buffer) WriteInt32(off int, v int32) error {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], uint32(v)) //nolint:gosec // G115: reinterpret bits

	return b.WriteAt(off, p[:])
}

// Snapshot returns a copy of the whole buffer.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)

	return out
}

// checkAndClear reads the first four bytes and zeroes them when non-zero.
// Read and clear happen under one lock so a concurrent remote write is either
// observed or left for the next check.
func (b *Buffer) checkAndClear() (int32, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.bounds(0, 4); err != nil {
		return 0, false, err
	}

	v := int32(binary.LittleEndian.Uint32(b.data[:4])) //nolint:gosec // G115: reinterpret bits
	if v == 0 {
		return 0, false, nil
	}

	clear(b.data[:4])

	return v, true, nil
}

// Free returns the memory to the system. Calling it again is a no-op.
func (b *Buffer) Free() error {
	if !b.released.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.data
	b.data = nil

	if b.free == nil {
		return nil
	}

	if err := b.free(data); err != nil {
		return fmt.Errorf("failed to release buffer: %w", err)
	}

	return nil
}

// UseAfterFree reports how many accesses were rejected after Free.
func (b *Buffer) UseAfterFree() int64 {
	return b.useAfterFree.Load()
}

// MemoryDescriptor is what a peer needs to target a registered region.
type MemoryDescriptor struct {
	Addr uint64
	RKey uint32
	Size uint32
}

// MemoryRegion is a Buffer registered with a protection domain.
type MemoryRegion struct {
	buf  *Buffer
	attr VerbsMRAttr
}

func registerRegion(backend VerbsBackend, pd VerbsPD, buf *Buffer, access int) (*MemoryRegion, error) {
	attr, err := backend.RegMR(pd, buf, access)
	if err != nil {
		return nil, err
	}

	return &MemoryRegion{buf: buf, attr: *attr}, nil
}

// Descriptor returns the remote-access description of the region.
func (m *MemoryRegion) Descriptor() MemoryDescriptor {
	return MemoryDescriptor{
		Addr: m.attr.Addr,
		RKey: m.attr.RKey,
		Size: uint32(m.attr.Length), //nolint:gosec // G115: buffer sizes are validated against uint32
	}
}

// SGE returns a scatter/gather entry covering the first length bytes.
func (m *MemoryRegion) SGE(length uint32) VerbsSGE {
	return VerbsSGE{Addr: m.attr.Addr, Length: length, LKey: m.attr.LKey}
}

// Buffer returns the backing buffer.
func (m *MemoryRegion) Buffer() *Buffer { return m.buf }

// Handle returns the backend handle of the registration.
func (m *MemoryRegion) Handle() VerbsMR { return m.attr.Handle }

// LKey returns the local key.
func (m *MemoryRegion) LKey() uint32 { return m.attr.LKey }
