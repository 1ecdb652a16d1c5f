// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

// Package bufpool implements the fixed-capacity, one-concurrent-owner
// buffer pool (spec.md §4.2) that underpins zero-copy handoffs between the
// UDP receiver, the event builder, and the persistence layer.
//
// The pool deliberately performs no internal locking (spec.md §4.2, §9):
// callers are expected to already hold one of the two hot-path mutexes
// (the FEM Array send mutex or the Event Builder queue mutex) before
// calling Give/Return. This mirrors the original design rather than
// adding a redundant lock.
package bufpool

import (
	"errors"
	"unsafe"
)

// ReturnFlag records which path is responsible for returning a buffer to
// the pool.
type ReturnFlag uint8

const (
	// AutoReturned buffers are returned by the sender/receiver path itself.
	AutoReturned ReturnFlag = iota
	// UserReturned buffers are returned only by the explicit consumer
	// (the event-builder recycle queue).
	UserReturned
)

func (f ReturnFlag) String() string {
	if f == UserReturned {
		return "USER_RETURNED"
	}
	return "AUTO_RETURNED"
}

const alignment = 32

var (
	// ErrNoFree is returned by Give when free_cnt == 0.
	ErrNoFree = errors.New("bufpool: no free buffer")
	// ErrFreeBufferNotFound signals the invariant violation where
	// free_cnt > 0 but no FREE slot could be located.
	ErrFreeBufferNotFound = errors.New("bufpool: free_cnt > 0 but no free slot found")
	// ErrInvalidHandle is returned when a Buffer does not belong to the
	// pool it is being returned to, or its index is out of range.
	ErrInvalidHandle = errors.New("bufpool: handle does not belong to this pool")
	// ErrNotBusy is returned by Return when the targeted slot is already FREE.
	ErrNotBusy = errors.New("bufpool: buffer is not busy")
)

// Pool is a fixed array of fixed-size, 32-byte-aligned buffers.
type Pool struct {
	bufSize int
	raw     []byte // over-allocated backing store
	base    int    // offset into raw of the first aligned buffer
	state   []bool // true == busy
	flag    []ReturnFlag
	freeCnt int
	rr      int // round-robin give pointer
}

// New constructs a pool of count buffers of size bytes each.
func New(count, size int) *Pool {
	if count <= 0 || size <= 0 {
		panic("bufpool: count and size must be positive")
	}
	raw := make([]byte, count*size+alignment)
	base := alignOffset(raw)
	return &Pool{
		bufSize: size,
		raw:     raw,
		base:    base,
		state:   make([]bool, count),
		flag:    make([]ReturnFlag, count),
		freeCnt: count,
	}
}

func alignOffset(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	rem := int(addr % alignment)
	if rem == 0 {
		return 0
	}
	return alignment - rem
}

// Capacity returns the total number of buffers in the pool.
func (p *Pool) Capacity() int { return len(p.state) }

// FreeCount returns the number of currently FREE buffers.
func (p *Pool) FreeCount() int { return p.freeCnt }

// BufferSize returns the fixed size, in bytes, of every buffer.
func (p *Pool) BufferSize() int { return p.bufSize }

// Buffer is a handle to one pool-owned, fixed-size region. Data is valid
// only while the buffer is BUSY; it must not be retained past Return.
type Buffer struct {
	Data  []byte
	pool  *Pool
	index int
}

func (p *Pool) slot(idx int) []byte {
	off := p.base + idx*p.bufSize
	return p.raw[off : off+p.bufSize]
}

// Give rotates the round-robin pointer and returns the next FREE buffer,
// marking it BUSY with the given return-ownership flag. It fails without
// side effects if the pool has no free buffers; it reports
// ErrFreeBufferNotFound (an invariant violation, never expected in
// correct operation) if free_cnt is positive but no FREE slot can be
// located.
func (p *Pool) Give(flag ReturnFlag) (*Buffer, error) {
	if p.freeCnt == 0 {
		return nil, ErrNoFree
	}
	n := len(p.state)
	for i := 0; i < n; i++ {
		idx := (p.rr + i) % n
		if !p.state[idx] {
			p.state[idx] = true
			p.flag[idx] = flag
			p.rr = (idx + 1) % n
			p.freeCnt--
			return &Buffer{Data: p.slot(idx), pool: p, index: idx}, nil
		}
	}
	return nil, ErrFreeBufferNotFound
}

// Return releases b back to the pool. It requires that b currently be
// BUSY and belong to this pool; it refuses to over-release.
func (p *Pool) Return(b *Buffer) error {
	if b == nil || b.pool != p {
		return ErrInvalidHandle
	}
	if b.index < 0 || b.index >= len(p.state) {
		return ErrInvalidHandle
	}
	if !p.state[b.index] {
		return ErrNotBusy
	}
	p.state[b.index] = false
	p.freeCnt++
	b.Data = nil
	return nil
}

// GetFlags reports whether b is busy and which return-ownership flag it
// was given with.
func (p *Pool) GetFlags(b *Buffer) (busy bool, flag ReturnFlag, err error) {
	if b == nil || b.pool != p || b.index < 0 || b.index >= len(p.state) {
		return false, 0, ErrInvalidHandle
	}
	return p.state[b.index], p.flag[b.index], nil
}
