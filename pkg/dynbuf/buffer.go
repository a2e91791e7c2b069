// Package dynbuf implements a segmented byte accumulator.
//
// A Buffer stores its content across a chain of fixed-size fragments borrowed
// from a bufpool.Allocator. Logical byte i lives at physical offset
// readOffset+i of the flattened fragment chain, so appends never move data,
// removals from the front only advance a cursor, and fragments are returned to
// the allocator as soon as no cursor covers them.
//
// On top of the FIFO queue operations (Add, Remove, MoveTo, WriteTo, Fill) a
// Buffer offers random access (At, SetAt, Insert, RemoveAt), searching
// (IndexOf with resumable partial matches), CRC-32, content comparison across
// differently fragmented buffers, text decoding and transcoding, and an
// io.Reader/io.Writer/io.Seeker view driven by an independent stream position.
//
// A capped position (SetCap) presents only the first N bytes through Len and
// every read-side operation without discarding the rest.
//
// Buffers are not safe for concurrent use; a socket handler owns its two
// buffers exclusively.
package dynbuf

import (
	"fmt"
	"slices"

	"github.com/marmos91/dittosock/pkg/bufpool"
)

// DefaultFragmentSize is used when New is given a non-positive size.
const DefaultFragmentSize = bufpool.DefaultSmallSize

// Buffer is a segmented byte queue. The zero value is not usable; call New.
type Buffer struct {
	alloc        bufpool.Allocator
	fragmentSize int
	fragments    [][]byte

	// readOffset lies inside fragments[0]; writeOffset-readOffset is RealLen.
	readOffset  int
	writeOffset int

	// capped < 0 means no cap.
	capped   int
	position int
}

// ContractError reports a broken internal invariant or a misuse of the
// buffer API. It is raised with panic and never returned.
type ContractError struct {
	Op  string
	Msg string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("dynbuf: %s: %s", e.Op, e.Msg)
}

func violation(op, format string, args ...any) {
	panic(&ContractError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

// New creates an empty buffer drawing fragments of fragmentSize bytes from
// alloc. A nil alloc uses the package-level bufpool.
func New(alloc bufpool.Allocator, fragmentSize int) *Buffer {
	if alloc == nil {
		alloc = bufpool.Default()
	}
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}
	return &Buffer{
		alloc:        alloc,
		fragmentSize: fragmentSize,
		capped:       -1,
	}
}

// FragmentSize returns the size of each fragment.
func (b *Buffer) FragmentSize() int {
	return b.fragmentSize
}

// Fragments returns how many fragments the buffer currently holds.
func (b *Buffer) Fragments() int {
	return len(b.fragments)
}

// RealLen returns the number of stored bytes, ignoring any cap.
func (b *Buffer) RealLen() int {
	return b.writeOffset - b.readOffset
}

// Len returns the number of visible bytes: RealLen, limited by the cap if one
// is set.
func (b *Buffer) Len() int {
	n := b.writeOffset - b.readOffset
	if b.capped >= 0 && b.capped < n {
		return b.capped
	}
	return n
}

// Cap returns the capped position and whether one is set.
func (b *Buffer) Cap() (int, bool) {
	if b.capped < 0 {
		return 0, false
	}
	return b.capped, true
}

// SetCap limits the visible content to the first n bytes.
func (b *Buffer) SetCap(n int) {
	if n < 0 {
		violation("SetCap", "negative cap %d", n)
	}
	b.capped = n
	b.clampPosition()
}

// ClearCap removes the cap.
func (b *Buffer) ClearCap() {
	b.capped = -1
}

// Reset returns every fragment to the allocator and zeroes all cursors and
// the cap.
func (b *Buffer) Reset() {
	b.releaseAll()
	b.capped = -1
}

func (b *Buffer) layout() layout {
	return layout{base: b.readOffset, size: b.fragmentSize}
}

// capacity is the number of logical bytes the current fragments can hold.
func (b *Buffer) capacity() int {
	return len(b.fragments)*b.fragmentSize - b.readOffset
}

func (b *Buffer) newFragment() []byte {
	frag := b.alloc.Get(b.fragmentSize)
	if len(frag) < b.fragmentSize {
		violation("alloc", "pool returned %d bytes, need %d", len(frag), b.fragmentSize)
	}
	return frag[:b.fragmentSize]
}

// grow appends fragments until n more bytes fit after writeOffset.
func (b *Buffer) grow(n int) {
	need := (b.writeOffset + n + b.fragmentSize - 1) / b.fragmentSize
	for len(b.fragments) < need {
		b.fragments = append(b.fragments, b.newFragment())
	}
}

// releaseHead returns fragments the read cursor has moved past.
func (b *Buffer) releaseHead() {
	if b.writeOffset == b.readOffset {
		b.releaseAll()
		return
	}
	k := b.readOffset / b.fragmentSize
	if k == 0 {
		return
	}
	for _, frag := range b.fragments[:k] {
		b.alloc.Put(frag)
	}
	b.fragments = slices.Delete(b.fragments, 0, k)
	b.readOffset -= k * b.fragmentSize
	b.writeOffset -= k * b.fragmentSize
}

// releaseTail returns fragments lying wholly beyond the write cursor.
func (b *Buffer) releaseTail() {
	if b.writeOffset == b.readOffset {
		b.releaseAll()
		return
	}
	need := (b.writeOffset + b.fragmentSize - 1) / b.fragmentSize
	for i := need; i < len(b.fragments); i++ {
		b.alloc.Put(b.fragments[i])
		b.fragments[i] = nil
	}
	b.fragments = b.fragments[:need]
	b.clampPosition()
}

// releaseAll collapses the buffer to zero fragments.
func (b *Buffer) releaseAll() {
	for i, frag := range b.fragments {
		b.alloc.Put(frag)
		b.fragments[i] = nil
	}
	b.fragments = b.fragments[:0]
	b.readOffset = 0
	b.writeOffset = 0
	b.position = 0
}

func (b *Buffer) clampPosition() {
	b.position = max(0, min(b.position, b.Len()))
}

func (b *Buffer) checkRange(op string, offset, n, limit int) {
	if offset < 0 || n < 0 || offset+n > limit {
		violation(op, "range [%d, %d) outside [0, %d)", offset, offset+n, limit)
	}
}

// put copies p into already allocated space starting at logical offset at.
func (b *Buffer) put(at int, p []byte) {
	done := 0
	for s := range spans(b.layout(), at, len(p)) {
		done += copy(s.of(b.fragments), p[done:])
	}
}

// move copies n logical bytes from offset from to offset to. Runs are walked
// backward when shifting up so no source byte is overwritten before it is
// read; copy itself handles overlap inside a single run.
func (b *Buffer) move(from, to, n int) {
	if n == 0 || from == to {
		return
	}
	if max(from, to)+n > b.capacity() {
		violation("move", "moving %d bytes from %d to %d exceeds capacity %d", n, from, to, b.capacity())
	}
	l := b.layout()
	for r := range runs(l, l, from, to, n, to > from) {
		copy(r.b.of(b.fragments), r.a.of(b.fragments))
	}
}
