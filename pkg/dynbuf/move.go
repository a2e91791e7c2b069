package dynbuf

import (
	"errors"
	"io"

	"github.com/marmos91/dittosock/pkg/bufpool"
)

// MoveTo moves up to n visible bytes from the front of b to the end of dst
// and returns the count moved. When fn is non-nil each physical chunk is
// passed through it and its result is appended instead.
func (b *Buffer) MoveTo(dst *Buffer, n int, fn func(chunk []byte) []byte) int {
	if dst == b {
		violation("MoveTo", "source and destination are the same buffer")
	}
	n = min(n, b.Len())
	if n <= 0 {
		return 0
	}
	for s := range spans(b.layout(), 0, n) {
		chunk := s.of(b.fragments)
		if fn != nil {
			chunk = fn(chunk)
		}
		dst.Add(chunk)
	}
	b.Remove(n)
	return n
}

// MoveAllTo moves the whole visible content of b to the end of dst.
//
// When neither buffer is capped and both share fragment size and allocator,
// fragments change owner without copying: dst adopts b's chain when dst is
// empty, or appends it when dst ends on a fragment boundary and b starts on
// one. Otherwise the bytes are copied.
func (b *Buffer) MoveAllTo(dst *Buffer) int {
	if dst == b {
		violation("MoveAllTo", "source and destination are the same buffer")
	}
	n := b.Len()
	if n == 0 {
		return 0
	}

	if b.capped < 0 && dst.capped < 0 && b.fragmentSize == dst.fragmentSize && sameAllocator(b.alloc, dst.alloc) {
		switch {
		case dst.RealLen() == 0:
			dst.releaseAll()
			dst.fragments, b.fragments = b.fragments, dst.fragments
			dst.readOffset, dst.writeOffset = b.readOffset, b.writeOffset
			b.readOffset, b.writeOffset, b.position = 0, 0, 0
			return n

		case b.readOffset == 0 && dst.writeOffset == len(dst.fragments)*dst.fragmentSize:
			dst.fragments = append(dst.fragments, b.fragments...)
			dst.writeOffset += b.writeOffset
			clear(b.fragments)
			b.fragments = b.fragments[:0]
			b.readOffset, b.writeOffset, b.position = 0, 0, 0
			return n
		}
	}

	return b.MoveTo(dst, n, nil)
}

func sameAllocator(a, b bufpool.Allocator) (same bool) {
	// comparing interface values panics for non-comparable dynamic types
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// WriteTo writes the visible content to w and removes what was written.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	total := 0
	var err error
	for s := range spans(b.layout(), 0, b.Len()) {
		var m int
		m, err = w.Write(s.of(b.fragments))
		total += m
		if err == nil && m < s.n {
			err = io.ErrShortWrite
		}
		if err != nil {
			break
		}
	}
	b.Remove(total)
	return int64(total), err
}

// Fill performs a single Read from r straight into free space at the end of
// the buffer and returns what Read returned. At most limit bytes are read; a
// non-positive limit reads up to the end of the tail fragment.
func (b *Buffer) Fill(r io.Reader, limit int) (int, error) {
	if b.writeOffset == len(b.fragments)*b.fragmentSize {
		b.grow(1)
	}
	frag, off := b.writeOffset/b.fragmentSize, b.writeOffset%b.fragmentSize
	room := b.fragmentSize - off
	if limit > 0 && limit < room {
		room = limit
	}

	n, err := r.Read(b.fragments[frag][off : off+room])
	b.writeOffset += n
	if n == 0 {
		b.releaseTail()
	}
	return n, err
}

// ReadFrom appends everything r yields until io.EOF.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	for {
		n, err := b.Fill(r, 0)
		total += int64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
