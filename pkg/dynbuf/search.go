package dynbuf

import (
	"bytes"
	"hash/crc32"
)

// IndexOf searches the visible content for pattern, starting at start.
//
// When found, index is the match offset and resume equals index. When not
// found, index is -1 and resume is the earliest offset at which a match could
// still begin once more bytes arrive: the start of the longest buffer tail
// that is a proper prefix of pattern, or Len when there is none. Passing
// resume back as start after the next receive continues the search without
// rescanning bytes that are already known not to start a match.
func (b *Buffer) IndexOf(pattern []byte, start int) (index, resume int) {
	n := b.Len()
	start = max(start, 0)
	if start > n {
		return -1, n
	}
	if len(pattern) == 0 {
		return start, start
	}

	last := n - len(pattern) // last offset a full match can start at
	if start <= last {
		first := pattern[0]
		pos := start
	scan:
		for s := range spans(b.layout(), start, last+1-start) {
			chunk := s.of(b.fragments)
			for i := 0; i < len(chunk); {
				j := bytes.IndexByte(chunk[i:], first)
				if j < 0 {
					break
				}
				at := pos + i + j
				if at > last {
					break scan
				}
				if b.matchAt(at, pattern) {
					return at, at
				}
				i += j + 1
			}
			pos += s.n
		}
	}

	for k := min(len(pattern)-1, n-start); k > 0; k-- {
		if b.matchAt(n-k, pattern[:k]) {
			return -1, n - k
		}
	}
	return -1, n
}

// matchAt reports whether p occurs at logical offset at. The caller
// guarantees at+len(p) <= Len.
func (b *Buffer) matchAt(at int, p []byte) bool {
	done := 0
	for s := range spans(b.layout(), at, len(p)) {
		if !bytes.Equal(s.of(b.fragments), p[done:done+s.n]) {
			return false
		}
		done += s.n
	}
	return true
}

// HasPrefix reports whether the visible content starts with p.
func (b *Buffer) HasPrefix(p []byte) bool {
	return len(p) <= b.Len() && b.matchAt(0, p)
}

// Equal reports whether the visible content equals p.
func (b *Buffer) Equal(p []byte) bool {
	return len(p) == b.Len() && b.matchAt(0, p)
}

// CRC32 returns the IEEE CRC-32 of n visible bytes starting at offset.
func (b *Buffer) CRC32(offset, n int) uint32 {
	return b.UpdateCRC32(0, offset, n)
}

// UpdateCRC32 continues crc over n visible bytes starting at offset.
func (b *Buffer) UpdateCRC32(crc uint32, offset, n int) uint32 {
	b.checkRange("UpdateCRC32", offset, n, b.Len())
	for s := range spans(b.layout(), offset, n) {
		crc = crc32.Update(crc, crc32.IEEETable, s.of(b.fragments))
	}
	return crc
}

// SameContent reports whether both buffers expose the same bytes. It never
// panics; any internal failure yields false.
func (b *Buffer) SameContent(other *Buffer) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	if other == nil || b.Len() != other.Len() {
		return false
	}
	return b.equalPrefix(other, b.Len())
}

// StartsWith reports whether b's content begins with all of prefix's
// content. It never panics; any internal failure yields false.
func (b *Buffer) StartsWith(prefix *Buffer) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if prefix == nil || prefix.Len() > b.Len() {
		return false
	}
	return b.equalPrefix(prefix, prefix.Len())
}

func (b *Buffer) equalPrefix(other *Buffer, n int) bool {
	for r := range runs(b.layout(), other.layout(), 0, 0, n, false) {
		if !bytes.Equal(r.a.of(b.fragments), r.b.of(other.fragments)) {
			return false
		}
	}
	return true
}
