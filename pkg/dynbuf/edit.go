package dynbuf

// Add appends p and returns len(p). It never touches the cap.
func (b *Buffer) Add(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	b.grow(len(p))
	b.put(b.RealLen(), p)
	b.writeOffset += len(p)
	return len(p)
}

// AddString appends s.
func (b *Buffer) AddString(s string) int {
	return b.Add([]byte(s))
}

// AddByte appends a single byte.
func (b *Buffer) AddByte(c byte) {
	b.grow(1)
	frag, off := b.layout().locate(b.RealLen())
	b.fragments[frag][off] = c
	b.writeOffset++
}

// Insert places p at logical offset, shifting the bytes behind it up.
// offset must not exceed Len. Inserting inside a capped view grows the cap.
func (b *Buffer) Insert(offset int, p []byte) {
	if offset < 0 || offset > b.Len() {
		violation("Insert", "offset %d outside [0, %d]", offset, b.Len())
	}
	n := len(p)
	if n == 0 {
		return
	}

	tail := b.RealLen() - offset
	b.grow(n)
	b.writeOffset += n
	b.move(offset, offset+n, tail)
	b.put(offset, p)

	if b.capped >= 0 && offset <= b.capped {
		b.capped += n
	}
	if b.position > offset {
		b.position += n
	}
}

// Remove drops n bytes from the front.
func (b *Buffer) Remove(n int) {
	b.checkRange("Remove", 0, n, b.RealLen())
	if n == 0 {
		return
	}
	b.readOffset += n
	if b.capped >= 0 {
		b.capped = max(0, b.capped-n)
	}
	b.position = max(0, b.position-n)
	b.releaseHead()
}

// RemoveAt drops n bytes starting at offset, shifting the bytes behind them
// down.
func (b *Buffer) RemoveAt(offset, n int) {
	b.checkRange("RemoveAt", offset, n, b.RealLen())
	if n == 0 {
		return
	}
	if offset == 0 {
		b.Remove(n)
		return
	}

	b.move(offset+n, offset, b.RealLen()-offset-n)
	b.writeOffset -= n

	if b.capped > offset {
		b.capped -= min(n, b.capped-offset)
	}
	if b.position > offset {
		b.position -= min(n, b.position-offset)
	}
	b.releaseTail()
}

// RemoveAtEnd drops the last n bytes.
func (b *Buffer) RemoveAtEnd(n int) {
	b.checkRange("RemoveAtEnd", 0, n, b.RealLen())
	if n == 0 {
		return
	}
	b.writeOffset -= n
	b.releaseTail()
}

// At returns the byte at logical index i.
func (b *Buffer) At(i int) byte {
	b.checkRange("At", i, 1, b.Len())
	frag, off := b.layout().locate(i)
	return b.fragments[frag][off]
}

// SetAt overwrites the byte at logical index i.
func (b *Buffer) SetAt(i int, c byte) {
	b.checkRange("SetAt", i, 1, b.Len())
	frag, off := b.layout().locate(i)
	b.fragments[frag][off] = c
}

// CopyTo copies visible bytes starting at offset into p and returns the
// number copied.
func (b *Buffer) CopyTo(p []byte, offset int) int {
	if offset < 0 || offset > b.Len() {
		violation("CopyTo", "offset %d outside [0, %d]", offset, b.Len())
	}
	n := min(len(p), b.Len()-offset)
	done := 0
	for s := range spans(b.layout(), offset, n) {
		done += copy(p[done:], s.of(b.fragments))
	}
	return done
}

// Bytes returns a copy of n visible bytes starting at offset.
func (b *Buffer) Bytes(offset, n int) []byte {
	b.checkRange("Bytes", offset, n, b.Len())
	p := make([]byte, n)
	b.CopyTo(p, offset)
	return p
}
