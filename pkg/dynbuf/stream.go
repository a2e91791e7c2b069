package dynbuf

import (
	"errors"
	"io"
)

var errNegativePosition = errors.New("dynbuf: negative position")

// Position returns the stream cursor used by Read, ReadByte, Write and Seek.
func (b *Buffer) Position() int {
	return b.position
}

// Read copies visible bytes from the stream position into p without removing
// them from the buffer.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.position >= b.Len() {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := b.CopyTo(p, b.position)
	b.position += n
	return n, nil
}

// ReadByte reads the byte at the stream position.
func (b *Buffer) ReadByte() (byte, error) {
	if b.position >= b.Len() {
		return 0, io.EOF
	}
	c := b.At(b.position)
	b.position++
	return c, nil
}

// Write overwrites visible bytes from the stream position on and inserts the
// remainder at the end of the visible content.
func (b *Buffer) Write(p []byte) (int, error) {
	over := min(len(p), b.Len()-b.position)
	if over > 0 {
		b.put(b.position, p[:over])
	}
	if rest := p[over:]; len(rest) > 0 {
		b.Insert(b.Len(), rest)
	}
	b.position += len(p)
	return len(p), nil
}

// Seek moves the stream position within [0, Len].
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.position) + offset
	case io.SeekEnd:
		abs = int64(b.Len()) + offset
	default:
		return 0, errors.New("dynbuf: invalid whence")
	}
	if abs < 0 {
		return 0, errNegativePosition
	}
	b.position = int(min(abs, int64(b.Len())))
	return int64(b.position), nil
}

// Appender returns a writer that always appends to b, independent of the
// stream position.
func (b *Buffer) Appender() io.Writer {
	return appender{b}
}

type appender struct {
	b *Buffer
}

func (a appender) Write(p []byte) (int, error) {
	return a.b.Add(p), nil
}
