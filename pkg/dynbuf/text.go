package dynbuf

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultStringLimit bounds String and Decode calls without an explicit limit.
const DefaultStringLimit = 1024

// LookupEncoding resolves an IANA charset name such as "ISO-8859-1" or
// "UTF-16LE".
func LookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := ianaindex.IANA.Encoding(strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", name)
	}
	return enc, nil
}

// String decodes up to DefaultStringLimit visible bytes as UTF-8, followed by
// a truncation marker when more data exists.
func (b *Buffer) String() string {
	return b.decode(nil, 0, DefaultStringLimit, true)
}

// Decode returns up to limit visible bytes starting at offset, decoded from enc
// (nil means UTF-8). A non-positive limit means DefaultStringLimit with a
// truncation marker. Decode never panics; failures yield "".
func (b *Buffer) Decode(enc encoding.Encoding, offset, limit int) string {
	if limit <= 0 {
		return b.decode(enc, offset, DefaultStringLimit, true)
	}
	return b.decode(enc, offset, limit, false)
}

func (b *Buffer) decode(enc encoding.Encoding, offset, limit int, marker bool) (s string) {
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()

	avail := b.Len() - offset
	if offset < 0 || avail < 0 {
		return ""
	}
	n := min(avail, limit)
	raw := b.Bytes(offset, n)
	if enc != nil {
		decoded, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			return ""
		}
		raw = decoded
	}

	s = string(raw)
	if marker && avail > n {
		s += fmt.Sprintf("...(%d more bytes)", avail-n)
	}
	return s
}

func transcoder(from, to encoding.Encoding) transform.Transformer {
	if from == nil {
		from = unicode.UTF8
	}
	if to == nil {
		to = unicode.UTF8
	}
	return transform.Chain(from.NewDecoder(), to.NewEncoder())
}

// AddTranscoded converts p from one text encoding to another and appends the
// result. nil encodings mean UTF-8. Conversion runs through the fixed-size
// buffer of a transform.Writer, so memory use does not grow with len(p). On
// error nothing is appended.
func (b *Buffer) AddTranscoded(p []byte, from, to encoding.Encoding) (int, error) {
	before := b.RealLen()
	w := transform.NewWriter(b.Appender(), transcoder(from, to))

	_, err := w.Write(p)
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		b.RemoveAtEnd(b.RealLen() - before)
		return 0, fmt.Errorf("transcode: %w", err)
	}
	return b.RealLen() - before, nil
}

// MoveToTranscoded moves up to n visible bytes to dst, converting them
// between encodings on the way. It returns the number of source bytes
// consumed. On error neither buffer changes.
func (b *Buffer) MoveToTranscoded(dst *Buffer, n int, from, to encoding.Encoding) (int, error) {
	if dst == b {
		violation("MoveToTranscoded", "source and destination are the same buffer")
	}
	n = min(n, b.Len())
	if n <= 0 {
		return 0, nil
	}

	before := dst.RealLen()
	w := transform.NewWriter(dst.Appender(), transcoder(from, to))

	var err error
	for s := range spans(b.layout(), 0, n) {
		if _, err = w.Write(s.of(b.fragments)); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		dst.RemoveAtEnd(dst.RealLen() - before)
		return 0, fmt.Errorf("transcode: %w", err)
	}

	b.Remove(n)
	return n, nil
}
