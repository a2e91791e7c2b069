package dynbuf

import "iter"

// span is a contiguous byte range inside one fragment.
type span struct {
	frag int
	off  int
	n    int
}

func (s span) of(fragments [][]byte) []byte {
	return fragments[s.frag][s.off : s.off+s.n]
}

// layout maps logical offsets of one buffer onto its fragment chain.
type layout struct {
	base int // physical offset of logical byte 0
	size int // fragment size
}

func (l layout) locate(i int) (frag, off int) {
	p := l.base + i
	return p / l.size, p % l.size
}

// run pairs a range in buffer a with an equally long range in buffer b.
type run struct {
	a, b span
}

// runs translates the logical ranges [aStart, aStart+n) of a and
// [bStart, bStart+n) of b into physical runs that stay inside one fragment on
// both sides. The concatenation of all a spans (and of all b spans) covers the
// requested range exactly. With backward set the runs are produced from the
// end of the range towards its start.
//
// Single-buffer walks pass the same layout twice; moves within one buffer
// pass different starts over the same layout.
func runs(a, b layout, aStart, bStart, n int, backward bool) iter.Seq[run] {
	return func(yield func(run) bool) {
		if backward {
			for end := n; end > 0; {
				fa, oa := a.locate(aStart + end - 1)
				fb, ob := b.locate(bStart + end - 1)
				m := min(end, oa+1, ob+1)
				r := run{
					a: span{frag: fa, off: oa - m + 1, n: m},
					b: span{frag: fb, off: ob - m + 1, n: m},
				}
				if !yield(r) {
					return
				}
				end -= m
			}
			return
		}

		for pos := 0; pos < n; {
			fa, oa := a.locate(aStart + pos)
			fb, ob := b.locate(bStart + pos)
			m := min(n-pos, a.size-oa, b.size-ob)
			r := run{
				a: span{frag: fa, off: oa, n: m},
				b: span{frag: fb, off: ob, n: m},
			}
			if !yield(r) {
				return
			}
			pos += m
		}
	}
}

// spans walks [start, start+n) of a single buffer forward.
func spans(l layout, start, n int) iter.Seq[span] {
	return func(yield func(span) bool) {
		for r := range runs(l, l, start, start, n, false) {
			if !yield(r.a) {
				return
			}
		}
	}
}
