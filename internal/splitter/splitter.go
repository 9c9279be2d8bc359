// Package splitter implements the Line Splitter (C4): a byte-terminator
// based split of a read buffer into logical lines, with a carried tail
// remainder for terminators that straddle two reads.
package splitter

// Line is one split line: an offset/length view into the buffer passed to
// Split, not a copy.
type Line struct {
	Start  int
	Length int
}

// Splitter holds the carried tail between successive Split calls. It must
// not be used concurrently from more than one goroutine: each Reader owns
// exactly one Splitter and drives it from a single goroutine.
type Splitter struct {
	terminator byte
	// wholeBuffer treats the entire input as one logical line, used for
	// JSON-object mode where the terminator is effectively absent.
	wholeBuffer bool

	tail []byte
}

// New constructs a Splitter. terminator defaults to '\n' when zero.
// wholeBuffer selects JSON-object mode, where each read is one complete
// record rather than being split on a terminator byte.
func New(terminator byte, wholeBuffer bool) *Splitter {
	if terminator == 0 {
		terminator = '\n'
	}
	return &Splitter{terminator: terminator, wholeBuffer: wholeBuffer}
}

// Split consumes input (prepended with any carried tail), returning the
// completed lines found and the bytes belonging to any content as a single
// contiguous buffer. Callers index into the returned buffer using the Start/
// Length of each Line, not the original input slice, because the tail is
// physically prepended.
//
// Invariant upheld: sum(length_i) + terminator_count + len(new tail) equals
// len(input) + len(previous tail).
func (s *Splitter) Split(input []byte) (buf []byte, lines []Line) {
	buf = make([]byte, 0, len(s.tail)+len(input))
	buf = append(buf, s.tail...)
	buf = append(buf, input...)

	if s.wholeBuffer {
		if len(buf) == 0 {
			s.tail = nil
			return buf, nil
		}
		s.tail = nil
		return buf, []Line{{Start: 0, Length: len(buf)}}
	}

	start := 0
	for i := 0; i < len(buf); i++ {
		if buf[i] == s.terminator {
			lines = append(lines, Line{Start: start, Length: i - start})
			start = i + 1
		}
	}

	s.tail = append([]byte(nil), buf[start:]...)
	return buf, lines
}

// Flush returns and clears any carried tail, used when a file reaches EOF
// for good (deleted-and-idle, truncation, rotation) and its partial last
// line must be emitted as a terminal record.
func (s *Splitter) Flush() []byte {
	t := s.tail
	s.tail = nil
	return t
}

// TailLen reports the number of bytes currently carried, for the Reader's
// offset bookkeeping.
func (s *Splitter) TailLen() int {
	return len(s.tail)
}
