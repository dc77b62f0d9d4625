// Package stream turns raw child-process output into clean, bounded text lines.
//
// A Framer never uses an unbounded single-line read: it pulls fixed-size
// chunks from the source, accumulates them in a growable buffer and cuts
// lines out of that buffer. A logical line of any length is therefore
// yielded without error, and the sequence of yielded lines does not depend
// on how the source chunked its writes.
package stream

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

const (
	// DefaultChunkSize is the size of every read from the source.
	DefaultChunkSize = 4096

	// DefaultMaxLineBytes caps a single yielded line. Longer logical lines
	// are split at most this many bytes in, never inside a UTF-8 rune or an
	// unterminated escape sequence.
	DefaultMaxLineBytes = 8 * 1024 * 1024

	// maxEscapeLen bounds how far a split backs off to keep an escape
	// sequence whole.
	maxEscapeLen = 64
)

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// WithChunkSize sets the fixed read size. Non-positive values keep the default.
func WithChunkSize(n int) FramerOption {
	return func(f *Framer) {
		if n > 0 {
			f.chunk = make([]byte, n)
		}
	}
}

// WithMaxLineBytes sets the line cap. Zero disables splitting.
func WithMaxLineBytes(n int) FramerOption {
	return func(f *Framer) {
		if n >= 0 {
			f.maxLine = n
		}
	}
}

// Framer yields clean lines from an io.Reader. It is not safe for
// concurrent use; create one Framer per output stream.
type Framer struct {
	r       io.Reader
	chunk   []byte
	buf     []byte
	off     int // start of unconsumed data in buf
	maxLine int
	done    bool
	err     error // terminal error reported after the remainder is flushed
}

// NewFramer creates a Framer reading from r.
func NewFramer(r io.Reader, opts ...FramerOption) *Framer {
	f := &Framer{
		r:       r,
		chunk:   make([]byte, DefaultChunkSize),
		maxLine: DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Next returns the next clean line. It returns io.EOF once the source is
// exhausted and every buffered byte has been yielded. A non-EOF read error
// is returned after the remaining partial line has been flushed.
func (f *Framer) Next() (string, error) {
	for {
		if raw, ok := f.extract(); ok {
			return CleanLine(raw), nil
		}
		if f.done {
			if f.off < len(f.buf) {
				raw := string(f.buf[f.off:])
				f.buf, f.off = f.buf[:0], 0
				return CleanLine(raw), nil
			}
			return "", f.err
		}
		f.fill()
	}
}

// Lines returns a lazy sequence over the remaining lines. The sequence ends
// at EOF; any other read error is yielded once as the final element.
func (f *Framer) Lines() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			line, err := f.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", err)
				}
				return
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// fill performs exactly one chunk read.
func (f *Framer) fill() {
	if f.off > 0 && f.off >= len(f.buf)/2 {
		n := copy(f.buf, f.buf[f.off:])
		f.buf, f.off = f.buf[:n], 0
	}

	n, err := f.r.Read(f.chunk)
	if n > 0 {
		f.buf = append(f.buf, f.chunk[:n]...)
	}
	if err != nil {
		f.done = true
		f.err = err
		if errors.Is(err, io.EOF) {
			f.err = io.EOF
		}
	}
}

// extract cuts the next raw line out of the buffer. Splits depend only on
// byte positions within the logical stream, never on read boundaries.
func (f *Framer) extract() (string, bool) {
	pending := f.buf[f.off:]
	idx := bytes.IndexByte(pending, '\n')
	if idx >= 0 && (f.maxLine == 0 || idx < f.maxLine) {
		f.off += idx + 1
		return string(pending[:idx]), true
	}
	if f.maxLine > 0 && len(pending) >= f.maxLine {
		cut := splitPoint(pending[:f.maxLine])
		f.off += cut
		return string(pending[:cut]), true
	}
	return "", false
}

// splitPoint returns where a line filling p is cut: the end of p, moved back
// so the cut falls neither inside a UTF-8 rune nor inside an escape sequence
// that starts near the end. It looks only at p, so the result does not
// depend on read boundaries.
func splitPoint(p []byte) int {
	cut := len(p)
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				cut = i
			}
			break
		}
	}
	if esc := bytes.LastIndexByte(p[:cut], ansi.ESC); esc > 0 && cut-esc <= maxEscapeLen && !escapeClosed(p[esc:cut]) {
		cut = esc
	}
	if cut == 0 {
		return len(p)
	}
	return cut
}

// escapeClosed reports whether seq, which starts with ESC, holds a complete
// escape sequence.
func escapeClosed(seq []byte) bool {
	if len(seq) < 2 {
		return false
	}
	switch seq[1] {
	case '[':
		for _, b := range seq[2:] {
			if b >= 0x40 && b <= 0x7e {
				return true
			}
		}
		return false
	case ']', 'P', '_', '^':
		return bytes.IndexByte(seq, ansi.BEL) >= 0 || bytes.Contains(seq[2:], []byte{ansi.ESC, '\\'})
	default:
		return true
	}
}

// CleanLine removes terminal control noise from a raw line: trailing
// carriage returns, carriage-return redraws (only the final redraw is kept),
// ANSI escape sequences and any remaining control characters except tab.
func CleanLine(raw string) string {
	s := strings.TrimRight(raw, "\r")
	if i := strings.LastIndexByte(s, '\r'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.ToValidUTF8(s, "�")
	s = ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
