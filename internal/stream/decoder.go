package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mohammad-safakhou/fitplan/internal/events"
)

// DefaultMaxFrameSize bounds a single frame; generated plans are long but not unbounded.
const DefaultMaxFrameSize = 4 << 20

// ErrFrameTooLarge is returned when a frame exceeds the decoder's size limit.
var ErrFrameTooLarge = errors.New("stream frame too large")

// DecodeError reports a frame that could not be parsed. The stream itself is
// still readable after one.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ScanFrames is a bufio.SplitFunc yielding blank-line delimited frames without
// the terminator. A frame ends at a line ending ("\n" or "\r\n") followed
// directly by another, in any combination.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i, n := frameEnd(data); i >= 0 {
		return i + n, data[:i], nil
	}
	if atEOF {
		// an unterminated trailing frame is incomplete and dropped
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// frameEnd returns the offset and length of the first blank-line terminator.
func frameEnd(data []byte) (int, int) {
	for i, b := range data {
		if b != '\n' {
			continue
		}
		start := i
		if i > 0 && data[i-1] == '\r' {
			start = i - 1
		}
		rest := data[i+1:]
		switch {
		case len(rest) > 0 && rest[0] == '\n':
			return start, i + 2 - start
		case len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n':
			return start, i + 3 - start
		}
	}
	return -1, 0
}

// Decoder reads events from a framed byte stream. Bytes of a partial frame are
// carried over between reads until its terminator arrives.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a decoder with DefaultMaxFrameSize.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultMaxFrameSize)
}

// NewDecoderSize returns a decoder whose frames may be at most max bytes.
func NewDecoderSize(r io.Reader, max int) *Decoder {
	sc := bufio.NewScanner(r)
	initial := 64 << 10
	if initial > max {
		initial = max
	}
	sc.Buffer(make([]byte, 0, initial), max)
	sc.Split(ScanFrames)
	return &Decoder{sc: sc}
}

// Next returns the next event. Malformed frames yield a *DecodeError and the
// caller may keep calling Next. Comment-only and blank frames are skipped.
// At end of stream Next returns io.EOF.
func (d *Decoder) Next() (events.Event, error) {
	for d.sc.Scan() {
		frame := d.sc.Bytes()
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		ev, err := events.DecodeFrame(frame)
		if errors.Is(err, events.ErrEmptyFrame) {
			continue
		}
		if err != nil {
			return nil, &DecodeError{Frame: append([]byte(nil), frame...), Err: err}
		}
		return ev, nil
	}
	if err := d.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}
