// Package wire implements the gateway's wire framing: newline-delimited
// JSON-RPC frames with a hard per-frame size cap, plus a JSON value model
// that preserves object member order and numeric text across rewrites.
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrFrameTooLarge is returned when a frame grows past the decoder's cap
// before a newline is seen. A frame of exactly the cap is still legal.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

const defaultBufCap = 64 * 1024

// Decoder reads newline-delimited frames from a stream. The trailing
// newline (and an optional preceding carriage return) is stripped from
// each frame.
type Decoder struct {
	scanner *bufio.Scanner
	max     int
}

// NewDecoder returns a Decoder reading from r with a per-frame cap of
// maxFrameBytes. The cap counts frame bytes before the delimiter.
func NewDecoder(r io.Reader, maxFrameBytes int) *Decoder {
	d := &Decoder{max: maxFrameBytes}
	initial := defaultBufCap
	if maxFrameBytes+2 < initial {
		initial = maxFrameBytes + 2
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, initial), maxFrameBytes+2)
	s.Split(d.split)
	d.scanner = s
	return d
}

// split enforces the cap lazily: a buffered prefix of exactly max bytes
// is not an error until the next byte proves the frame oversized.
func (d *Decoder) split(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		if i > d.max {
			return 0, nil, ErrFrameTooLarge
		}
		return i + 1, dropCR(data[:i]), nil
	}
	if len(data) > d.max {
		return 0, nil, ErrFrameTooLarge
	}
	if atEOF && len(data) > 0 {
		return len(data), dropCR(data), nil
	}
	return 0, nil, nil
}

// Decode returns the next frame without its delimiter. It returns io.EOF
// at end of stream and ErrFrameTooLarge when the cap is exceeded. The
// returned slice is only valid until the next Decode call.
func (d *Decoder) Decode() ([]byte, error) {
	if d.scanner.Scan() {
		return d.scanner.Bytes(), nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Encode writes frame to w followed by exactly one newline, as a single
// Write call so concurrent writers guarded by a lock never interleave
// partial frames.
func Encode(w io.Writer, frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[:len(data)-1]
	}
	return data
}
