package protocol

import (
	"encoding/binary"
	"io"

	"github.com/m4xw311/qtspy/errors"
)

// HeaderSize is the length of the big-endian length prefix.
const HeaderSize = 4

// MaxFrameSize bounds a single payload. Larger length prefixes are treated as a
// corrupted stream.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds %d bytes", MaxFrameSize)

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// EncodeFrame serializes m and returns a complete frame.
func EncodeFrame(m *Message) ([]byte, error) {
	payload, err := Encode(m)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload), nil
}

// WriteFrame encodes m and writes it to w in a single Write call.
func WriteFrame(w io.Writer, m *Message) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads exactly one frame payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Decoder reassembles frames from arbitrarily split reads.
type Decoder struct {
	buf []byte
}

// Feed appends p to the internal buffer and returns every complete payload now
// available, in order. A partial trailing frame stays buffered.
func (d *Decoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)
	var out [][]byte
	for len(d.buf) >= HeaderSize {
		n := binary.BigEndian.Uint32(d.buf[:HeaderSize])
		if n > MaxFrameSize {
			d.buf = nil
			return out, ErrFrameTooLarge
		}
		end := HeaderSize + int(n)
		if len(d.buf) < end {
			break
		}
		payload := make([]byte, n)
		copy(payload, d.buf[HeaderSize:end])
		out = append(out, payload)
		d.buf = d.buf[end:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops any buffered partial frame.
func (d *Decoder) Reset() { d.buf = nil }
