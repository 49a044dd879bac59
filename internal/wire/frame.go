package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrame bounds the payload size of a single frame.
const DefaultMaxFrame = 64 * 1024

// FrameError reports malformed framing: an oversized length prefix or a
// stream that ended mid-frame. The connection is unusable afterwards.
type FrameError struct {
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: frame: %s: %v", e.Reason, e.Err)
	}
	return "wire: frame: " + e.Reason
}

func (e *FrameError) Unwrap() error { return e.Err }

// FrameDecoder splits a byte stream into length-prefixed payloads. Partial
// frames stay buffered inside the decoder until the remaining bytes arrive.
type FrameDecoder struct {
	r   *bufio.Reader
	max uint64
}

// NewFrameDecoder wraps r with a decoder enforcing max payload bytes.
func NewFrameDecoder(r io.Reader, max int) *FrameDecoder {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &FrameDecoder{r: bufio.NewReader(r), max: uint64(max)}
}

var errVarintOverflow = errors.New("varint overflows uint64")

// Next returns the next whole payload. It returns io.EOF only on a clean
// end of stream at a frame boundary; a stream that ends mid-prefix or
// mid-payload yields a *FrameError. Transport errors (resets, deadlines)
// pass through untouched so callers can tell peer trouble from protocol
// violations.
func (d *FrameDecoder) Next() ([]byte, error) {
	length, err := readUvarint(d.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errVarintOverflow) {
			return nil, &FrameError{Reason: "short length prefix", Err: err}
		}
		return nil, err
	}
	if length > d.max {
		return nil, &FrameError{Reason: fmt.Sprintf("declared length %d exceeds limit %d", length, d.max)}
	}
	payload := make([]byte, length)
	if n, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FrameError{
				Reason: fmt.Sprintf("stream ended %d bytes into a %d byte frame", n, length),
				Err:    io.ErrUnexpectedEOF,
			}
		}
		return nil, err
	}
	return payload, nil
}

// readUvarint consumes a protowire-compatible varint byte by byte so that a
// frame boundary EOF stays distinguishable from a truncated prefix.
func readUvarint(r *bufio.Reader) (uint64, error) {
	var value uint64
	var shift uint
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if i == 10 || (i == 9 && b > 1) {
			return 0, errVarintOverflow
		}
		value |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return value, nil
		}
		shift += 7
	}
}

// FrameEncoder writes length-prefixed payloads. Prefix and payload go out
// in a single Write so concurrent writers never interleave partial frames.
type FrameEncoder struct {
	w   io.Writer
	max int
	buf []byte
}

// NewFrameEncoder wraps w with an encoder enforcing max payload bytes.
func NewFrameEncoder(w io.Writer, max int) *FrameEncoder {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &FrameEncoder{w: w, max: max}
}

// Write frames payload and writes it out atomically.
func (e *FrameEncoder) Write(payload []byte) error {
	if len(payload) > e.max {
		return &FrameError{Reason: fmt.Sprintf("payload %d exceeds limit %d", len(payload), e.max)}
	}
	e.buf = protowire.AppendVarint(e.buf[:0], uint64(len(payload)))
	e.buf = append(e.buf, payload...)
	if _, err := e.w.Write(e.buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}
