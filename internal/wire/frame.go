package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge means a frame body exceeds Limits.MaxFrameBytes on
	// either side of the stream.
	ErrFrameTooLarge = errors.New("wire: frame exceeds size limit")

	// ErrTruncatedFrame means the stream ended before the frame delimiter.
	ErrTruncatedFrame = errors.New("wire: stream ended mid-frame")

	// ErrBadFrame means a frame body is not valid COBS data.
	ErrBadFrame = errors.New("wire: malformed frame")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	// MaxFrameBytes caps the raw (unstuffed) frame body size.
	MaxFrameBytes int
}

// DefaultLimits returns the limits used when callers pass the zero value.
func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 1 << 20} // 1 MiB
}

func (l Limits) orDefault() Limits {
	if l.MaxFrameBytes <= 0 {
		return DefaultLimits()
	}
	return l
}

// ─── Writer ───────────────────────────────────────────────────────────────────

// Writer emits delimited frames onto a byte stream: each frame body is
// COBS-stuffed and terminated with a single 0x00. Not safe for concurrent
// use; callers serialize WriteFrame themselves.
type Writer struct {
	w      io.Writer
	limits Limits
}

// NewWriter wraps w. Pass Limits{} for defaults.
func NewWriter(w io.Writer, limits Limits) *Writer {
	return &Writer{w: w, limits: limits.orDefault()}
}

// WriteFrame stuffs body and writes it followed by the frame delimiter in a
// single Write call.
func (w *Writer) WriteFrame(body []byte) error {
	if len(body) > w.limits.MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, len(body), w.limits.MaxFrameBytes)
	}
	enc := StuffBytes(body)
	enc = append(enc, 0)
	if _, err := w.w.Write(enc); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ─── Reader ───────────────────────────────────────────────────────────────────

// Reader consumes delimited frames from a byte stream.
type Reader struct {
	br     *bufio.Reader
	limits Limits
}

// NewReader wraps r. Pass Limits{} for defaults.
func NewReader(r io.Reader, limits Limits) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{br: br, limits: limits.orDefault()}
}

// ReadFrame returns the next unstuffed frame body.
//
// A clean end of stream (EOF exactly on a frame boundary) returns io.EOF;
// EOF with a partial frame buffered returns ErrTruncatedFrame. Back-to-back
// delimiters are not a valid empty frame and return ErrBadFrame — a frame
// carrying zero bytes still encodes to the single code byte 0x01.
func (r *Reader) ReadFrame() ([]byte, error) {
	maxEnc := stuffedCap(r.limits.MaxFrameBytes)

	var enc []byte
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(enc) == 0 {
					return nil, io.EOF
				}
				return nil, ErrTruncatedFrame
			}
			return nil, fmt.Errorf("wire: read frame: %w", err)
		}
		if b == 0 {
			break
		}
		enc = append(enc, b)
		if len(enc) > maxEnc {
			return nil, fmt.Errorf("%w: encoded frame exceeds %d bytes", ErrFrameTooLarge, maxEnc)
		}
	}

	body, err := UnstuffBytes(enc)
	if err != nil {
		return nil, err
	}
	if len(body) > r.limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, len(body), r.limits.MaxFrameBytes)
	}
	return body, nil
}
