package iec104

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// APCI constants
const (
	StartByte = 0x68 // start marker of every APDU

	apciLen       = 6   // start + length + 4 control bytes
	controlLen    = 4   // control field size
	MaxAPDULength = 253 // largest value of the length byte
)

// FrameFormat is the transmission format selected by the low bits of the
// first control byte.
type FrameFormat byte

const (
	FormatI FrameFormat = iota // numbered information transfer, carries an ASDU
	FormatS                    // numbered supervisory, acknowledgements only
	FormatU                    // unnumbered control: STARTDT, STOPDT, TESTFR
)

func (f FrameFormat) String() string {
	switch f {
	case FormatI:
		return "I"
	case FormatS:
		return "S"
	case FormatU:
		return "U"
	default:
		return fmt.Sprintf("FrameFormat(%d)", byte(f))
	}
}

// U-format control byte values
const (
	UStartDTAct byte = 0x07
	UStartDTCon byte = 0x0B
	UStopDTAct  byte = 0x13
	UStopDTCon  byte = 0x23
	UTestFRAct  byte = 0x43
	UTestFRCon  byte = 0x83
)

// Errors related to frame parsing
var (
	ErrFrameTooShort   = errors.New("frame is too short")
	ErrInvalidStart    = errors.New("invalid start marker")
	ErrInvalidLength   = errors.New("invalid APDU length")
	ErrIncompleteFrame = errors.New("frame shorter than declared length")
)

// Frame is one decoded APDU.
type Frame struct {
	Format  FrameFormat
	Control [controlLen]byte
	ASDU    []byte // empty for S and U frames
}

// UFunction returns the control byte of a U-format frame.
func (f *Frame) UFunction() byte {
	return f.Control[0]
}

// classify selects the frame format from the first control byte.
func classify(cf1 byte) FrameFormat {
	switch {
	case cf1&0x03 == 0x03:
		return FormatU
	case cf1&0x03 == 0x01:
		return FormatS
	default:
		return FormatI
	}
}

// DecodeFrame parses exactly one APDU from b. The slice must start with the
// start marker; bytes past the declared length are ignored.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < 2 {
		return nil, ErrFrameTooShort
	}
	if b[0] != StartByte {
		return nil, ErrInvalidStart
	}
	length := int(b[1])
	if length < controlLen || length > MaxAPDULength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if len(b) < 2+length {
		return nil, ErrIncompleteFrame
	}

	f := &Frame{}
	copy(f.Control[:], b[2:apciLen])
	f.Format = classify(f.Control[0])
	if f.Format == FormatI && length > controlLen {
		f.ASDU = make([]byte, length-controlLen)
		copy(f.ASDU, b[apciLen:2+length])
	}
	return f, nil
}

// EncodeFrame wraps an ASDU into an I-format APDU. Sequence numbers are
// always zero.
func EncodeFrame(asdu []byte) []byte {
	frame := make([]byte, apciLen+len(asdu))
	frame[0] = StartByte
	frame[1] = byte(len(asdu) + controlLen)
	copy(frame[apciLen:], asdu)
	return frame
}

// EncodeUFrame builds a U-format APDU carrying the given function byte.
func EncodeUFrame(function byte) []byte {
	return []byte{StartByte, controlLen, function, 0x00, 0x00, 0x00}
}

// FrameReader splits a TCP byte stream into APDUs using the length byte.
// Bytes that cannot start a frame are skipped until the next start marker.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	dropped uint64
}

// NewFrameReader returns a FrameReader reading from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:     r,
		chunk: make([]byte, 1024),
	}
}

// Dropped reports how many bytes were discarded while resynchronising.
func (fr *FrameReader) Dropped() uint64 {
	return fr.dropped
}

// ReadFrame blocks until a complete frame is buffered or the reader fails.
// Any error from the underlying reader (io.EOF included) is returned as is.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	for {
		if f := fr.next(); f != nil {
			return f, nil
		}
		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.buf = append(fr.buf, fr.chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// next extracts one frame from the buffer, or returns nil if more input is
// needed.
func (fr *FrameReader) next() *Frame {
	for len(fr.buf) > 0 {
		if fr.buf[0] != StartByte {
			skip := bytes.IndexByte(fr.buf, StartByte)
			if skip < 0 {
				skip = len(fr.buf)
			}
			fr.discard(skip, ErrInvalidStart)
			continue
		}
		if len(fr.buf) < 2 {
			return nil
		}
		length := int(fr.buf[1])
		if length < controlLen || length > MaxAPDULength {
			fr.discard(1, ErrInvalidLength)
			continue
		}
		if len(fr.buf) < 2+length {
			return nil
		}
		f, err := DecodeFrame(fr.buf[:2+length])
		if err != nil {
			fr.discard(1, err)
			continue
		}
		fr.buf = fr.buf[2+length:]
		if len(fr.buf) == 0 {
			fr.buf = nil
		}
		return f
	}
	return nil
}

func (fr *FrameReader) discard(n int, reason error) {
	fr.dropped += uint64(n)
	fr.buf = fr.buf[n:]
	logrus.WithFields(logrus.Fields{
		"component": "codec",
		"action":    "resync",
		"dropped":   n,
		"reason":    reason,
	}).Debug("Discarded bytes outside of a frame")
}
