package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// LengthSize is the size of the length prefix of every frame.
	LengthSize = 4

	// OpcodeSize is the size of the opcode.
	OpcodeSize = 4

	// UpdateIDSize is the size of the update id trailing every data-class frame.
	UpdateIDSize = 8

	// MinFrameSize is the smallest valid value of the length prefix.
	MinFrameSize = LengthSize + OpcodeSize
)

var (
	// ErrMissingUpdateID is reported when data-class frame is too short to carry the update id.
	ErrMissingUpdateID = errors.New("data frame without update id")

	// ErrFrameTooLarge is reported when frame exceeds the size limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrFrameTooSmall is reported when declared frame length cannot hold the opcode.
	ErrFrameTooSmall = errors.New("frame too small")
)

// Frame is one protocol message: opcode, payload and, for data-class frames, the update id.
// Empty payload is decoded as nil.
type Frame struct {
	Opcode   Opcode
	Payload  []byte
	UpdateID uint64
}

// IsControl reports whether frame belongs to the control class.
func (f Frame) IsControl() bool {
	return f.Opcode.IsControl()
}

// Size returns the length of the encoded frame including the length prefix.
func (f Frame) Size() int {
	size := MinFrameSize + len(f.Payload)
	if !f.IsControl() {
		size += UpdateIDSize
	}
	return size
}

// Encode produces the wire form of the frame: u32(len) || u32(opcode) || payload [|| u64(update id)].
func Encode(f Frame) ([]byte, error) {
	b := NewBuffer()
	b.WriteUint32(uint32(f.Size()))
	b.WriteUint32(uint32(f.Opcode))
	b.WriteBytes(f.Payload)
	if !f.IsControl() {
		b.WriteUint64(f.UpdateID)
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b.Written(), nil
}

// Decode parses frame body, which is the wire form with the length prefix stripped.
func Decode(body []byte) (Frame, error) {
	if len(body) < OpcodeSize {
		return Frame{}, errors.Wrapf(ErrShortRead, "frame body of %d bytes", len(body))
	}

	f := Frame{
		Opcode: Opcode(binary.BigEndian.Uint32(body)),
	}
	payload := body[OpcodeSize:]
	if !f.IsControl() {
		if len(payload) < UpdateIDSize {
			return Frame{}, errors.Wrapf(ErrMissingUpdateID, "opcode %s", f.Opcode)
		}
		idPos := len(payload) - UpdateIDSize
		f.UpdateID = uint64(binary.BigEndian.Uint32(payload[idPos:]))<<32 |
			uint64(binary.BigEndian.Uint32(payload[idPos+4:]))
		payload = payload[:idPos]
	}
	if len(payload) > 0 {
		f.Payload = append([]byte(nil), payload...)
	}
	return f, nil
}

// FrameLength returns the declared length of the frame starting at p, or false if the prefix is incomplete.
func FrameLength(p []byte) (uint32, bool) {
	if len(p) < LengthSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(p), true
}

// ReadFrame reads one complete frame from the blocking reader.
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, errors.WithStack(err)
	}
	size, _ := FrameLength(prefix[:])
	if size < MinFrameSize {
		return Frame{}, errors.Wrapf(ErrFrameTooSmall, "declared %d bytes", size)
	}
	if maxSize > 0 && size > maxSize {
		return Frame{}, errors.Wrapf(ErrFrameTooLarge, "declared %d bytes, limit %d", size, maxSize)
	}
	body := make([]byte, size-LengthSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, errors.WithStack(err)
	}
	return Decode(body)
}

// WriteFrame writes one complete frame to the blocking writer.
func WriteFrame(w io.Writer, f Frame) error {
	p, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(p)
	return errors.WithStack(err)
}
