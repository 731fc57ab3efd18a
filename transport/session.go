package transport

import (
	"github.com/pkg/errors"

	"github.com/outofforest/tandem/wire"
)

// DefaultMaxFrameSize is the default limit of the declared frame length.
const DefaultMaxFrameSize = 8 << 20

var (
	// ErrWouldBlock is returned by the stream when it cannot accept more bytes right now.
	ErrWouldBlock = errors.New("write would block")

	// ErrClosed is returned when session has been closed.
	ErrClosed = errors.New("session closed")
)

// Stream is the byte sink of the connection.
// Short write or ErrWouldBlock means backpressure, any other error is fatal.
type Stream interface {
	Write(p []byte) (int, error)
}

// Handler receives every complete inbound frame, in arrival order.
type Handler func(f wire.Frame) error

// Config is the config of session.
type Config struct {
	MaxFrameSize uint32
}

// Stats are per-opcode frame counters.
type Stats struct {
	Sent     map[wire.Opcode]uint64
	Received map[wire.Opcode]uint64
}

type outFrame struct {
	op        wire.Opcode
	remaining int
}

// Session turns the byte stream into frames and frames into the byte stream.
// It is not safe for concurrent use.
type Session struct {
	stream  Stream
	handler Handler
	maxSize uint32

	inbound  *wire.Buffer
	retry    *wire.Buffer
	retryOps []outFrame
	closed   bool

	sent     map[wire.Opcode]uint64
	received map[wire.Opcode]uint64
}

// NewSession creates new session.
func NewSession(stream Stream, config Config, handler Handler) *Session {
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Session{
		stream:   stream,
		handler:  handler,
		maxSize:  config.MaxFrameSize,
		inbound:  wire.NewBuffer(),
		retry:    wire.NewBuffer(),
		sent:     map[wire.Opcode]uint64{},
		received: map[wire.Opcode]uint64{},
	}
}

// OnBytes accumulates received bytes and dispatches every frame completed by them.
func (s *Session) OnBytes(p []byte) error {
	if s.closed {
		return errors.WithStack(ErrClosed)
	}

	s.inbound.WriteBytes(p)
	if err := s.inbound.Err(); err != nil {
		return err
	}

	for {
		data := s.inbound.Written()
		size, ok := wire.FrameLength(data)
		if !ok {
			return nil
		}
		if size < wire.MinFrameSize {
			return errors.Wrapf(wire.ErrFrameTooSmall, "declared %d bytes", size)
		}
		if size > s.maxSize {
			return errors.Wrapf(wire.ErrFrameTooLarge, "declared %d bytes, limit %d", size, s.maxSize)
		}
		if uint32(len(data)) < size {
			return nil
		}

		f, err := wire.Decode(data[wire.LengthSize:size])
		if err != nil {
			return err
		}
		s.inbound.Shift(int(size))
		s.received[f.Opcode]++

		if err := s.handler(f); err != nil {
			return err
		}
		if s.closed {
			return nil
		}
	}
}

// SendFrame writes the frame or queues it behind bytes not yet accepted by the stream.
func (s *Session) SendFrame(f wire.Frame) error {
	if s.closed {
		return errors.WithStack(ErrClosed)
	}

	p, err := wire.Encode(f)
	if err != nil {
		return err
	}

	if s.retry.Size() > 0 {
		s.queue(f.Opcode, p)
		return s.OnWritable()
	}

	n, err := s.stream.Write(p)
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		s.Close()
		return errors.Wrapf(err, "sending %s", f.Opcode)
	}
	if n >= len(p) {
		s.sent[f.Opcode]++
		return nil
	}

	s.queue(f.Opcode, p[n:])
	return nil
}

// OnWritable flushes as much of the retry buffer as the stream accepts.
func (s *Session) OnWritable() error {
	if s.closed {
		return errors.WithStack(ErrClosed)
	}
	if s.retry.Size() == 0 {
		return nil
	}

	n, err := s.stream.Write(s.retry.Written())
	if n > 0 {
		s.retry.Shift(n)
		s.account(n)
	}
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		s.Close()
		return errors.Wrap(err, "flushing retry buffer")
	}
	return nil
}

// Pending returns number of bytes waiting in the retry buffer.
func (s *Session) Pending() int {
	return s.retry.Size()
}

// Close discards both buffers. Session cannot be used afterwards.
func (s *Session) Close() {
	s.closed = true
	s.inbound.Reset()
	s.retry.Reset()
	s.retryOps = nil
}

// Closed reports whether session has been closed.
func (s *Session) Closed() bool {
	return s.closed
}

// Stats returns copy of the frame counters.
func (s *Session) Stats() Stats {
	stats := Stats{
		Sent:     make(map[wire.Opcode]uint64, len(s.sent)),
		Received: make(map[wire.Opcode]uint64, len(s.received)),
	}
	for op, n := range s.sent {
		stats.Sent[op] = n
	}
	for op, n := range s.received {
		stats.Received[op] = n
	}
	return stats
}

func (s *Session) queue(op wire.Opcode, p []byte) {
	s.retry.WriteBytes(p)
	s.retryOps = append(s.retryOps, outFrame{op: op, remaining: len(p)})
}

// account credits n flushed bytes to the queued frames, counting those fully handed to the stream.
func (s *Session) account(n int) {
	for n > 0 && len(s.retryOps) > 0 {
		head := &s.retryOps[0]
		if n < head.remaining {
			head.remaining -= n
			return
		}
		n -= head.remaining
		s.sent[head.op]++
		s.retryOps = s.retryOps[1:]
	}
}
