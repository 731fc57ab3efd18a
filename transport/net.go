package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// DefaultWriteTimeout is the default time a single write may block.
const DefaultWriteTimeout = 50 * time.Millisecond

// NewNetStream creates stream writing to the connection.
func NewNetStream(conn net.Conn, writeTimeout time.Duration) *NetStream {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &NetStream{
		conn:    conn,
		timeout: writeTimeout,
	}
}

// NetStream is the stream backed by network connection.
// Write timing out is reported as backpressure together with the number of bytes which made it out.
type NetStream struct {
	conn    net.Conn
	timeout time.Duration
}

// Write writes bytes to the connection.
func (s *NetStream) Write(p []byte) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := s.conn.Write(p)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return n, ErrWouldBlock
		}
		return n, errors.WithStack(err)
	}
	return n, nil
}
