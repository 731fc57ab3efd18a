package pending

import (
	"github.com/pkg/errors"

	"github.com/outofforest/tandem/wire"
)

// Queue keeps data frames received while fork is outstanding, in arrival order.
type Queue struct {
	frames []wire.Frame
}

// Enqueue appends frame at the tail.
func (q *Queue) Enqueue(f wire.Frame) error {
	if f.IsControl() {
		return errors.Errorf("control frame %s cannot be queued", f.Opcode)
	}
	q.frames = append(q.frames, f)
	return nil
}

// Drain pops frames from the head and passes them to fn.
// On error the failing frame and everything behind it stay queued.
func (q *Queue) Drain(fn func(f wire.Frame) error) error {
	for len(q.frames) > 0 {
		if err := fn(q.frames[0]); err != nil {
			return err
		}
		q.frames[0] = wire.Frame{}
		q.frames = q.frames[1:]
	}
	q.frames = nil
	return nil
}

// Clear drops everything.
func (q *Queue) Clear() {
	q.frames = nil
}

// Len returns number of queued frames.
func (q *Queue) Len() int {
	return len(q.frames)
}
