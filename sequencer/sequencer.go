package sequencer

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/tandem/store"
	"github.com/outofforest/tandem/wire"
)

// ApplyFunc applies mutation to the local knowledge base.
type ApplyFunc func(ctx context.Context, op wire.Opcode, payload []byte) error

// Suppressor stops broadcasting local edits while remote mutation is applied.
type Suppressor interface {
	Suppress() func()
}

// Record is the data-class update received from the server.
type Record struct {
	ID      uint64
	Opcode  wire.Opcode
	Payload []byte
}

// FromFrame converts frame to record.
func FromFrame(f wire.Frame) Record {
	return Record{
		ID:      f.UpdateID,
		Opcode:  f.Opcode,
		Payload: f.Payload,
	}
}

// Outcome tells what happened to the inbound update.
type Outcome int

// Outcomes.
const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

// New creates sequencer.
func New(state *store.State, apply ApplyFunc, suppressor Suppressor) *Sequencer {
	return &Sequencer{
		state:      state,
		apply:      apply,
		suppressor: suppressor,
	}
}

// Sequencer applies inbound updates exactly once and in order, tracking the watermark.
type Sequencer struct {
	state      *store.State
	apply      ApplyFunc
	suppressor Suppressor
	watermark  uint64
}

// Load reads the persisted watermark.
func (s *Sequencer) Load(ctx context.Context) error {
	id, err := s.state.LastUpdate(ctx)
	if err != nil {
		return err
	}
	s.watermark = id
	return nil
}

// Watermark returns id of the newest update applied.
func (s *Sequencer) Watermark() uint64 {
	return s.watermark
}

// OnInbound applies the update unless it has been seen already.
// Failed application is logged and skipped, the watermark still advances past it.
// Returned error means the watermark could not be persisted.
func (s *Sequencer) OnInbound(ctx context.Context, rec Record) (Outcome, error) {
	if rec.ID != 0 && rec.ID <= s.watermark {
		return OutcomeDuplicate, nil
	}

	outcome := OutcomeApplied
	if err := s.applySuppressed(ctx, rec); err != nil {
		logger.Get(ctx).Error("Applying update failed",
			zap.Uint64("updateID", rec.ID), zap.Stringer("opcode", rec.Opcode), zap.Error(err))
		outcome = OutcomeFailed
	}

	if err := s.advance(ctx, rec.ID); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// Backfill returns request for every update newer than the watermark.
func (s *Sequencer) Backfill() *wire.SendUpdates {
	return &wire.SendUpdates{LastUpdateID: s.watermark}
}

// Acknowledge records the id assigned by the server to the update published by this client.
func (s *Sequencer) Acknowledge(ctx context.Context, id uint64) error {
	return s.advance(ctx, id)
}

// Reset sets the watermark for the new project scope.
func (s *Sequencer) Reset(ctx context.Context, watermark uint64) error {
	if err := s.state.SetLastUpdate(ctx, watermark); err != nil {
		return err
	}
	s.watermark = watermark
	return nil
}

func (s *Sequencer) advance(ctx context.Context, id uint64) error {
	if id <= s.watermark {
		return nil
	}
	if err := s.state.SetLastUpdate(ctx, id); err != nil {
		return errors.Wrapf(err, "persisting watermark %d", id)
	}
	s.watermark = id
	return nil
}

func (s *Sequencer) applySuppressed(ctx context.Context, rec Record) (err error) {
	if s.suppressor != nil {
		defer s.suppressor.Suppress()()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return s.apply(ctx, rec.Opcode, rec.Payload)
}
