package command

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/tandem/wire"
)

// ErrUnknownOpcode is returned when no handler is registered for the opcode.
var ErrUnknownOpcode = errors.New("unknown opcode")

// Handler applies the mutation carried in the payload to the local knowledge base.
type Handler func(ctx context.Context, payload *wire.Buffer) error

// NewRegistry creates empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[wire.Opcode]Handler{},
	}
}

// Registry maps data-class opcodes to their handlers.
type Registry struct {
	handlers map[wire.Opcode]Handler
}

// Register adds handler for the opcode.
func (r *Registry) Register(op wire.Opcode, h Handler) error {
	if op.IsControl() {
		return errors.Errorf("opcode %s belongs to control class", op)
	}
	if _, exists := r.handlers[op]; exists {
		return errors.Errorf("handler for opcode %s already registered", op)
	}
	r.handlers[op] = h
	return nil
}

// Has reports whether handler for opcode exists.
func (r *Registry) Has(op wire.Opcode) bool {
	_, exists := r.handlers[op]
	return exists
}

// Apply applies mutation received from the server.
func (r *Registry) Apply(ctx context.Context, op wire.Opcode, payload []byte) error {
	h, exists := r.handlers[op]
	if !exists {
		return errors.Wrapf(ErrUnknownOpcode, "opcode %s", op)
	}
	b := wire.NewBufferFrom(payload)
	if err := h(ctx, b); err != nil {
		return errors.Wrapf(err, "applying %s", op)
	}
	return errors.Wrapf(b.Err(), "decoding %s", op)
}

// LocalFrame builds outbound frame describing mutation made locally. Update id is always 0.
func LocalFrame(op wire.Opcode, build func(b *wire.Buffer)) (wire.Frame, error) {
	if op.IsControl() {
		return wire.Frame{}, errors.Errorf("opcode %s belongs to control class", op)
	}
	b := wire.NewBuffer()
	build(b)
	if err := b.Err(); err != nil {
		return wire.Frame{}, errors.Wrapf(err, "encoding %s", op)
	}
	var payload []byte
	if b.Size() > 0 {
		payload = append(payload, b.Written()...)
	}
	return wire.Frame{Opcode: op, Payload: payload}, nil
}
