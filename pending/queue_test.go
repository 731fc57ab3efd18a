package pending_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/tandem/pending"
	"github.com/outofforest/tandem/wire"
)

func TestDrainPreservesOrder(t *testing.T) {
	requireT := require.New(t)

	q := &pending.Queue{}
	for i := uint64(1); i <= 5; i++ {
		requireT.NoError(q.Enqueue(wire.Frame{Opcode: wire.CmdRenamed, Payload: []byte{byte(i)}, UpdateID: i * 10}))
	}
	requireT.Equal(5, q.Len())

	var ids []uint64
	requireT.NoError(q.Drain(func(f wire.Frame) error {
		ids = append(ids, f.UpdateID)
		return nil
	}))
	requireT.Equal([]uint64{10, 20, 30, 40, 50}, ids)
	requireT.Zero(q.Len())
}

func TestDrainStopsOnError(t *testing.T) {
	requireT := require.New(t)

	q := &pending.Queue{}
	for i := uint64(1); i <= 3; i++ {
		requireT.NoError(q.Enqueue(wire.Frame{Opcode: wire.CmdMakeCode, UpdateID: i}))
	}

	errTest := errors.New("test")
	requireT.ErrorIs(q.Drain(func(f wire.Frame) error {
		if f.UpdateID == 2 {
			return errTest
		}
		return nil
	}), errTest)
	requireT.Equal(2, q.Len())

	var ids []uint64
	requireT.NoError(q.Drain(func(f wire.Frame) error {
		ids = append(ids, f.UpdateID)
		return nil
	}))
	requireT.Equal([]uint64{2, 3}, ids)
}

func TestControlFramesRefused(t *testing.T) {
	requireT := require.New(t)

	q := &pending.Queue{}
	requireT.Error(q.Enqueue(wire.Frame{Opcode: wire.MsgProjectLeave}))
	requireT.Zero(q.Len())

	requireT.NoError(q.Enqueue(wire.Frame{Opcode: wire.CmdUndefine, UpdateID: 1}))
	q.Clear()
	requireT.Zero(q.Len())
}
