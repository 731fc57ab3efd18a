package command_test

import (
	"context"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"
	"github.com/outofforest/tandem/command"
	"github.com/outofforest/tandem/wire"
)

func TestRegistry(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	var applied string
	r := command.NewRegistry()
	requireT.NoError(r.Register(wire.CmdCommentChanged, func(ctx context.Context, b *wire.Buffer) error {
		applied = b.ReadString()
		return nil
	}))
	requireT.Error(r.Register(wire.CmdCommentChanged, func(context.Context, *wire.Buffer) error { return nil }))
	requireT.Error(r.Register(wire.MsgAuthReply, func(context.Context, *wire.Buffer) error { return nil }))
	requireT.True(r.Has(wire.CmdCommentChanged))
	requireT.False(r.Has(wire.CmdRenamed))

	f, err := command.LocalFrame(wire.CmdCommentChanged, func(b *wire.Buffer) {
		b.WriteString("entry point")
	})
	requireT.NoError(err)
	requireT.Zero(f.UpdateID)

	requireT.NoError(r.Apply(ctx, f.Opcode, f.Payload))
	requireT.Equal("entry point", applied)

	requireT.ErrorIs(r.Apply(ctx, wire.CmdRenamed, nil), command.ErrUnknownOpcode)
	requireT.ErrorIs(r.Apply(ctx, wire.CmdCommentChanged, []byte{0, 9}), wire.ErrShortRead)

	_, err = command.LocalFrame(wire.MsgProjectLeave, func(*wire.Buffer) {})
	requireT.Error(err)
}

func TestApplyReportsHandlerError(t *testing.T) {
	errTest := errors.New("test")
	r := command.NewRegistry()
	require.NoError(t, r.Register(wire.CmdMakeData, func(context.Context, *wire.Buffer) error {
		return errTest
	}))
	require.ErrorIs(t, r.Apply(qa.NewContext(t), wire.CmdMakeData, nil), errTest)
}

type countingHooks struct {
	installs   int
	uninstalls int
}

func (h *countingHooks) Install()   { h.installs++ }
func (h *countingHooks) Uninstall() { h.uninstalls++ }

func TestHookStateIsIdempotent(t *testing.T) {
	requireT := require.New(t)

	hooks := &countingHooks{}
	hs := command.NewHookState(hooks)

	// Not publishing, host hooks untouched.
	hs.Install()
	requireT.False(hs.Installed())
	requireT.Zero(hooks.installs)

	hs.SetPublish(true)
	hs.Install()
	hs.Install()
	requireT.True(hs.Installed())
	requireT.Equal(1, hooks.installs)

	hs.Uninstall()
	hs.Uninstall()
	requireT.Equal(1, hooks.uninstalls)

	hs.Install()
	hs.SetPublish(false)
	requireT.False(hs.Installed())
	requireT.Equal(2, hooks.uninstalls)
}

func TestSuppressRestoresHooks(t *testing.T) {
	requireT := require.New(t)

	hooks := &countingHooks{}
	hs := command.NewHookState(hooks)
	hs.SetPublish(true)
	hs.Install()

	func() {
		defer hs.Suppress()()
		requireT.False(hs.Installed())
	}()
	requireT.True(hs.Installed())

	requireT.Panics(func() {
		defer hs.Suppress()()
		panic("mutation failed")
	})
	requireT.True(hs.Installed())

	hs.Uninstall()
	func() {
		defer hs.Suppress()()
	}()
	requireT.False(hs.Installed())
}

type graph map[uint64][]uint64

func (g graph) Callees(addr uint64) []uint64 {
	return g[addr]
}

func TestPropagateLibrary(t *testing.T) {
	requireT := require.New(t)

	g := graph{
		0x1000: {0x2000, 0x3000},
		0x2000: {0x3000, 0x1000},
		0x3000: {0x4000},
		0x4000: {0x4000},
		0x5000: {0x1000},
	}

	var marked []uint64
	command.PropagateLibrary(g, 0x1000, func(addr uint64) {
		marked = append(marked, addr)
	})
	sort.Slice(marked, func(i, j int) bool { return marked[i] < marked[j] })
	requireT.Equal([]uint64{0x1000, 0x2000, 0x3000, 0x4000}, marked)
}

func TestPropagateLibraryDeepChain(t *testing.T) {
	g := graph{}
	const depth = 100_000
	for i := uint64(0); i < depth; i++ {
		g[i] = []uint64{i + 1}
	}

	count := 0
	command.PropagateLibrary(g, 0, func(uint64) { count++ })
	require.Equal(t, depth+1, count)
}
