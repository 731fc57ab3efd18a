package tandem

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"
	"github.com/outofforest/tandem/auth"
	"github.com/outofforest/tandem/command"
	"github.com/outofforest/tandem/config"
	"github.com/outofforest/tandem/project"
	"github.com/outofforest/tandem/store"
	"github.com/outofforest/tandem/transport"
	"github.com/outofforest/tandem/wire"
)

var (
	testDigest    = wire.Digest{0x01, 0x02, 0x03}
	testChallenge = wire.Challenge{0xaa, 0xbb}
	testGPID      = wire.GPID{0x10}
	forkGPID      = wire.GPID{0x20}
)

type captureStream struct {
	buf []byte
}

func (s *captureStream) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

type fakeHooks struct {
	installed bool
}

func (h *fakeHooks) Install() {
	h.installed = true
}

func (h *fakeHooks) Uninstall() {
	h.installed = false
}

type scriptedPrompter struct {
	passwords   []string
	credErr     error
	selection   project.Selection
	selectErr   error
	follow      bool
	edited      wire.Mask
	credCalls   int
	selectCalls int
	followCalls int
	notes       []string
}

func (p *scriptedPrompter) Credentials(_ context.Context, user string, _ bool) (auth.Credentials, error) {
	p.credCalls++
	if p.credErr != nil {
		return auth.Credentials{}, p.credErr
	}
	password := p.passwords[len(p.passwords)-1]
	if p.credCalls <= len(p.passwords) {
		password = p.passwords[p.credCalls-1]
	}
	return auth.Credentials{User: user, Password: password}, nil
}

func (p *scriptedPrompter) SelectProject(context.Context, *wire.ProjectList) (project.Selection, error) {
	p.selectCalls++
	return p.selection, p.selectErr
}

func (p *scriptedPrompter) ConfirmFollow(context.Context, *wire.ForkFollow) (bool, error) {
	p.followCalls++
	return p.follow, nil
}

func (p *scriptedPrompter) EditPermissions(context.Context, *wire.PermsReply) (wire.Mask, error) {
	return p.edited, nil
}

func (p *scriptedPrompter) Notify(_ context.Context, text string) {
	p.notes = append(p.notes, text)
}

type harness struct {
	d        *dispatcher
	stream   *captureStream
	prompter *scriptedPrompter
	hooks    *fakeHooks
	state    *store.State

	applied          []string
	hooksDuringApply []bool
}

func newHarness(ctx context.Context, t *testing.T, policy config.ForkRejectPolicy) *harness {
	h := &harness{
		stream: &captureStream{},
		prompter: &scriptedPrompter{
			passwords: []string{"secret"},
			selection: project.Selection{Kind: project.SelectCreate, Description: "first"},
		},
		hooks: &fakeHooks{},
		state: store.NewState(store.NewMemory()),
	}

	registry := command.NewRegistry()
	require.NoError(t, registry.Register(wire.CmdRenamed, func(_ context.Context, b *wire.Buffer) error {
		h.applied = append(h.applied, b.ReadString())
		h.hooksDuringApply = append(h.hooksDuringApply, h.hooks.installed)
		return b.Err()
	}))

	cfg := config.Default()
	cfg.Server = "localhost:5042"
	cfg.User = "alice"
	cfg.ForkRejectPolicy = policy

	h.d = newDispatcher(ClientConfig{
		Config:   cfg,
		Digest:   testDigest,
		State:    h.state,
		Registry: registry,
		Hooks:    h.hooks,
		Prompter: h.prompter,
	})
	require.NoError(t, h.d.seq.Load(ctx))
	h.d.attach(transport.NewSession(h.stream, transport.Config{}, func(f wire.Frame) error {
		return h.d.handleFrame(ctx, f)
	}))
	return h
}

func (h *harness) receive(ctx context.Context, t *testing.T, msg wire.Message) error {
	f, err := wire.NewControl(msg)
	require.NoError(t, err)
	return h.d.handleFrame(ctx, f)
}

func (h *harness) update(ctx context.Context, t *testing.T, id uint64, name string) {
	b := wire.NewBuffer()
	b.WriteString(name)
	require.NoError(t, h.d.handleFrame(ctx, wire.Frame{
		Opcode:   wire.CmdRenamed,
		Payload:  b.Written(),
		UpdateID: id,
	}))
}

func (h *harness) sent(t *testing.T) []wire.Frame {
	r := bytes.NewReader(h.stream.buf)
	h.stream.buf = nil

	var frames []wire.Frame
	for {
		f, err := wire.ReadFrame(r, 0)
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func (h *harness) expectSent(t *testing.T, msgs ...wire.Message) {
	expected := make([]wire.Frame, 0, len(msgs))
	for _, msg := range msgs {
		f, err := wire.NewControl(msg)
		require.NoError(t, err)
		expected = append(expected, f)
	}
	require.Equal(t, expected, h.sent(t))
}

func (h *harness) authenticate(ctx context.Context, t *testing.T) {
	require.NoError(t, h.receive(ctx, t, &wire.Challenge{Value: testChallenge}))
	require.NoError(t, h.receive(ctx, t, &wire.AuthReply{Result: wire.ResultSuccess}))
}

func (h *harness) join(ctx context.Context, t *testing.T) {
	h.authenticate(ctx, t)
	require.NoError(t, h.receive(ctx, t, &wire.ProjectList{}))
	require.NoError(t, h.receive(ctx, t, &wire.JoinReply{Result: wire.ResultSuccess, GPID: testGPID}))
	require.Equal(t, project.Joined, h.d.project.State())
	h.sent(t)
}

func TestVirginDocumentHandshake(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.prompter.passwords = []string{"wrong", "secret"}

	requireT.NoError(h.receive(ctx, t, &wire.Challenge{Value: testChallenge}))
	h.expectSent(t, &wire.AuthRequest{
		Version: wire.ProtocolVersion,
		User:    "alice",
		MAC:     auth.MAC("wrong", testChallenge),
	})

	requireT.NoError(h.receive(ctx, t, &wire.AuthReply{Result: wire.ResultFail}))
	h.expectSent(t, &wire.AuthRequest{
		Version: wire.ProtocolVersion,
		User:    "alice",
		MAC:     auth.MAC("secret", testChallenge),
	})
	requireT.Equal(2, h.prompter.credCalls)

	requireT.NoError(h.receive(ctx, t, &wire.AuthReply{Result: wire.ResultSuccess}))
	h.expectSent(t, &wire.ProjectListRequest{Digest: testDigest})

	srv, err := h.state.Server(ctx)
	requireT.NoError(err)
	requireT.Equal(store.Server{Host: "localhost", Port: 5042, User: "alice"}, srv)

	requireT.NoError(h.receive(ctx, t, &wire.ProjectList{}))
	h.expectSent(t, &wire.NewProjectRequest{Digest: testDigest, Description: "first", Mask: wire.FullMask})
	requireT.Equal(1, h.prompter.selectCalls)
	requireT.False(h.hooks.installed)

	requireT.NoError(h.receive(ctx, t, &wire.JoinReply{Result: wire.ResultSuccess, GPID: testGPID}))
	h.expectSent(t, &wire.SendUpdates{LastUpdateID: 0})
	requireT.True(h.hooks.installed)
	requireT.Equal(project.Joined, h.d.project.State())

	gpid, ok, err := h.state.GPID(ctx)
	requireT.NoError(err)
	requireT.True(ok)
	requireT.Equal(testGPID, gpid)
}

func TestAuthAbandonedAfterMaxAttempts(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.prompter.passwords = []string{"wrong"}

	requireT.NoError(h.receive(ctx, t, &wire.Challenge{Value: testChallenge}))
	requireT.NoError(h.receive(ctx, t, &wire.AuthReply{Result: wire.ResultFail}))
	requireT.NoError(h.receive(ctx, t, &wire.AuthReply{Result: wire.ResultFail}))
	err := h.receive(ctx, t, &wire.AuthReply{Result: wire.ResultFail})
	requireT.ErrorIs(err, ErrAuthAbandoned)

	requireT.Len(h.sent(t), auth.DefaultMaxAttempts)
	requireT.Equal(auth.Abandoned, h.d.auth.State())
	requireT.Equal([]string{"Authentication failed"}, h.prompter.notes)
}

func TestCancelledCredentialsAbandonAuth(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.prompter.credErr = ErrCancelled

	requireT.ErrorIs(h.receive(ctx, t, &wire.Challenge{Value: testChallenge}), ErrAuthAbandoned)
	requireT.Empty(h.sent(t))
}

func TestCancelledSelectionDisconnects(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.prompter.selectErr = ErrCancelled

	h.authenticate(ctx, t)
	h.sent(t)
	requireT.ErrorIs(h.receive(ctx, t, &wire.ProjectList{}), errDisconnect)
	requireT.Equal(project.NoProject, h.d.project.State())
	requireT.Empty(h.sent(t))
}

func TestRejoinRememberedProject(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	mask := wire.Mask{Publish: 0x3, Subscribe: 0x7}
	requireT.NoError(h.state.SetGPID(ctx, testGPID))
	requireT.NoError(h.state.SetOptions(ctx, mask))
	requireT.NoError(h.state.SetLastUpdate(ctx, 7))
	requireT.NoError(h.d.seq.Load(ctx))

	h.authenticate(ctx, t)
	h.expectSent(t,
		&wire.AuthRequest{Version: wire.ProtocolVersion, User: "alice", MAC: auth.MAC("secret", testChallenge)},
		&wire.RejoinRequest{GPID: testGPID, Mask: mask},
	)

	requireT.NoError(h.receive(ctx, t, &wire.JoinReply{Result: wire.ResultSuccess, GPID: testGPID}))
	h.expectSent(t, &wire.SendUpdates{LastUpdateID: 7})
	requireT.EqualValues(7, h.d.seq.Watermark())
	requireT.Zero(h.prompter.selectCalls)
}

func TestUpdatesAppliedOnceInOrder(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.join(ctx, t)

	h.update(ctx, t, 1, "a")
	h.update(ctx, t, 2, "b")
	h.update(ctx, t, 2, "b")
	h.update(ctx, t, 1, "a")
	h.update(ctx, t, 3, "c")

	requireT.Equal([]string{"a", "b", "c"}, h.applied)
	requireT.Equal([]bool{false, false, false}, h.hooksDuringApply)
	requireT.True(h.hooks.installed)
	requireT.EqualValues(3, h.d.seq.Watermark())

	wm, err := h.state.LastUpdate(ctx)
	requireT.NoError(err)
	requireT.EqualValues(3, wm)
}

func TestUpdatesDroppedOutsideProject(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.authenticate(ctx, t)

	h.update(ctx, t, 1, "a")
	requireT.Empty(h.applied)
	requireT.Zero(h.d.seq.Watermark())
}

func TestUpdatesDroppedWithoutSubscription(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.prompter.selection.Mask = wire.Mask{Publish: 1}
	h.join(ctx, t)

	h.update(ctx, t, 1, "a")
	requireT.Empty(h.applied)
	requireT.True(h.hooks.installed)
}

func TestHooksNotInstalledWithoutPublishing(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.prompter.selection.Mask = wire.Mask{Subscribe: 1}
	h.join(ctx, t)

	requireT.False(h.hooks.installed)
	h.update(ctx, t, 1, "a")
	requireT.Equal([]string{"a"}, h.applied)
	requireT.ErrorIs(h.d.publish(ctx, wire.Frame{Opcode: wire.CmdRenamed}), ErrNotJoined)
}

func TestForkQueuesUpdatesUntilReply(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.join(ctx, t)
	h.update(ctx, t, 1, "a")
	h.update(ctx, t, 2, "b")

	requireT.NoError(h.d.fork(ctx, "branch"))
	h.expectSent(t, &wire.ForkRequest{UpdateID: 2, Description: "branch"})
	requireT.False(h.hooks.installed)

	h.update(ctx, t, 3, "c")
	h.update(ctx, t, 4, "d")
	requireT.Equal(2, h.d.queue.Len())
	requireT.Equal([]string{"a", "b"}, h.applied)

	requireT.NoError(h.receive(ctx, t, &wire.JoinReply{Result: wire.ResultSuccess, GPID: forkGPID}))
	h.expectSent(t, &wire.SendUpdates{LastUpdateID: 2})
	requireT.Zero(h.d.queue.Len())
	requireT.Equal([]string{"a", "b"}, h.applied)
	requireT.EqualValues(2, h.d.seq.Watermark())
	requireT.True(h.hooks.installed)

	gpid, _, err := h.state.GPID(ctx)
	requireT.NoError(err)
	requireT.Equal(forkGPID, gpid)
}

func TestRejectedForkPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy    config.ForkRejectPolicy
		applied   []string
		watermark uint64
	}{
		{policy: config.ForkRejectDiscard, applied: []string{"a"}, watermark: 1},
		{policy: config.ForkRejectReplay, applied: []string{"a", "b", "c"}, watermark: 3},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)

			h := newHarness(ctx, t, tc.policy)
			h.join(ctx, t)
			h.update(ctx, t, 1, "a")

			requireT.NoError(h.d.fork(ctx, "branch"))
			h.update(ctx, t, 2, "b")
			h.update(ctx, t, 3, "c")
			h.sent(t)

			requireT.NoError(h.receive(ctx, t, &wire.JoinReply{Result: wire.ResultFail}))
			requireT.Equal(project.Joined, h.d.project.State())
			requireT.Equal(tc.applied, h.applied)
			requireT.Equal(tc.watermark, h.d.seq.Watermark())
			requireT.Zero(h.d.queue.Len())
			h.expectSent(t, &wire.SendUpdates{LastUpdateID: tc.watermark})

			gpid, _, err := h.state.GPID(ctx)
			requireT.NoError(err)
			requireT.Equal(testGPID, gpid)

			// Server answers the backfill, already applied updates are skipped.
			for _, u := range []struct {
				id   uint64
				name string
			}{
				{id: 2, name: "b"}, {id: 2, name: "b"},
				{id: 3, name: "c"}, {id: 3, name: "c"},
				{id: 4, name: "d"}, {id: 4, name: "d"},
			} {
				h.update(ctx, t, u.id, u.name)
			}
			requireT.Equal([]string{"a", "b", "c", "d"}, h.applied)
			requireT.EqualValues(4, h.d.seq.Watermark())
		})
	}
}

func TestUnknownJoinResultIgnored(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.join(ctx, t)
	requireT.NoError(h.d.fork(ctx, "branch"))
	h.sent(t)

	requireT.NoError(h.receive(ctx, t, &wire.JoinReply{Result: 7}))
	requireT.Equal(project.ForkPending, h.d.project.State())
	requireT.Empty(h.sent(t))
}

func TestJoinFailureLeavesProject(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.authenticate(ctx, t)
	requireT.NoError(h.receive(ctx, t, &wire.ProjectList{}))
	h.sent(t)

	requireT.NoError(h.receive(ctx, t, &wire.JoinReply{Result: wire.ResultFail}))
	requireT.Equal(project.NoProject, h.d.project.State())
	requireT.Equal([]string{"Project join failed"}, h.prompter.notes)
	h.expectSent(t, &wire.SendUpdates{LastUpdateID: 0})

	_, ok, err := h.state.GPID(ctx)
	requireT.NoError(err)
	requireT.False(ok)
}

func TestFollowFork(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.prompter.follow = true
	h.join(ctx, t)
	h.update(ctx, t, 1, "a")

	requireT.NoError(h.receive(ctx, t, &wire.ForkFollow{
		User:        "bob",
		GPID:        forkGPID,
		UpdateID:    1,
		Description: "branch",
	}))
	h.expectSent(t, &wire.Leave{}, &wire.RejoinRequest{GPID: forkGPID, Mask: wire.FullMask})
	requireT.False(h.hooks.installed)
	requireT.Equal(project.Joining, h.d.project.State())

	requireT.NoError(h.receive(ctx, t, &wire.JoinReply{Result: wire.ResultSuccess, GPID: forkGPID}))
	h.expectSent(t, &wire.SendUpdates{LastUpdateID: 1})
	requireT.True(h.hooks.installed)

	gpid, _, err := h.state.GPID(ctx)
	requireT.NoError(err)
	requireT.Equal(forkGPID, gpid)
}

func TestFollowForkDeclined(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.join(ctx, t)

	requireT.NoError(h.receive(ctx, t, &wire.ForkFollow{User: "bob", GPID: forkGPID}))
	requireT.Equal(1, h.prompter.followCalls)
	requireT.Empty(h.sent(t))
	requireT.Equal(project.Joined, h.d.project.State())
}

func TestFollowForkDiverged(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.prompter.follow = true
	h.join(ctx, t)
	h.update(ctx, t, 1, "a")

	requireT.NoError(h.receive(ctx, t, &wire.ForkFollow{User: "bob", GPID: forkGPID, UpdateID: 5}))
	requireT.Zero(h.prompter.followCalls)
	requireT.Len(h.prompter.notes, 1)
	requireT.Contains(h.prompter.notes[0], "bob")
	requireT.Empty(h.sent(t))
	requireT.Equal(project.Joined, h.d.project.State())
}

func TestPublishAndAcknowledge(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	f := wire.Frame{Opcode: wire.CmdRenamed, Payload: []byte{0x00, 0x01, 'x'}, UpdateID: 9}
	requireT.ErrorIs(h.d.publish(ctx, f), ErrNotJoined)

	h.join(ctx, t)
	requireT.NoError(h.d.publish(ctx, f))
	f.UpdateID = 0
	requireT.Equal([]wire.Frame{f}, h.sent(t))

	requireT.NoError(h.receive(ctx, t, &wire.AckUpdateID{UpdateID: 4}))
	requireT.EqualValues(4, h.d.seq.Watermark())
	requireT.NoError(h.receive(ctx, t, &wire.AckUpdateID{UpdateID: 2}))
	requireT.EqualValues(4, h.d.seq.Watermark())

	requireT.Error(h.d.publish(ctx, wire.Frame{Opcode: wire.MsgProjectLeave}))
}

func TestLeaveKeepsLocalState(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.join(ctx, t)
	h.update(ctx, t, 1, "a")

	requireT.NoError(h.d.leave(ctx))
	h.expectSent(t, &wire.Leave{})
	requireT.False(h.hooks.installed)
	requireT.Equal(project.Leaving, h.d.project.State())

	h.update(ctx, t, 2, "b")
	requireT.Equal([]string{"a"}, h.applied)

	gpid, ok, err := h.state.GPID(ctx)
	requireT.NoError(err)
	requireT.True(ok)
	requireT.Equal(testGPID, gpid)

	requireT.NoError(h.d.selectProject(ctx))
	h.expectSent(t, &wire.ProjectListRequest{Digest: testDigest})
}

func TestEditPermissions(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	requireT.ErrorIs(h.d.editPermissions(ctx, wire.ScopeUser), ErrNotConnected)

	h.join(ctx, t)
	requireT.NoError(h.d.editPermissions(ctx, wire.ScopeUser))
	h.expectSent(t, &wire.GetPerms{Scope: wire.ScopeUser})

	reply := &wire.PermsReply{
		Scope:   wire.ScopeUser,
		Current: wire.Mask{Publish: 0x3, Subscribe: 0x3},
		Ceiling: wire.Mask{Publish: 0x3, Subscribe: 0x3},
		Options: []string{"names", "comments"},
	}

	h.prompter.edited = wire.Mask{Publish: 0xff, Subscribe: 0x3}
	requireT.NoError(h.receive(ctx, t, reply))
	requireT.Empty(h.sent(t))

	h.prompter.edited = wire.Mask{Publish: 0x1, Subscribe: 0x3}
	requireT.NoError(h.receive(ctx, t, reply))
	h.expectSent(t, &wire.SetPerms{Scope: wire.ScopeUser, Mask: wire.Mask{Publish: 0x1, Subscribe: 0x3}})

	options, ok, err := h.state.Options(ctx)
	requireT.NoError(err)
	requireT.True(ok)
	requireT.Equal(wire.Mask{Publish: 0x1, Subscribe: 0x3}, options)

	requireT.NoError(h.receive(ctx, t, &wire.SetPermsReply{Scope: wire.ScopeUser}))
}

func TestServerErrors(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.join(ctx, t)

	requireT.NoError(h.receive(ctx, t, &wire.ErrorMessage{Text: "slow down"}))
	requireT.ErrorIs(h.receive(ctx, t, &wire.FatalMessage{Text: "banned"}), ErrFatal)
	requireT.Equal([]string{"slow down", "banned"}, h.prompter.notes)
}

func TestDetachResetsSession(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.join(ctx, t)
	h.update(ctx, t, 1, "a")
	requireT.NoError(h.d.fork(ctx, "branch"))
	h.update(ctx, t, 2, "b")
	requireT.Equal(1, h.d.queue.Len())

	h.d.detach()
	requireT.False(h.hooks.installed)
	requireT.Equal(project.NoProject, h.d.project.State())
	requireT.Equal(auth.Disconnected, h.d.auth.State())
	requireT.EqualValues(1, h.d.seq.Watermark())
	requireT.Equal(1, h.d.queue.Len())
	requireT.ErrorIs(h.d.send(ctx, &wire.Leave{}), ErrNotConnected)

	h.stream.buf = nil
	h.d.attach(transport.NewSession(h.stream, transport.Config{}, func(f wire.Frame) error {
		return h.d.handleFrame(ctx, f)
	}))
	requireT.Equal(1, h.d.queue.Len())

	h.authenticate(ctx, t)
	h.expectSent(t,
		&wire.AuthRequest{Version: wire.ProtocolVersion, User: "alice", MAC: auth.MAC("secret", testChallenge)},
		&wire.RejoinRequest{GPID: testGPID, Mask: wire.FullMask},
	)
	requireT.NoError(h.receive(ctx, t, &wire.JoinReply{Result: wire.ResultSuccess, GPID: testGPID}))
	h.expectSent(t, &wire.SendUpdates{LastUpdateID: 1})
	requireT.Zero(h.d.queue.Len())
	requireT.Equal([]string{"a"}, h.applied)
}

func TestStrayRepliesIgnored(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.join(ctx, t)
	credCalls := h.prompter.credCalls

	requireT.NoError(h.receive(ctx, t, &wire.JoinReply{Result: wire.ResultSuccess, GPID: forkGPID}))
	requireT.NoError(h.receive(ctx, t, &wire.AuthReply{Result: wire.ResultFail}))
	requireT.NoError(h.receive(ctx, t, &wire.Challenge{Value: testChallenge}))
	requireT.NoError(h.receive(ctx, t, &wire.ProjectList{}))

	requireT.Equal(project.Joined, h.d.project.State())
	requireT.Equal(auth.Succeeded, h.d.auth.State())
	requireT.Equal(credCalls, h.prompter.credCalls)
	requireT.Equal(1, h.prompter.selectCalls)
	requireT.True(h.hooks.installed)
	requireT.Empty(h.sent(t))

	gpid, _, err := h.state.GPID(ctx)
	requireT.NoError(err)
	requireT.Equal(testGPID, gpid)

	h.update(ctx, t, 1, "a")
	requireT.Equal([]string{"a"}, h.applied)
}

func TestUnknownControlMessageIgnored(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := newHarness(ctx, t, config.ForkRejectDiscard)
	h.join(ctx, t)

	f := wire.Frame{Opcode: wire.Opcode(1050), Payload: []byte{0x01, 0x02}}
	requireT.True(f.IsControl())
	requireT.NoError(h.d.handleFrame(ctx, f))

	requireT.Equal(project.Joined, h.d.project.State())
	requireT.Empty(h.sent(t))
	requireT.Empty(h.prompter.notes)
}
