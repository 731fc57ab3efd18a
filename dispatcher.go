package tandem

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/tandem/auth"
	"github.com/outofforest/tandem/command"
	"github.com/outofforest/tandem/config"
	"github.com/outofforest/tandem/pending"
	"github.com/outofforest/tandem/perms"
	"github.com/outofforest/tandem/project"
	"github.com/outofforest/tandem/sequencer"
	"github.com/outofforest/tandem/store"
	"github.com/outofforest/tandem/transport"
	"github.com/outofforest/tandem/wire"
)

var (
	// ErrAuthAbandoned is returned when user gave up on authentication.
	ErrAuthAbandoned = errors.New("authentication abandoned")

	// ErrFatal is returned when server reported fatal error and dropped the session.
	ErrFatal = errors.New("fatal error reported by server")

	// ErrNotJoined is returned when operation requires joined project.
	ErrNotJoined = errors.New("not joined to project")

	// ErrNotConnected is returned when operation requires connection.
	ErrNotConnected = errors.New("not connected")

	errDisconnect = errors.New("disconnect requested")
)

func newDispatcher(config ClientConfig) *dispatcher {
	hooks := command.NewHookState(config.Hooks)
	d := &dispatcher{
		config:  config,
		auth:    auth.NewMachine(config.AuthAttempts),
		project: project.NewMachine(),
		hooks:   hooks,
		seq:     sequencer.New(config.State, config.Registry.Apply, hooks),
	}
	d.control = d.controlHandlers()
	return d
}

// dispatcher routes frames of one session to the state machines. It is not safe for concurrent use.
type dispatcher struct {
	config  ClientConfig
	session *transport.Session
	auth    *auth.Machine
	project *project.Machine
	seq     *sequencer.Sequencer
	queue   pending.Queue
	hooks   *command.HookState
	control map[wire.Opcode]controlHandler
}

func (d *dispatcher) attach(s *transport.Session) {
	d.session = s
	d.auth.Reset()
	d.project.Reset()
}

// detach closes the session. Pending queue and watermark survive for the next rejoin.
func (d *dispatcher) detach() {
	d.hooks.Uninstall()
	if d.session != nil {
		d.session.Close()
		d.session = nil
	}
	d.auth.Reset()
	d.project.Reset()
}

func (d *dispatcher) send(ctx context.Context, msg wire.Message) error {
	if d.session == nil {
		return errors.WithStack(ErrNotConnected)
	}
	f, err := wire.NewControl(msg)
	if err != nil {
		return err
	}
	logger.Get(ctx).Debug("Sending message", zap.Stringer("opcode", f.Opcode))
	return d.session.SendFrame(f)
}

func (d *dispatcher) handleFrame(ctx context.Context, f wire.Frame) error {
	if f.IsControl() {
		return d.handleControl(ctx, f)
	}
	return d.handleData(ctx, f)
}

func (d *dispatcher) handleData(ctx context.Context, f wire.Frame) error {
	log := logger.Get(ctx)

	switch {
	case !d.project.Mask().Subscribes():
		log.Debug("Update dropped, nothing subscribed", zap.Stringer("opcode", f.Opcode))
		return nil
	case d.project.Buffering():
		return d.queue.Enqueue(f)
	case d.project.AcceptsUpdates():
		return d.applyUpdate(ctx, f)
	default:
		log.Debug("Update dropped, no project joined",
			zap.Stringer("opcode", f.Opcode), zap.Stringer("state", d.project.State()))
		return nil
	}
}

func (d *dispatcher) applyUpdate(ctx context.Context, f wire.Frame) error {
	outcome, err := d.seq.OnInbound(ctx, sequencer.FromFrame(f))
	if err != nil {
		return err
	}
	logger.Get(ctx).Debug("Update processed",
		zap.Stringer("opcode", f.Opcode), zap.Uint64("updateID", f.UpdateID), zap.Stringer("outcome", outcome))
	return nil
}

type controlHandler func(ctx context.Context, f wire.Frame) error

func handler[T any, M interface {
	*T
	wire.Message
}](fn func(ctx context.Context, msg M) error) controlHandler {
	return func(ctx context.Context, f wire.Frame) error {
		msg := M(new(T))
		if err := wire.Parse(f, msg); err != nil {
			return err
		}
		return fn(ctx, msg)
	}
}

func (d *dispatcher) controlHandlers() map[wire.Opcode]controlHandler {
	return map[wire.Opcode]controlHandler{
		wire.MsgInitialChallenge:     handler(d.onChallenge),
		wire.MsgAuthReply:            handler(d.onAuthReply),
		wire.MsgProjectList:          handler(d.onProjectList),
		wire.MsgProjectJoinReply:     handler(d.onJoinReply),
		wire.MsgAckUpdateID:          handler(d.onAck),
		wire.MsgProjectSnapshotReply: handler(d.onSnapshotReply),
		wire.MsgProjectForkFollow:    handler(d.onForkFollow),
		wire.MsgGetReqPermsReply:     handler(d.onPermsReply),
		wire.MsgGetProjPermsReply:    handler(d.onPermsReply),
		wire.MsgSetReqPermsReply:     handler(d.onSetPermsReply),
		wire.MsgSetProjPermsReply:    handler(d.onSetPermsReply),
		wire.MsgError:                handler(d.onError),
		wire.MsgFatal:                handler(d.onFatal),
	}
}

func (d *dispatcher) handleControl(ctx context.Context, f wire.Frame) error {
	log := logger.Get(ctx)

	h, exists := d.control[f.Opcode]
	if !exists {
		log.Warn("Unexpected message", zap.Stringer("opcode", f.Opcode))
		return nil
	}

	err := h(ctx, f)
	if errors.Is(err, project.ErrInvalidState) || errors.Is(err, auth.ErrInvalidTransition) {
		log.Warn("Message ignored", zap.Stringer("opcode", f.Opcode), zap.Error(err))
		return nil
	}
	return err
}

func (d *dispatcher) onAck(ctx context.Context, msg *wire.AckUpdateID) error {
	return d.seq.Acknowledge(ctx, msg.UpdateID)
}

func (d *dispatcher) onSnapshotReply(ctx context.Context, msg *wire.SnapshotReply) error {
	if msg.Result == wire.ResultSuccess {
		logger.Get(ctx).Info("Snapshot created")
	} else {
		logger.Get(ctx).Warn("Snapshot refused", zap.Uint32("result", msg.Result))
	}
	return nil
}

func (d *dispatcher) onSetPermsReply(ctx context.Context, msg *wire.SetPermsReply) error {
	logger.Get(ctx).Info("Permissions stored", zap.Stringer("scope", msg.Scope))
	return nil
}

func (d *dispatcher) onError(ctx context.Context, msg *wire.ErrorMessage) error {
	logger.Get(ctx).Error("Server reported error", zap.String("text", msg.Text))
	d.config.Prompter.Notify(ctx, msg.Text)
	return nil
}

func (d *dispatcher) onFatal(ctx context.Context, msg *wire.FatalMessage) error {
	logger.Get(ctx).Error("Server reported fatal error", zap.String("text", msg.Text))
	d.config.Prompter.Notify(ctx, msg.Text)
	return errors.Wrap(ErrFatal, msg.Text)
}

func (d *dispatcher) onChallenge(ctx context.Context, msg *wire.Challenge) error {
	if s := d.auth.State(); s != auth.Disconnected {
		return errors.Wrapf(auth.ErrInvalidTransition, "challenge received in state %s", s)
	}
	creds, err := d.config.Prompter.Credentials(ctx, d.config.User, false)
	if err != nil {
		return d.abandonAuth(err)
	}
	req, err := d.auth.OnChallenge(msg.Value, creds)
	if err != nil {
		return err
	}
	return d.send(ctx, req)
}

func (d *dispatcher) onAuthReply(ctx context.Context, msg *wire.AuthReply) error {
	if err := d.auth.OnReply(msg); err != nil {
		return err
	}

	log := logger.Get(ctx)
	if d.auth.State() == auth.Succeeded {
		log.Info("Authenticated", zap.String("user", d.auth.User()))
		return d.afterAuth(ctx)
	}

	log.Warn("Authentication failed", zap.String("user", d.auth.User()), zap.Int("attempts", d.auth.Attempts()))
	if !d.auth.CanRetry() {
		d.auth.Abandon()
		d.config.Prompter.Notify(ctx, "Authentication failed")
		return errors.Wrapf(ErrAuthAbandoned, "%d attempts failed", d.auth.Attempts())
	}

	creds, err := d.config.Prompter.Credentials(ctx, d.auth.User(), true)
	if err != nil {
		return d.abandonAuth(err)
	}
	req, err := d.auth.Retry(creds)
	if err != nil {
		return err
	}
	return d.send(ctx, req)
}

func (d *dispatcher) abandonAuth(err error) error {
	if !errors.Is(err, ErrCancelled) {
		return err
	}
	d.auth.Abandon()
	return errors.WithStack(ErrAuthAbandoned)
}

func (d *dispatcher) afterAuth(ctx context.Context) error {
	if err := d.rememberServer(ctx); err != nil {
		return err
	}

	gpid, ok, err := d.config.State.GPID(ctx)
	if err != nil {
		return err
	}
	if ok {
		mask, err := d.options(ctx)
		if err != nil {
			return err
		}
		req, err := d.project.Rejoin(gpid, mask)
		if err != nil {
			return err
		}
		logger.Get(ctx).Info("Rejoining project", zap.Stringer("gpid", gpid))
		return d.send(ctx, req)
	}

	return d.requestList(ctx)
}

func (d *dispatcher) requestList(ctx context.Context) error {
	req, err := d.project.RequestList(d.config.Digest)
	if err != nil {
		return err
	}
	return d.send(ctx, req)
}

func (d *dispatcher) rememberServer(ctx context.Context) error {
	host, portStr, err := net.SplitHostPort(d.config.Server)
	if err != nil {
		host = d.config.Server
		portStr = strconv.Itoa(config.DefaultPort)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return errors.Wrapf(err, "invalid port in %q", d.config.Server)
	}
	return d.config.State.SetServer(ctx, store.Server{
		Host: host,
		Port: uint16(port),
		User: d.auth.User(),
	})
}

func (d *dispatcher) options(ctx context.Context) (wire.Mask, error) {
	mask, ok, err := d.config.State.Options(ctx)
	if err != nil {
		return wire.Mask{}, err
	}
	if !ok {
		return wire.FullMask, nil
	}
	return mask, nil
}

func (d *dispatcher) onProjectList(ctx context.Context, msg *wire.ProjectList) error {
	if err := d.project.OnList(msg); err != nil {
		return err
	}

	sel, err := d.config.Prompter.SelectProject(ctx, msg)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			d.project.Cancel()
			logger.Get(ctx).Info("Project selection cancelled")
			return errors.WithStack(errDisconnect)
		}
		return err
	}
	if sel.Mask == (wire.Mask{}) {
		if sel.Mask, err = d.options(ctx); err != nil {
			return err
		}
	}

	req, err := d.project.Select(sel)
	if err != nil {
		return err
	}
	return d.send(ctx, req)
}

func (d *dispatcher) onJoinReply(ctx context.Context, msg *wire.JoinReply) error {
	log := logger.Get(ctx)

	if msg.Result != wire.ResultSuccess && msg.Result != wire.ResultFail {
		log.Warn("Join reply with unknown result ignored", zap.Uint32("result", msg.Result))
		return nil
	}

	outcome, err := d.project.OnJoinReply(msg)
	if err != nil {
		return err
	}

	if outcome.Success {
		if err := d.config.State.SetGPID(ctx, outcome.GPID); err != nil {
			return err
		}
		if err := d.config.State.SetOptions(ctx, d.project.Mask()); err != nil {
			return err
		}
		if outcome.ResetWatermark {
			if err := d.seq.Reset(ctx, 0); err != nil {
				return err
			}
		}
		log.Info("Joined project", zap.Stringer("gpid", outcome.GPID), zap.Bool("fork", outcome.Fork))
	} else {
		log.Warn("Join refused", zap.Bool("fork", outcome.Fork))
		d.config.Prompter.Notify(ctx, "Project join failed")
	}

	if outcome.Fork && !outcome.Success && d.config.ForkRejectPolicy == config.ForkRejectReplay {
		if err := d.queue.Drain(func(f wire.Frame) error {
			return d.applyUpdate(ctx, f)
		}); err != nil {
			return err
		}
	}
	d.queue.Clear()

	d.hooks.SetPublish(d.project.Mask().Publishes())
	d.hooks.Install()

	return d.send(ctx, d.seq.Backfill())
}

func (d *dispatcher) onForkFollow(ctx context.Context, msg *wire.ForkFollow) error {
	log := logger.Get(ctx)

	if err := d.project.CheckFollow(msg, d.seq.Watermark()); err != nil {
		if errors.Is(err, project.ErrDiverged) {
			log.Warn("Fork cannot be followed", zap.String("user", msg.User), zap.Error(err))
			d.config.Prompter.Notify(ctx, "User "+msg.User+" forked the project ("+msg.Description+
				") but local history differs, fork cannot be followed")
			return nil
		}
		log.Warn("Fork follow ignored", zap.Error(err))
		return nil
	}

	follow, err := d.config.Prompter.ConfirmFollow(ctx, msg)
	if err != nil && !errors.Is(err, ErrCancelled) {
		return err
	}
	if !follow {
		log.Info("Fork not followed", zap.String("user", msg.User))
		return nil
	}

	leave, rejoin, err := d.project.Follow(msg, d.project.Mask())
	if err != nil {
		return err
	}
	d.hooks.Uninstall()
	d.queue.Clear()
	if err := d.send(ctx, leave); err != nil {
		return err
	}
	if err := d.config.State.SetGPID(ctx, msg.GPID); err != nil {
		return err
	}
	log.Info("Following fork", zap.String("user", msg.User), zap.Stringer("gpid", msg.GPID))
	return d.send(ctx, rejoin)
}

func (d *dispatcher) onPermsReply(ctx context.Context, msg *wire.PermsReply) error {
	edited, err := d.config.Prompter.EditPermissions(ctx, msg)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil
		}
		return err
	}

	req := perms.OnReply(msg, edited)
	if req == nil {
		return nil
	}
	if req.Scope == wire.ScopeUser {
		if err := d.config.State.SetOptions(ctx, req.Mask); err != nil {
			return err
		}
	}
	return d.send(ctx, req)
}

func (d *dispatcher) publish(ctx context.Context, f wire.Frame) error {
	if f.IsControl() {
		return errors.Errorf("control frame %s cannot be published", f.Opcode)
	}
	if !d.project.AcceptsUpdates() || !d.hooks.Installed() {
		return errors.WithStack(ErrNotJoined)
	}
	if d.session == nil {
		return errors.WithStack(ErrNotConnected)
	}
	f.UpdateID = 0
	return d.session.SendFrame(f)
}

func (d *dispatcher) fork(ctx context.Context, description string) error {
	req, err := d.project.Fork(description, d.seq.Watermark())
	if err != nil {
		return err
	}
	d.hooks.Uninstall()
	return d.send(ctx, req)
}

func (d *dispatcher) snapshot(ctx context.Context, description string) error {
	req, err := d.project.Snapshot(description, d.seq.Watermark())
	if err != nil {
		return err
	}
	return d.send(ctx, req)
}

func (d *dispatcher) leave(ctx context.Context) error {
	req, err := d.project.Leave()
	if err != nil {
		return err
	}
	d.hooks.Uninstall()
	d.queue.Clear()
	return d.send(ctx, req)
}

func (d *dispatcher) selectProject(ctx context.Context) error {
	if d.auth.State() != auth.Succeeded {
		return errors.WithStack(ErrNotConnected)
	}
	return d.requestList(ctx)
}

func (d *dispatcher) editPermissions(ctx context.Context, scope wire.PermScope) error {
	if d.auth.State() != auth.Succeeded {
		return errors.WithStack(ErrNotConnected)
	}
	return d.send(ctx, perms.Request(scope))
}

func (d *dispatcher) status() Status {
	s := Status{
		Auth:      d.auth.State(),
		Project:   d.project.State(),
		Mask:      d.project.Mask(),
		Watermark: d.seq.Watermark(),
		Queued:    d.queue.Len(),
		Hooks:     d.hooks.Installed(),
	}
	if d.session != nil {
		s.Stats = d.session.Stats()
	}
	return s
}
