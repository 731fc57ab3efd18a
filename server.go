package tandem

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/tandem/auth"
	"github.com/outofforest/tandem/transport"
	"github.com/outofforest/tandem/wire"
)

const sendQueueSize = 1024

var errSlowConsumer = errors.New("send queue overflow")

// ServerConfig defines server configuration.
type ServerConfig struct {
	// Users maps user names to passwords.
	Users map[string]string

	// Options are labels of the permission bits.
	Options []string

	MaxFrameSize uint32
}

type serverProject struct {
	id          uint32
	gpid        wire.GPID
	digest      wire.Digest
	description string
	owner       string
	defaultMask wire.Mask

	// snapshot entries point to the project and the update they checkpoint.
	parent           *serverProject
	snapshotUpdateID uint64

	updates []wire.Frame
}

type serverConn struct {
	sendCh    chan wire.Frame
	challenge wire.Challenge
	user      string
	reqMask   wire.Mask
	mask      wire.Mask
	project   *serverProject
	closed    bool
}

type serverConns struct {
	config ServerConfig

	mu       sync.Mutex
	conns    map[*serverConn]struct{}
	projects []*serverProject
}

func newServerConns(config ServerConfig) *serverConns {
	return &serverConns{
		config: config,
		conns:  map[*serverConn]struct{}{},
	}
}

func (c *serverConns) Add(challenge wire.Challenge) *serverConn {
	conn := &serverConn{
		sendCh:    make(chan wire.Frame, sendQueueSize),
		challenge: challenge,
		reqMask:   wire.FullMask,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conns[conn] = struct{}{}
	return conn
}

func (c *serverConns) Remove(conn *serverConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.conns[conn]; exists {
		delete(c.conns, conn)
		conn.close()
	}
}

// Handle processes frame received from the connection.
func (c *serverConns) Handle(ctx context.Context, conn *serverConn, f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !f.IsControl() {
		return c.broadcast(conn, f)
	}

	if conn.user == "" && f.Opcode != wire.MsgAuthRequest {
		return conn.send(&wire.FatalMessage{Text: "authentication required"})
	}

	switch f.Opcode {
	case wire.MsgAuthRequest:
		var msg wire.AuthRequest
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		return c.authenticate(ctx, conn, &msg)
	case wire.MsgProjectList:
		var msg wire.ProjectListRequest
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		return conn.send(c.list(msg.Digest))
	case wire.MsgProjectJoinRequest:
		var msg wire.JoinRequest
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		return c.join(conn, c.findByID(msg.ProjectID), msg.Mask)
	case wire.MsgProjectRejoinRequest:
		var msg wire.RejoinRequest
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		return c.join(conn, c.findByGPID(msg.GPID), msg.Mask)
	case wire.MsgProjectNewRequest:
		var msg wire.NewProjectRequest
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		p, err := c.newProject(msg.Digest, msg.Description, conn.user, nil)
		if err != nil {
			return err
		}
		return c.join(conn, p, msg.Mask)
	case wire.MsgProjectSnapForkRequest:
		var msg wire.SnapForkRequest
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		return c.snapFork(conn, &msg)
	case wire.MsgSendUpdates:
		var msg wire.SendUpdates
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		return c.sendUpdates(conn, msg.LastUpdateID)
	case wire.MsgProjectSnapshotRequest:
		var msg wire.SnapshotRequest
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		return c.snapshot(conn, &msg)
	case wire.MsgProjectForkRequest:
		var msg wire.ForkRequest
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		return c.fork(conn, &msg)
	case wire.MsgProjectLeave:
		conn.project = nil
		return nil
	case wire.MsgGetReqPerms, wire.MsgGetProjPerms:
		var msg wire.GetPerms
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		return c.getPerms(conn, msg.Scope)
	case wire.MsgSetReqPerms, wire.MsgSetProjPerms:
		var msg wire.SetPerms
		if err := wire.Parse(f, &msg); err != nil {
			return err
		}
		return c.setPerms(conn, &msg)
	default:
		return conn.send(&wire.ErrorMessage{Text: "unsupported message " + f.Opcode.String()})
	}
}

func (c *serverConns) authenticate(ctx context.Context, conn *serverConn, msg *wire.AuthRequest) error {
	reply := &wire.AuthReply{Result: wire.ResultFail}
	if password, exists := c.config.Users[msg.User]; exists &&
		msg.Version == wire.ProtocolVersion && auth.MAC(password, conn.challenge) == msg.MAC {
		conn.user = msg.User
		reply.Result = wire.ResultSuccess
	}
	logger.Get(ctx).Info("Authentication", zap.String("user", msg.User), zap.Uint32("result", reply.Result))
	return conn.send(reply)
}

func (c *serverConns) list(digest wire.Digest) *wire.ProjectList {
	list := &wire.ProjectList{Options: c.config.Options}
	for _, p := range c.projects {
		if p.digest != digest {
			continue
		}
		list.Projects = append(list.Projects, wire.ProjectInfo{
			ID:               p.id,
			SnapshotUpdateID: p.snapshotUpdateID,
			Description:      p.description,
			Ceiling:          wire.FullMask,
		})
	}
	return list
}

func (c *serverConns) findByID(id uint32) *serverProject {
	for _, p := range c.projects {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (c *serverConns) findByGPID(gpid wire.GPID) *serverProject {
	for _, p := range c.projects {
		if p.parent == nil && p.gpid == gpid {
			return p
		}
	}
	return nil
}

func (c *serverConns) newProject(
	digest wire.Digest,
	description, owner string,
	updates []wire.Frame,
) (*serverProject, error) {
	gpid, err := randomGPID()
	if err != nil {
		return nil, err
	}
	p := &serverProject{
		id:          uint32(len(c.projects)) + 1,
		gpid:        gpid,
		digest:      digest,
		description: description,
		owner:       owner,
		defaultMask: wire.FullMask,
		updates:     append([]wire.Frame(nil), updates...),
	}
	c.projects = append(c.projects, p)
	return p, nil
}

func (c *serverConns) join(conn *serverConn, p *serverProject, mask wire.Mask) error {
	if p == nil || p.parent != nil {
		return conn.send(&wire.JoinReply{Result: wire.ResultFail})
	}
	conn.project = p
	conn.reqMask = mask
	conn.mask = mask.Bound(p.defaultMask)
	return conn.send(&wire.JoinReply{Result: wire.ResultSuccess, GPID: p.gpid})
}

func (c *serverConns) snapFork(conn *serverConn, msg *wire.SnapForkRequest) error {
	snap := c.findByID(msg.ProjectID)
	if snap == nil || snap.parent == nil {
		return conn.send(&wire.JoinReply{Result: wire.ResultFail})
	}
	p, err := c.newProject(snap.digest, msg.Description, conn.user, snap.parent.updates[:snap.snapshotUpdateID])
	if err != nil {
		return err
	}
	return c.join(conn, p, msg.Mask)
}

func (c *serverConns) sendUpdates(conn *serverConn, last uint64) error {
	if conn.project == nil {
		return conn.send(&wire.ErrorMessage{Text: "not joined"})
	}
	if !conn.mask.Subscribes() {
		return nil
	}
	for i := last; i < uint64(len(conn.project.updates)); i++ {
		if err := conn.sendFrame(conn.project.updates[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *serverConns) broadcast(conn *serverConn, f wire.Frame) error {
	p := conn.project
	if p == nil {
		return conn.send(&wire.ErrorMessage{Text: "update received outside of project"})
	}
	if !conn.mask.Publishes() {
		return conn.send(&wire.ErrorMessage{Text: "publishing not permitted"})
	}

	f.UpdateID = uint64(len(p.updates)) + 1
	p.updates = append(p.updates, f)

	for other := range c.conns {
		if other == conn || other.project != p || !other.mask.Subscribes() {
			continue
		}
		if err := other.sendFrame(f); err != nil {
			delete(c.conns, other)
			other.close()
		}
	}

	return conn.send(&wire.AckUpdateID{UpdateID: f.UpdateID})
}

func (c *serverConns) snapshot(conn *serverConn, msg *wire.SnapshotRequest) error {
	p := conn.project
	if p == nil || msg.UpdateID == 0 || msg.UpdateID > uint64(len(p.updates)) {
		return conn.send(&wire.SnapshotReply{Result: wire.ResultFail})
	}
	c.projects = append(c.projects, &serverProject{
		id:               uint32(len(c.projects)) + 1,
		gpid:             p.gpid,
		digest:           p.digest,
		description:      msg.Description,
		owner:            conn.user,
		defaultMask:      p.defaultMask,
		parent:           p,
		snapshotUpdateID: msg.UpdateID,
	})
	return conn.send(&wire.SnapshotReply{Result: wire.ResultSuccess})
}

func (c *serverConns) fork(conn *serverConn, msg *wire.ForkRequest) error {
	old := conn.project
	if old == nil || msg.UpdateID > uint64(len(old.updates)) {
		return conn.send(&wire.JoinReply{Result: wire.ResultFail})
	}
	p, err := c.newProject(old.digest, msg.Description, conn.user, old.updates[:msg.UpdateID])
	if err != nil {
		return err
	}
	conn.project = p

	follow := &wire.ForkFollow{
		User:        conn.user,
		GPID:        p.gpid,
		UpdateID:    msg.UpdateID,
		Description: msg.Description,
	}
	for other := range c.conns {
		if other == conn || other.project != old {
			continue
		}
		if err := other.send(follow); err != nil {
			delete(c.conns, other)
			other.close()
		}
	}

	return conn.send(&wire.JoinReply{Result: wire.ResultSuccess, GPID: p.gpid})
}

func (c *serverConns) getPerms(conn *serverConn, scope wire.PermScope) error {
	reply := &wire.PermsReply{
		Scope:   scope,
		Current: conn.reqMask,
		Ceiling: wire.FullMask,
		Options: c.config.Options,
	}
	if scope == wire.ScopeProject {
		if conn.project == nil {
			return conn.send(&wire.ErrorMessage{Text: "not joined"})
		}
		reply.Current = conn.project.defaultMask
	}
	return conn.send(reply)
}

func (c *serverConns) setPerms(conn *serverConn, msg *wire.SetPerms) error {
	if msg.Scope == wire.ScopeProject {
		if conn.project == nil || conn.project.owner != conn.user {
			return conn.send(&wire.ErrorMessage{Text: "only the owner may change project permissions"})
		}
		conn.project.defaultMask = msg.Mask
		for other := range c.conns {
			if other.project == conn.project {
				other.mask = other.reqMask.Bound(msg.Mask)
			}
		}
	} else {
		conn.reqMask = msg.Mask
		if conn.project != nil {
			conn.mask = msg.Mask.Bound(conn.project.defaultMask)
		}
	}
	return conn.send(&wire.SetPermsReply{Scope: msg.Scope})
}

func (conn *serverConn) send(msg wire.Message) error {
	f, err := wire.NewControl(msg)
	if err != nil {
		return err
	}
	return conn.sendFrame(f)
}

func (conn *serverConn) sendFrame(f wire.Frame) error {
	if conn.closed {
		return errors.WithStack(transport.ErrClosed)
	}
	select {
	case conn.sendCh <- f:
		return nil
	default:
		return errors.WithStack(errSlowConsumer)
	}
}

func (conn *serverConn) close() {
	if !conn.closed {
		conn.closed = true
		close(conn.sendCh)
	}
}

// RunServer runs the reference relay server. Projects live in memory only.
func RunServer(ctx context.Context, ls net.Listener, config ServerConfig) error {
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = transport.DefaultMaxFrameSize
	}
	conns := newServerConns(config)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("listener", parallel.Fail, func(ctx context.Context) error {
			log := logger.Get(ctx)
			for {
				c, err := ls.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}
					return errors.WithStack(err)
				}

				spawn("conn", parallel.Continue, func(ctx context.Context) error {
					if err := runServerConn(ctx, c, conns); err != nil && ctx.Err() == nil {
						log.Info("Connection closed", zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
					}
					return nil
				})
			}
		})
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = ls.Close()
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}

func runServerConn(ctx context.Context, c net.Conn, conns *serverConns) error {
	challenge, err := randomChallenge()
	if err != nil {
		return err
	}

	conn := conns.Add(challenge)
	if err := conn.send(&wire.Challenge{Value: challenge}); err != nil {
		return err
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer conns.Remove(conn)

			for {
				f, err := wire.ReadFrame(c, conns.config.MaxFrameSize)
				if err != nil {
					return err
				}
				if err := conns.Handle(ctx, conn, f); err != nil {
					return err
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for range conn.sendCh {
				}
			}()
			defer c.Close()

			for f := range conn.sendCh {
				if err := wire.WriteFrame(c, f); err != nil {
					return err
				}
				if f.Opcode == wire.MsgFatal {
					return errors.New("fatal error sent")
				}
			}

			return errors.WithStack(transport.ErrClosed)
		})
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = c.Close()
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}
