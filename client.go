package tandem

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/tandem/auth"
	"github.com/outofforest/tandem/command"
	"github.com/outofforest/tandem/config"
	"github.com/outofforest/tandem/project"
	"github.com/outofforest/tandem/store"
	"github.com/outofforest/tandem/transport"
	"github.com/outofforest/tandem/wire"
)

const readBufferSize = 64 * 1024

// ClientConfig is the config of client.
type ClientConfig struct {
	config.Config

	// Digest is the fingerprint of the analysed artifact.
	Digest wire.Digest

	State    *store.State
	Registry *command.Registry
	Hooks    command.Hooks
	Prompter Prompter
}

// Status describes the session.
type Status struct {
	Auth      auth.State
	Project   project.State
	Mask      wire.Mask
	Watermark uint64
	Queued    int
	Hooks     bool
	Stats     transport.Stats
}

type request struct {
	fn     func(ctx context.Context, d *dispatcher) error
	result chan error
}

// Client synchronizes the local knowledge base with the server.
type Client struct {
	config   ClientConfig
	requests chan request
}

// NewClient creates new client.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch {
	case config.State == nil:
		return nil, errors.New("state store not specified")
	case config.Registry == nil:
		return nil, errors.New("command registry not specified")
	case config.Hooks == nil:
		return nil, errors.New("hooks not specified")
	case config.Prompter == nil:
		return nil, errors.New("prompter not specified")
	}

	return &Client{
		config:   config,
		requests: make(chan request),
	}, nil
}

// Run connects to the server and processes the session until it ends.
// If reconnect is enabled, lost connections are reestablished.
func (client *Client) Run(ctx context.Context) error {
	d := newDispatcher(client.config)
	if err := d.seq.Load(ctx); err != nil {
		return err
	}

	log := logger.Get(ctx)
	for {
		err := client.runSession(ctx, d)
		switch {
		case ctx.Err() != nil:
			return errors.WithStack(ctx.Err())
		case errors.Is(err, errDisconnect):
			return nil
		case errors.Is(err, ErrFatal), errors.Is(err, ErrAuthAbandoned), !client.config.Reconnect:
			return err
		}

		log.Error("Connection failed", zap.String("server", client.config.Server), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(client.config.ReconnectDelay):
		}
	}
}

// Publish sends the local change to the project.
func (client *Client) Publish(ctx context.Context, f wire.Frame) error {
	return client.do(ctx, func(ctx context.Context, d *dispatcher) error {
		return d.publish(ctx, f)
	})
}

// Emit publishes the local change, logging the failure. It may be used as knowledge base emitter.
func (client *Client) Emit(ctx context.Context, f wire.Frame) {
	if err := client.Publish(ctx, f); err != nil {
		logger.Get(ctx).Warn("Change not published", zap.Stringer("opcode", f.Opcode), zap.Error(err))
	}
}

// Fork branches the project at the current watermark.
func (client *Client) Fork(ctx context.Context, description string) error {
	return client.do(ctx, func(ctx context.Context, d *dispatcher) error {
		return d.fork(ctx, description)
	})
}

// Snapshot checkpoints the project at the current watermark.
func (client *Client) Snapshot(ctx context.Context, description string) error {
	return client.do(ctx, func(ctx context.Context, d *dispatcher) error {
		return d.snapshot(ctx, description)
	})
}

// Leave leaves the current project. Local state is kept.
func (client *Client) Leave(ctx context.Context) error {
	return client.do(ctx, func(ctx context.Context, d *dispatcher) error {
		return d.leave(ctx)
	})
}

// SelectProject asks for the project list again.
func (client *Client) SelectProject(ctx context.Context) error {
	return client.do(ctx, func(ctx context.Context, d *dispatcher) error {
		return d.selectProject(ctx)
	})
}

// EditPermissions starts negotiation of the permission mask.
func (client *Client) EditPermissions(ctx context.Context, scope wire.PermScope) error {
	return client.do(ctx, func(ctx context.Context, d *dispatcher) error {
		return d.editPermissions(ctx, scope)
	})
}

// Status returns status of the session.
func (client *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := client.do(ctx, func(ctx context.Context, d *dispatcher) error {
		status = d.status()
		return nil
	})
	return status, err
}

// Disconnect terminates the session, Run returns.
func (client *Client) Disconnect(ctx context.Context) error {
	return client.do(ctx, func(ctx context.Context, d *dispatcher) error {
		return errors.WithStack(errDisconnect)
	})
}

func (client *Client) do(ctx context.Context, fn func(ctx context.Context, d *dispatcher) error) error {
	req := request{
		fn:     fn,
		result: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case client.requests <- req:
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case err := <-req.result:
		return err
	}
}

func (client *Client) runSession(ctx context.Context, d *dispatcher) error {
	ctx = logger.WithLogger(ctx, logger.Get(ctx).With(
		zap.String("session", uuid.NewString()),
		zap.String("server", client.config.Server),
	))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", client.config.Server)
	if err != nil {
		return errors.WithStack(err)
	}

	logger.Get(ctx).Info("Connected")

	recvCh := make(chan []byte, 16)
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			return receive(ctx, conn, recvCh)
		})
		spawn("loop", parallel.Fail, func(ctx context.Context) error {
			return client.loop(ctx, d, conn, recvCh)
		})
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = conn.Close()
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}

func receive(ctx context.Context, conn net.Conn, recvCh chan<- []byte) error {
	defer close(recvCh)

	for {
		buf := make([]byte, readBufferSize)
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			case recvCh <- buf[:n]:
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("connection closed by server")
			}
			return errors.WithStack(err)
		}
	}
}

func (client *Client) loop(ctx context.Context, d *dispatcher, conn net.Conn, recvCh <-chan []byte) error {
	session := transport.NewSession(
		transport.NewNetStream(conn, client.config.WriteTimeout),
		transport.Config{MaxFrameSize: client.config.MaxFrameSize},
		func(f wire.Frame) error {
			return d.handleFrame(ctx, f)
		},
	)
	d.attach(session)
	defer d.detach()

	flush := time.NewTicker(client.config.FlushInterval)
	defer flush.Stop()

	var handshakeCh <-chan time.Time
	if client.config.HandshakeTimeout > 0 {
		handshake := time.NewTimer(client.config.HandshakeTimeout)
		defer handshake.Stop()
		handshakeCh = handshake.C
	}

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case p, ok := <-recvCh:
			if !ok {
				return errors.New("receiver stopped")
			}
			if err := session.OnBytes(p); err != nil {
				return err
			}
		case <-flush.C:
			if err := session.OnWritable(); err != nil {
				return err
			}
		case <-handshakeCh:
			if d.auth.State() != auth.Succeeded {
				return errors.Errorf("authentication not completed within %s", client.config.HandshakeTimeout)
			}
			handshakeCh = nil
		case req := <-client.requests:
			err := req.fn(ctx, d)
			if errors.Is(err, errDisconnect) {
				req.result <- nil
				return err
			}
			req.result <- err
		}
	}
}
