package main

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/outofforest/parallel"
	"github.com/outofforest/tandem"
	"github.com/outofforest/tandem/command"
	"github.com/outofforest/tandem/kb"
	"github.com/outofforest/tandem/store"
	"github.com/outofforest/tandem/wire"
)

const passwordEnv = "TANDEM_PASSWORD"

var errQuit = errors.New("quit")

type connectOptions struct {
	*rootOptions

	Server    string
	User      string
	StorePath string
	Artifact  string
	Digest    string
}

func newConnectCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &connectOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect the document to the server and synchronize it",
		Long: `Connect the document to the server and synchronize it.

The password is taken from the ` + passwordEnv + ` environment variable or read from the terminal.
Once connected, commands are read from the standard input, type "help" to list them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "server address (host:port)")
	cmd.Flags().StringVar(&opts.User, "user", "", "user name")
	cmd.Flags().StringVar(&opts.StorePath, "store", "", "path to the document state database")
	cmd.Flags().StringVar(&opts.Artifact, "artifact", "", "path to the analysed file, its MD5 selects the projects")
	cmd.Flags().StringVar(&opts.Digest, "digest", "", "hex MD5 of the analysed file")

	return cmd
}

func runConnect(ctx context.Context, opts *connectOptions, in io.Reader, out io.Writer) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	if opts.Server != "" {
		cfg.Server = opts.Server
	}
	if opts.User != "" {
		cfg.User = opts.User
	}
	if opts.StorePath != "" {
		cfg.StorePath = opts.StorePath
	}

	digest, err := artifactDigest(opts.Artifact, opts.Digest)
	if err != nil {
		return err
	}

	kv, err := store.OpenSQLite(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer kv.Close()

	state := store.NewState(kv)
	if cfg.Server == "" || cfg.User == "" {
		srv, err := state.Server(ctx)
		if err != nil {
			return err
		}
		if cfg.Server == "" && srv.Host != "" {
			cfg.Server = net.JoinHostPort(srv.Host, strconv.Itoa(int(srv.Port)))
		}
		if cfg.User == "" {
			cfg.User = srv.User
		}
	}

	password, err := readPassword(out)
	if err != nil {
		return err
	}

	console := newConsole(out, password)

	var client *tandem.Client
	base := kb.New(state, func(ctx context.Context, f wire.Frame) {
		client.Emit(ctx, f)
	})
	registry := command.NewRegistry()
	if err := base.Register(registry); err != nil {
		return err
	}

	client, err = tandem.NewClient(tandem.ClientConfig{
		Config:   cfg,
		Digest:   digest,
		State:    state,
		Registry: registry,
		Hooks:    base,
		Prompter: console,
	})
	if err != nil {
		return err
	}

	// Reading standard input cannot be interrupted, so the reader is not part of the group.
	go func() {
		_ = console.readLines(ctx, in)
	}()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("client", parallel.Exit, client.Run)
		spawn("shell", parallel.Exit, func(ctx context.Context) error {
			return runShell(ctx, console, client, base)
		})

		return nil
	})
}

func artifactDigest(artifact, digestHex string) (wire.Digest, error) {
	var digest wire.Digest
	switch {
	case artifact != "":
		content, err := os.ReadFile(artifact)
		if err != nil {
			return wire.Digest{}, errors.WithStack(err)
		}
		return md5.Sum(content), nil //nolint:gosec
	case digestHex != "":
		b, err := hex.DecodeString(digestHex)
		if err != nil {
			return wire.Digest{}, errors.Wrap(err, "invalid digest")
		}
		if len(b) != wire.DigestSize {
			return wire.Digest{}, errors.Errorf("digest must have %d bytes, got %d", wire.DigestSize, len(b))
		}
		copy(digest[:], b)
		return digest, nil
	default:
		return wire.Digest{}, errors.New("either artifact or digest must be specified")
	}
}

func readPassword(out io.Writer) (string, error) {
	if password, ok := os.LookupEnv(passwordEnv); ok {
		return password, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.Errorf("standard input is not a terminal, set %s", passwordEnv)
	}

	_, _ = fmt.Fprint(out, "Password: ")
	password, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(out)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(password), nil
}

func runShell(ctx context.Context, console *console, client *tandem.Client, base *kb.KB) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case line, ok := <-console.commands:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			err := execute(ctx, line, console, client, base)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				console.print(errorColor, "%s", err)
			}
		}
	}
}

//nolint:gocyclo
func execute(ctx context.Context, line string, console *console, client *tandem.Client, base *kb.KB) error {
	fields := strings.Fields(line)
	args := fields[1:]
	rest := func(from int) string {
		return strings.Join(args[from:], " ")
	}

	switch fields[0] {
	case "help":
		console.print(noticeColor, "%s", `Commands:
  rename <addr> <name>          comment <addr> <text>
  patch <addr> <byte>           struct <name>
  func <start> <end>            cref <from> <to>
  library <addr> <name> <end>   fork <description>
  snapshot <description>        leave
  join                          perms user|project
  status                        quit`)
		return nil
	case "quit", "exit":
		return errQuit
	case "rename":
		if err := expectArgs(args, 2); err != nil {
			return err
		}
		addr, err := parseUint(args[0])
		if err != nil {
			return err
		}
		return base.Rename(ctx, addr, rest(1), false)
	case "comment":
		if err := expectArgs(args, 2); err != nil {
			return err
		}
		addr, err := parseUint(args[0])
		if err != nil {
			return err
		}
		return base.SetComment(ctx, addr, rest(1), false)
	case "patch":
		if err := expectArgs(args, 2); err != nil {
			return err
		}
		addr, err := parseUint(args[0])
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(args[1], 0, 8)
		if err != nil {
			return errors.Wrapf(err, "invalid byte %q", args[1])
		}
		return base.PatchByte(ctx, addr, byte(v))
	case "struct":
		if err := expectArgs(args, 1); err != nil {
			return err
		}
		id, err := base.CreateStruct(ctx, rest(0), false)
		if err != nil {
			return err
		}
		console.print(noticeColor, "struct %#x created", id)
		return nil
	case "func", "cref":
		if err := expectArgs(args, 2); err != nil {
			return err
		}
		a, err := parseUint(args[0])
		if err != nil {
			return err
		}
		b, err := parseUint(args[1])
		if err != nil {
			return err
		}
		if fields[0] == "func" {
			return base.AddFunction(ctx, a, b)
		}
		return base.AddCodeRef(ctx, a, b)
	case "library":
		if err := expectArgs(args, 3); err != nil {
			return err
		}
		addr, err := parseUint(args[0])
		if err != nil {
			return err
		}
		end, err := parseUint(args[2])
		if err != nil {
			return err
		}
		return base.ValidateLibraryFunc(ctx, addr, args[1], end)
	case "fork":
		return client.Fork(ctx, rest(0))
	case "snapshot":
		return client.Snapshot(ctx, rest(0))
	case "leave":
		return client.Leave(ctx)
	case "join":
		return client.SelectProject(ctx)
	case "perms":
		scope := wire.ScopeUser
		if len(args) > 0 && args[0] == "project" {
			scope = wire.ScopeProject
		}
		return client.EditPermissions(ctx, scope)
	case "status":
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		console.print(noticeColor, "%s", formatStatus(status))
		return nil
	default:
		return errors.Errorf("unknown command %q, type \"help\"", fields[0])
	}
}

func formatStatus(s tandem.Status) string {
	var sent, received uint64
	for _, n := range s.Stats.Sent {
		sent += n
	}
	for _, n := range s.Stats.Received {
		received += n
	}
	return fmt.Sprintf("auth: %s, project: %s, watermark: %d, queued: %d, hooks: %t, "+
		"publish: %#x, subscribe: %#x, frames sent: %d, received: %d",
		s.Auth, s.Project, s.Watermark, s.Queued, s.Hooks, s.Mask.Publish, s.Mask.Subscribe, sent, received)
}

func expectArgs(args []string, n int) error {
	if len(args) < n {
		return errors.Errorf("%d arguments expected, got %d", n, len(args))
	}
	return nil
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid number %q", s)
	}
	return v, nil
}
