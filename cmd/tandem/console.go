package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/outofforest/tandem"
	"github.com/outofforest/tandem/auth"
	"github.com/outofforest/tandem/perms"
	"github.com/outofforest/tandem/project"
	"github.com/outofforest/tandem/wire"
)

var (
	questionColor = color.New(color.FgCyan, color.Bold)
	noticeColor   = color.New(color.FgYellow)
	errorColor    = color.New(color.FgRed)
)

func newConsole(out io.Writer, password string) *console {
	return &console{
		out:      out,
		password: password,
		commands: make(chan string),
	}
}

// console owns the terminal. Lines typed while a question is outstanding answer it,
// all the other lines are shell commands.
type console struct {
	out      io.Writer
	password string
	commands chan string

	mu      sync.Mutex
	pending chan string
	outMu   sync.Mutex
}

func (c *console) readLines(ctx context.Context, r io.Reader) error {
	defer close(c.commands)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		c.mu.Lock()
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		if pending != nil {
			pending <- line
			continue
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case c.commands <- line:
		}
	}
	return errors.WithStack(scanner.Err())
}

func (c *console) ask(ctx context.Context, question string) (string, error) {
	ch := make(chan string, 1)
	c.mu.Lock()
	c.pending = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == ch {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	c.print(questionColor, "%s", question)
	select {
	case <-ctx.Done():
		return "", errors.WithStack(ctx.Err())
	case line := <-ch:
		return line, nil
	}
}

func (c *console) print(col *color.Color, format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	_, _ = col.Fprintf(c.out, format, args...)
	_, _ = fmt.Fprintln(c.out)
}

// Credentials returns the password given at startup. It cannot be changed without restart,
// so failed authentication is abandoned.
func (c *console) Credentials(ctx context.Context, user string, retry bool) (auth.Credentials, error) {
	if retry {
		c.print(errorColor, "Authentication of %q failed", user)
		return auth.Credentials{}, errors.WithStack(tandem.ErrCancelled)
	}
	if user == "" {
		var err error
		if user, err = c.ask(ctx, "User:"); err != nil {
			return auth.Credentials{}, err
		}
	}
	return auth.Credentials{User: user, Password: c.password}, nil
}

func (c *console) SelectProject(ctx context.Context, list *wire.ProjectList) (project.Selection, error) {
	var sb strings.Builder
	sb.WriteString("Projects:\n")
	for i, p := range list.Projects {
		kind := "project"
		if p.IsSnapshot() {
			kind = fmt.Sprintf("snapshot@%d", p.SnapshotUpdateID)
		}
		fmt.Fprintf(&sb, "  %d) %s [%s]\n", i+1, p.Description, kind)
	}
	sb.WriteString("Type number to join, \"new <description>\" to create, " +
		"\"fork <number> <description>\" to start from snapshot or \"q\" to quit:")

	for {
		line, err := c.ask(ctx, sb.String())
		if err != nil {
			return project.Selection{}, err
		}
		sel, err := parseSelection(line, list)
		if err == nil || errors.Is(err, tandem.ErrCancelled) {
			return sel, err
		}
		c.print(errorColor, "%s", err)
	}
}

func (c *console) ConfirmFollow(ctx context.Context, msg *wire.ForkFollow) (bool, error) {
	line, err := c.ask(ctx, fmt.Sprintf("User %s forked the project at update %d (%s). Follow? [y/N]",
		msg.User, msg.UpdateID, msg.Description))
	if err != nil {
		return false, err
	}
	return strings.EqualFold(line, "y") || strings.EqualFold(line, "yes"), nil
}

func (c *console) EditPermissions(ctx context.Context, reply *wire.PermsReply) (wire.Mask, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Permissions (%s):\n", reply.Scope)
	for _, l := range perms.Labels(reply.Options, reply.Ceiling.Publish|reply.Ceiling.Subscribe) {
		fmt.Fprintf(&sb, "  %#x %s pub=%t sub=%t\n", l.Bit, l.Label,
			reply.Current.Publish&l.Bit != 0, reply.Current.Subscribe&l.Bit != 0)
	}
	sb.WriteString("Type \"<publish mask> <subscribe mask>\", empty line keeps current:")

	for {
		line, err := c.ask(ctx, sb.String())
		if err != nil {
			return wire.Mask{}, err
		}
		if line == "" {
			return reply.Current, nil
		}
		mask, err := parseMask(line)
		if err == nil {
			return mask, nil
		}
		c.print(errorColor, "%s", err)
	}
}

func (c *console) Notify(_ context.Context, text string) {
	c.print(noticeColor, "%s", text)
}

func parseSelection(line string, list *wire.ProjectList) (project.Selection, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return project.Selection{}, errors.New("empty selection")
	}

	switch strings.ToLower(fields[0]) {
	case "q", "quit":
		return project.Selection{}, errors.WithStack(tandem.ErrCancelled)
	case "new":
		return project.Selection{
			Kind:        project.SelectCreate,
			Description: strings.TrimSpace(strings.TrimPrefix(line, fields[0])),
		}, nil
	case "fork":
		if len(fields) < 2 {
			return project.Selection{}, errors.New("snapshot number missing")
		}
		info, err := pick(fields[1], list)
		if err != nil {
			return project.Selection{}, err
		}
		if !info.IsSnapshot() {
			return project.Selection{}, errors.Errorf("entry %s is not a snapshot", fields[1])
		}
		return project.Selection{
			Kind:        project.SelectSnapshot,
			ProjectID:   info.ID,
			Description: strings.Join(fields[2:], " "),
		}, nil
	default:
		info, err := pick(fields[0], list)
		if err != nil {
			return project.Selection{}, err
		}
		return project.Selection{Kind: project.SelectJoin, ProjectID: info.ID}, nil
	}
}

func pick(s string, list *wire.ProjectList) (wire.ProjectInfo, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return wire.ProjectInfo{}, errors.Errorf("invalid project number %q", s)
	}
	if n < 1 || n > len(list.Projects) {
		return wire.ProjectInfo{}, errors.Errorf("project number %d out of range", n)
	}
	return list.Projects[n-1], nil
}

func parseMask(line string) (wire.Mask, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return wire.Mask{}, errors.New("publish and subscribe masks expected")
	}
	publish, err := strconv.ParseUint(fields[0], 0, 64)
	if err != nil {
		return wire.Mask{}, errors.Wrapf(err, "invalid publish mask %q", fields[0])
	}
	subscribe, err := strconv.ParseUint(fields[1], 0, 64)
	if err != nil {
		return wire.Mask{}, errors.Wrapf(err, "invalid subscribe mask %q", fields[1])
	}
	return wire.Mask{Publish: publish, Subscribe: subscribe}, nil
}
