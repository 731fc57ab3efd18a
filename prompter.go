package tandem

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/tandem/auth"
	"github.com/outofforest/tandem/project"
	"github.com/outofforest/tandem/wire"
)

// ErrCancelled is returned by prompter when user dismissed the question.
var ErrCancelled = errors.New("cancelled by user")

// Prompter asks the user whenever the session needs a decision.
// Methods are called from the session goroutine, the session waits for the answer.
type Prompter interface {
	// Credentials asks for the user name and the password. User is the name used last time.
	Credentials(ctx context.Context, user string, retry bool) (auth.Credentials, error)

	// SelectProject asks which project to join or create. Zero mask selects the stored options.
	SelectProject(ctx context.Context, list *wire.ProjectList) (project.Selection, error)

	// ConfirmFollow asks whether to follow the fork made by another user.
	ConfirmFollow(ctx context.Context, msg *wire.ForkFollow) (bool, error)

	// EditPermissions asks for the new permission mask.
	EditPermissions(ctx context.Context, reply *wire.PermsReply) (wire.Mask, error)

	// Notify shows the message to the user.
	Notify(ctx context.Context, text string)
}
