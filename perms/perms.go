package perms

import (
	"github.com/outofforest/tandem/wire"
)

// Request asks for the permission mask of the scope.
func Request(scope wire.PermScope) *wire.GetPerms {
	return &wire.GetPerms{Scope: scope}
}

// OnReply bounds the edited mask by the ceiling and returns the request storing it,
// or nil if nothing changed.
func OnReply(reply *wire.PermsReply, edited wire.Mask) *wire.SetPerms {
	mask := edited.Bound(reply.Ceiling)
	if mask == reply.Current {
		return nil
	}
	return &wire.SetPerms{Scope: reply.Scope, Mask: mask}
}

// Label pairs the permission bit with its label.
type Label struct {
	Bit   uint64
	Label string
}

// Labels returns labels of the permission bits allowed by the ceiling.
// Bit i of the mask corresponds to the i-th option.
func Labels(options []string, ceiling uint64) []Label {
	labels := make([]Label, 0, len(options))
	for i, o := range options {
		if i >= 64 {
			break
		}
		bit := uint64(1) << i
		if ceiling&bit == 0 {
			continue
		}
		labels = append(labels, Label{Bit: bit, Label: o})
	}
	return labels
}
