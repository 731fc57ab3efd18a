package project

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/tandem/wire"
)

var (
	// ErrInvalidState is returned when operation is not valid in the current state.
	ErrInvalidState = errors.New("operation not valid in current project state")

	// ErrDiverged is returned when fork cannot be followed because local history differs.
	ErrDiverged = errors.New("local history diverged from fork point")

	// ErrUnknownProject is returned when selected project is not on the list.
	ErrUnknownProject = errors.New("unknown project")
)

// State is the project lifecycle state.
type State int

// Project states.
const (
	NoProject State = iota
	Listing
	Joining
	Creating
	SnapshotForking
	ForkPending
	Joined
	Leaving
)

func (s State) String() string {
	switch s {
	case NoProject:
		return "no_project"
	case Listing:
		return "listing"
	case Joining:
		return "joining"
	case Creating:
		return "creating"
	case SnapshotForking:
		return "snapshot_forking"
	case ForkPending:
		return "fork_pending"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return fmt.Sprintf("state_%d", int(s))
	}
}

// SelectionKind tells what user chose from the project list.
type SelectionKind int

// Selection kinds.
const (
	SelectJoin SelectionKind = iota
	SelectCreate
	SelectSnapshot
)

// Selection is the choice made from the project list.
type Selection struct {
	Kind        SelectionKind
	ProjectID   uint32
	Description string
	Mask        wire.Mask
}

// JoinOutcome tells dispatcher what the join reply means.
type JoinOutcome struct {
	Success bool
	GPID    wire.GPID

	// Fork is true if reply concluded fork requested by this client.
	Fork bool

	// ResetWatermark is true if joined project starts a fresh update history for this document.
	ResetWatermark bool
}

// NewMachine creates project machine.
func NewMachine() *Machine {
	return &Machine{}
}

// Machine tracks association of the session with a project.
type Machine struct {
	state  State
	rejoin bool
	digest wire.Digest
	list   *wire.ProjectList
	mask   wire.Mask
}

// State returns current state.
func (m *Machine) State() State {
	return m.state
}

// AcceptsUpdates reports whether data frames are applied.
func (m *Machine) AcceptsUpdates() bool {
	return m.state == Joined
}

// Buffering reports whether data frames are queued.
func (m *Machine) Buffering() bool {
	return m.state == ForkPending
}

// Mask returns the mask requested by the last join request.
func (m *Machine) Mask() wire.Mask {
	return m.mask
}

// List returns the last project list received.
func (m *Machine) List() *wire.ProjectList {
	return m.list
}

// Rejoin asks to join the project remembered by the document.
func (m *Machine) Rejoin(gpid wire.GPID, mask wire.Mask) (*wire.RejoinRequest, error) {
	if err := m.expect(NoProject, Leaving); err != nil {
		return nil, err
	}
	m.state = Joining
	m.rejoin = true
	m.mask = mask
	return &wire.RejoinRequest{GPID: gpid, Mask: mask}, nil
}

// RequestList asks for the projects created for the artifact.
func (m *Machine) RequestList(digest wire.Digest) (*wire.ProjectListRequest, error) {
	if err := m.expect(NoProject, Leaving); err != nil {
		return nil, err
	}
	m.state = Listing
	m.digest = digest
	m.list = nil
	return &wire.ProjectListRequest{Digest: digest}, nil
}

// OnList stores the project list.
func (m *Machine) OnList(list *wire.ProjectList) error {
	if err := m.expect(Listing); err != nil {
		return err
	}
	m.list = list
	return nil
}

// Cancel abandons selection.
func (m *Machine) Cancel() {
	if m.state == Listing {
		m.state = NoProject
		m.list = nil
	}
}

// Select turns the user's choice into request. Requested mask is bounded by the project ceiling.
func (m *Machine) Select(sel Selection) (wire.Message, error) {
	if err := m.expect(Listing); err != nil {
		return nil, err
	}
	if m.list == nil {
		return nil, errors.Wrap(ErrInvalidState, "project list not received")
	}

	m.rejoin = false
	if sel.Kind == SelectCreate {
		m.state = Creating
		m.mask = sel.Mask
		return &wire.NewProjectRequest{
			Digest:      m.digest,
			Description: sel.Description,
			Mask:        sel.Mask,
		}, nil
	}

	info, ok := m.find(sel.ProjectID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProject, "project %d", sel.ProjectID)
	}
	mask := sel.Mask.Bound(info.Ceiling)
	m.mask = mask

	if sel.Kind == SelectSnapshot || info.IsSnapshot() {
		m.state = SnapshotForking
		return &wire.SnapForkRequest{
			ProjectID:   info.ID,
			Description: sel.Description,
			Mask:        mask,
		}, nil
	}

	m.state = Joining
	return &wire.JoinRequest{ProjectID: info.ID, Mask: mask}, nil
}

// OnJoinReply concludes join, create, rejoin, snapshot fork or fork request.
// Failed fork returns to the original project, any other failure leaves the session without project.
func (m *Machine) OnJoinReply(reply *wire.JoinReply) (JoinOutcome, error) {
	if err := m.expect(Joining, Creating, SnapshotForking, ForkPending); err != nil {
		return JoinOutcome{}, err
	}

	outcome := JoinOutcome{
		Success:        reply.Result == wire.ResultSuccess,
		Fork:           m.state == ForkPending,
		ResetWatermark: m.state != ForkPending && !m.rejoin,
	}
	switch {
	case outcome.Success:
		outcome.GPID = reply.GPID
		m.state = Joined
	case outcome.Fork:
		m.state = Joined
	default:
		m.state = NoProject
	}
	if !outcome.Success {
		outcome.ResetWatermark = false
	}
	m.rejoin = false
	m.list = nil
	return outcome, nil
}

// Fork asks to branch the project at the watermark. Updates are queued until the reply arrives.
func (m *Machine) Fork(description string, watermark uint64) (*wire.ForkRequest, error) {
	if err := m.expect(Joined); err != nil {
		return nil, err
	}
	m.state = ForkPending
	return &wire.ForkRequest{UpdateID: watermark, Description: description}, nil
}

// Snapshot asks to checkpoint the project at the watermark.
func (m *Machine) Snapshot(description string, watermark uint64) (*wire.SnapshotRequest, error) {
	if err := m.expect(Joined); err != nil {
		return nil, err
	}
	return &wire.SnapshotRequest{UpdateID: watermark, Description: description}, nil
}

// CheckFollow verifies the fork announced by another user can be followed.
func (m *Machine) CheckFollow(msg *wire.ForkFollow, watermark uint64) error {
	if err := m.expect(Joined); err != nil {
		return err
	}
	if msg.UpdateID != watermark {
		return errors.Wrapf(ErrDiverged, "forked at %d, local watermark %d", msg.UpdateID, watermark)
	}
	return nil
}

// Follow leaves the current project and rejoins the forked one.
func (m *Machine) Follow(msg *wire.ForkFollow, mask wire.Mask) (*wire.Leave, *wire.RejoinRequest, error) {
	if err := m.expect(Joined); err != nil {
		return nil, nil, err
	}
	m.state = Leaving
	req, err := m.Rejoin(msg.GPID, mask)
	if err != nil {
		return nil, nil, err
	}
	return &wire.Leave{}, req, nil
}

// Leave disassociates the session from the project.
func (m *Machine) Leave() (*wire.Leave, error) {
	if m.state == NoProject || m.state == Leaving {
		return nil, errors.Wrapf(ErrInvalidState, "leave in state %s", m.state)
	}
	m.state = Leaving
	m.rejoin = false
	m.list = nil
	return &wire.Leave{}, nil
}

// Reset forgets everything, used when connection is lost.
func (m *Machine) Reset() {
	m.state = NoProject
	m.rejoin = false
	m.list = nil
}

func (m *Machine) find(id uint32) (wire.ProjectInfo, bool) {
	for _, p := range m.list.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return wire.ProjectInfo{}, false
}

func (m *Machine) expect(states ...State) error {
	for _, s := range states {
		if m.state == s {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidState, "state %s", m.state)
}
