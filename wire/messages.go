package wire

import (
	"github.com/pkg/errors"
)

// ErrOpcodeMismatch is reported when frame is parsed into message of another type.
var ErrOpcodeMismatch = errors.New("opcode mismatch")

// Message is the control message carried in the payload of control-class frame.
type Message interface {
	Opcode() Opcode
	Marshal(b *Buffer)
	Unmarshal(b *Buffer)
}

// scoped messages take their permission scope from the opcode.
type scoped interface {
	setOpcode(op Opcode) bool
}

// NewControl builds control frame carrying the message.
func NewControl(msg Message) (Frame, error) {
	op := msg.Opcode()
	if !op.IsControl() {
		return Frame{}, errors.Errorf("opcode %s is not a control opcode", op)
	}
	b := NewBuffer()
	msg.Marshal(b)
	if err := b.Err(); err != nil {
		return Frame{}, errors.Wrapf(err, "marshaling %s", op)
	}
	var payload []byte
	if b.Size() > 0 {
		payload = append(payload, b.Written()...)
	}
	return Frame{Opcode: op, Payload: payload}, nil
}

// Parse decodes payload of the frame into the message.
func Parse(f Frame, msg Message) error {
	if s, ok := msg.(scoped); ok {
		if !s.setOpcode(f.Opcode) {
			return errors.Wrapf(ErrOpcodeMismatch, "got %s", f.Opcode)
		}
	} else if msg.Opcode() != f.Opcode {
		return errors.Wrapf(ErrOpcodeMismatch, "expected %s, got %s", msg.Opcode(), f.Opcode)
	}

	b := NewBufferFrom(f.Payload)
	msg.Unmarshal(b)
	return errors.Wrapf(b.Err(), "parsing %s", f.Opcode)
}

func writeStrings(b *Buffer, list []string) {
	b.WriteUint32(uint32(len(list)))
	for _, s := range list {
		b.WriteString(s)
	}
}

func readStrings(b *Buffer) []string {
	n := readCount(b, 2)
	if n == 0 {
		return nil
	}
	list := make([]string, 0, n)
	for range n {
		list = append(list, b.ReadString())
	}
	return list
}

// readCount reads element count and refuses counts the remaining bytes cannot satisfy.
func readCount(b *Buffer, minElemSize int) int {
	n := int(b.ReadUint32())
	if b.Err() != nil {
		return 0
	}
	if n*minElemSize > b.Len() {
		b.fail(errors.Wrapf(ErrShortRead, "%d elements declared, %d bytes left", n, b.Len()))
		return 0
	}
	return n
}

// Challenge is sent by the server right after the connection is established.
type Challenge struct {
	Value [ChallengeSize]byte
}

// Opcode returns opcode of the message.
func (m *Challenge) Opcode() Opcode { return MsgInitialChallenge }

// Marshal marshals the message.
func (m *Challenge) Marshal(b *Buffer) { b.WriteBytes(m.Value[:]) }

// Unmarshal unmarshals the message.
func (m *Challenge) Unmarshal(b *Buffer) { b.ReadInto(m.Value[:]) }

// AuthRequest answers the challenge.
type AuthRequest struct {
	Version uint32
	User    string
	MAC     MAC
}

// Opcode returns opcode of the message.
func (m *AuthRequest) Opcode() Opcode { return MsgAuthRequest }

// Marshal marshals the message.
func (m *AuthRequest) Marshal(b *Buffer) {
	b.WriteUint32(m.Version)
	b.WriteString(m.User)
	b.WriteBytes(m.MAC[:])
}

// Unmarshal unmarshals the message.
func (m *AuthRequest) Unmarshal(b *Buffer) {
	m.Version = b.ReadUint32()
	m.User = b.ReadString()
	b.ReadInto(m.MAC[:])
}

// AuthReply tells whether authentication succeeded.
type AuthReply struct {
	Result uint32
}

// Opcode returns opcode of the message.
func (m *AuthReply) Opcode() Opcode { return MsgAuthReply }

// Marshal marshals the message.
func (m *AuthReply) Marshal(b *Buffer) { b.WriteUint32(m.Result) }

// Unmarshal unmarshals the message.
func (m *AuthReply) Unmarshal(b *Buffer) { m.Result = b.ReadUint32() }

// ProjectListRequest asks for the projects created for the artifact.
type ProjectListRequest struct {
	Digest Digest
}

// Opcode returns opcode of the message.
func (m *ProjectListRequest) Opcode() Opcode { return MsgProjectList }

// Marshal marshals the message.
func (m *ProjectListRequest) Marshal(b *Buffer) { b.WriteBytes(m.Digest[:]) }

// Unmarshal unmarshals the message.
func (m *ProjectListRequest) Unmarshal(b *Buffer) { b.ReadInto(m.Digest[:]) }

// ProjectInfo describes one project offered for joining.
type ProjectInfo struct {
	ID               uint32
	SnapshotUpdateID uint64
	Description      string
	Ceiling          Mask
}

// IsSnapshot reports whether the entry is a snapshot of another project.
func (p ProjectInfo) IsSnapshot() bool {
	return p.SnapshotUpdateID != 0
}

// ProjectList is the list of candidate projects and labels of permission bits.
type ProjectList struct {
	Projects []ProjectInfo
	Options  []string
}

// Opcode returns opcode of the message.
func (m *ProjectList) Opcode() Opcode { return MsgProjectList }

// Marshal marshals the message.
func (m *ProjectList) Marshal(b *Buffer) {
	b.WriteUint32(uint32(len(m.Projects)))
	for _, p := range m.Projects {
		b.WriteUint32(p.ID)
		b.WriteUint64(p.SnapshotUpdateID)
		b.WriteString(p.Description)
		p.Ceiling.marshal(b)
	}
	writeStrings(b, m.Options)
}

// Unmarshal unmarshals the message.
func (m *ProjectList) Unmarshal(b *Buffer) {
	// id, snapshot id, empty description, mask
	n := readCount(b, 4+8+2+16)
	m.Projects = nil
	if n > 0 {
		m.Projects = make([]ProjectInfo, 0, n)
	}
	for range n {
		var p ProjectInfo
		p.ID = b.ReadUint32()
		p.SnapshotUpdateID = b.ReadUint64()
		p.Description = b.ReadString()
		p.Ceiling.unmarshal(b)
		m.Projects = append(m.Projects, p)
	}
	m.Options = readStrings(b)
}

// JoinRequest asks to join existing project.
type JoinRequest struct {
	ProjectID uint32
	Mask      Mask
}

// Opcode returns opcode of the message.
func (m *JoinRequest) Opcode() Opcode { return MsgProjectJoinRequest }

// Marshal marshals the message.
func (m *JoinRequest) Marshal(b *Buffer) {
	b.WriteUint32(m.ProjectID)
	m.Mask.marshal(b)
}

// Unmarshal unmarshals the message.
func (m *JoinRequest) Unmarshal(b *Buffer) {
	m.ProjectID = b.ReadUint32()
	m.Mask.unmarshal(b)
}

// NewProjectRequest asks to create new project for the artifact.
type NewProjectRequest struct {
	Digest      Digest
	Description string
	Mask        Mask
}

// Opcode returns opcode of the message.
func (m *NewProjectRequest) Opcode() Opcode { return MsgProjectNewRequest }

// Marshal marshals the message.
func (m *NewProjectRequest) Marshal(b *Buffer) {
	b.WriteBytes(m.Digest[:])
	b.WriteString(m.Description)
	m.Mask.marshal(b)
}

// Unmarshal unmarshals the message.
func (m *NewProjectRequest) Unmarshal(b *Buffer) {
	b.ReadInto(m.Digest[:])
	m.Description = b.ReadString()
	m.Mask.unmarshal(b)
}

// RejoinRequest asks to join the project remembered in the local store.
type RejoinRequest struct {
	GPID GPID
	Mask Mask
}

// Opcode returns opcode of the message.
func (m *RejoinRequest) Opcode() Opcode { return MsgProjectRejoinRequest }

// Marshal marshals the message.
func (m *RejoinRequest) Marshal(b *Buffer) {
	b.WriteBytes(m.GPID[:])
	m.Mask.marshal(b)
}

// Unmarshal unmarshals the message.
func (m *RejoinRequest) Unmarshal(b *Buffer) {
	b.ReadInto(m.GPID[:])
	m.Mask.unmarshal(b)
}

// SnapForkRequest asks to create new project starting from a snapshot.
type SnapForkRequest struct {
	ProjectID   uint32
	Description string
	Mask        Mask
}

// Opcode returns opcode of the message.
func (m *SnapForkRequest) Opcode() Opcode { return MsgProjectSnapForkRequest }

// Marshal marshals the message.
func (m *SnapForkRequest) Marshal(b *Buffer) {
	b.WriteUint32(m.ProjectID)
	b.WriteString(m.Description)
	m.Mask.marshal(b)
}

// Unmarshal unmarshals the message.
func (m *SnapForkRequest) Unmarshal(b *Buffer) {
	m.ProjectID = b.ReadUint32()
	m.Description = b.ReadString()
	m.Mask.unmarshal(b)
}

// JoinReply is the outcome of join, create, rejoin, snapshot fork and fork requests.
// GPID is present only on success.
type JoinReply struct {
	Result uint32
	GPID   GPID
}

// Opcode returns opcode of the message.
func (m *JoinReply) Opcode() Opcode { return MsgProjectJoinReply }

// Marshal marshals the message.
func (m *JoinReply) Marshal(b *Buffer) {
	b.WriteUint32(m.Result)
	if m.Result == ResultSuccess {
		b.WriteBytes(m.GPID[:])
	}
}

// Unmarshal unmarshals the message.
func (m *JoinReply) Unmarshal(b *Buffer) {
	m.Result = b.ReadUint32()
	if m.Result == ResultSuccess {
		b.ReadInto(m.GPID[:])
	}
}

// SendUpdates asks for every update newer than the given one.
type SendUpdates struct {
	LastUpdateID uint64
}

// Opcode returns opcode of the message.
func (m *SendUpdates) Opcode() Opcode { return MsgSendUpdates }

// Marshal marshals the message.
func (m *SendUpdates) Marshal(b *Buffer) { b.WriteUint64(m.LastUpdateID) }

// Unmarshal unmarshals the message.
func (m *SendUpdates) Unmarshal(b *Buffer) { m.LastUpdateID = b.ReadUint64() }

// AckUpdateID carries the id the server assigned to the update published by this client.
type AckUpdateID struct {
	UpdateID uint64
}

// Opcode returns opcode of the message.
func (m *AckUpdateID) Opcode() Opcode { return MsgAckUpdateID }

// Marshal marshals the message.
func (m *AckUpdateID) Marshal(b *Buffer) { b.WriteUint64(m.UpdateID) }

// Unmarshal unmarshals the message.
func (m *AckUpdateID) Unmarshal(b *Buffer) { m.UpdateID = b.ReadUint64() }

// SnapshotRequest asks to checkpoint the project at the given update.
type SnapshotRequest struct {
	UpdateID    uint64
	Description string
}

// Opcode returns opcode of the message.
func (m *SnapshotRequest) Opcode() Opcode { return MsgProjectSnapshotRequest }

// Marshal marshals the message.
func (m *SnapshotRequest) Marshal(b *Buffer) {
	b.WriteUint64(m.UpdateID)
	b.WriteString(m.Description)
}

// Unmarshal unmarshals the message.
func (m *SnapshotRequest) Unmarshal(b *Buffer) {
	m.UpdateID = b.ReadUint64()
	m.Description = b.ReadString()
}

// SnapshotReply is the outcome of the snapshot request.
type SnapshotReply struct {
	Result uint32
}

// Opcode returns opcode of the message.
func (m *SnapshotReply) Opcode() Opcode { return MsgProjectSnapshotReply }

// Marshal marshals the message.
func (m *SnapshotReply) Marshal(b *Buffer) { b.WriteUint32(m.Result) }

// Unmarshal unmarshals the message.
func (m *SnapshotReply) Unmarshal(b *Buffer) { m.Result = b.ReadUint32() }

// ForkRequest asks to branch the project into a new one starting at the given update.
type ForkRequest struct {
	UpdateID    uint64
	Description string
}

// Opcode returns opcode of the message.
func (m *ForkRequest) Opcode() Opcode { return MsgProjectForkRequest }

// Marshal marshals the message.
func (m *ForkRequest) Marshal(b *Buffer) {
	b.WriteUint64(m.UpdateID)
	b.WriteString(m.Description)
}

// Unmarshal unmarshals the message.
func (m *ForkRequest) Unmarshal(b *Buffer) {
	m.UpdateID = b.ReadUint64()
	m.Description = b.ReadString()
}

// ForkFollow announces a fork made by another user.
type ForkFollow struct {
	User        string
	GPID        GPID
	UpdateID    uint64
	Description string
}

// Opcode returns opcode of the message.
func (m *ForkFollow) Opcode() Opcode { return MsgProjectForkFollow }

// Marshal marshals the message.
func (m *ForkFollow) Marshal(b *Buffer) {
	b.WriteString(m.User)
	b.WriteBytes(m.GPID[:])
	b.WriteUint64(m.UpdateID)
	b.WriteString(m.Description)
}

// Unmarshal unmarshals the message.
func (m *ForkFollow) Unmarshal(b *Buffer) {
	m.User = b.ReadString()
	b.ReadInto(m.GPID[:])
	m.UpdateID = b.ReadUint64()
	m.Description = b.ReadString()
}

// Leave disassociates the session from the current project.
type Leave struct{}

// Opcode returns opcode of the message.
func (m *Leave) Opcode() Opcode { return MsgProjectLeave }

// Marshal marshals the message.
func (m *Leave) Marshal(*Buffer) {}

// Unmarshal unmarshals the message.
func (m *Leave) Unmarshal(*Buffer) {}

// GetPerms asks for the current and the ceiling permission masks.
type GetPerms struct {
	Scope PermScope
}

// Opcode returns opcode of the message.
func (m *GetPerms) Opcode() Opcode {
	if m.Scope == ScopeProject {
		return MsgGetProjPerms
	}
	return MsgGetReqPerms
}

func (m *GetPerms) setOpcode(op Opcode) bool {
	return setScope(&m.Scope, op, MsgGetReqPerms, MsgGetProjPerms)
}

// Marshal marshals the message.
func (m *GetPerms) Marshal(*Buffer) {}

// Unmarshal unmarshals the message.
func (m *GetPerms) Unmarshal(*Buffer) {}

// PermsReply carries the current mask, the ceiling and labels of the permission bits.
type PermsReply struct {
	Scope   PermScope
	Current Mask
	Ceiling Mask
	Options []string
}

// Opcode returns opcode of the message.
func (m *PermsReply) Opcode() Opcode {
	if m.Scope == ScopeProject {
		return MsgGetProjPermsReply
	}
	return MsgGetReqPermsReply
}

func (m *PermsReply) setOpcode(op Opcode) bool {
	return setScope(&m.Scope, op, MsgGetReqPermsReply, MsgGetProjPermsReply)
}

// Marshal marshals the message.
func (m *PermsReply) Marshal(b *Buffer) {
	m.Current.marshal(b)
	m.Ceiling.marshal(b)
	writeStrings(b, m.Options)
}

// Unmarshal unmarshals the message.
func (m *PermsReply) Unmarshal(b *Buffer) {
	m.Current.unmarshal(b)
	m.Ceiling.unmarshal(b)
	m.Options = readStrings(b)
}

// SetPerms stores the edited mask.
type SetPerms struct {
	Scope PermScope
	Mask  Mask
}

// Opcode returns opcode of the message.
func (m *SetPerms) Opcode() Opcode {
	if m.Scope == ScopeProject {
		return MsgSetProjPerms
	}
	return MsgSetReqPerms
}

func (m *SetPerms) setOpcode(op Opcode) bool {
	return setScope(&m.Scope, op, MsgSetReqPerms, MsgSetProjPerms)
}

// Marshal marshals the message.
func (m *SetPerms) Marshal(b *Buffer) { m.Mask.marshal(b) }

// Unmarshal unmarshals the message.
func (m *SetPerms) Unmarshal(b *Buffer) { m.Mask.unmarshal(b) }

// SetPermsReply confirms the mask was stored.
type SetPermsReply struct {
	Scope PermScope
}

// Opcode returns opcode of the message.
func (m *SetPermsReply) Opcode() Opcode {
	if m.Scope == ScopeProject {
		return MsgSetProjPermsReply
	}
	return MsgSetReqPermsReply
}

func (m *SetPermsReply) setOpcode(op Opcode) bool {
	return setScope(&m.Scope, op, MsgSetReqPermsReply, MsgSetProjPermsReply)
}

// Marshal marshals the message.
func (m *SetPermsReply) Marshal(*Buffer) {}

// Unmarshal unmarshals the message.
func (m *SetPermsReply) Unmarshal(*Buffer) {}

// ErrorMessage is a non-fatal error reported by the server.
type ErrorMessage struct {
	Text string
}

// Opcode returns opcode of the message.
func (m *ErrorMessage) Opcode() Opcode { return MsgError }

// Marshal marshals the message.
func (m *ErrorMessage) Marshal(b *Buffer) { b.WriteString(m.Text) }

// Unmarshal unmarshals the message.
func (m *ErrorMessage) Unmarshal(b *Buffer) { m.Text = b.ReadString() }

// FatalMessage is an error after which the server drops the session.
type FatalMessage struct {
	Text string
}

// Opcode returns opcode of the message.
func (m *FatalMessage) Opcode() Opcode { return MsgFatal }

// Marshal marshals the message.
func (m *FatalMessage) Marshal(b *Buffer) { b.WriteString(m.Text) }

// Unmarshal unmarshals the message.
func (m *FatalMessage) Unmarshal(b *Buffer) { m.Text = b.ReadString() }

func setScope(scope *PermScope, op, userOp, projectOp Opcode) bool {
	switch op {
	case userOp:
		*scope = ScopeUser
	case projectOp:
		*scope = ScopeProject
	default:
		return false
	}
	return true
}
