package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControlMessages(t *testing.T) {
	gpid := GPID{1, 2, 3, 31: 0xff}

	msgs := []struct {
		msg   Message
		empty Message
	}{
		{msg: &Challenge{Value: [ChallengeSize]byte{9, 8, 7}}, empty: &Challenge{}},
		{msg: &AuthRequest{Version: ProtocolVersion, User: "alice", MAC: MAC{1, 15: 2}}, empty: &AuthRequest{}},
		{msg: &ProjectList{
			Projects: []ProjectInfo{
				{ID: 7, Description: "firmware", Ceiling: FullMask},
				{ID: 8, SnapshotUpdateID: 120, Description: "checkpoint", Ceiling: Mask{Publish: 3, Subscribe: 1}},
			},
			Options: []string{"Undefine", "Make code", "Make data"},
		}, empty: &ProjectList{}},
		{msg: &JoinRequest{ProjectID: 7, Mask: Mask{Publish: 0xff, Subscribe: 0xff}}, empty: &JoinRequest{}},
		{msg: &RejoinRequest{GPID: gpid, Mask: FullMask}, empty: &RejoinRequest{}},
		{msg: &JoinReply{Result: ResultSuccess, GPID: gpid}, empty: &JoinReply{}},
		{msg: &JoinReply{Result: ResultFail}, empty: &JoinReply{}},
		{msg: &ForkFollow{User: "bob", GPID: gpid, UpdateID: 5, Description: "crypto branch"}, empty: &ForkFollow{}},
		{msg: &PermsReply{
			Scope:   ScopeProject,
			Current: Mask{Publish: 1},
			Ceiling: Mask{Publish: 3, Subscribe: 3},
			Options: []string{"a", "b"},
		}, empty: &PermsReply{}},
		{msg: &SetPerms{Scope: ScopeUser, Mask: Mask{Publish: 2, Subscribe: 2}}, empty: &SetPerms{}},
		{msg: &Leave{}, empty: &Leave{}},
	}

	for _, tc := range msgs {
		t.Run(tc.msg.Opcode().String(), func(t *testing.T) {
			requireT := require.New(t)

			f, err := NewControl(tc.msg)
			requireT.NoError(err)
			requireT.True(f.IsControl())

			p, err := Encode(f)
			requireT.NoError(err)
			decoded, err := Decode(p[LengthSize:])
			requireT.NoError(err)

			requireT.NoError(Parse(decoded, tc.empty))
			requireT.Equal(tc.msg, tc.empty)
		})
	}
}

func TestParseOpcodeMismatch(t *testing.T) {
	f, err := NewControl(&AuthReply{Result: ResultSuccess})
	require.NoError(t, err)
	require.ErrorIs(t, Parse(f, &JoinReply{}), ErrOpcodeMismatch)
	require.ErrorIs(t, Parse(f, &PermsReply{}), ErrOpcodeMismatch)
}

func TestParseTruncatedMessage(t *testing.T) {
	err := Parse(Frame{Opcode: MsgProjectJoinReply, Payload: []byte{0, 0, 0, 0, 1, 2}}, &JoinReply{})
	require.ErrorIs(t, err, ErrShortRead)
}

func TestParseRefusesImpossibleCounts(t *testing.T) {
	err := Parse(Frame{Opcode: MsgProjectList, Payload: []byte{0xff, 0xff, 0xff, 0xff}}, &ProjectList{})
	require.ErrorIs(t, err, ErrShortRead)
}

func TestNewControlRefusesDataOpcode(t *testing.T) {
	_, err := NewControl(&fakeMessage{op: CmdRenamed})
	require.Error(t, err)
}

func TestMaskBound(t *testing.T) {
	requireT := require.New(t)

	m := Mask{Publish: 0xff, Subscribe: 0x0f}.Bound(Mask{Publish: 0x03, Subscribe: 0xf0})
	requireT.Equal(Mask{Publish: 0x03}, m)
	requireT.True(m.Publishes())
	requireT.False(m.Subscribes())
}

type fakeMessage struct {
	op Opcode
}

func (m *fakeMessage) Opcode() Opcode    { return m.op }
func (m *fakeMessage) Marshal(*Buffer)   {}
func (m *fakeMessage) Unmarshal(*Buffer) {}
