package wire

import "strconv"

// Opcode identifies the kind of frame.
type Opcode uint32

// Band is the numeric range an opcode belongs to.
type Band uint8

// Opcode bands.
const (
	BandUnknown Band = iota
	BandDocument
	BandInstruction
	BandServer
	BandControl
)

// Document structure mutations: symbols, types, structs, enums, segments, comments.
const (
	CmdBytePatched Opcode = iota + 1
	CmdCommentChanged
	CmdTypeInfoChanged
	CmdOperandTypeInfoChanged
	CmdOperandTypeChanged
	CmdEnumCreated
	CmdEnumDeleted
	CmdEnumBitfieldChanged
	CmdEnumRenamed
	CmdEnumCommentChanged
	CmdEnumConstCreated
	CmdEnumConstDeleted
	CmdStructCreated
	CmdStructDeleted
	CmdStructRenamed
	CmdStructExpanded
	CmdStructCommentChanged
	CmdCreateStructMemberData
	CmdCreateStructMemberStruct
	CmdCreateStructMemberRef
	CmdCreateStructMemberStroff
	CmdCreateStructMemberStr
	CmdCreateStructMemberEnum
	CmdStructMemberDeleted
	CmdSetStackVarName
	CmdSetStructMemberName
	CmdStructMemberChangedData
	CmdStructMemberChangedStruct
	CmdStructMemberChangedStr
	CmdThunkCreated
	CmdFuncTailAppended
	CmdFuncTailRemoved
	CmdTailOwnerChanged
	CmdFuncNoretChanged
	CmdSegmentAdded
	CmdSegmentDeleted
	CmdSegmentStartChanged
	CmdSegmentEndChanged
	CmdSegmentMoved
	CmdAreaCommentChanged
	CmdStructMemberChangedOffset
	CmdStructMemberChangedEnum
	CmdCreateStructMemberOffset
)

// Instruction-level mutations: code/data boundaries, functions, cross-references.
const (
	CmdProcessor Opcode = iota + 128
	CmdUndefine
	CmdMakeCode
	CmdMakeData
	CmdMoveSegment
	CmdRenamed
	CmdAddFunc
	CmdDelFunc
	_
	CmdSetFuncStart
	CmdSetFuncEnd
	CmdValidateLibraryFunc
	CmdAddCodeRef
	CmdAddDataRef
	CmdDelCodeRef
	CmdDelDataRef
)

// Server-originated document fix-ups.
const (
	CmdServerMapTypeID Opcode = iota + 200
	CmdServerRenameStruct
)

// ControlFirst is the first opcode of the control band.
const ControlFirst Opcode = 1000

// Control messages.
const (
	MsgInitialChallenge Opcode = iota + ControlFirst
	MsgAuthRequest
	MsgAuthReply
	MsgProjectList
	MsgProjectJoinRequest
	MsgProjectJoinReply
	MsgProjectNewRequest
	MsgSendUpdates
	MsgProjectRejoinRequest
	MsgAckUpdateID
	MsgProjectSnapshotRequest
	MsgProjectSnapshotReply
	MsgProjectForkRequest
	MsgProjectSnapForkRequest
	MsgProjectForkFollow
	MsgProjectLeave
	MsgGetReqPerms
	MsgGetReqPermsReply
	MsgSetReqPerms
	MsgSetReqPermsReply
	MsgGetProjPerms
	MsgGetProjPermsReply
	MsgSetProjPerms
	MsgSetProjPermsReply
)

// Error messages.
const (
	MsgError Opcode = 1100
	MsgFatal Opcode = 1101
)

var names = map[Opcode]string{
	CmdBytePatched:               "byte_patched",
	CmdCommentChanged:            "cmt_changed",
	CmdTypeInfoChanged:           "ti_changed",
	CmdOperandTypeInfoChanged:    "op_ti_changed",
	CmdOperandTypeChanged:        "op_type_changed",
	CmdEnumCreated:               "enum_created",
	CmdEnumDeleted:               "enum_deleted",
	CmdEnumBitfieldChanged:       "enum_bf_changed",
	CmdEnumRenamed:               "enum_renamed",
	CmdEnumCommentChanged:        "enum_cmt_changed",
	CmdEnumConstCreated:          "enum_const_created",
	CmdEnumConstDeleted:          "enum_const_deleted",
	CmdStructCreated:             "struc_created",
	CmdStructDeleted:             "struc_deleted",
	CmdStructRenamed:             "struc_renamed",
	CmdStructExpanded:            "struc_expanded",
	CmdStructCommentChanged:      "struc_cmt_changed",
	CmdCreateStructMemberData:    "create_struc_member_data",
	CmdCreateStructMemberStruct:  "create_struc_member_struct",
	CmdCreateStructMemberRef:     "create_struc_member_ref",
	CmdCreateStructMemberStroff:  "create_struc_member_stroff",
	CmdCreateStructMemberStr:     "create_struc_member_str",
	CmdCreateStructMemberEnum:    "create_struc_member_enum",
	CmdStructMemberDeleted:       "struc_member_deleted",
	CmdSetStackVarName:           "set_stack_var_name",
	CmdSetStructMemberName:       "set_struct_member_name",
	CmdStructMemberChangedData:   "struc_member_changed_data",
	CmdStructMemberChangedStruct: "struc_member_changed_struct",
	CmdStructMemberChangedStr:    "struc_member_changed_str",
	CmdThunkCreated:              "thunk_created",
	CmdFuncTailAppended:          "func_tail_appended",
	CmdFuncTailRemoved:           "func_tail_removed",
	CmdTailOwnerChanged:          "tail_owner_changed",
	CmdFuncNoretChanged:          "func_noret_changed",
	CmdSegmentAdded:              "segm_added",
	CmdSegmentDeleted:            "segm_deleted",
	CmdSegmentStartChanged:       "segm_start_changed",
	CmdSegmentEndChanged:         "segm_end_changed",
	CmdSegmentMoved:              "segm_moved",
	CmdAreaCommentChanged:        "area_cmt_changed",
	CmdStructMemberChangedOffset: "struc_member_changed_offset",
	CmdStructMemberChangedEnum:   "struc_member_changed_enum",
	CmdCreateStructMemberOffset:  "create_struc_member_offset",

	CmdProcessor:           "idp",
	CmdUndefine:            "undefine",
	CmdMakeCode:            "make_code",
	CmdMakeData:            "make_data",
	CmdMoveSegment:         "move_segm",
	CmdRenamed:             "renamed",
	CmdAddFunc:             "add_func",
	CmdDelFunc:             "del_func",
	CmdSetFuncStart:        "set_func_start",
	CmdSetFuncEnd:          "set_func_end",
	CmdValidateLibraryFunc: "validate_flirt_func",
	CmdAddCodeRef:          "add_cref",
	CmdAddDataRef:          "add_dref",
	CmdDelCodeRef:          "del_cref",
	CmdDelDataRef:          "del_dref",

	CmdServerMapTypeID:    "server_map_tid",
	CmdServerRenameStruct: "server_rename_struct",

	MsgInitialChallenge:       "initial_challenge",
	MsgAuthRequest:            "auth_request",
	MsgAuthReply:              "auth_reply",
	MsgProjectList:            "project_list",
	MsgProjectJoinRequest:     "project_join_request",
	MsgProjectJoinReply:       "project_join_reply",
	MsgProjectNewRequest:      "project_new_request",
	MsgSendUpdates:            "send_updates",
	MsgProjectRejoinRequest:   "project_rejoin_request",
	MsgAckUpdateID:            "ack_updateid",
	MsgProjectSnapshotRequest: "project_snapshot_request",
	MsgProjectSnapshotReply:   "project_snapshot_reply",
	MsgProjectForkRequest:     "project_fork_request",
	MsgProjectSnapForkRequest: "project_snapfork_request",
	MsgProjectForkFollow:      "project_fork_follow",
	MsgProjectLeave:           "project_leave",
	MsgGetReqPerms:            "get_req_perms",
	MsgGetReqPermsReply:       "get_req_perms_reply",
	MsgSetReqPerms:            "set_req_perms",
	MsgSetReqPermsReply:       "set_req_perms_reply",
	MsgGetProjPerms:           "get_proj_perms",
	MsgGetProjPermsReply:      "get_proj_perms_reply",
	MsgSetProjPerms:           "set_proj_perms",
	MsgSetProjPermsReply:      "set_proj_perms_reply",
	MsgError:                  "error",
	MsgFatal:                  "fatal",
}

// IsControl reports whether opcode belongs to the control class.
// Control frames never carry an update id and are never buffered.
func (op Opcode) IsControl() bool {
	return op >= ControlFirst
}

// Band returns the numeric band of the opcode.
func (op Opcode) Band() Band {
	switch {
	case op == 0:
		return BandUnknown
	case op < CmdProcessor:
		return BandDocument
	case op < CmdServerMapTypeID:
		return BandInstruction
	case op < ControlFirst:
		return BandServer
	default:
		return BandControl
	}
}

func (op Opcode) String() string {
	if n, ok := names[op]; ok {
		return n
	}
	return "opcode_" + strconv.FormatUint(uint64(op), 10)
}
