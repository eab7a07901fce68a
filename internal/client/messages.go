package client

import "call-signaling/internal/calls"

// UI strings shown to the caller.
const (
	MsgNoAnswer  = "对方无应答"
	MsgRejected  = "对方已拒绝"
	MsgAccepted  = "对方已接听"
	MsgCancelled = "对方已取消"
	MsgEnded     = "通话已结束"
	MsgFailed    = "呼叫失败，请稍后重试"
)

// UserMessage maps a call outcome to the text shown in the UI. Any error wins
// over the state. RINGING has no message.
func UserMessage(st calls.State, err error) string {
	if err != nil {
		return MsgFailed
	}
	switch st {
	case calls.StateMissed:
		return MsgNoAnswer
	case calls.StateRejected:
		return MsgRejected
	case calls.StateAccepted:
		return MsgAccepted
	case calls.StateCancelled:
		return MsgCancelled
	case calls.StateEnded:
		return MsgEnded
	case calls.StateFailed:
		return MsgFailed
	default:
		return ""
	}
}
