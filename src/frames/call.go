package frames

import "fmt"

// CallContext describes the telephony call a session is attached to, as
// delivered by the platform during session setup.
type CallContext struct {
	CallID       string
	Direction    string // "inbound" or "outbound"
	Caller       string
	CallerNumber string
	Custom       map[string]interface{}
}

// CallContextFrame delivers the call context downstream once per
// session, right after setup, so the LLM and other processors can use
// caller details before the first utterance.
type CallContextFrame struct {
	*DataFrame
	Context CallContext
}

func NewCallContextFrame(context CallContext) *CallContextFrame {
	return &CallContextFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("CallContextFrame"),
		},
		Context: context,
	}
}

func (f *CallContextFrame) String() string {
	return fmt.Sprintf("%s[id=%d, call=%s, direction=%s]", f.Name(), f.ID(), f.Context.CallID, f.Context.Direction)
}

// CallAction is a telephony control operation requested by the agent
type CallAction string

const (
	// CallActionRedirect hands the call to a human agent
	CallActionRedirect CallAction = "redirect"
	// CallActionHangup terminates the call
	CallActionHangup CallAction = "hangup"
)

// CallActionFrame asks the transport to perform a call control
// operation. It flows downstream so it is serialized after the bot
// output already queued ahead of it.
type CallActionFrame struct {
	*DataFrame
	Action CallAction
}

func NewCallActionFrame(action CallAction) *CallActionFrame {
	return &CallActionFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("CallActionFrame"),
		},
		Action: action,
	}
}

func (f *CallActionFrame) String() string {
	return fmt.Sprintf("%s[id=%d, action=%s]", f.Name(), f.ID(), f.Action)
}
