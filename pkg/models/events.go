package models

// TurnEventType classifies events streamed back from an agent session
// during one turn.
type TurnEventType string

const (
	TurnEventThinking    TurnEventType = "thinking"
	TurnEventToolCall    TurnEventType = "tool_call"
	TurnEventContent     TurnEventType = "content"
	TurnEventSubagent    TurnEventType = "subagent"
	TurnEventSessionInfo TurnEventType = "session_info"
	TurnEventResult      TurnEventType = "result"
	TurnEventError       TurnEventType = "error"
)

// TurnEvent is one event in the finite stream produced by submitting
// text to an agent session.
type TurnEvent struct {
	Type      TurnEventType `json:"type"`
	Text      string        `json:"text,omitempty"`
	ToolName  string        `json:"tool_name,omitempty"`
	SessionID string        `json:"session_id,omitempty"` // set on session_info
	Err       string        `json:"error,omitempty"`      // set on error
}
