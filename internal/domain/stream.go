package domain

// TurnStatus is the overall status of an in-flight turn.
type TurnStatus string

const (
	TurnProcessing TurnStatus = "processing"
	TurnCompleted  TurnStatus = "completed"
	TurnFailed     TurnStatus = "failed"
)

// Terminal reports whether the status ends the turn.
func (s TurnStatus) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed
}

// ToolStatus tracks one tool invocation through its lifecycle.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// Terminal reports whether the tool invocation has finished.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolFailed
}

// ToolRun is one tool invocation observed during a turn. Repeated calls
// to the same tool produce separate entries.
type ToolRun struct {
	Name   string     `json:"name"`
	Status ToolStatus `json:"status"`
	Output string     `json:"output,omitempty"`
}

// BufferedOutput accumulates streaming agent output for one active turn.
// It is owned exclusively by the update coalescer until the terminal
// refresh is flushed.
type BufferedOutput struct {
	ConversationKey string     `json:"conversation_key"`
	ChatRef         string     `json:"chat_ref"`
	SessionRef      string     `json:"session_ref"`
	AnchorMsgID     string     `json:"anchor_msg_id,omitempty"`
	CardMsgID       string     `json:"card_msg_id,omitempty"`
	Reasoning       string     `json:"reasoning,omitempty"`
	Answer          string     `json:"answer,omitempty"`
	Tools           []ToolRun  `json:"tools,omitempty"`
	Status          TurnStatus `json:"status"`
}

// Empty reports whether nothing has been accumulated yet.
func (b *BufferedOutput) Empty() bool {
	return b.Reasoning == "" && b.Answer == "" && len(b.Tools) == 0
}

// Clone returns a copy safe to render outside the coalescer lock.
func (b *BufferedOutput) Clone() *BufferedOutput {
	cp := *b
	cp.Tools = append([]ToolRun(nil), b.Tools...)
	return &cp
}
