package domain

// TurnResult is the terminal outcome of one agent turn, delivered either
// before the synchronous wait window closes or later through the delayed
// response registry.
type TurnResult struct {
	SessionRef string `json:"session_ref"`
	// AgentMsgID is the agent-side message id for the turn, recorded in
	// the ledger as the revert anchor.
	AgentMsgID string     `json:"agent_msg_id,omitempty"`
	Text       string     `json:"text,omitempty"`
	Status     TurnStatus `json:"status"`
	// Error carries a backend-reported failure description when Status
	// is failed.
	Error string `json:"error,omitempty"`
}
