package bus

// Turn lifecycle topics.
const (
	TopicTurnStarted   = "turn.started"
	TopicTurnCompleted = "turn.completed"
	TopicTurnFailed    = "turn.failed"
	TopicTurnCancelled = "turn.cancelled"
)

// Safety topics.
const (
	TopicGuardBlocked    = "guard.blocked"
	TopicLeakAborted     = "vault.leak_aborted"
	TopicIntegrityDrift  = "integrity.drift"
	TopicSandboxFault    = "sandbox.fault"
	TopicApprovalRequest = "policy.approval.requested"
	TopicApprovalReply   = "policy.approval.response"
)

// Memory and task topics.
const (
	TopicCompactionDone   = "compaction.completed"
	TopicMemoryFlushDone  = "compaction.memory_flush"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskReady        = "task.ready"
	TopicHeartbeat        = "heartbeat.tick"
)

// TurnEvent is published at turn boundaries.
type TurnEvent struct {
	JobID    string
	ThreadID string
	AgentID  string
	UserID   string
}

// GuardBlockedEvent is published when the command guard refuses a command.
type GuardBlockedEvent struct {
	Command string // already redacted
	Pack    string
	Rule    string
	Reason  string
}

// LeakAbortedEvent is published when the leak scanner aborts an outbound call.
type LeakAbortedEvent struct {
	ToolName     string
	CredentialID string // never the value
	Direction    string // "outbound" or "inbound"
}

// IntegrityDriftEvent is published when a monitored file diverges from baseline.
type IntegrityDriftEvent struct {
	Path     string
	Mode     string // restore, alert, ignore
	Restored bool
}

// TaskStateChangedEvent is published on every task transition.
type TaskStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// CompactionEvent is published after a compaction run.
type CompactionEvent struct {
	ThreadID    string
	TokensIn    int
	TokensOut   int
	PinnedCount int
}

// ApprovalRequest is published when a tool call needs channel-level approval.
type ApprovalRequest struct {
	RequestID string
	ToolName  string
	Summary   string
	TimeoutMS int
}

// HeartbeatEvent is published when a heartbeat produces a notification
// instead of the all-clear token.
type HeartbeatEvent struct {
	AgentID string
	Message string
}

// ApprovalResponse is the user's answer to an ApprovalRequest.
type ApprovalResponse struct {
	RequestID string
	Action    string // "approve" or "reject"
	Reason    string
}
