package domain

// Role defines the sender of a conversation message.
type Role string

const (
	// RoleSystem indicates a system-level instruction or notice.
	RoleSystem Role = "system"
	// RoleUser indicates a message from the user (or the scheduler acting as one).
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant Role = "assistant"
	// RoleTool indicates a tool execution result paired with a prior tool call.
	RoleTool Role = "tool"
)

// ToolChoice controls whether the model must, may, or must not call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// AgentState is the lifecycle state of a step-loop engine instance.
type AgentState string

const (
	StateIdle            AgentState = "IDLE"
	StateRunning         AgentState = "RUNNING"
	StateFinished        AgentState = "FINISHED"
	StateError           AgentState = "ERROR"
	StateWaitingForInput AgentState = "WAITING_FOR_INPUT"
)

// StepStatus is the scheduling status of one plan step.
type StepStatus string

const (
	StepNotStarted StepStatus = "not_started"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepBlocked    StepStatus = "blocked"
)

// Active reports whether the step is still schedulable.
func (s StepStatus) Active() bool {
	return s == StepNotStarted || s == StepInProgress
}

// Mark returns the checklist marker used when rendering plans as text.
func (s StepStatus) Mark() string {
	switch s {
	case StepCompleted:
		return "[✓]"
	case StepInProgress:
		return "[→]"
	case StepBlocked:
		return "[!]"
	default:
		return "[ ]"
	}
}

// Severity classifies an issue found during evaluation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Action is the evaluator's recommendation for what should happen next.
type Action string

const (
	ActionNone    Action = "none"
	ActionModify  Action = "modify"
	ActionRestart Action = "restart"
)
