package bus

// Run lifecycle topics.
const (
	TopicRunCreated   = "run.created"
	TopicRunStarted   = "run.started"
	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"
	TopicRunCancelled = "run.cancelled"
)

// Action topics.
const (
	TopicActionGated   = "action.gated"
	TopicActionApplied = "action.applied"
	TopicActionFailed  = "action.failed"
)

// Goal topics.
const (
	TopicGoalProgress = "goal.progress"
	TopicGoalClosed   = "goal.closed"
)

// RunEvent is published on every run state change.
type RunEvent struct {
	RunID       string
	StoreID     string
	AgentID     string
	TriggerType string
	Status      string
	Error       string
}

// ActionEvent is published when an action is gated, applied, or fails.
type ActionEvent struct {
	ActionID string
	RunID    string
	StoreID  string
	Kind     string
	Target   string
	Decision string
	Status   string
	Error    string
}

// GoalEvent is published when a goal's progress changes or it closes.
type GoalEvent struct {
	GoalID   string
	StoreID  string
	AgentID  string
	Status   string
	Progress map[string]any
	Reason   string
}

func (e RunEvent) EventStoreID() string { return e.StoreID }
func (e ActionEvent) EventStoreID() string { return e.StoreID }
func (e GoalEvent) EventStoreID() string { return e.StoreID }
