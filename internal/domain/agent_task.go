package domain

// AgentTaskStatus is the lifecycle state of a delegated task.
type AgentTaskStatus string

const (
	TaskCreated    AgentTaskStatus = "created"
	TaskRunning    AgentTaskStatus = "running"
	TaskNeedsInput AgentTaskStatus = "needs_input"
	TaskCompleted  AgentTaskStatus = "completed"
	TaskFailed     AgentTaskStatus = "failed"
)

// taskTransitions lists the allowed next states for each state.
// running → running carries progress updates; terminal states have none.
// created may jump straight to a later state when the acknowledgment is
// delivered after the first provider update.
var taskTransitions = map[AgentTaskStatus][]AgentTaskStatus{
	TaskCreated:    {TaskRunning, TaskNeedsInput, TaskCompleted, TaskFailed},
	TaskRunning:    {TaskRunning, TaskNeedsInput, TaskCompleted, TaskFailed},
	TaskNeedsInput: {TaskRunning, TaskCompleted, TaskFailed},
	TaskCompleted:  nil,
	TaskFailed:     nil,
}

// Valid reports whether s is a member of the enumeration.
func (s AgentTaskStatus) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// Terminal reports whether s is completed or failed.
func (s AgentTaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to AgentTaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every state from which to is reachable.
func SourcesFor(to AgentTaskStatus) []AgentTaskStatus {
	var out []AgentTaskStatus
	for _, from := range []AgentTaskStatus{TaskCreated, TaskRunning, TaskNeedsInput, TaskCompleted, TaskFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
