// Package goalstore is the typed CRUD layer over goals and actions: the
// durable data model spec.md §3 describes, built as a thin wrapper over
// internal/dbstore the way internal/store/store.go wraps sql.DB for
// cortex's dispatch rows.
package goalstore

import "time"

// GoalStatus is one of the five lifecycle states a Goal can be in.
type GoalStatus int

const (
	GoalPlanning GoalStatus = iota
	GoalActive
	GoalPaused
	GoalCompleted
	GoalFailed
)

func (s GoalStatus) String() string {
	switch s {
	case GoalPlanning:
		return "planning"
	case GoalActive:
		return "active"
	case GoalPaused:
		return "paused"
	case GoalCompleted:
		return "completed"
	case GoalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a terminal one (Completed/Failed).
func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalFailed
}

// ActionStatus is one of the five lifecycle states an Action can be in.
type ActionStatus int

const (
	ActionPending ActionStatus = iota
	ActionRunning
	ActionCompleted
	ActionFailed
	ActionSkipped
)

func (s ActionStatus) String() string {
	switch s {
	case ActionPending:
		return "pending"
	case ActionRunning:
		return "running"
	case ActionCompleted:
		return "completed"
	case ActionFailed:
		return "failed"
	case ActionSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ParseActionStatus parses the strict five-value action status set. Note
// that "in_progress" is deliberately rejected even though it is used by an
// adjacent subsystem (cortex's dispatches.stage) for a different entity.
func ParseActionStatus(s string) (ActionStatus, bool) {
	switch s {
	case "pending":
		return ActionPending, true
	case "running":
		return ActionRunning, true
	case "completed":
		return ActionCompleted, true
	case "failed":
		return ActionFailed, true
	case "skipped":
		return ActionSkipped, true
	default:
		return 0, false
	}
}

// ParseGoalStatus parses the strict five-value goal status set.
func ParseGoalStatus(s string) (GoalStatus, bool) {
	switch s {
	case "planning":
		return GoalPlanning, true
	case "active":
		return GoalActive, true
	case "paused":
		return GoalPaused, true
	case "completed":
		return GoalCompleted, true
	case "failed":
		return GoalFailed, true
	default:
		return 0, false
	}
}

// Goal represents a desired boolean configuration: a set of assertion keys
// that must hold true for completion, and the current believed world state.
type Goal struct {
	ID                   string
	Name                 string
	Description          string
	GoalStateJSON        []byte // JSON object: assertion-key -> true
	WorldStateJSON       []byte // JSON object: assertion-key -> bool
	Summary              string
	QueueName            string
	SupervisorPID        int
	SupervisorStartedAt  int64 // ms epoch; 0 when no supervisor
	Status               GoalStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Action represents a step toward a goal: a compound planning node
// holding children, or a primitive, directly dispatchable unit of work.
type Action struct {
	ID              string
	GoalID          string
	ParentActionID  string // empty for top-level
	WorkItemID      string // set when dispatched
	Description     string
	PreconditionsJSON []byte // JSON array of assertion-keys
	EffectsJSON       []byte // JSON array of assertion-keys
	IsCompound        bool
	Status            ActionStatus
	Role              string
	Result            string
	AttemptCount      int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
