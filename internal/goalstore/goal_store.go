package goalstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/scaffold/internal/dbstore"
)

// ErrNotFound is returned when a requested goal or action does not exist.
var ErrNotFound = errors.New("goalstore: not found")

// GoalStore is the typed CRUD layer over the goals table.
type GoalStore struct {
	h *dbstore.Handle
}

// NewGoalStore wraps a durable store handle.
func NewGoalStore(h *dbstore.Handle) *GoalStore {
	return &GoalStore{h: h}
}

const goalCols = `id, name, description, goal_state, world_state, summary, status, queue_name, supervisor_pid, supervisor_started_at, created_at, updated_at`

func scanGoal(scan func(dest ...any) error) (Goal, error) {
	var g Goal
	var statusInt int
	var createdAt, updatedAt int64
	var goalState, worldState string
	err := scan(&g.ID, &g.Name, &g.Description, &goalState, &worldState, &g.Summary, &statusInt,
		&g.QueueName, &g.SupervisorPID, &g.SupervisorStartedAt, &createdAt, &updatedAt)
	if err != nil {
		return Goal{}, err
	}
	g.GoalStateJSON = []byte(goalState)
	g.WorldStateJSON = []byte(worldState)
	g.Status = GoalStatus(statusInt)
	g.CreatedAt = time.UnixMilli(createdAt)
	g.UpdatedAt = time.UnixMilli(updatedAt)
	return g, nil
}

// CreateGoal inserts a new goal, generating a fresh v4 UUID for its id and
// deriving its queue name as goal_<uuid> when queueName is empty. Queue
// names are treated as globally unique.
func (s *GoalStore) CreateGoal(name, description string, goalStateJSON []byte, queueName string) (Goal, error) {
	id := uuid.NewString()
	if len(goalStateJSON) == 0 {
		goalStateJSON = []byte("{}")
	}
	if queueName == "" {
		queueName = "goal_" + id
	}
	now := time.Now()
	nowMs := now.UnixMilli()

	_, err := s.h.Exec(
		`INSERT INTO goals (id, name, description, goal_state, world_state, summary, status, queue_name, supervisor_pid, supervisor_started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '{}', '', 0, ?, 0, 0, ?, ?)`,
		func() []any { return []any{id, name, description, string(goalStateJSON), queueName, nowMs, nowMs} },
	)
	if err != nil {
		return Goal{}, fmt.Errorf("goalstore: create goal: %w", err)
	}
	return Goal{
		ID: id, Name: name, Description: description,
		GoalStateJSON: goalStateJSON, WorldStateJSON: []byte("{}"),
		QueueName: queueName, Status: GoalPlanning,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetGoal loads a goal by id.
func (s *GoalStore) GetGoal(id string) (Goal, error) {
	g, ok, err := dbstore.QueryOne(s.h, `SELECT `+goalCols+` FROM goals WHERE id = ?`,
		func() []any { return []any{id} }, scanGoal)
	if err != nil {
		return Goal{}, fmt.Errorf("goalstore: get goal: %w", err)
	}
	if !ok {
		return Goal{}, ErrNotFound
	}
	return g, nil
}

// ListGoals returns every goal, ordered by creation time.
func (s *GoalStore) ListGoals() ([]Goal, error) {
	goals, err := dbstore.QueryList(s.h, `SELECT `+goalCols+` FROM goals ORDER BY created_at ASC`, nil, scanGoal)
	if err != nil {
		return nil, fmt.Errorf("goalstore: list goals: %w", err)
	}
	return goals, nil
}

// UpdateWorldState replaces the stored world_state object verbatim. Merge
// semantics (if any) are the caller's responsibility (see internal/goap).
func (s *GoalStore) UpdateWorldState(goalID string, worldStateJSON []byte) error {
	n, err := s.h.Exec(`UPDATE goals SET world_state = ?, updated_at = ? WHERE id = ?`,
		func() []any { return []any{string(worldStateJSON), time.Now().UnixMilli(), goalID} })
	if err != nil {
		return fmt.Errorf("goalstore: update world state: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus transitions a goal to a new status.
func (s *GoalStore) UpdateStatus(goalID string, status GoalStatus) error {
	n, err := s.h.Exec(`UPDATE goals SET status = ?, updated_at = ? WHERE id = ?`,
		func() []any { return []any{int(status), time.Now().UnixMilli(), goalID} })
	if err != nil {
		return fmt.Errorf("goalstore: update status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSummary sets the goal's free-text summary.
func (s *GoalStore) UpdateSummary(goalID, summary string) error {
	n, err := s.h.Exec(`UPDATE goals SET summary = ?, updated_at = ? WHERE id = ?`,
		func() []any { return []any{summary, time.Now().UnixMilli(), goalID} })
	if err != nil {
		return fmt.Errorf("goalstore: update summary: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSupervisor stamps the goal's supervisor PID and start time. Pass
// pid=0 to clear it.
func (s *GoalStore) SetSupervisor(goalID string, pid int, startedAtMs int64) error {
	n, err := s.h.Exec(`UPDATE goals SET supervisor_pid = ?, supervisor_started_at = ?, updated_at = ? WHERE id = ?`,
		func() []any { return []any{pid, startedAtMs, time.Now().UnixMilli(), goalID} })
	if err != nil {
		return fmt.Errorf("goalstore: set supervisor: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearSupervisor is a convenience wrapper for SetSupervisor(goalID, 0, 0).
func (s *GoalStore) ClearSupervisor(goalID string) error {
	return s.SetSupervisor(goalID, 0, 0)
}

// ListGoalsWithSupervisor returns every goal with a nonzero supervisor PID.
func (s *GoalStore) ListGoalsWithSupervisor() ([]Goal, error) {
	goals, err := dbstore.QueryList(s.h, `SELECT `+goalCols+` FROM goals WHERE supervisor_pid > 0`, nil, scanGoal)
	if err != nil {
		return nil, fmt.Errorf("goalstore: list goals with supervisor: %w", err)
	}
	return goals, nil
}

// ListActiveGoalsWithoutSupervisor returns every Active goal whose
// supervisor_pid is 0 — candidates for respawn_dead.
func (s *GoalStore) ListActiveGoalsWithoutSupervisor() ([]Goal, error) {
	goals, err := dbstore.QueryList(s.h, `SELECT `+goalCols+` FROM goals WHERE status = ? AND supervisor_pid = 0`,
		func() []any { return []any{int(GoalActive)} }, scanGoal)
	if err != nil {
		return nil, fmt.Errorf("goalstore: list active goals without supervisor: %w", err)
	}
	return goals, nil
}
