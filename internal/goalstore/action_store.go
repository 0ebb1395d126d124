package goalstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/scaffold/internal/dbstore"
	"github.com/antigravity-dev/scaffold/internal/goap"
)

// ActionStore is the typed CRUD layer over the actions table.
type ActionStore struct {
	h *dbstore.Handle
}

// NewActionStore wraps a durable store handle.
func NewActionStore(h *dbstore.Handle) *ActionStore {
	return &ActionStore{h: h}
}

const actionCols = `id, goal_id, parent_action_id, work_item_id, description, preconditions, effects, is_compound, status, role, result, attempt_count, created_at, updated_at`

func scanAction(scan func(dest ...any) error) (Action, error) {
	var a Action
	var isCompoundInt, statusInt int
	var createdAt, updatedAt int64
	var preconditions, effects string
	err := scan(&a.ID, &a.GoalID, &a.ParentActionID, &a.WorkItemID, &a.Description,
		&preconditions, &effects, &isCompoundInt, &statusInt, &a.Role, &a.Result, &a.AttemptCount,
		&createdAt, &updatedAt)
	if err != nil {
		return Action{}, err
	}
	a.PreconditionsJSON = []byte(preconditions)
	a.EffectsJSON = []byte(effects)
	a.IsCompound = isCompoundInt != 0
	a.Status = ActionStatus(statusInt)
	a.CreatedAt = time.UnixMilli(createdAt)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return a, nil
}

// CreateActionParams are the inputs to CreateAction.
type CreateActionParams struct {
	GoalID           string
	ParentActionID   string // empty for top-level
	Description      string
	PreconditionsJSON []byte // JSON array; nil -> "[]"
	EffectsJSON       []byte // JSON array; nil -> "[]"
	IsCompound        bool
	Role              string // defaults to "implementation"
}

// CreateAction inserts a new Pending action.
func (s *ActionStore) CreateAction(p CreateActionParams) (Action, error) {
	id := uuid.NewString()
	preconditions := p.PreconditionsJSON
	if len(preconditions) == 0 {
		preconditions = []byte("[]")
	}
	effects := p.EffectsJSON
	if len(effects) == 0 {
		effects = []byte("[]")
	}
	role := p.Role
	if role == "" {
		role = "implementation"
	}
	now := time.Now()
	nowMs := now.UnixMilli()
	isCompound := 0
	if p.IsCompound {
		isCompound = 1
	}

	_, err := s.h.Exec(
		`INSERT INTO actions (id, goal_id, parent_action_id, work_item_id, description, preconditions, effects, is_compound, status, role, result, attempt_count, created_at, updated_at)
		 VALUES (?, ?, ?, '', ?, ?, ?, ?, 0, ?, '', 0, ?, ?)`,
		func() []any {
			return []any{id, p.GoalID, p.ParentActionID, p.Description, string(preconditions), string(effects), isCompound, role, nowMs, nowMs}
		},
	)
	if err != nil {
		return Action{}, fmt.Errorf("goalstore: create action: %w", err)
	}
	return Action{
		ID: id, GoalID: p.GoalID, ParentActionID: p.ParentActionID, Description: p.Description,
		PreconditionsJSON: preconditions, EffectsJSON: effects, IsCompound: p.IsCompound,
		Status: ActionPending, Role: role, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetAction loads an action by id.
func (s *ActionStore) GetAction(id string) (Action, error) {
	a, ok, err := dbstore.QueryOne(s.h, `SELECT `+actionCols+` FROM actions WHERE id = ?`,
		func() []any { return []any{id} }, scanAction)
	if err != nil {
		return Action{}, fmt.Errorf("goalstore: get action: %w", err)
	}
	if !ok {
		return Action{}, ErrNotFound
	}
	return a, nil
}

// ListActions returns every action of a goal, in creation order.
func (s *ActionStore) ListActions(goalID string) ([]Action, error) {
	actions, err := dbstore.QueryList(s.h, `SELECT `+actionCols+` FROM actions WHERE goal_id = ? ORDER BY created_at ASC`,
		func() []any { return []any{goalID} }, scanAction)
	if err != nil {
		return nil, fmt.Errorf("goalstore: list actions: %w", err)
	}
	return actions, nil
}

// ListTopLevelActions returns every action of a goal with no parent.
func (s *ActionStore) ListTopLevelActions(goalID string) ([]Action, error) {
	actions, err := dbstore.QueryList(s.h, `SELECT `+actionCols+` FROM actions WHERE goal_id = ? AND parent_action_id = '' ORDER BY created_at ASC`,
		func() []any { return []any{goalID} }, scanAction)
	if err != nil {
		return nil, fmt.Errorf("goalstore: list top-level actions: %w", err)
	}
	return actions, nil
}

// ListChildren returns every direct child of a compound action.
func (s *ActionStore) ListChildren(parentActionID string) ([]Action, error) {
	actions, err := dbstore.QueryList(s.h, `SELECT `+actionCols+` FROM actions WHERE parent_action_id = ? ORDER BY created_at ASC`,
		func() []any { return []any{parentActionID} }, scanAction)
	if err != nil {
		return nil, fmt.Errorf("goalstore: list children: %w", err)
	}
	return actions, nil
}

// ListCompletedActions returns every Completed action of a goal.
func (s *ActionStore) ListCompletedActions(goalID string) ([]Action, error) {
	actions, err := dbstore.QueryList(s.h, `SELECT `+actionCols+` FROM actions WHERE goal_id = ? AND status = ? ORDER BY created_at ASC`,
		func() []any { return []any{goalID, int(ActionCompleted)} }, scanAction)
	if err != nil {
		return nil, fmt.Errorf("goalstore: list completed actions: %w", err)
	}
	return actions, nil
}

// ListReady returns, in creation order, every Pending, non-compound action
// of the goal whose preconditions are all true in worldStateJSON.
// Precondition checking happens in application code (internal/goap), not
// SQL, because assertion identity is purely by key name.
func (s *ActionStore) ListReady(goalID string, worldStateJSON []byte) ([]Action, error) {
	pending, err := dbstore.QueryList(s.h,
		`SELECT `+actionCols+` FROM actions WHERE goal_id = ? AND status = ? AND is_compound = 0 ORDER BY created_at ASC`,
		func() []any { return []any{goalID, int(ActionPending)} }, scanAction)
	if err != nil {
		return nil, fmt.Errorf("goalstore: list ready: %w", err)
	}

	var ready []Action
	for _, a := range pending {
		if goap.PreconditionsMet(a.PreconditionsJSON, worldStateJSON) {
			ready = append(ready, a)
		}
	}
	return ready, nil
}

// CountByStatus is the admission-control signal for the dispatcher's
// running-worker-count-per-goal capacity check.
func (s *ActionStore) CountByStatus(goalID string, status ActionStatus) (int, error) {
	n, ok, err := dbstore.QueryOne(s.h,
		`SELECT COUNT(*) FROM actions WHERE goal_id = ? AND status = ?`,
		func() []any { return []any{goalID, int(status)} },
		func(scan func(dest ...any) error) (int, error) {
			var c int
			err := scan(&c)
			return c, err
		})
	if err != nil {
		return 0, fmt.Errorf("goalstore: count by status: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return n, nil
}

// UpdateStatus sets an action's status. Applying the same status twice is
// a no-op on observable state other than updated_at.
func (s *ActionStore) UpdateStatus(actionID string, status ActionStatus) error {
	n, err := s.h.Exec(`UPDATE actions SET status = ?, updated_at = ? WHERE id = ?`,
		func() []any { return []any{int(status), time.Now().UnixMilli(), actionID} })
	if err != nil {
		return fmt.Errorf("goalstore: update status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteAction marks an action Completed and stores its result.
func (s *ActionStore) CompleteAction(actionID, result string) error {
	n, err := s.h.Exec(`UPDATE actions SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		func() []any { return []any{int(ActionCompleted), result, time.Now().UnixMilli(), actionID} })
	if err != nil {
		return fmt.Errorf("goalstore: complete action: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailAction marks an action Failed and stores its result/error text.
func (s *ActionStore) FailAction(actionID, result string) error {
	n, err := s.h.Exec(`UPDATE actions SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		func() []any { return []any{int(ActionFailed), result, time.Now().UnixMilli(), actionID} })
	if err != nil {
		return fmt.Errorf("goalstore: fail action: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRunning transitions an action to Running and stamps its work_item_id.
func (s *ActionStore) SetRunning(actionID, workItemID string) error {
	n, err := s.h.Exec(`UPDATE actions SET status = ?, work_item_id = ?, updated_at = ? WHERE id = ?`,
		func() []any { return []any{int(ActionRunning), workItemID, time.Now().UnixMilli(), actionID} })
	if err != nil {
		return fmt.Errorf("goalstore: set running: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetToPending reverts an action to Pending and clears its work_item_id,
// incrementing attempt_count.
func (s *ActionStore) ResetToPending(actionID string) error {
	n, err := s.h.Exec(
		`UPDATE actions SET status = ?, work_item_id = '', attempt_count = attempt_count + 1, updated_at = ? WHERE id = ?`,
		func() []any { return []any{int(ActionPending), time.Now().UnixMilli(), actionID} })
	if err != nil {
		return fmt.Errorf("goalstore: reset to pending: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementAttempt bumps attempt_count without otherwise touching status.
func (s *ActionStore) IncrementAttempt(actionID string) error {
	n, err := s.h.Exec(`UPDATE actions SET attempt_count = attempt_count + 1, updated_at = ? WHERE id = ?`,
		func() []any { return []any{time.Now().UnixMilli(), actionID} })
	if err != nil {
		return fmt.Errorf("goalstore: increment attempt: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAction removes an action and cascades to every descendant
// (compound actions are planning nodes holding children; deleting one
// deletes its whole subtree). No foreign key drives this cascade since
// parent_action_id is an empty string, not NULL, for top-level actions —
// the same reason cortex's graph.Task.ParentID carries no FK constraint.
func (s *ActionStore) DeleteAction(actionID string) error {
	children, err := s.ListChildren(actionID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.DeleteAction(child.ID); err != nil {
			return err
		}
	}
	_, err = s.h.Exec(`DELETE FROM actions WHERE id = ?`, func() []any { return []any{actionID} })
	if err != nil {
		return fmt.Errorf("goalstore: delete action: %w", err)
	}
	return nil
}

// SkipPending transitions every Pending action of the goal to Skipped —
// the replan primitive. Returns the number of actions skipped.
func (s *ActionStore) SkipPending(goalID string) (int64, error) {
	n, err := s.h.Exec(`UPDATE actions SET status = ?, updated_at = ? WHERE goal_id = ? AND status = ?`,
		func() []any {
			return []any{int(ActionSkipped), time.Now().UnixMilli(), goalID, int(ActionPending)}
		})
	if err != nil {
		return 0, fmt.Errorf("goalstore: skip pending: %w", err)
	}
	return n, nil
}
