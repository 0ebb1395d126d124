// goap_dispatch_action (spec.md §4.E): given a primitive, Pending
// action, build its work context, enqueue a work item, spawn a worker
// carrying the role-specific system prompt, and transition the action
// to Running.
package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/antigravity-dev/scaffold/internal/apperr"
	"github.com/antigravity-dev/scaffold/internal/goalstore"
	"github.com/antigravity-dev/scaffold/internal/prompts"
	"github.com/antigravity-dev/scaffold/internal/workqueue"
)

const maxResultBytes = 4000
const truncationMarker = "...[truncated]"

// Result is the payload returned on a successful dispatch.
type Result struct {
	ActionID   string `json:"action_id"`
	WorkerPID  int    `json:"worker_pid"`
	WorkItemID string `json:"work_item_id"`
}

// Dispatcher wires the goal/action stores, the work queue, a launch
// backend, and role-prompt resolution into goap_dispatch_action.
type Dispatcher struct {
	Goals   *goalstore.GoalStore
	Actions *goalstore.ActionStore
	Queue   *workqueue.Queue
	Backend Backend
	AppHome string

	mu             sync.Mutex
	maxWorkersGoal int
}

// New builds a Dispatcher. maxWorkersPerGoal <= 0 defaults to 3.
func New(goals *goalstore.GoalStore, actions *goalstore.ActionStore, queue *workqueue.Queue, backend Backend, appHome string, maxWorkersPerGoal int) *Dispatcher {
	if maxWorkersPerGoal <= 0 {
		maxWorkersPerGoal = 3
	}
	return &Dispatcher{
		Goals: goals, Actions: actions, Queue: queue, Backend: backend, AppHome: appHome,
		maxWorkersGoal: maxWorkersPerGoal,
	}
}

type workContext struct {
	Goal                string            `json:"goal"`
	Action              string            `json:"action"`
	Role                string            `json:"role"`
	WorldState          json.RawMessage   `json:"world_state"`
	PrerequisiteResults map[string]string `json:"prerequisite_results"`
}

// Dispatch validates and dispatches actionID. Capacity and status checks
// run under the dispatcher's own mutex so two concurrent dispatch calls
// for the same goal serialize on admission control even though a
// readiness query (internal/goap) that preceded this call observed a
// snapshot that may already be stale.
func (d *Dispatcher) Dispatch(actionID string) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	action, err := d.Actions.GetAction(actionID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return Result{}, apperr.New(apperr.NotFound, "action not found")
		}
		return Result{}, apperr.Wrap(apperr.StoreFailure, "load action", err)
	}
	if action.IsCompound {
		return Result{}, apperr.New(apperr.PreconditionViolated, "action is compound; decompose first")
	}
	if action.Status != goalstore.ActionPending {
		return Result{}, apperr.New(apperr.PreconditionViolated, fmt.Sprintf("action not pending (status=%s)", action.Status))
	}

	goal, err := d.Goals.GetGoal(action.GoalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return Result{}, apperr.New(apperr.NotFound, "goal not found")
		}
		return Result{}, apperr.Wrap(apperr.StoreFailure, "load goal", err)
	}

	running, err := d.Actions.CountByStatus(action.GoalID, goalstore.ActionRunning)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.StoreFailure, "count running actions", err)
	}
	if running >= d.maxWorkersGoal {
		return Result{}, apperr.New(apperr.CapacityReached, fmt.Sprintf("goal at capacity (%d/%d workers)", running, d.maxWorkersGoal))
	}

	ctxJSON, err := d.buildWorkContext(goal, action)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.StoreFailure, "build work context", err)
	}

	itemID, err := d.Queue.Enqueue(goal.QueueName, action.Description, ctxJSON, 3)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.StoreFailure, "enqueue work item", err)
	}

	promptText := prompts.Resolve(d.AppHome, action.Role)
	promptFile, err := writePromptFile(promptText)
	if err != nil {
		d.Queue.Remove(itemID)
		return Result{}, apperr.Wrap(apperr.StoreFailure, "write prompt file", err)
	}

	pid, err := d.Backend.Spawn(goal.QueueName, promptFile)
	if err != nil {
		d.Queue.Remove(itemID)
		if promptFile != "" {
			os.Remove(promptFile)
		}
		return Result{}, apperr.Wrap(apperr.SpawnFailure, "spawn worker", err)
	}

	if err := d.Actions.SetRunning(action.ID, itemID); err != nil {
		return Result{}, apperr.Wrap(apperr.StoreFailure, "transition action to running", err)
	}

	return Result{ActionID: action.ID, WorkerPID: pid, WorkItemID: itemID}, nil
}

func (d *Dispatcher) buildWorkContext(goal goalstore.Goal, action goalstore.Action) ([]byte, error) {
	label := goal.Description
	if label == "" {
		label = goal.Name
	}
	role := action.Role
	if role == "" {
		role = "implementation"
	}

	prereq, err := d.prerequisiteResults(goal.ID, action)
	if err != nil {
		return nil, err
	}

	worldState := goal.WorldStateJSON
	if len(worldState) == 0 {
		worldState = []byte("{}")
	}

	wc := workContext{
		Goal:                label,
		Action:              action.Description,
		Role:                role,
		WorldState:          json.RawMessage(worldState),
		PrerequisiteResults: prereq,
	}
	return json.Marshal(wc)
}

// prerequisiteResults implements spec.md §4.E step 3: parse this
// action's preconditions; for every Completed action of the same goal
// whose effects intersect this action's preconditions on any key,
// include its (truncated) result keyed by action id.
func (d *Dispatcher) prerequisiteResults(goalID string, action goalstore.Action) (map[string]string, error) {
	preconditions, ok := decodeStringSet(action.PreconditionsJSON)
	if !ok || len(preconditions) == 0 {
		return map[string]string{}, nil
	}

	completed, err := d.Actions.ListCompletedActions(goalID)
	if err != nil {
		return nil, err
	}

	out := map[string]string{}
	for _, candidate := range completed {
		effects, ok := decodeStringSet(candidate.EffectsJSON)
		if !ok {
			continue
		}
		if !intersects(effects, preconditions) {
			continue
		}
		out[candidate.ID] = truncateResult(candidate.Result)
	}
	return out, nil
}

func decodeStringSet(data []byte) (map[string]bool, bool) {
	var arr []string
	if len(data) == 0 {
		return map[string]bool{}, true
	}
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, false
	}
	set := make(map[string]bool, len(arr))
	for _, k := range arr {
		set[k] = true
	}
	return set, true
}

func intersects(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

// TruncateResult truncates result to 4000 bytes with a "...[truncated]"
// marker, the rule spec.md §8 requires for both prerequisite_results and
// get_action_results.
func TruncateResult(result string) string {
	return truncateResult(result)
}

func truncateResult(result string) string {
	if len(result) <= maxResultBytes {
		return result
	}
	return result[:maxResultBytes] + truncationMarker
}

func writePromptFile(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	f, err := os.CreateTemp("", "scaffold-prompt-*.md")
	if err != nil {
		return "", fmt.Errorf("dispatch: create prompt temp file: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("dispatch: write prompt temp file: %w", err)
	}
	f.Close()
	return f.Name(), nil
}
