// Package orchestrator is the LLM-facing tool surface spec.md §4.G and
// §6.2 describe: goal-level commands plus the goap_* operations layered
// over §4.B-F, each returning the JSON envelope
// {"success": true, ...} or {"success": false, "error": "..."} directly,
// since that envelope shape is itself part of this package's contract,
// not a translation a caller performs afterward. Grounded in cortex's
// internal/api.writeJSON/writeError pattern, adapted from an HTTP
// response writer to a plain Go map any caller (HTTP handler, CLI
// command, or an LLM tool-call adapter this repo doesn't implement) can
// serialize itself.
package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/scaffold/internal/apperr"
	"github.com/antigravity-dev/scaffold/internal/dispatch"
	"github.com/antigravity-dev/scaffold/internal/goalstore"
	"github.com/antigravity-dev/scaffold/internal/goap"
	"github.com/antigravity-dev/scaffold/internal/supervisor"
	"github.com/antigravity-dev/scaffold/internal/workqueue"
)

// Envelope is the JSON shape every tool-surface operation returns.
type Envelope = map[string]any

// Orchestrator wires the goal/action stores, GOAP evaluator, work queue,
// dispatcher, and supervisor manager behind the operations the LLM
// tool-call layer drives.
type Orchestrator struct {
	Goals       *goalstore.GoalStore
	Actions     *goalstore.ActionStore
	Queue       *workqueue.Queue
	Dispatcher  *dispatch.Dispatcher
	Supervisors *supervisor.Manager
}

// New builds an Orchestrator over the given subsystem handles.
func New(goals *goalstore.GoalStore, actions *goalstore.ActionStore, queue *workqueue.Queue, d *dispatch.Dispatcher, sup *supervisor.Manager) *Orchestrator {
	return &Orchestrator{Goals: goals, Actions: actions, Queue: queue, Dispatcher: d, Supervisors: sup}
}

func ok(fields Envelope) Envelope {
	if fields == nil {
		fields = Envelope{}
	}
	fields["success"] = true
	return fields
}

func fail(err error) Envelope {
	return Envelope{"success": false, "error": err.Error()}
}

const planPreamble = `Decompose the plan below into a hierarchy of compound and primitive actions.
Compound actions are planning nodes holding children and must never be
dispatched directly; primitive actions are directly dispatchable and carry
a role (implementation, code_review, architecture_review, design_review,
pm_review, testing, or a custom role). Give every action a list of
precondition assertion keys it requires and a list of effect assertion
keys it promises, so that readiness and goal completion can be computed
purely from world-state bookkeeping. Include verification phases
(testing, review roles) as siblings of the implementation work they
check, gated by that work's effects as their own preconditions.

PLAN:
`

// ExecutePlan returns a decomposition instruction payload built from a
// fixed preamble plus the plan text, and signals that conversational
// history should be reset. It does not itself touch any store — actual
// goal/action creation happens through CreateGoal/CreateAction once the
// caller has decomposed the plan.
func (o *Orchestrator) ExecutePlan(planText string) Envelope {
	if planText == "" {
		return fail(apperr.New(apperr.InputInvalid, "plan_text is required"))
	}
	return ok(Envelope{
		"instructions":   planPreamble + planText,
		"clear_history":  true,
	})
}

// CreateGoal creates a new goal. goalStateJSON must be a JSON object
// mapping assertion keys to true (nil/empty defaults to {}).
func (o *Orchestrator) CreateGoal(name, description string, goalStateJSON json.RawMessage, queueName string) Envelope {
	if name == "" {
		return fail(apperr.New(apperr.InputInvalid, "name is required"))
	}
	if len(goalStateJSON) > 0 && !json.Valid(goalStateJSON) {
		return fail(apperr.New(apperr.InputInvalid, "goal_state must be valid JSON"))
	}

	g, err := o.Goals.CreateGoal(name, description, goalStateJSON, queueName)
	if err != nil {
		return fail(apperr.Wrap(apperr.StoreFailure, "create goal", err))
	}
	return ok(goalEnvelopeFields(g))
}

// CreateActionParams mirrors goalstore.CreateActionParams for the tool
// surface; PreconditionsJSON/EffectsJSON are raw JSON string arrays.
type CreateActionParams struct {
	GoalID            string
	ParentActionID    string
	Description       string
	PreconditionsJSON json.RawMessage
	EffectsJSON       json.RawMessage
	IsCompound        bool
	Role              string
}

// CreateAction creates a new Pending action under a goal (and optionally
// under a compound parent action).
func (o *Orchestrator) CreateAction(p CreateActionParams) Envelope {
	if p.GoalID == "" {
		return fail(apperr.New(apperr.InputInvalid, "goal_id is required"))
	}
	if p.Description == "" {
		return fail(apperr.New(apperr.InputInvalid, "description is required"))
	}
	if len(p.PreconditionsJSON) > 0 && !json.Valid(p.PreconditionsJSON) {
		return fail(apperr.New(apperr.InputInvalid, "preconditions must be valid JSON"))
	}
	if len(p.EffectsJSON) > 0 && !json.Valid(p.EffectsJSON) {
		return fail(apperr.New(apperr.InputInvalid, "effects must be valid JSON"))
	}

	if _, err := o.Goals.GetGoal(p.GoalID); err != nil {
		if err == goalstore.ErrNotFound {
			return fail(apperr.New(apperr.NotFound, "goal not found"))
		}
		return fail(apperr.Wrap(apperr.StoreFailure, "load goal", err))
	}

	a, err := o.Actions.CreateAction(goalstore.CreateActionParams{
		GoalID: p.GoalID, ParentActionID: p.ParentActionID, Description: p.Description,
		PreconditionsJSON: p.PreconditionsJSON, EffectsJSON: p.EffectsJSON,
		IsCompound: p.IsCompound, Role: p.Role,
	})
	if err != nil {
		return fail(apperr.Wrap(apperr.StoreFailure, "create action", err))
	}
	return ok(actionEnvelopeFields(a))
}

// DispatchAction wraps the worker dispatcher's goap_dispatch_action.
func (o *Orchestrator) DispatchAction(actionID string) Envelope {
	if actionID == "" {
		return fail(apperr.New(apperr.InputInvalid, "action_id is required"))
	}
	result, err := o.Dispatcher.Dispatch(actionID)
	if err != nil {
		return fail(err)
	}
	return ok(Envelope{
		"action_id":    result.ActionID,
		"worker_pid":   result.WorkerPID,
		"work_item_id": result.WorkItemID,
	})
}

// ListReady returns every ready (Pending, precondition-satisfied)
// primitive action of a goal.
func (o *Orchestrator) ListReady(goalID string) Envelope {
	goal, err := o.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return fail(apperr.New(apperr.NotFound, "goal not found"))
		}
		return fail(apperr.Wrap(apperr.StoreFailure, "load goal", err))
	}
	ready, err := o.Actions.ListReady(goalID, goal.WorldStateJSON)
	if err != nil {
		return fail(apperr.Wrap(apperr.StoreFailure, "list ready", err))
	}

	out := make([]Envelope, 0, len(ready))
	for _, a := range ready {
		out = append(out, actionEnvelopeFields(a))
	}
	return ok(Envelope{"actions": out})
}

// CheckComplete computes a goal's progress via the GOAP evaluator.
func (o *Orchestrator) CheckComplete(goalID string) Envelope {
	goal, err := o.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return fail(apperr.New(apperr.NotFound, "goal not found"))
		}
		return fail(apperr.Wrap(apperr.StoreFailure, "load goal", err))
	}
	progress := goap.ComputeProgress(goal.GoalStateJSON, goal.WorldStateJSON)

	if progress.Complete && goal.Status != goalstore.GoalCompleted && !goal.Status.Terminal() {
		if err := o.Goals.UpdateStatus(goalID, goalstore.GoalCompleted); err != nil {
			return fail(apperr.Wrap(apperr.StoreFailure, "mark goal completed", err))
		}
	}

	return ok(Envelope{
		"complete":  progress.Complete,
		"satisfied": progress.Satisfied,
		"total":     progress.Total,
	})
}

// MergeWorldState merges assertionsJSON (a JSON object of boolean-valued
// assertion keys) into a goal's world state.
func (o *Orchestrator) MergeWorldState(goalID string, assertionsJSON json.RawMessage) Envelope {
	if !json.Valid(assertionsJSON) {
		return fail(apperr.New(apperr.InputInvalid, "assertions must be valid JSON"))
	}
	goal, err := o.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return fail(apperr.New(apperr.NotFound, "goal not found"))
		}
		return fail(apperr.Wrap(apperr.StoreFailure, "load goal", err))
	}

	merged, err := goap.MergeWorldState(goal.WorldStateJSON, assertionsJSON)
	if err != nil {
		return fail(apperr.Wrap(apperr.InputInvalid, "merge world state", err))
	}
	if err := o.Goals.UpdateWorldState(goalID, merged); err != nil {
		return fail(apperr.Wrap(apperr.StoreFailure, "update world state", err))
	}
	return ok(Envelope{"world_state": json.RawMessage(merged)})
}

// SkipPending implements the replan primitive: every Pending action of a
// goal transitions to Skipped.
func (o *Orchestrator) SkipPending(goalID string) Envelope {
	n, err := o.Actions.SkipPending(goalID)
	if err != nil {
		return fail(apperr.Wrap(apperr.StoreFailure, "skip pending", err))
	}
	return ok(Envelope{"skipped": n})
}

// GetActionResults returns every Completed action's (truncated) result
// for a goal, keyed by action id.
func (o *Orchestrator) GetActionResults(goalID string) Envelope {
	completed, err := o.Actions.ListCompletedActions(goalID)
	if err != nil {
		return fail(apperr.Wrap(apperr.StoreFailure, "list completed actions", err))
	}
	results := make(map[string]string, len(completed))
	for _, a := range completed {
		results[a.ID] = dispatch.TruncateResult(a.Result)
	}
	return ok(Envelope{"results": results})
}

// ListGoals returns a snapshot of every goal.
func (o *Orchestrator) ListGoals() Envelope {
	goals, err := o.Goals.ListGoals()
	if err != nil {
		return fail(apperr.Wrap(apperr.StoreFailure, "list goals", err))
	}

	out := make([]Envelope, 0, len(goals))
	for _, g := range goals {
		progress := goap.ComputeProgress(g.GoalStateJSON, g.WorldStateJSON)
		out = append(out, Envelope{
			"id":                  g.ID,
			"name":                g.Name,
			"status":              g.Status.String(),
			"progress":            fmt.Sprintf("%d/%d", progress.Satisfied, progress.Total),
			"summary":             g.Summary,
			"supervisor_running":  g.SupervisorPID > 0 && dispatch.IsProcessAlive(g.SupervisorPID),
		})
	}
	return ok(Envelope{"goals": out})
}

// GoalStatus returns a goal's full record, action counts by status, and
// a nested action tree rooted at its top-level actions.
func (o *Orchestrator) GoalStatus(goalID string) Envelope {
	goal, err := o.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return fail(apperr.New(apperr.NotFound, "goal not found"))
		}
		return fail(apperr.Wrap(apperr.StoreFailure, "load goal", err))
	}

	counts := Envelope{}
	for _, status := range []goalstore.ActionStatus{
		goalstore.ActionPending, goalstore.ActionRunning,
		goalstore.ActionCompleted, goalstore.ActionFailed, goalstore.ActionSkipped,
	} {
		n, err := o.Actions.CountByStatus(goalID, status)
		if err != nil {
			return fail(apperr.Wrap(apperr.StoreFailure, "count actions by status", err))
		}
		counts[status.String()] = n
	}

	topLevel, err := o.Actions.ListTopLevelActions(goalID)
	if err != nil {
		return fail(apperr.Wrap(apperr.StoreFailure, "list top-level actions", err))
	}
	tree := make([]Envelope, 0, len(topLevel))
	for _, a := range topLevel {
		node, err := o.buildActionTree(a)
		if err != nil {
			return fail(apperr.Wrap(apperr.StoreFailure, "build action tree", err))
		}
		tree = append(tree, node)
	}

	fields := goalEnvelopeFields(goal)
	fields["action_counts"] = counts
	fields["actions"] = tree
	return ok(fields)
}

func (o *Orchestrator) buildActionTree(a goalstore.Action) (Envelope, error) {
	node := actionEnvelopeFields(a)
	if a.IsCompound {
		children, err := o.Actions.ListChildren(a.ID)
		if err != nil {
			return nil, err
		}
		childNodes := make([]Envelope, 0, len(children))
		for _, c := range children {
			childNode, err := o.buildActionTree(c)
			if err != nil {
				return nil, err
			}
			childNodes = append(childNodes, childNode)
		}
		node["children"] = childNodes
	}
	return node, nil
}

// StartGoal requires status Planning or Paused and no live supervisor.
// A Paused goal transitions to Active before spawning; a Planning goal
// is left in Planning so the (out-of-scope) planner phase can promote it
// to Active once decomposition finishes — spec.md §9 Open Question (a).
func (o *Orchestrator) StartGoal(goalID string) Envelope {
	goal, err := o.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return fail(apperr.New(apperr.NotFound, "goal not found"))
		}
		return fail(apperr.Wrap(apperr.StoreFailure, "load goal", err))
	}
	if goal.Status != goalstore.GoalPlanning && goal.Status != goalstore.GoalPaused {
		return fail(apperr.New(apperr.PreconditionViolated, fmt.Sprintf("goal not in planning or paused state (status=%s)", goal.Status)))
	}
	if goal.SupervisorPID > 0 && dispatch.IsProcessAlive(goal.SupervisorPID) {
		return fail(apperr.New(apperr.PreconditionViolated, "supervisor already running"))
	}

	if goal.Status == goalstore.GoalPaused {
		if err := o.Goals.UpdateStatus(goalID, goalstore.GoalActive); err != nil {
			return fail(apperr.Wrap(apperr.StoreFailure, "activate goal", err))
		}
	}

	pid, err := o.Supervisors.SpawnSupervisor(goalID)
	if err != nil {
		return fail(err)
	}
	return ok(Envelope{"goal_id": goalID, "supervisor_pid": pid})
}

// PauseGoal requires status Active; it kills the supervisor, which
// itself transitions the goal to Paused.
func (o *Orchestrator) PauseGoal(goalID string) Envelope {
	goal, err := o.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return fail(apperr.New(apperr.NotFound, "goal not found"))
		}
		return fail(apperr.Wrap(apperr.StoreFailure, "load goal", err))
	}
	if goal.Status != goalstore.GoalActive {
		return fail(apperr.New(apperr.PreconditionViolated, fmt.Sprintf("goal not active (status=%s)", goal.Status)))
	}
	if err := o.Supervisors.KillSupervisor(goalID); err != nil {
		return fail(err)
	}
	return ok(Envelope{"goal_id": goalID, "status": goalstore.GoalPaused.String()})
}

// CancelGoal rejects terminal statuses, kills any running supervisor,
// and sets the goal's status to Failed.
func (o *Orchestrator) CancelGoal(goalID string) Envelope {
	goal, err := o.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return fail(apperr.New(apperr.NotFound, "goal not found"))
		}
		return fail(apperr.Wrap(apperr.StoreFailure, "load goal", err))
	}
	if goal.Status.Terminal() {
		return fail(apperr.New(apperr.PreconditionViolated, fmt.Sprintf("goal already in terminal state (status=%s)", goal.Status)))
	}

	if goal.SupervisorPID > 0 {
		if err := o.Supervisors.TerminateIfRunning(goalID); err != nil {
			return fail(err)
		}
	}
	if err := o.Goals.UpdateStatus(goalID, goalstore.GoalFailed); err != nil {
		return fail(apperr.Wrap(apperr.StoreFailure, "set goal failed", err))
	}
	return ok(Envelope{"goal_id": goalID, "status": goalstore.GoalFailed.String()})
}

func goalEnvelopeFields(g goalstore.Goal) Envelope {
	return Envelope{
		"id":             g.ID,
		"name":           g.Name,
		"description":    g.Description,
		"goal_state":     json.RawMessage(g.GoalStateJSON),
		"world_state":    json.RawMessage(g.WorldStateJSON),
		"summary":        g.Summary,
		"queue_name":     g.QueueName,
		"supervisor_pid": g.SupervisorPID,
		"status":         g.Status.String(),
	}
}

func actionEnvelopeFields(a goalstore.Action) Envelope {
	return Envelope{
		"id":               a.ID,
		"goal_id":          a.GoalID,
		"parent_action_id": a.ParentActionID,
		"description":      a.Description,
		"preconditions":    json.RawMessage(nonEmptyOrEmptyArray(a.PreconditionsJSON)),
		"effects":          json.RawMessage(nonEmptyOrEmptyArray(a.EffectsJSON)),
		"is_compound":      a.IsCompound,
		"status":           a.Status.String(),
		"role":             a.Role,
		"attempt_count":    a.AttemptCount,
	}
}

func nonEmptyOrEmptyArray(data []byte) []byte {
	if len(data) == 0 {
		return []byte("[]")
	}
	return data
}
