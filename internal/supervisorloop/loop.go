// Package supervisorloop implements the per-goal control loop spec.md
// names as the supervisor subprocess's job but explicitly leaves
// out of the Core's own scope: list ready actions, dispatch them,
// observe worker completion, merge effects into world state, repeat
// until the goal is complete or failed. Grounded in cortex's
// internal/scheduler.Scheduler.Run/tick — a ticker-driven loop with a
// single-cycle body — adapted from cross-project bead dispatch to a
// single goal's action tree.
package supervisorloop

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/antigravity-dev/scaffold/internal/dispatch"
	"github.com/antigravity-dev/scaffold/internal/goalstore"
	"github.com/antigravity-dev/scaffold/internal/goap"
	"github.com/antigravity-dev/scaffold/internal/workqueue"
)

// Loop drives one goal's action tree to completion.
type Loop struct {
	GoalID     string
	Goals      *goalstore.GoalStore
	Actions    *goalstore.ActionStore
	Queue      *workqueue.Queue
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	Interval   time.Duration
}

// New builds a Loop. interval <= 0 defaults to 2s.
func New(goalID string, goals *goalstore.GoalStore, actions *goalstore.ActionStore, queue *workqueue.Queue, d *dispatch.Dispatcher, logger *slog.Logger, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Loop{GoalID: goalID, Goals: goals, Actions: actions, Queue: queue, Dispatcher: d, Logger: logger, Interval: interval}
}

// Run blocks, ticking until the goal reaches a terminal status or ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := l.tick()
			if err != nil {
				l.Logger.Error("supervisor tick failed", "goal_id", l.GoalID, "error", err)
				continue
			}
			if done {
				return
			}
		}
	}
}

// tick performs one cycle: reconcile running actions against their work
// items, dispatch newly-ready actions, and check completion. It returns
// true once the goal has reached a terminal status.
func (l *Loop) tick() (bool, error) {
	goal, err := l.Goals.GetGoal(l.GoalID)
	if err != nil {
		return true, err
	}
	if goal.Status.Terminal() {
		return true, nil
	}

	if err := l.reconcileRunning(goal); err != nil {
		return false, err
	}

	goal, err = l.Goals.GetGoal(l.GoalID)
	if err != nil {
		return true, err
	}
	progress := goap.ComputeProgress(goal.GoalStateJSON, goal.WorldStateJSON)
	if progress.Complete {
		if err := l.Goals.UpdateStatus(l.GoalID, goalstore.GoalCompleted); err != nil {
			return false, err
		}
		l.Logger.Info("goal complete", "goal_id", l.GoalID)
		return true, nil
	}

	ready, err := l.Actions.ListReady(l.GoalID, goal.WorldStateJSON)
	if err != nil {
		return false, err
	}
	for _, a := range ready {
		if _, err := l.Dispatcher.Dispatch(a.ID); err != nil {
			l.Logger.Warn("dispatch failed, will retry next tick", "action_id", a.ID, "error", err)
		}
	}
	return false, nil
}

// reconcileRunning polls every Running action's work item: on completion
// it marks the action Completed and merges its effects into world
// state; on failure it marks the action Failed.
func (l *Loop) reconcileRunning(goal goalstore.Goal) error {
	actions, err := l.Actions.ListActions(l.GoalID)
	if err != nil {
		return err
	}

	world := goal.WorldStateJSON
	dirty := false
	for _, a := range actions {
		if a.Status != goalstore.ActionRunning || a.WorkItemID == "" {
			continue
		}

		item, err := l.Queue.Get(a.WorkItemID)
		if err != nil {
			continue
		}

		switch item.Status {
		case workqueue.Completed:
			if err := l.Actions.CompleteAction(a.ID, item.Result); err != nil {
				return err
			}
			assertions, err := effectsToAssertions(a.EffectsJSON)
			if err != nil {
				return err
			}
			merged, err := goap.MergeWorldState(world, assertions)
			if err != nil {
				return err
			}
			world = merged
			dirty = true
		case workqueue.Failed:
			if err := l.Actions.FailAction(a.ID, item.Error); err != nil {
				return err
			}
		}
	}

	if dirty {
		return l.Goals.UpdateWorldState(l.GoalID, world)
	}
	return nil
}

// effectsToAssertions turns an effects array ["k1", "k2"] into the
// {"k1": true, "k2": true} object goap.MergeWorldState expects.
func effectsToAssertions(effectsJSON []byte) ([]byte, error) {
	var keys []string
	if len(effectsJSON) > 0 {
		if err := json.Unmarshal(effectsJSON, &keys); err != nil {
			return nil, err
		}
	}
	assertions := make(map[string]bool, len(keys))
	for _, k := range keys {
		assertions[k] = true
	}
	return json.Marshal(assertions)
}
