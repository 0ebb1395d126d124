// Package supervisor implements the per-goal supervisor lifecycle manager
// spec.md §4.F describes: spawning, probing, reaping, killing, and
// respawning the supervisor subprocess that drives one goal's control
// loop. Grounded in cortex's internal/dispatch.KillProcess/IsProcessAlive
// (PID bookkeeping) and internal/health/zombie.go (reap/liveness
// diagnostics and its health-event log), adapted from openclaw-agent
// dispatches to whole-goal supervisor subprocesses.
package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/antigravity-dev/scaffold/internal/apperr"
	"github.com/antigravity-dev/scaffold/internal/dbstore"
	"github.com/antigravity-dev/scaffold/internal/dispatch"
	"github.com/antigravity-dev/scaffold/internal/goalstore"
)

// EventLog is the durable operational history of supervisor lifecycle
// transitions, adapted from cortex's health_events/RecordHealthEvent
// table into the goal-scoped supervisor_events table spec.md §4.F implies
// but doesn't name a store for.
type EventLog struct {
	h *dbstore.Handle
}

// NewEventLog wraps a durable store handle.
func NewEventLog(h *dbstore.Handle) *EventLog {
	return &EventLog{h: h}
}

// Event is one row of recorded supervisor history.
type Event struct {
	ID        int64
	GoalID    string
	EventType string
	Details   string
	CreatedAt time.Time
}

// Record appends a supervisor lifecycle event.
func (e *EventLog) Record(goalID, eventType, details string) error {
	_, err := e.h.Exec(
		`INSERT INTO supervisor_events (goal_id, event_type, details, created_at) VALUES (?, ?, ?, ?)`,
		func() []any { return []any{goalID, eventType, details, time.Now().UnixMilli()} },
	)
	if err != nil {
		return fmt.Errorf("supervisor: record event: %w", err)
	}
	return nil
}

// Recent returns the most recent events for a goal, newest first, capped
// at limit.
func (e *EventLog) Recent(goalID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	events, err := dbstore.QueryList(e.h,
		`SELECT id, goal_id, event_type, details, created_at FROM supervisor_events WHERE goal_id = ? ORDER BY created_at DESC LIMIT ?`,
		func() []any { return []any{goalID, limit} },
		func(scan func(dest ...any) error) (Event, error) {
			var ev Event
			var createdAt int64
			err := scan(&ev.ID, &ev.GoalID, &ev.EventType, &ev.Details, &createdAt)
			ev.CreatedAt = time.UnixMilli(createdAt)
			return ev, err
		})
	if err != nil {
		return nil, fmt.Errorf("supervisor: recent events: %w", err)
	}
	return events, nil
}

// DefaultStalenessGrace is the window spec.md §4.F gives a live-but-
// unowned supervisor PID before check_stale treats it as orphaned from a
// previous run.
const DefaultStalenessGrace = time.Hour

// killGracePeriod is how long kill_supervisor waits after SIGTERM before
// escalating to SIGKILL — spec.md §4.F's "100 ms", deliberately far
// shorter than internal/dispatch.KillProcess's 5s worker-kill grace,
// since a supervisor is expected to exit promptly on SIGTERM.
const killGracePeriod = 100 * time.Millisecond

// Manager owns the supervisor process lifecycle for every goal sharing
// one goalstore. It tracks, in-process, the *exec.Cmd handles of
// supervisors this Manager instance itself spawned — the "descendant"
// set check_stale and reap_supervisors need, since only a process's
// actual parent can non-blocking-wait() it.
type Manager struct {
	Goals          *goalstore.GoalStore
	Events         *EventLog
	SelfExe        string
	StalenessGrace time.Duration

	mu      sync.Mutex
	owned   map[int]*exec.Cmd
}

// New builds a Manager. stalenessGrace <= 0 defaults to DefaultStalenessGrace.
func New(goals *goalstore.GoalStore, events *EventLog, selfExe string, stalenessGrace time.Duration) *Manager {
	if stalenessGrace <= 0 {
		stalenessGrace = DefaultStalenessGrace
	}
	return &Manager{
		Goals:          goals,
		Events:         events,
		SelfExe:        selfExe,
		StalenessGrace: stalenessGrace,
		owned:          make(map[int]*exec.Cmd),
	}
}

// SpawnSupervisor forks `<self_exe> --supervisor --goal <id> --yolo` and
// records its PID and start time on the goal.
func (m *Manager) SpawnSupervisor(goalID string) (int, error) {
	goal, err := m.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return 0, apperr.New(apperr.NotFound, "goal not found")
		}
		return 0, apperr.Wrap(apperr.StoreFailure, "load goal", err)
	}
	if goal.SupervisorPID > 0 && dispatch.IsProcessAlive(goal.SupervisorPID) {
		return 0, apperr.New(apperr.PreconditionViolated, "supervisor already running")
	}

	cmd := exec.Command(m.SelfExe, "--supervisor", "--goal", goalID, "--yolo")
	if err := cmd.Start(); err != nil {
		return 0, apperr.Wrap(apperr.SpawnFailure, "spawn supervisor", err)
	}
	pid := cmd.Process.Pid
	startedAt := time.Now()

	m.mu.Lock()
	m.owned[pid] = cmd
	m.mu.Unlock()

	if err := m.Goals.SetSupervisor(goalID, pid, startedAt.UnixMilli()); err != nil {
		dispatch.KillProcess(pid)
		m.mu.Lock()
		delete(m.owned, pid)
		m.mu.Unlock()
		return 0, apperr.Wrap(apperr.StoreFailure, "stamp supervisor pid", err)
	}

	m.Events.Record(goalID, "supervisor_spawned", fmt.Sprintf("pid=%d", pid))
	return pid, nil
}

// SupervisorAlive reports whether the goal's recorded supervisor PID
// answers a signal-0 probe. When the probe fails (ESRCH: the process is
// gone), it clears the stored PID before returning false.
func (m *Manager) SupervisorAlive(goalID string) (bool, error) {
	goal, err := m.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return false, apperr.New(apperr.NotFound, "goal not found")
		}
		return false, apperr.Wrap(apperr.StoreFailure, "load goal", err)
	}
	if goal.SupervisorPID <= 0 {
		return false, nil
	}
	if dispatch.IsProcessAlive(goal.SupervisorPID) {
		return true, nil
	}

	m.clearOwned(goal.SupervisorPID)
	if err := m.Goals.ClearSupervisor(goalID); err != nil {
		return false, apperr.Wrap(apperr.StoreFailure, "clear stale supervisor pid", err)
	}
	m.Events.Record(goalID, "supervisor_stale_cleared", fmt.Sprintf("pid=%d not alive", goal.SupervisorPID))
	return false, nil
}

// ReapSupervisors non-blocking-waits every Active goal's recorded
// supervisor PID that this Manager instance spawned (and therefore owns
// as an OS child), clearing the PID for any that have exited. PIDs this
// Manager did not spawn — e.g. after a daemon restart — are left alone
// here; CheckStale handles those via signal-0 probing.
func (m *Manager) ReapSupervisors() error {
	goals, err := m.Goals.ListGoalsWithSupervisor()
	if err != nil {
		return apperr.Wrap(apperr.StoreFailure, "list goals with supervisor", err)
	}

	for _, g := range goals {
		if g.Status != goalstore.GoalActive {
			continue
		}
		if !m.isOwned(g.SupervisorPID) {
			continue
		}

		var status syscall.WaitStatus
		wpid, err := syscall.Wait4(g.SupervisorPID, &status, syscall.WNOHANG, nil)
		if err != nil || wpid != g.SupervisorPID {
			continue
		}

		m.clearOwned(g.SupervisorPID)
		if err := m.Goals.ClearSupervisor(g.ID); err != nil {
			return apperr.Wrap(apperr.StoreFailure, "clear reaped supervisor pid", err)
		}
		m.Events.Record(g.ID, "supervisor_reaped", fmt.Sprintf("pid=%d exit_status=%v", g.SupervisorPID, status))
	}
	return nil
}

// CheckStale runs once at startup: for every goal with a recorded
// supervisor PID, clear it if the PID no longer answers signal-0, or if
// it's alive but its recorded start time predates StalenessGrace and
// this Manager instance did not spawn it (so it's orphaned from a
// previous daemon run, not a supervisor in normal operation).
func (m *Manager) CheckStale() error {
	goals, err := m.Goals.ListGoalsWithSupervisor()
	if err != nil {
		return apperr.Wrap(apperr.StoreFailure, "list goals with supervisor", err)
	}

	now := time.Now()
	for _, g := range goals {
		if !dispatch.IsProcessAlive(g.SupervisorPID) {
			if err := m.Goals.ClearSupervisor(g.ID); err != nil {
				return apperr.Wrap(apperr.StoreFailure, "clear dead supervisor pid", err)
			}
			m.Events.Record(g.ID, "supervisor_stale_cleared", fmt.Sprintf("pid=%d dead (ESRCH)", g.SupervisorPID))
			continue
		}

		age := now.Sub(time.UnixMilli(g.SupervisorStartedAt))
		if age > m.StalenessGrace && !m.isOwned(g.SupervisorPID) {
			if err := m.Goals.ClearSupervisor(g.ID); err != nil {
				return apperr.Wrap(apperr.StoreFailure, "clear orphaned supervisor pid", err)
			}
			m.Events.Record(g.ID, "supervisor_stale_cleared", fmt.Sprintf("pid=%d orphaned, age=%s", g.SupervisorPID, age))
		}
	}
	return nil
}

// KillSupervisor implements the bounded-time cancellation spec.md §4.F
// and §5 describe: SIGTERM, a 100ms grace period, then SIGKILL if still
// alive. The PID is cleared regardless of the final wait outcome and the
// goal transitions to Paused. Calling this twice in a row on a goal with
// no running supervisor returns a precondition-violated error.
func (m *Manager) KillSupervisor(goalID string) error {
	goal, err := m.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return apperr.New(apperr.NotFound, "goal not found")
		}
		return apperr.Wrap(apperr.StoreFailure, "load goal", err)
	}
	if goal.SupervisorPID <= 0 {
		return apperr.New(apperr.PreconditionViolated, "no supervisor running for this goal")
	}

	if err := m.TerminateIfRunning(goalID); err != nil {
		return err
	}
	if err := m.Goals.UpdateStatus(goalID, goalstore.GoalPaused); err != nil {
		return apperr.Wrap(apperr.StoreFailure, "set goal paused", err)
	}
	return nil
}

// TerminateIfRunning kills and clears a goal's supervisor PID, if any,
// without touching the goal's status — the shared primitive KillSupervisor
// (which transitions to Paused) and cancel_goal (which transitions to
// Failed) both build on. A goal with no recorded supervisor is a no-op.
func (m *Manager) TerminateIfRunning(goalID string) error {
	goal, err := m.Goals.GetGoal(goalID)
	if err != nil {
		if err == goalstore.ErrNotFound {
			return apperr.New(apperr.NotFound, "goal not found")
		}
		return apperr.Wrap(apperr.StoreFailure, "load goal", err)
	}
	if goal.SupervisorPID <= 0 {
		return nil
	}

	pid := goal.SupervisorPID
	if err := killWithGrace(pid); err != nil {
		return apperr.Wrap(apperr.StoreFailure, "kill supervisor", err)
	}

	m.clearOwned(pid)
	if err := m.Goals.ClearSupervisor(goalID); err != nil {
		return apperr.Wrap(apperr.StoreFailure, "clear killed supervisor pid", err)
	}
	m.Events.Record(goalID, "supervisor_killed", fmt.Sprintf("pid=%d", pid))
	return nil
}

// killWithGrace sends SIGTERM, waits killGracePeriod, then SIGKILL if the
// process is still alive. Unlike dispatch.KillProcess's worker-oriented
// 5-second grace, spec.md's supervisor kill cycle allows only 100ms
// before escalating.
func killWithGrace(pid int) error {
	if !dispatch.IsProcessAlive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("supervisor: sigterm pid %d: %w", pid, err)
	}

	time.Sleep(killGracePeriod)

	if dispatch.IsProcessAlive(pid) {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("supervisor: sigkill pid %d: %w", pid, err)
		}
	}
	return nil
}

// RespawnDead invokes SpawnSupervisor for every Active goal whose
// supervisor_pid is 0 — orphaned goals left without a control loop after
// a crash.
func (m *Manager) RespawnDead() error {
	goals, err := m.Goals.ListActiveGoalsWithoutSupervisor()
	if err != nil {
		return apperr.Wrap(apperr.StoreFailure, "list active goals without supervisor", err)
	}
	for _, g := range goals {
		if _, err := m.SpawnSupervisor(g.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) isOwned(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owned[pid]
	return ok
}

func (m *Manager) clearOwned(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owned, pid)
}
