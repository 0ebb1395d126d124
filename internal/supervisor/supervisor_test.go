package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/scaffold/internal/apperr"
	"github.com/antigravity-dev/scaffold/internal/dbstore"
	"github.com/antigravity-dev/scaffold/internal/goalstore"
)

func openTestManager(t *testing.T) (*Manager, *goalstore.GoalStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	h, err := dbstore.Open(path, goalstore.Schema)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	goals := goalstore.NewGoalStore(h)
	events := NewEventLog(h)
	// "sleep 10" stands in for the self-exe in tests that spawn a real
	// long-running process; tests that only manipulate PIDs directly
	// (not via SpawnSupervisor) don't need a working SelfExe at all.
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available in test environment")
	}
	return New(goals, events, sleepPath, 0), goals
}

// Scenario 6 (supervisor liveness): spawn a long-running child, stamp its
// PID into the goal; supervisor_alive returns true. Kill the child
// externally and reap; supervisor_alive returns false and clears the
// stored PID to 0.
func TestSupervisorLivenessScenario(t *testing.T) {
	mgr, goals := openTestManager(t)
	g, _ := goals.CreateGoal("g", "", nil, "")

	// SpawnSupervisor invokes SelfExe with "--supervisor --goal <id>
	// --yolo" as arguments, which `sleep` does not accept; start
	// `sleep 10` directly instead and stamp its PID into the goal.
	cmd := exec.Command(mgr.SelfExe, "10")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	t.Cleanup(func() { cmd.Process.Kill(); cmd.Wait() })

	if err := goals.SetSupervisor(g.ID, pid, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	alive, err := mgr.SupervisorAlive(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !alive {
		t.Fatal("expected supervisor_alive to report true for a running process")
	}

	cmd.Process.Kill()
	cmd.Wait()

	// cmd.Wait above has reaped the child (signal-0 on an unreaped
	// zombie child of this process would still succeed), so the probe
	// now fails.
	alive, err = mgr.SupervisorAlive(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if alive {
		t.Fatal("expected supervisor_alive to report false after the process died")
	}

	got, _ := goals.GetGoal(g.ID)
	if got.SupervisorPID != 0 {
		t.Errorf("expected supervisor pid cleared to 0, got %d", got.SupervisorPID)
	}
}

func TestKillSupervisorTwiceReturnsError(t *testing.T) {
	mgr, goals := openTestManager(t)
	g, _ := goals.CreateGoal("g", "", nil, "")

	cmd := exec.Command(mgr.SelfExe, "10")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	t.Cleanup(func() { cmd.Process.Kill(); cmd.Wait() })

	if err := goals.SetSupervisor(g.ID, pid, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	if err := goals.UpdateStatus(g.ID, goalstore.GoalActive); err != nil {
		t.Fatal(err)
	}

	if err := mgr.KillSupervisor(g.ID); err != nil {
		t.Fatalf("first kill: %v", err)
	}
	cmd.Wait()

	got, _ := goals.GetGoal(g.ID)
	if got.Status != goalstore.GoalPaused {
		t.Errorf("status after kill = %v, want Paused", got.Status)
	}
	if got.SupervisorPID != 0 {
		t.Errorf("pid after kill = %d, want 0", got.SupervisorPID)
	}

	err := mgr.KillSupervisor(g.ID)
	if err == nil {
		t.Fatal("expected second kill_supervisor to fail")
	}
	if apperr.KindOf(err) != apperr.PreconditionViolated {
		t.Errorf("kind = %v, want PreconditionViolated", apperr.KindOf(err))
	}
}

func TestCheckStaleClearsDeadPID(t *testing.T) {
	mgr, goals := openTestManager(t)
	g, _ := goals.CreateGoal("g", "", nil, "")

	// A PID essentially guaranteed not to belong to a live process: spawn
	// and immediately reap a short-lived child, then reuse its PID value.
	cmd := exec.Command(mgr.SelfExe, "0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadPID := cmd.Process.Pid
	cmd.Wait()

	if err := goals.SetSupervisor(g.ID, deadPID, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	if err := mgr.CheckStale(); err != nil {
		t.Fatal(err)
	}

	got, _ := goals.GetGoal(g.ID)
	if got.SupervisorPID != 0 {
		t.Errorf("expected dead pid cleared, got %d", got.SupervisorPID)
	}
}

func TestRespawnDeadSpawnsForActiveGoalsOnly(t *testing.T) {
	mgr, goals := openTestManager(t)
	active, _ := goals.CreateGoal("active", "", nil, "")
	planning, _ := goals.CreateGoal("planning", "", nil, "")

	if err := goals.UpdateStatus(active.ID, goalstore.GoalActive); err != nil {
		t.Fatal(err)
	}
	_ = planning // left in Planning; RespawnDead must not touch it

	if err := mgr.RespawnDead(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		got, _ := goals.GetGoal(active.ID)
		if got.SupervisorPID > 0 {
			syscallKillQuiet(got.SupervisorPID)
		}
	})

	got, err := goals.GetGoal(active.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SupervisorPID == 0 {
		t.Error("expected RespawnDead to spawn a supervisor for the Active goal")
	}

	gotPlanning, _ := goals.GetGoal(planning.ID)
	if gotPlanning.SupervisorPID != 0 {
		t.Error("RespawnDead must not spawn a supervisor for a Planning goal")
	}
}

func syscallKillQuiet(pid int) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	p.Kill()
}
