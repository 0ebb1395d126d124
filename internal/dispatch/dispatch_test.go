package dispatch

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/antigravity-dev/scaffold/internal/apperr"
	"github.com/antigravity-dev/scaffold/internal/dbstore"
	"github.com/antigravity-dev/scaffold/internal/goalstore"
	"github.com/antigravity-dev/scaffold/internal/workqueue"
)

// fakeBackend stands in for a real worker-process launcher so dispatch
// tests exercise the store/queue bookkeeping without forking anything.
type fakeBackend struct {
	mu       sync.Mutex
	nextPID  int
	spawned  []string // promptFile per Spawn call
	failNext bool
}

func (b *fakeBackend) Spawn(queueName, promptFile string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return 0, apperr.New(apperr.SpawnFailure, "forced failure")
	}
	b.nextPID++
	b.spawned = append(b.spawned, promptFile)
	return b.nextPID, nil
}

func (b *fakeBackend) IsAlive(handle int) bool { return true }
func (b *fakeBackend) Kill(handle int) error   { return nil }
func (b *fakeBackend) Name() string            { return "fake" }

func openTestDispatcher(t *testing.T, maxWorkers int) (*Dispatcher, *goalstore.GoalStore, *goalstore.ActionStore, *fakeBackend) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	h, err := dbstore.Open(path, goalstore.Schema)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	goals := goalstore.NewGoalStore(h)
	actions := goalstore.NewActionStore(h)
	queue := workqueue.New(h)
	backend := &fakeBackend{}
	d := New(goals, actions, queue, backend, t.TempDir(), maxWorkers)
	return d, goals, actions, backend
}

func TestDispatchTransitionsActionToRunning(t *testing.T) {
	d, goals, actions, _ := openTestDispatcher(t, 3)
	g, _ := goals.CreateGoal("g", "goal desc", []byte(`{"done": true}`), "")
	a, err := actions.CreateAction(goalstore.CreateActionParams{GoalID: g.ID, Description: "do work"})
	if err != nil {
		t.Fatal(err)
	}

	result, err := d.Dispatch(a.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.WorkItemID == "" {
		t.Fatal("expected a work item id")
	}

	got, err := actions.GetAction(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != goalstore.ActionRunning {
		t.Errorf("status = %v, want Running", got.Status)
	}
	if got.WorkItemID != result.WorkItemID {
		t.Errorf("work_item_id = %q, want %q", got.WorkItemID, result.WorkItemID)
	}
}

func TestDispatchRejectsCompound(t *testing.T) {
	d, goals, actions, _ := openTestDispatcher(t, 3)
	g, _ := goals.CreateGoal("g", "", nil, "")
	a, _ := actions.CreateAction(goalstore.CreateActionParams{GoalID: g.ID, Description: "phase", IsCompound: true})

	_, err := d.Dispatch(a.ID)
	if apperr.KindOf(err) != apperr.PreconditionViolated {
		t.Fatalf("kind = %v, want PreconditionViolated", apperr.KindOf(err))
	}
}

func TestDispatchRejectsNonPending(t *testing.T) {
	d, goals, actions, _ := openTestDispatcher(t, 3)
	g, _ := goals.CreateGoal("g", "", nil, "")
	a, _ := actions.CreateAction(goalstore.CreateActionParams{GoalID: g.ID, Description: "task"})
	if err := actions.SetRunning(a.ID, "some-item"); err != nil {
		t.Fatal(err)
	}

	_, err := d.Dispatch(a.ID)
	if apperr.KindOf(err) != apperr.PreconditionViolated {
		t.Fatalf("kind = %v, want PreconditionViolated", apperr.KindOf(err))
	}
}

func TestDispatchCapacityReached(t *testing.T) {
	d, goals, actions, _ := openTestDispatcher(t, 2)
	g, _ := goals.CreateGoal("g", "", nil, "")

	var ids []string
	for i := 0; i < 3; i++ {
		a, err := actions.CreateAction(goalstore.CreateActionParams{GoalID: g.ID, Description: "task"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
	}

	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(ids[i]); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	_, err := d.Dispatch(ids[2])
	if apperr.KindOf(err) != apperr.CapacityReached {
		t.Fatalf("kind = %v, want CapacityReached", apperr.KindOf(err))
	}

	got, err := actions.GetAction(ids[2])
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != goalstore.ActionPending {
		t.Errorf("third action status = %v, want still Pending after capacity rejection", got.Status)
	}
}

func TestDispatchSpawnFailureRollsBackWorkItem(t *testing.T) {
	d, goals, actions, backend := openTestDispatcher(t, 3)
	g, _ := goals.CreateGoal("g", "", nil, "")
	a, _ := actions.CreateAction(goalstore.CreateActionParams{GoalID: g.ID, Description: "task"})

	backend.failNext = true
	_, err := d.Dispatch(a.ID)
	if apperr.KindOf(err) != apperr.SpawnFailure {
		t.Fatalf("kind = %v, want SpawnFailure", apperr.KindOf(err))
	}

	got, err := actions.GetAction(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != goalstore.ActionPending {
		t.Errorf("status after spawn failure = %v, want Pending", got.Status)
	}

	n, err := d.Queue.PendingCount(g.QueueName)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected the enqueued work item to be rolled back, pending count = %d", n)
	}
}

func TestPrerequisiteResultsIncludesIntersectingEffects(t *testing.T) {
	d, goals, actions, _ := openTestDispatcher(t, 3)
	g, _ := goals.CreateGoal("g", "", nil, "")

	upstream, _ := actions.CreateAction(goalstore.CreateActionParams{
		GoalID: g.ID, Description: "build backend", EffectsJSON: []byte(`["backend_built"]`),
	})
	if err := actions.CompleteAction(upstream.ID, "backend is up"); err != nil {
		t.Fatal(err)
	}

	unrelated, _ := actions.CreateAction(goalstore.CreateActionParams{
		GoalID: g.ID, Description: "unrelated", EffectsJSON: []byte(`["something_else"]`),
	})
	if err := actions.CompleteAction(unrelated.ID, "unrelated result"); err != nil {
		t.Fatal(err)
	}

	downstream, _ := actions.CreateAction(goalstore.CreateActionParams{
		GoalID: g.ID, Description: "run tests", PreconditionsJSON: []byte(`["backend_built"]`),
	})

	result, err := d.Dispatch(downstream.ID)
	if err != nil {
		t.Fatal(err)
	}
	item, err := d.Queue.Get(result.WorkItemID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(item.ContextJSON), "backend is up") {
		t.Errorf("expected prerequisite_results to include the upstream action's result, got %s", item.ContextJSON)
	}
	if strings.Contains(string(item.ContextJSON), "unrelated result") {
		t.Error("unrelated action's result should not appear in prerequisite_results")
	}
}

func TestTruncateResultAddsMarker(t *testing.T) {
	long := strings.Repeat("x", maxResultBytes+500)
	got := TruncateResult(long)
	if len(got) != maxResultBytes+len(truncationMarker) {
		t.Fatalf("truncated length = %d", len(got))
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Error("expected truncation marker suffix")
	}

	short := "fits fine"
	if TruncateResult(short) != short {
		t.Error("short result should be returned unchanged")
	}
}
