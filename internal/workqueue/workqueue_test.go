package workqueue

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/antigravity-dev/scaffold/internal/dbstore"
	"github.com/antigravity-dev/scaffold/internal/goalstore"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	h, err := dbstore.Open(path, goalstore.Schema)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return New(h)
}

func TestEnqueueDefaultsMaxAttempts(t *testing.T) {
	q := openTestQueue(t)

	id, err := q.Enqueue("q1", "do thing", []byte(`{"a":1}`), 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := q.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", item.MaxAttempts)
	}
	if item.Status != Pending {
		t.Errorf("status = %v, want Pending", item.Status)
	}
}

func TestClaimFIFOOrder(t *testing.T) {
	q := openTestQueue(t)

	var ids []string
	for _, desc := range []string{"first", "second", "third"} {
		id, err := q.Enqueue("q1", desc, nil, 3)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	// Items enqueued within the same millisecond share created_at, and
	// Claim breaks that tie by id, so the expected order is (created_at, id).
	created := map[string]int64{}
	for _, id := range ids {
		item, err := q.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		created[id] = item.CreatedAt.UnixMilli()
	}
	sort.Slice(ids, func(i, j int) bool {
		if created[ids[i]] != created[ids[j]] {
			return created[ids[i]] < created[ids[j]]
		}
		return ids[i] < ids[j]
	})

	for i, want := range ids {
		item, ok, err := q.Claim("q1", "worker-1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("claim %d: expected an item", i)
		}
		if item.ID != want {
			t.Errorf("claim %d: got %s, want %s (FIFO order violated)", i, item.ID, want)
		}
		if item.Status != Assigned || item.AssignedTo != "worker-1" {
			t.Errorf("claimed item not marked Assigned to worker-1: %+v", item)
		}
	}

	_, ok, err := q.Claim("q1", "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no more items to claim")
	}
}

func TestClaimAtMostOnce(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue("q1", "solo task", nil, 3)
	if err != nil {
		t.Fatal(err)
	}

	first, ok, err := q.Claim("q1", "worker-a")
	if err != nil || !ok || first.ID != id {
		t.Fatalf("first claim failed: ok=%v err=%v", ok, err)
	}

	_, ok, err = q.Claim("q1", "worker-b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("a second worker should not observe an already-claimed item")
	}
}

func TestFailRequeuesUntilMaxAttempts(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue("q1", "flaky", nil, 2)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := q.Claim("q1", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(id, "boom"); err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	item, err := q.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != Pending || item.AttemptCount != 1 {
		t.Errorf("after first failure: %+v, want Pending attempt_count=1", item)
	}

	if _, _, err := q.Claim("q1", "w2"); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(id, "boom again"); err != nil {
		t.Fatalf("fail 2: %v", err)
	}
	item, err = q.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != Failed || item.AttemptCount != 2 {
		t.Errorf("after exhausting attempts: %+v, want Failed attempt_count=2", item)
	}
	if item.Error != "boom again" {
		t.Errorf("error = %q, want last failure message retained", item.Error)
	}
}

func TestCompleteRecordsResult(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue("q1", "task", nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.Claim("q1", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(id, "all done"); err != nil {
		t.Fatal(err)
	}
	item, err := q.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != Completed || item.Result != "all done" {
		t.Errorf("got %+v", item)
	}
}

func TestRemoveDeletesItem(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue("q1", "task", nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(id); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Get(id); err != ErrNotFound {
		t.Errorf("Get after Remove = %v, want ErrNotFound", err)
	}
}

func TestPendingCountIsolatedPerQueue(t *testing.T) {
	q := openTestQueue(t)
	if _, err := q.Enqueue("goal-a", "t1", nil, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("goal-a", "t2", nil, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("goal-b", "t3", nil, 3); err != nil {
		t.Fatal(err)
	}

	n, err := q.PendingCount("goal-a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("goal-a pending = %d, want 2", n)
	}
	n, err = q.PendingCount("goal-b")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("goal-b pending = %d, want 1", n)
	}
}

func TestCaptureOutputTailTruncates(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue("q1", "task", nil, 3)
	if err != nil {
		t.Fatal(err)
	}

	var lines []string
	for i := 0; i < 150; i++ {
		lines = append(lines, "line")
	}
	full := strings.Join(lines, "\n")
	if err := q.CaptureOutput(id, full); err != nil {
		t.Fatal(err)
	}

	tail, err := q.GetOutputTail(id)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(tail, "\n") + 1; got != 100 {
		t.Errorf("tail line count = %d, want 100", got)
	}

	out, err := q.GetOutput(id)
	if err != nil {
		t.Fatal(err)
	}
	if out != full {
		t.Error("GetOutput should return the untruncated blob")
	}
}
