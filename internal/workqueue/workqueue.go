// Package workqueue implements the persistent FIFO of claimable work items
// described in spec.md §4.D, built the same way cortex's
// internal/graph.DAG builds its "ready nodes" query: a single SQL
// statement doing the selection, wrapped by Go methods that add
// validation and defaults.
package workqueue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/scaffold/internal/dbstore"
)

// ErrNotFound is returned when a work item id does not exist.
var ErrNotFound = errors.New("workqueue: not found")

// Status is one of the four lifecycle states a WorkItem can be in.
type Status int

const (
	Pending Status = iota
	Assigned
	Completed
	Failed
)

// WorkItem is a claimable task in a named queue.
type WorkItem struct {
	ID              string
	QueueName       string
	TaskDescription string
	ContextJSON     []byte
	AssignedTo      string
	Status          Status
	AttemptCount    int
	MaxAttempts     int
	CreatedAt       time.Time
	AssignedAt      time.Time
	CompletedAt     time.Time
	Result          string
	Error           string
}

// Queue wraps a durable store handle with FIFO semantics over work_items.
type Queue struct {
	h *dbstore.Handle
}

// New wraps a durable store handle.
func New(h *dbstore.Handle) *Queue {
	return &Queue{h: h}
}

const workItemCols = `id, queue_name, task_description, context, assigned_to, status, attempt_count, max_attempts, created_at, assigned_at, completed_at, result, error`

func scanWorkItem(scan func(dest ...any) error) (WorkItem, error) {
	var w WorkItem
	var statusInt int
	var createdAt, assignedAt, completedAt int64
	var ctx string
	err := scan(&w.ID, &w.QueueName, &w.TaskDescription, &ctx, &w.AssignedTo, &statusInt,
		&w.AttemptCount, &w.MaxAttempts, &createdAt, &assignedAt, &completedAt, &w.Result, &w.Error)
	if err != nil {
		return WorkItem{}, err
	}
	w.ContextJSON = []byte(ctx)
	w.Status = Status(statusInt)
	w.CreatedAt = time.UnixMilli(createdAt)
	if assignedAt > 0 {
		w.AssignedAt = time.UnixMilli(assignedAt)
	}
	if completedAt > 0 {
		w.CompletedAt = time.UnixMilli(completedAt)
	}
	return w, nil
}

// Enqueue inserts a new Pending work item with attempt_count=0. A
// maxAttempts of 0 or less defaults to 3.
func (q *Queue) Enqueue(queueName, taskDescription string, contextJSON []byte, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if len(contextJSON) == 0 {
		contextJSON = []byte("{}")
	}
	id := uuid.NewString()
	now := time.Now().UnixMilli()

	_, err := q.h.Exec(
		`INSERT INTO work_items (id, queue_name, task_description, context, assigned_to, status, attempt_count, max_attempts, created_at, assigned_at, completed_at, result, error)
		 VALUES (?, ?, ?, ?, '', ?, 0, ?, ?, 0, 0, '', '')`,
		func() []any { return []any{id, queueName, taskDescription, string(contextJSON), int(Pending), maxAttempts, now} },
	)
	if err != nil {
		return "", fmt.Errorf("workqueue: enqueue: %w", err)
	}
	return id, nil
}

// Claim transitionally selects the oldest Pending item for the queue and
// marks it Assigned to workerID, in a single transaction — so at most one
// worker ever observes a given item. Ties broken by created_at, then id
// lexicographic. Returns (zero, false, nil) when the queue has no Pending
// item.
func (q *Queue) Claim(queueName, workerID string) (WorkItem, bool, error) {
	tx, err := q.h.Begin()
	if err != nil {
		return WorkItem{}, false, fmt.Errorf("workqueue: claim begin: %w", err)
	}

	item, ok, err := dbstore.QueryOneTx(tx,
		`SELECT `+workItemCols+` FROM work_items WHERE queue_name = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		func() []any { return []any{queueName, int(Pending)} }, scanWorkItem)
	if err != nil {
		tx.Rollback(q.h)
		return WorkItem{}, false, fmt.Errorf("workqueue: claim select: %w", err)
	}
	if !ok {
		if err := tx.Rollback(q.h); err != nil {
			return WorkItem{}, false, err
		}
		return WorkItem{}, false, nil
	}

	now := time.Now()
	if _, err := tx.Exec(`UPDATE work_items SET status = ?, assigned_to = ?, assigned_at = ? WHERE id = ? AND status = ?`,
		func() []any { return []any{int(Assigned), workerID, now.UnixMilli(), item.ID, int(Pending)} }); err != nil {
		tx.Rollback(q.h)
		return WorkItem{}, false, fmt.Errorf("workqueue: claim update: %w", err)
	}

	if err := tx.Commit(q.h); err != nil {
		return WorkItem{}, false, fmt.Errorf("workqueue: claim commit: %w", err)
	}

	item.Status = Assigned
	item.AssignedTo = workerID
	item.AssignedAt = now
	return item, true, nil
}

// Complete transitions an Assigned item to Completed and records result.
func (q *Queue) Complete(itemID, result string) error {
	n, err := q.h.Exec(`UPDATE work_items SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
		func() []any { return []any{int(Completed), result, time.Now().UnixMilli(), itemID} })
	if err != nil {
		return fmt.Errorf("workqueue: complete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records a failure. If attempt_count+1 is still under max_attempts,
// the item returns to Pending for another claim; otherwise it is marked
// Failed and the error is recorded.
func (q *Queue) Fail(itemID, errText string) error {
	item, ok, err := dbstore.QueryOne(q.h, `SELECT `+workItemCols+` FROM work_items WHERE id = ?`,
		func() []any { return []any{itemID} }, scanWorkItem)
	if err != nil {
		return fmt.Errorf("workqueue: fail lookup: %w", err)
	}
	if !ok {
		return ErrNotFound
	}

	nextAttempt := item.AttemptCount + 1
	now := time.Now().UnixMilli()
	if nextAttempt < item.MaxAttempts {
		_, err := q.h.Exec(`UPDATE work_items SET status = ?, attempt_count = ?, assigned_to = '', error = ? WHERE id = ?`,
			func() []any { return []any{int(Pending), nextAttempt, errText, itemID} })
		if err != nil {
			return fmt.Errorf("workqueue: requeue: %w", err)
		}
		return nil
	}

	_, err = q.h.Exec(`UPDATE work_items SET status = ?, attempt_count = ?, error = ?, completed_at = ? WHERE id = ?`,
		func() []any { return []any{int(Failed), nextAttempt, errText, now, itemID} })
	if err != nil {
		return fmt.Errorf("workqueue: fail: %w", err)
	}
	return nil
}

// Remove deletes a work item outright — the cleanup path on dispatch
// failure, when the dispatcher must undo an enqueue it can no longer
// honor (e.g. the worker process failed to spawn).
func (q *Queue) Remove(itemID string) error {
	_, err := q.h.Exec(`DELETE FROM work_items WHERE id = ?`, func() []any { return []any{itemID} })
	if err != nil {
		return fmt.Errorf("workqueue: remove: %w", err)
	}
	return nil
}

// Get loads a work item by id.
func (q *Queue) Get(itemID string) (WorkItem, error) {
	item, ok, err := dbstore.QueryOne(q.h, `SELECT `+workItemCols+` FROM work_items WHERE id = ?`,
		func() []any { return []any{itemID} }, scanWorkItem)
	if err != nil {
		return WorkItem{}, fmt.Errorf("workqueue: get: %w", err)
	}
	if !ok {
		return WorkItem{}, ErrNotFound
	}
	return item, nil
}

// PendingCount reports the number of Pending items in a queue.
func (q *Queue) PendingCount(queueName string) (int, error) {
	n, ok, err := dbstore.QueryOne(q.h, `SELECT COUNT(*) FROM work_items WHERE queue_name = ? AND status = ?`,
		func() []any { return []any{queueName, int(Pending)} },
		func(scan func(dest ...any) error) (int, error) {
			var c int
			err := scan(&c)
			return c, err
		})
	if err != nil {
		return 0, fmt.Errorf("workqueue: pending count: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return n, nil
}

// CaptureOutput stores a worker's captured stdout/stderr for a work item,
// trimmed to a tail the way cortex's store.CaptureOutput trims dispatch
// output, adapted here to the last 100 lines.
func (q *Queue) CaptureOutput(itemID, output string) error {
	tail := tailLines(output, 100)
	_, err := q.h.Exec(`UPDATE work_items SET output = ?, output_tail = ? WHERE id = ?`,
		func() []any { return []any{output, tail, itemID} })
	if err != nil {
		return fmt.Errorf("workqueue: capture output: %w", err)
	}
	return nil
}

// GetOutput returns the full captured output for a work item.
func (q *Queue) GetOutput(itemID string) (string, error) {
	out, ok, err := dbstore.QueryOne(q.h, `SELECT output FROM work_items WHERE id = ?`,
		func() []any { return []any{itemID} },
		func(scan func(dest ...any) error) (string, error) {
			var s string
			err := scan(&s)
			return s, err
		})
	if err != nil {
		return "", fmt.Errorf("workqueue: get output: %w", err)
	}
	if !ok {
		return "", ErrNotFound
	}
	return out, nil
}

// GetOutputTail returns the pre-truncated tail (last 100 lines) stored by
// CaptureOutput, a cheaper read than the full blob.
func (q *Queue) GetOutputTail(itemID string) (string, error) {
	tail, ok, err := dbstore.QueryOne(q.h, `SELECT output_tail FROM work_items WHERE id = ?`,
		func() []any { return []any{itemID} },
		func(scan func(dest ...any) error) (string, error) {
			var s string
			err := scan(&s)
			return s, err
		})
	if err != nil {
		return "", fmt.Errorf("workqueue: get output tail: %w", err)
	}
	if !ok {
		return "", ErrNotFound
	}
	return tail, nil
}

func tailLines(text string, n int) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
