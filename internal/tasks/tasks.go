// Package tasks orders field work. Every task carries a small base
// priority and a domain tag; a fixed per-domain boost guarantees that
// clinical work always outranks logistics work no matter what base
// priorities operators assign.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/store"
)

// Task domains.
const (
	DomainClinical  = "CLINICAL"
	DomainLogistics = "LOGISTICS"
)

// MaxBasePriority caps operator-assigned priorities. Any domain boost
// gap larger than this is strictly dominant, which is the property
// the defaults are chosen for.
const MaxBasePriority = 99

// DefaultBoosts is the standard domain weighting.
var DefaultBoosts = map[string]int{
	DomainClinical:  100,
	DomainLogistics: 0,
}

// Task is one unit of field work.
type Task struct {
	TaskID       string    `json:"task_id"`
	Title        string    `json:"title"`
	Domain       string    `json:"domain"`
	BasePriority int       `json:"base_priority"`
	Assignee     string    `json:"assignee,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Done         bool      `json:"done"`
}

// Store is the task table plus the boost policy.
type Store struct {
	db     *store.DB
	boosts map[string]int
}

// New returns a task store. A nil boosts map selects the defaults.
func New(db *store.DB, boosts map[string]int) *Store {
	if boosts == nil {
		boosts = DefaultBoosts
	}
	return &Store{db: db, boosts: boosts}
}

// Effective returns the task's effective ordering weight.
func (s *Store) Effective(t Task) int {
	return s.boosts[t.Domain] + t.BasePriority
}

// Create inserts a new open task.
func (s *Store) Create(ctx context.Context, title, domain string, basePriority int, assignee string) (*Task, error) {
	var t *Task
	err := s.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		var err error
		t, err = s.CreateTx(ctx, tx, title, domain, basePriority, assignee)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTx is Create inside a caller-owned transaction, for tasks
// spawned as packet effects.
func (s *Store) CreateTx(ctx context.Context, tx store.DBTX, title, domain string, basePriority int, assignee string) (*Task, error) {
	if _, ok := s.boosts[domain]; !ok {
		return nil, fmt.Errorf("tasks: %w: unknown domain %q", apperr.ErrInvalidSchema, domain)
	}
	if basePriority < 0 || basePriority > MaxBasePriority {
		return nil, fmt.Errorf("tasks: %w: base priority %d out of range 0..%d",
			apperr.ErrInvalidSchema, basePriority, MaxBasePriority)
	}
	t := &Task{
		TaskID:       uuid.NewString(),
		Title:        title,
		Domain:       domain,
		BasePriority: basePriority,
		Assignee:     assignee,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, title, domain, base_priority, assignee, created_at, done)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		t.TaskID, t.Title, t.Domain, t.BasePriority, t.Assignee, t.CreatedAt); err != nil {
		return nil, fmt.Errorf("tasks: create: %w", err)
	}
	return t, nil
}

// Reassign changes a task's assignee and nothing else: priority and
// creation time survive re-routing, so a reassigned task keeps its
// place in line.
func (s *Store) Reassign(ctx context.Context, taskID, assignee string) error {
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE tasks SET assignee = ? WHERE task_id = ?`, assignee, taskID)
	if err != nil {
		return fmt.Errorf("tasks: reassign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tasks: reassign rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("tasks: task %s: %w", taskID, apperr.ErrNotFound)
	}
	return nil
}

// Complete marks a task done.
func (s *Store) Complete(ctx context.Context, taskID string) error {
	return s.CompleteTx(ctx, s.db.Conn(), taskID)
}

// CompleteTx marks a task done inside the caller's transaction.
func (s *Store) CompleteTx(ctx context.Context, tx store.DBTX, taskID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET done = 1 WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("tasks: complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tasks: complete rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("tasks: task %s: %w", taskID, apperr.ErrNotFound)
	}
	return nil
}

// Ordered lists open tasks in working order: effective priority
// descending, then creation time ascending (FIFO within equal
// priority), then id for a stable final tie-break.
func (s *Store) Ordered(ctx context.Context) ([]Task, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT task_id, title, domain, base_priority, assignee, created_at, done
		FROM tasks WHERE done = 0`)
	if err != nil {
		return nil, fmt.Errorf("tasks: list: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t    Task
			done int
		)
		if err := rows.Scan(&t.TaskID, &t.Title, &t.Domain, &t.BasePriority, &t.Assignee, &t.CreatedAt, &done); err != nil {
			return nil, fmt.Errorf("tasks: scan task: %w", err)
		}
		t.Done = done != 0
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks: iterate tasks: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := s.Effective(out[i]), s.Effective(out[j])
		if ei != ej {
			return ei > ej
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

// Get loads one task by id.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	var (
		t    Task
		done int
	)
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT task_id, title, domain, base_priority, assignee, created_at, done
		FROM tasks WHERE task_id = ?`, taskID).
		Scan(&t.TaskID, &t.Title, &t.Domain, &t.BasePriority, &t.Assignee, &t.CreatedAt, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tasks: task %s: %w", taskID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: get: %w", err)
	}
	t.Done = done != 0
	return &t, nil
}
