package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/optstream/gateway/internal/persistence"
)

// orderTasksRepo implements OrderTasksRepo for PostgreSQL.
type orderTasksRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOrderTasksRepo creates the PostgreSQL order task repository.
func NewOrderTasksRepo(db *sqlx.DB, timeout time.Duration) persistence.OrderTasksRepo {
	return &orderTasksRepo{db: db, timeout: timeout}
}

const taskCols = `task_id, idempotency_key, operation, params, account_id, status,
	attempts, max_attempts, next_attempt_at, last_error, result, row_version,
	created_at, updated_at`

// Upsert inserts the task unless its idempotency key already exists. The
// unique constraint is the dedupe mechanism: a conflicting insert falls
// through to a read of the existing row.
func (r *orderTasksRepo) Upsert(ctx context.Context, task persistence.OrderTask) (persistence.OrderTask, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO order_tasks
			(task_id, idempotency_key, operation, params, account_id, status,
			 attempts, max_attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + taskCols

	var out persistence.OrderTask
	err := r.db.QueryRowxContext(ctx, query,
		task.TaskID, task.IdempotencyKey, task.Operation, task.Params,
		task.AccountID, task.Status, task.Attempts, task.MaxAttempts, task.NextAttemptAt).
		StructScan(&out)
	if err == nil {
		return out, true, nil
	}

	if pqErr, ok := err.(*pq.Error); !ok || pqErr.Code != "23505" {
		return out, false, fmt.Errorf("failed to insert order task: %w", err)
	}

	existing, err := r.GetByKey(ctx, task.IdempotencyKey)
	if err != nil {
		return out, false, err
	}
	if existing == nil {
		return out, false, fmt.Errorf("order task vanished after conflict on key %s", task.IdempotencyKey)
	}
	return *existing, false, nil
}

// Get returns the task by id, nil when absent.
func (r *orderTasksRepo) Get(ctx context.Context, taskID string) (*persistence.OrderTask, error) {
	return r.getOne(ctx, `SELECT `+taskCols+` FROM order_tasks WHERE task_id = $1`, taskID)
}

// GetByKey returns the task by idempotency key, nil when absent.
func (r *orderTasksRepo) GetByKey(ctx context.Context, key string) (*persistence.OrderTask, error) {
	return r.getOne(ctx, `SELECT `+taskCols+` FROM order_tasks WHERE idempotency_key = $1`, key)
}

func (r *orderTasksRepo) getOne(ctx context.Context, query string, arg interface{}) (*persistence.OrderTask, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var task persistence.OrderTask
	err := r.db.QueryRowxContext(ctx, query, arg).StructScan(&task)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order task: %w", err)
	}
	return &task, nil
}

// Due returns claimable rows whose attempt time has arrived, oldest first.
func (r *orderTasksRepo) Due(ctx context.Context, now time.Time, limit int) ([]persistence.OrderTask, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+taskCols+`
		FROM order_tasks
		WHERE status IN ('pending','retrying') AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due order tasks: %w", err)
	}
	defer rows.Close()

	var tasks []persistence.OrderTask
	for rows.Next() {
		var task persistence.OrderTask
		if err := rows.StructScan(&task); err != nil {
			return nil, fmt.Errorf("failed to scan order task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order tasks: %w", err)
	}
	return tasks, nil
}

// Claim atomically moves the row to running. The row_version compare-and-
// swap guarantees at most one concurrent execution per row.
func (r *orderTasksRepo) Claim(ctx context.Context, taskID string, rowVersion int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE order_tasks
		SET status = 'running', row_version = row_version + 1, updated_at = now()
		WHERE task_id = $1 AND row_version = $2 AND status IN ('pending','retrying')`,
		taskID, rowVersion)
	if err != nil {
		return false, fmt.Errorf("failed to claim order task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

// Transition persists the outcome of a claimed execution.
func (r *orderTasksRepo) Transition(ctx context.Context, task persistence.OrderTask) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE order_tasks
		SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5,
		    result = $6, row_version = row_version + 1, updated_at = now()
		WHERE task_id = $1`,
		task.TaskID, task.Status, task.Attempts, task.NextAttemptAt,
		task.LastError, task.Result)
	if err != nil {
		return fmt.Errorf("failed to transition order task: %w", err)
	}
	return nil
}

// RecoverRunning demotes every running row to retrying with a grace delay.
func (r *orderTasksRepo) RecoverRunning(ctx context.Context, grace time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE order_tasks
		SET status = 'retrying', next_attempt_at = now() + $1::interval,
		    row_version = row_version + 1, updated_at = now()
		WHERE status = 'running'`,
		fmt.Sprintf("%d seconds", int(grace.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to recover running tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read recovery count: %w", err)
	}
	return int(n), nil
}
