package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return sqlx.NewDb(db, "sqlmock"), mock
}

func subscriptionRows(tokens ...broker.Token) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"token", "tradingsymbol", "segment", "mode", "status",
		"account_id", "created_at", "updated_at",
	})
	for _, tk := range tokens {
		rows.AddRow(int64(tk), "NIFTY", "INDICES", "full", "active", nil, time.Now(), time.Now())
	}
	return rows
}

func taskRows(taskIDs ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"task_id", "idempotency_key", "operation", "params", "account_id",
		"status", "attempts", "max_attempts", "next_attempt_at",
		"last_error", "result", "row_version", "created_at", "updated_at",
	})
	for _, id := range taskIDs {
		rows.AddRow(id, "key-"+id, "place", []byte(`{}`), "acct1",
			"pending", 0, 3, time.Now(), nil, nil, int64(1), time.Now(), time.Now())
	}
	return rows
}

func TestSubscriptionsUpsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSubscriptionsRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO subscriptions")).
		WithArgs(int64(256265), "NIFTY", "INDICES", "full", "active", nil).
		WillReturnRows(subscriptionRows(256265))

	out, err := repo.Upsert(context.Background(), persistence.Subscription{
		Token:         256265,
		TradingSymbol: "NIFTY",
		Segment:       "INDICES",
		Mode:          broker.ModeFull,
		Status:        persistence.SubscriptionActive,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.Token(256265), out.Token)
	assert.Equal(t, persistence.SubscriptionActive, out.Status)
}

func TestSubscriptionsGetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSubscriptionsRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT token")).
		WithArgs(int64(99)).
		WillReturnRows(subscriptionRows())

	sub, err := repo.Get(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestSubscriptionsListWithFilter(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSubscriptionsRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM subscriptions")).
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY token LIMIT")).
		WithArgs("active", 100, 0).
		WillReturnRows(subscriptionRows(1, 2))

	subs, total, err := repo.List(context.Background(), persistence.SubscriptionFilter{
		Status: persistence.SubscriptionActive,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, subs, 2)
}

func TestSubscriptionsDeactivate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSubscriptionsRepo(db, time.Second)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'inactive', account_id = NULL")).
		WithArgs(int64(256265)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Deactivate(context.Background(), 256265))
}

func TestSubscriptionsSetAccount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSubscriptionsRepo(db, time.Second)

	acct := "acct1"
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subscriptions SET account_id = $2")).
		WithArgs(int64(256265), &acct).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SetAccount(context.Background(), 256265, &acct))
}

func TestOrderTasksUpsertInserts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderTasksRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO order_tasks")).
		WillReturnRows(taskRows("task-1"))

	out, created, err := repo.Upsert(context.Background(), persistence.OrderTask{
		TaskID:         "task-1",
		IdempotencyKey: "key-task-1",
		Operation:      "place",
		Params:         []byte(`{}`),
		AccountID:      "acct1",
		Status:         persistence.TaskPending,
		MaxAttempts:    3,
		NextAttemptAt:  time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "task-1", out.TaskID)
}

func TestOrderTasksUpsertConflictReturnsExisting(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderTasksRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO order_tasks")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(regexp.QuoteMeta("WHERE idempotency_key = $1")).
		WithArgs("key-task-1").
		WillReturnRows(taskRows("task-1"))

	out, created, err := repo.Upsert(context.Background(), persistence.OrderTask{
		TaskID:         "task-2",
		IdempotencyKey: "key-task-1",
		Operation:      "place",
		Params:         []byte(`{}`),
		AccountID:      "acct1",
		Status:         persistence.TaskPending,
		MaxAttempts:    3,
		NextAttemptAt:  time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, created, "conflict must surface the existing row")
	assert.Equal(t, "task-1", out.TaskID)
}

func TestOrderTasksGetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderTasksRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE task_id = $1")).
		WithArgs("ghost").
		WillReturnRows(taskRows())

	task, err := repo.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestOrderTasksDue(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderTasksRepo(db, time.Second)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ('pending','retrying') AND next_attempt_at <= $1")).
		WithArgs(now, 10).
		WillReturnRows(taskRows("task-1", "task-2"))

	tasks, err := repo.Due(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-1", tasks[0].TaskID)
}

func TestOrderTasksClaim(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderTasksRepo(db, time.Second)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'running', row_version = row_version + 1")).
		WithArgs("task-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := repo.Claim(context.Background(), "task-1", 1)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestOrderTasksClaimLostRace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderTasksRepo(db, time.Second)

	// A stale row_version matches nothing.
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'running', row_version = row_version + 1")).
		WithArgs("task-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := repo.Claim(context.Background(), "task-1", 1)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestOrderTasksTransition(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderTasksRepo(db, time.Second)

	lastErr := "gateway timeout"
	next := time.Now().Add(time.Second)
	mock.ExpectExec(regexp.QuoteMeta("SET status = $2, attempts = $3")).
		WithArgs("task-1", "retrying", 1, next, &lastErr, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Transition(context.Background(), persistence.OrderTask{
		TaskID:        "task-1",
		Status:        persistence.TaskRetrying,
		Attempts:      1,
		NextAttemptAt: next,
		LastError:     &lastErr,
	})
	require.NoError(t, err)
}

func TestOrderTasksRecoverRunning(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderTasksRepo(db, time.Second)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'retrying', next_attempt_at = now() + $1::interval")).
		WithArgs("30 seconds").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.RecoverRunning(context.Background(), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
