package persistence

import (
	"context"
	"time"

	"github.com/optstream/gateway/internal/broker"
)

// SubscriptionFilter narrows List queries.
type SubscriptionFilter struct {
	Status    SubscriptionStatus
	AccountID string
	Limit     int
	Offset    int
}

// SubscriptionsRepo is the durable subscription set. All operations are
// atomic per record; ListActive is a single snapshot query.
type SubscriptionsRepo interface {
	Upsert(ctx context.Context, sub Subscription) (Subscription, error)
	Get(ctx context.Context, token broker.Token) (*Subscription, error)
	List(ctx context.Context, filter SubscriptionFilter) ([]Subscription, int, error)
	ListActive(ctx context.Context) ([]Subscription, error)
	Deactivate(ctx context.Context, token broker.Token) error
	SetAccount(ctx context.Context, token broker.Token, accountID *string) error
	CountActive(ctx context.Context) (int, error)
}

// OrderTasksRepo is the durable order task queue.
type OrderTasksRepo interface {
	// Upsert inserts the task unless a row already exists for its
	// idempotency key, in which case the existing row is returned and
	// created is false.
	Upsert(ctx context.Context, task OrderTask) (OrderTask, bool, error)
	Get(ctx context.Context, taskID string) (*OrderTask, error)
	GetByKey(ctx context.Context, idempotencyKey string) (*OrderTask, error)
	// Due returns pending/retrying rows whose next attempt time has
	// arrived, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]OrderTask, error)
	// Claim moves a row to running iff its row_version still matches.
	Claim(ctx context.Context, taskID string, rowVersion int64) (bool, error)
	// Transition records the outcome of a claimed execution.
	Transition(ctx context.Context, task OrderTask) error
	// RecoverRunning demotes running rows to retrying with a grace delay.
	// Called once at startup; the claim may have survived a crash without
	// its side effect.
	RecoverRunning(ctx context.Context, grace time.Duration) (int, error)
}

// Repository bundles the gateway's repos.
type Repository struct {
	Subscriptions SubscriptionsRepo
	OrderTasks    OrderTasksRepo
}
