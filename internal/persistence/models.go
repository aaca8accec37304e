package persistence

import (
	"encoding/json"
	"time"

	"github.com/optstream/gateway/internal/broker"
)

// SubscriptionStatus is the lifecycle state of a subscription record.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// Subscription is one durable subscription record, keyed by token.
// AccountID is nil until the orchestrator assigns the token to an account.
type Subscription struct {
	Token         broker.Token       `db:"token" json:"token"`
	TradingSymbol string             `db:"tradingsymbol" json:"tradingsymbol"`
	Segment       string             `db:"segment" json:"segment"`
	Mode          broker.Mode        `db:"mode" json:"mode"`
	Status        SubscriptionStatus `db:"status" json:"status"`
	AccountID     *string            `db:"account_id" json:"account_id,omitempty"`
	CreatedAt     time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `db:"updated_at" json:"updated_at"`
}

// TaskStatus is the order task state machine.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskRetrying   TaskStatus = "retrying"
	TaskDeadLetter TaskStatus = "dead_letter"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskDeadLetter:
		return true
	}
	return false
}

// OrderTask is one durable order execution task. Unique on IdempotencyKey;
// RowVersion guards claims so no two workers run the same row.
type OrderTask struct {
	TaskID         string          `db:"task_id" json:"task_id"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Operation      string          `db:"operation" json:"operation"`
	Params         json.RawMessage `db:"params" json:"params"`
	AccountID      string          `db:"account_id" json:"account_id"`
	Status         TaskStatus      `db:"status" json:"status"`
	Attempts       int             `db:"attempts" json:"attempts"`
	MaxAttempts    int             `db:"max_attempts" json:"max_attempts"`
	NextAttemptAt  time.Time       `db:"next_attempt_at" json:"next_attempt_at"`
	LastError      *string         `db:"last_error" json:"last_error,omitempty"`
	Result         json.RawMessage `db:"result" json:"result,omitempty"`
	RowVersion     int64           `db:"row_version" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}
