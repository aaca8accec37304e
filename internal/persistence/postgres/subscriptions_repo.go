package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/persistence"
)

// subscriptionsRepo implements SubscriptionsRepo for PostgreSQL.
type subscriptionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSubscriptionsRepo creates the PostgreSQL subscriptions repository.
func NewSubscriptionsRepo(db *sqlx.DB, timeout time.Duration) persistence.SubscriptionsRepo {
	return &subscriptionsRepo{db: db, timeout: timeout}
}

const subscriptionCols = `token, tradingsymbol, segment, mode, status, account_id, created_at, updated_at`

// Upsert inserts or reactivates the record for the token. The existing
// account assignment is kept; mode updates take effect in place.
func (r *subscriptionsRepo) Upsert(ctx context.Context, sub persistence.Subscription) (persistence.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO subscriptions (token, tradingsymbol, segment, mode, status, account_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token) DO UPDATE
		SET mode = EXCLUDED.mode,
		    status = EXCLUDED.status,
		    tradingsymbol = EXCLUDED.tradingsymbol,
		    segment = EXCLUDED.segment,
		    updated_at = now()
		RETURNING ` + subscriptionCols

	var out persistence.Subscription
	err := r.db.QueryRowxContext(ctx, query,
		sub.Token, sub.TradingSymbol, sub.Segment, sub.Mode, sub.Status, sub.AccountID).
		StructScan(&out)
	if err != nil {
		return out, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return out, nil
}

// Get returns the record for a token, nil when absent.
func (r *subscriptionsRepo) Get(ctx context.Context, token broker.Token) (*persistence.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sub persistence.Subscription
	err := r.db.QueryRowxContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE token = $1`, token).
		StructScan(&sub)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// List returns a page of records plus the unpaged total.
func (r *subscriptionsRepo) List(ctx context.Context, filter persistence.SubscriptionFilter) ([]persistence.Subscription, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where := "WHERE 1=1"
	args := []interface{}{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		where += fmt.Sprintf(" AND account_id = $%d", len(args))
	}

	var total int
	if err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM subscriptions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM subscriptions %s ORDER BY token LIMIT $%d OFFSET $%d`,
		subscriptionCols, where, len(args)-1, len(args))

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

// ListActive returns every active record in one snapshot query.
func (r *subscriptionsRepo) ListActive(ctx context.Context) ([]persistence.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE status = 'active' ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

// Deactivate marks the token inactive and clears its assignment.
func (r *subscriptionsRepo) Deactivate(ctx context.Context, token broker.Token) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET status = 'inactive', account_id = NULL, updated_at = now()
		 WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return nil
}

// SetAccount records (or clears) the token's account assignment.
func (r *subscriptionsRepo) SetAccount(ctx context.Context, token broker.Token, accountID *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET account_id = $2, updated_at = now() WHERE token = $1`,
		token, accountID)
	if err != nil {
		return fmt.Errorf("failed to set subscription account: %w", err)
	}
	return nil
}

// CountActive returns the active record count.
func (r *subscriptionsRepo) CountActive(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE status = 'active'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active subscriptions: %w", err)
	}
	return count, nil
}

func scanSubscriptions(rows *sqlx.Rows) ([]persistence.Subscription, error) {
	var subs []persistence.Subscription
	for rows.Next() {
		var sub persistence.Subscription
		if err := rows.StructScan(&sub); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}
