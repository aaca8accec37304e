// Package history serves historical candle fetches over the pooled broker
// accounts.
package history

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/accounts"
	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/errs"
	"github.com/optstream/gateway/internal/ratelimit"
)

// Service fetches candles with account failover: any account's quota can
// serve a read, so a rate-limited account is skipped rather than waited on.
type Service struct {
	client   broker.Client
	accounts *accounts.Manager
}

// NewService builds the history service.
func NewService(client broker.Client, mgr *accounts.Manager) *Service {
	return &Service{client: client, accounts: mgr}
}

// Fetch returns candles for one instrument. preferred names the account to
// try first; empty means stable order. Limit errors — whether from the
// local limiter or from the broker itself — rotate to the next account;
// anything else is returned as-is.
func (s *Service) Fetch(ctx context.Context, token broker.Token, interval string, from, to time.Time, preferred string) ([]broker.Candle, error) {
	candidates := s.accounts.IDs()
	if preferred != "" {
		ordered := make([]string, 0, len(candidates))
		ordered = append(ordered, preferred)
		for _, id := range candidates {
			if id != preferred {
				ordered = append(ordered, id)
			}
		}
		candidates = ordered
	}
	if len(candidates) == 0 {
		return nil, errs.Newf(errs.CategoryValidation, "history.fetch", "no accounts configured")
	}

	for _, id := range candidates {
		lease, err := s.accounts.Borrow(ctx, id, ratelimit.ClassHistorical)
		if err != nil {
			if errs.IsLimit(err) {
				log.Debug().Str("account_id", id).Err(err).Msg("Account limited, trying next")
				continue
			}
			return nil, err
		}

		candles, err := s.client.Historical(ctx, lease.Credentials(), token, interval, from, to)
		lease.Release()
		if err != nil {
			if errs.IsLimit(err) {
				log.Warn().
					Str("account_id", id).
					Uint64("token", uint64(token)).
					Err(err).
					Msg("Broker limited historical fetch, failing over")
				continue
			}
			return nil, err
		}
		return candles, nil
	}
	return nil, errs.ErrAllAccountsLimited
}
