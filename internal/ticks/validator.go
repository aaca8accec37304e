package ticks

import (
	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/errs"
	"github.com/optstream/gateway/internal/metrics"
)

const maxOpenInterest = 100_000_000

// Validator applies schema and range checks to raw ticks. In lenient mode
// (the default) bad ticks are dropped and counted; in strict mode the
// caller receives a validation error.
type Validator struct {
	strict  bool
	metrics *metrics.Registry
}

// NewValidator builds a validator. metrics may be nil in tests.
func NewValidator(strict bool, m *metrics.Registry) *Validator {
	return &Validator{strict: strict, metrics: m}
}

// Check returns whether the tick may proceed. The error is non-nil only in
// strict mode; lenient mode records the reason and reports ok=false.
func (v *Validator) Check(t broker.Tick, underlying bool) (bool, error) {
	reason := v.reason(t, underlying)
	if reason == "" {
		return true, nil
	}

	if v.metrics != nil {
		v.metrics.ValidationErrors.WithLabelValues(reason).Inc()
	}
	if v.strict {
		return false, errs.Newf(errs.CategoryValidation, "ticks.validate", "tick rejected: %s (token %d)", reason, t.Token)
	}
	return false, nil
}

func (v *Validator) reason(t broker.Tick, underlying bool) string {
	switch {
	case t.Token == 0:
		return "zero_token"
	case underlying && t.LastPrice <= 0:
		return "nonpositive_underlying_price"
	case t.LastPrice < 0:
		return "negative_price"
	case t.OI >= maxOpenInterest:
		return "oi_out_of_range"
	default:
		return ""
	}
}
