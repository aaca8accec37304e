package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies an error for retry and propagation decisions.
type Category int

const (
	// CategoryUnknown is the zero value; treated as transient.
	CategoryUnknown Category = iota
	// CategoryValidation covers malformed input. Permanent, never retried.
	CategoryValidation
	// CategoryAuthorization covers missing or expired credentials. Permanent
	// for the account until its token is rotated.
	CategoryAuthorization
	// CategoryLimit covers rate limits, subscription limits and quota
	// exhaustion. Transient at the account level; drives failover.
	CategoryLimit
	// CategoryTransient covers network timeouts, 5xx responses, bus
	// unavailability and open circuits. Retried with backoff.
	CategoryTransient
	// CategoryFatal covers invariant violations. Logged with full context;
	// the affected task fails and the rest of the system continues.
	CategoryFatal
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryAuthorization:
		return "authorization"
	case CategoryLimit:
		return "limit"
	case CategoryTransient:
		return "transient"
	case CategoryFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a categorized error carrying an operator-safe message.
type Error struct {
	Cat Category
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Cat, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Cat, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a category and operation name.
func New(cat Category, op string, err error) *Error {
	return &Error{Cat: cat, Op: op, Err: err}
}

// Newf builds a categorized error from a format string.
func Newf(cat Category, op, format string, args ...interface{}) *Error {
	return &Error{Cat: cat, Op: op, Err: fmt.Errorf(format, args...)}
}

// Sentinel errors shared across components.
var (
	ErrRegistryUnavailable     = New(CategoryTransient, "registry", errors.New("instrument registry unavailable"))
	ErrLeaseTimeout            = New(CategoryTransient, "accounts", errors.New("lease acquisition timed out"))
	ErrAllAccountsLimited      = New(CategoryLimit, "accounts", errors.New("all accounts rate limited"))
	ErrAccountCapacityExceeded = New(CategoryLimit, "pool", errors.New("account subscription capacity exceeded"))
	ErrCircuitOpen             = New(CategoryTransient, "publish", errors.New("circuit breaker open"))
	ErrServiceDegraded         = New(CategoryTransient, "gateway", errors.New("service degraded"))
)

// CategoryOf extracts the category from an error chain. Unwrapped errors
// default to transient so that callers retry rather than drop.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Cat
	}
	return CategoryTransient
}

// IsLimit reports whether the error is an account-level limit error, the
// only class that triggers account failover.
func IsLimit(err error) bool {
	return CategoryOf(err) == CategoryLimit
}

// IsPermanent reports whether retrying can never succeed.
func IsPermanent(err error) bool {
	switch CategoryOf(err) {
	case CategoryValidation, CategoryAuthorization:
		return true
	}
	return false
}

// HTTPStatus maps a category to the control-plane status code.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryAuthorization:
		return http.StatusUnauthorized
	case CategoryLimit:
		return http.StatusTooManyRequests
	case CategoryTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
