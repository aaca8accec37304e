package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/optstream/gateway/internal/accounts"
	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/errs"
	"github.com/optstream/gateway/internal/metrics"
	"github.com/optstream/gateway/internal/persistence"
	"github.com/optstream/gateway/internal/ratelimit"
)

// Config tunes the executor.
type Config struct {
	Workers          int
	MaxAttempts      int
	MaxTasks         int // in-memory terminal index bound
	PollInterval     time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	RecoveryGrace    time.Duration
	FailureThreshold int
	RecoveryInterval time.Duration
	SuccessThreshold int
}

// Executor is a durable, idempotent order task queue: single writer per
// row (row_version CAS), bounded retries with full-jitter backoff, a
// per-account circuit breaker and a dead-letter terminal state.
type Executor struct {
	cfg      Config
	repo     persistence.OrderTasksRepo
	client   broker.Client
	accounts *accounts.Manager
	metrics  *metrics.Registry

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	index *terminalIndex

	taskCh chan persistence.OrderTask
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewExecutor wires the executor. Start must be called before Submit's
// tasks make progress.
func NewExecutor(cfg Config, repo persistence.OrderTasksRepo, client broker.Client, mgr *accounts.Manager, m *metrics.Registry) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Executor{
		cfg:      cfg,
		repo:     repo,
		client:   client,
		accounts: mgr,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		index:    newTerminalIndex(cfg.MaxTasks),
		taskCh:   make(chan persistence.OrderTask),
	}
}

// IdempotencyKey derives the stable task identity from the operation, its
// parameters and the account. Map keys marshal in sorted order, so equal
// params hash equally.
func IdempotencyKey(op broker.OrderOperation, params broker.OrderParams, accountID string) (string, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", errs.New(errs.CategoryValidation, "orders.key", fmt.Errorf("unhashable params: %w", err))
	}
	sum := sha256.Sum256([]byte(string(op) + "|" + string(paramsJSON) + "|" + accountID))
	return hex.EncodeToString(sum[:]), nil
}

// Submit upserts a task for the operation. A completed row for the same
// idempotency key returns as-is and a non-terminal row returns its task
// id without scheduling duplicate work; a failed or dead-lettered row is
// reopened for a fresh attempt cycle.
func (e *Executor) Submit(ctx context.Context, op broker.OrderOperation, params broker.OrderParams, accountID string) (persistence.OrderTask, error) {
	if !broker.ValidOperation(op) {
		return persistence.OrderTask{}, errs.Newf(errs.CategoryValidation, "orders.submit", "unknown operation: %s", op)
	}
	if _, ok := e.accounts.Session(accountID); !ok {
		return persistence.OrderTask{}, errs.Newf(errs.CategoryValidation, "orders.submit", "unknown account: %s", accountID)
	}

	key, err := IdempotencyKey(op, params, accountID)
	if err != nil {
		return persistence.OrderTask{}, err
	}

	if cached, ok := e.index.get(key); ok && cached.Status == persistence.TaskCompleted {
		return cached, nil
	}

	paramsJSON, _ := json.Marshal(params)
	task := persistence.OrderTask{
		TaskID:         uuid.New().String(),
		IdempotencyKey: key,
		Operation:      string(op),
		Params:         paramsJSON,
		AccountID:      accountID,
		Status:         persistence.TaskPending,
		MaxAttempts:    e.cfg.MaxAttempts,
		NextAttemptAt:  time.Now(),
	}

	row, created, err := e.repo.Upsert(ctx, task)
	if err != nil {
		return persistence.OrderTask{}, errs.New(errs.CategoryTransient, "orders.submit", err)
	}
	if created && e.metrics != nil {
		e.metrics.TaskTransitions.WithLabelValues(string(persistence.TaskPending)).Inc()
	}

	switch row.Status {
	case persistence.TaskFailed, persistence.TaskDeadLetter:
		return e.reopen(ctx, row)
	case persistence.TaskCompleted:
		e.index.put(row)
	}
	return row, nil
}

// reopen resets a failed or dead-lettered row so a re-submission with the
// same idempotency key starts a fresh attempt cycle.
func (e *Executor) reopen(ctx context.Context, row persistence.OrderTask) (persistence.OrderTask, error) {
	row.Status = persistence.TaskPending
	row.Attempts = 0
	row.LastError = nil
	row.Result = nil
	row.NextAttemptAt = time.Now()

	if err := e.repo.Transition(ctx, row); err != nil {
		return persistence.OrderTask{}, errs.New(errs.CategoryTransient, "orders.submit", err)
	}
	row.RowVersion++
	e.index.drop(row.IdempotencyKey)

	if e.metrics != nil {
		e.metrics.TaskTransitions.WithLabelValues(string(persistence.TaskPending)).Inc()
	}
	log.Info().
		Str("task_id", row.TaskID).
		Str("account_id", row.AccountID).
		Msg("Reopened settled order task for re-submission")
	return row, nil
}

// Get returns a task by id, serving terminal rows from the bounded index
// and rehydrating evicted ones from the store.
func (e *Executor) Get(ctx context.Context, taskID string) (*persistence.OrderTask, error) {
	if task, ok := e.index.getByID(taskID); ok {
		return &task, nil
	}
	task, err := e.repo.Get(ctx, taskID)
	if err != nil {
		return nil, errs.New(errs.CategoryTransient, "orders.get", err)
	}
	return task, nil
}

// Start recovers interrupted rows and runs the dispatcher and workers
// until ctx is cancelled.
func (e *Executor) Start(ctx context.Context) error {
	recovered, err := e.repo.RecoverRunning(ctx, e.cfg.RecoveryGrace)
	if err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}
	if recovered > 0 {
		log.Warn().Int("tasks", recovered).Msg("Demoted running order tasks to retrying after restart")
	}

	ctx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.wg.Add(1)
	go e.dispatch(ctx)

	log.Info().Int("workers", e.cfg.Workers).Msg("Order executor started")
	return nil
}

// Stop cancels the loops and waits for in-flight executions.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// dispatch polls for due tasks and feeds the workers. Accounts with an
// open breaker are skipped, leaving their tasks due for a later pass.
func (e *Executor) dispatch(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := e.repo.Due(ctx, time.Now(), e.cfg.Workers*4)
		if err != nil {
			log.Error().Err(err).Msg("Order task poll failed")
			continue
		}

		for _, task := range due {
			if e.breakerFor(task.AccountID).State() == gobreaker.StateOpen {
				continue
			}
			select {
			case e.taskCh <- task:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.taskCh:
			e.run(ctx, task)
		}
	}
}

// run claims and executes one task. A lost claim means another worker got
// there first; that is the normal outcome of the shared poll.
func (e *Executor) run(ctx context.Context, task persistence.OrderTask) {
	claimed, err := e.repo.Claim(ctx, task.TaskID, task.RowVersion)
	if err != nil {
		log.Error().Str("task_id", task.TaskID).Err(err).Msg("Order task claim failed")
		return
	}
	if !claimed {
		return
	}

	task.RowVersion++
	task.Status = persistence.TaskRunning
	task.Attempts++
	if e.metrics != nil {
		e.metrics.TasksInFlight.Inc()
		defer e.metrics.TasksInFlight.Dec()
	}

	result, execErr := e.execute(ctx, task)
	e.settle(ctx, task, result, execErr)
}

// execute performs the broker call under the account's breaker and lease.
// The retry decision is data: the returned error's category.
func (e *Executor) execute(ctx context.Context, task persistence.OrderTask) (broker.OrderResult, error) {
	var result broker.OrderResult

	_, err := e.breakerFor(task.AccountID).Execute(func() (interface{}, error) {
		lease, err := e.accounts.Borrow(ctx, task.AccountID, ratelimit.ClassOrder)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		var params broker.OrderParams
		if err := json.Unmarshal(task.Params, &params); err != nil {
			return nil, errs.New(errs.CategoryValidation, "orders.execute", fmt.Errorf("corrupt params: %w", err))
		}

		var callErr error
		switch broker.OrderOperation(task.Operation) {
		case broker.OpPlace:
			result, callErr = e.client.PlaceOrder(ctx, lease.Credentials(), params)
		case broker.OpModify:
			result, callErr = e.client.ModifyOrder(ctx, lease.Credentials(), params)
		case broker.OpCancel:
			result, callErr = e.client.CancelOrder(ctx, lease.Credentials(), params)
		default:
			callErr = errs.Newf(errs.CategoryFatal, "orders.execute", "unknown operation %q", task.Operation)
		}
		return nil, callErr
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		err = errs.New(errs.CategoryTransient, "orders.execute", errs.ErrCircuitOpen)
	}
	return result, err
}

// settle persists the post-execution transition.
func (e *Executor) settle(ctx context.Context, task persistence.OrderTask, result broker.OrderResult, execErr error) {
	switch {
	case execErr == nil:
		task.Status = persistence.TaskCompleted
		task.LastError = nil
		if data, err := json.Marshal(result); err == nil {
			task.Result = data
		}

	case errs.IsPermanent(execErr):
		task.Status = persistence.TaskFailed
		task.LastError = strPtr(execErr.Error())

	case task.Attempts >= task.MaxAttempts:
		task.Status = persistence.TaskDeadLetter
		task.LastError = strPtr(execErr.Error())

	default:
		task.Status = persistence.TaskRetrying
		task.LastError = strPtr(execErr.Error())
		task.NextAttemptAt = time.Now().Add(e.backoff(task.Attempts))
	}

	if err := e.repo.Transition(ctx, task); err != nil {
		log.Error().
			Str("task_id", task.TaskID).
			Str("status", string(task.Status)).
			Err(err).
			Msg("Order task transition failed")
		return
	}

	if e.metrics != nil {
		e.metrics.TaskTransitions.WithLabelValues(string(task.Status)).Inc()
	}
	if task.Status.Terminal() {
		e.index.put(task)
	}

	evt := log.Info()
	if execErr != nil {
		evt = log.Warn().Err(execErr)
	}
	evt.
		Str("task_id", task.TaskID).
		Str("account_id", task.AccountID).
		Str("operation", task.Operation).
		Str("status", string(task.Status)).
		Int("attempts", task.Attempts).
		Msg("Order task settled")
}

// backoff is exponential with full jitter, capped at BackoffMax.
func (e *Executor) backoff(attempt int) time.Duration {
	max := e.cfg.BackoffBase << uint(attempt-1)
	if max > e.cfg.BackoffMax || max <= 0 {
		max = e.cfg.BackoffMax
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func (e *Executor) breakerFor(accountID string) *gobreaker.CircuitBreaker {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()

	cb, ok := e.breakers[accountID]
	if !ok {
		name := "orders:" + accountID
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: uint32(e.cfg.SuccessThreshold),
			Timeout:     e.cfg.RecoveryInterval,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(e.cfg.FailureThreshold)
			},
			IsSuccessful: func(err error) bool {
				// Permanent errors are the caller's problem, not broker
				// health; they must not trip the account's circuit.
				return err == nil || errs.IsPermanent(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("component", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state change")
			},
		})
		e.breakers[accountID] = cb
	}
	return cb
}

func strPtr(s string) *string { return &s }
