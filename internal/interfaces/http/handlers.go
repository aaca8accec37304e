package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/optstream/gateway/internal/broker"
	"github.com/optstream/gateway/internal/errs"
	"github.com/optstream/gateway/internal/persistence"
)

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Error().Str("request_id", requestID).Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{
		Error:    err.Error(),
		Category: errs.CategoryOf(err).String(),
	})
}

func writeNotFound(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusNotFound, errorResponse{
		Error:    fmt.Sprintf(format, args...),
		Category: "not_found",
	})
}

func errUnauthorized() error {
	return errs.Newf(errs.CategoryAuthorization, "http", "missing or invalid API key")
}

// createSubscriptionsRequest accepts the single form {token, mode} and the
// batch form {tokens, mode}.
type createSubscriptionsRequest struct {
	Token  uint64   `json:"token"`
	Tokens []uint64 `json:"tokens"`
	Mode   string   `json:"mode"`
}

type subscriptionError struct {
	Token uint64 `json:"token"`
	Error string `json:"error"`
}

type createSubscriptionsResponse struct {
	Subscribed []persistence.Subscription `json:"subscribed"`
	Errors     []subscriptionError        `json:"errors,omitempty"`
}

// handleCreateSubscriptions subscribes a batch of tokens. Each token stands
// alone: failures are reported per token and never abort the rest.
func (s *Server) handleCreateSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CategoryValidation, "http.subscriptions", err))
		return
	}
	mode := broker.Mode(req.Mode)
	if req.Mode == "" {
		mode = broker.ModeFull
	}

	if req.Token != 0 && len(req.Tokens) == 0 {
		sub, err := s.deps.Orchestrator.Add(r.Context(), broker.Token(req.Token), mode)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
		return
	}
	if len(req.Tokens) == 0 {
		writeError(w, r, errs.Newf(errs.CategoryValidation, "http.subscriptions", "token or tokens required"))
		return
	}

	resp := createSubscriptionsResponse{}
	for _, raw := range req.Tokens {
		sub, err := s.deps.Orchestrator.Add(r.Context(), broker.Token(raw), mode)
		if err != nil {
			resp.Errors = append(resp.Errors, subscriptionError{Token: raw, Error: err.Error()})
			continue
		}
		resp.Subscribed = append(resp.Subscribed, sub)
	}

	status := http.StatusCreated
	if len(resp.Subscribed) == 0 {
		status = http.StatusBadRequest
	} else if len(resp.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.SubscriptionFilter{
		Status:    persistence.SubscriptionStatus(q.Get("status")),
		AccountID: q.Get("account_id"),
		Limit:     parseIntDefault(q.Get("limit"), 100),
		Offset:    parseIntDefault(q.Get("offset"), 0),
	}

	subs, total, err := s.deps.Subscriptions.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, errs.New(errs.CategoryTransient, "http.subscriptions", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
		"total":         total,
		"limit":         filter.Limit,
		"offset":        filter.Offset,
	})
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	token, err := parseToken(mux.Vars(r)["token"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Orchestrator.Remove(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type orderLeg struct {
	Operation string             `json:"operation"`
	AccountID string             `json:"account_id"`
	Params    broker.OrderParams `json:"params"`
}

// submitOrdersRequest accepts the single form {op, params, account_id} and
// the batch form {orders: [...]}.
type submitOrdersRequest struct {
	Op        string             `json:"op"`
	Params    broker.OrderParams `json:"params"`
	AccountID string             `json:"account_id"`
	Orders    []orderLeg         `json:"orders"`
}

type orderLegResult struct {
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleSubmitOrders enqueues one or more order tasks. Legs are independent:
// a rejected leg never rolls back an accepted one.
func (s *Server) handleSubmitOrders(w http.ResponseWriter, r *http.Request) {
	var req submitOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CategoryValidation, "http.orders", err))
		return
	}

	if req.Op != "" && len(req.Orders) == 0 {
		task, err := s.deps.Executor.Submit(r.Context(),
			broker.OrderOperation(req.Op), req.Params, req.AccountID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"task_id": task.TaskID,
			"status":  string(task.Status),
		})
		return
	}
	if len(req.Orders) == 0 {
		writeError(w, r, errs.Newf(errs.CategoryValidation, "http.orders", "op or orders required"))
		return
	}

	results := make([]orderLegResult, 0, len(req.Orders))
	accepted := 0
	for _, leg := range req.Orders {
		task, err := s.deps.Executor.Submit(r.Context(),
			broker.OrderOperation(leg.Operation), leg.Params, leg.AccountID)
		if err != nil {
			results = append(results, orderLegResult{Error: err.Error()})
			continue
		}
		accepted++
		results = append(results, orderLegResult{TaskID: task.TaskID, Status: string(task.Status)})
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusBadRequest
	} else if accepted < len(req.Orders) {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]interface{}{"results": results})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	task, err := s.deps.Executor.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if task == nil {
		writeNotFound(w, "no such task: %s", taskID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	token, err := parseToken(mux.Vars(r)["token"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	interval := q.Get("interval")
	if interval == "" {
		interval = "minute"
	}
	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, r, errs.Newf(errs.CategoryValidation, "http.historical", "invalid from: %v", err))
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, r, errs.Newf(errs.CategoryValidation, "http.historical", "invalid to: %v", err))
		return
	}
	if !from.Before(to) {
		writeError(w, r, errs.Newf(errs.CategoryValidation, "http.historical", "from must precede to"))
		return
	}

	candles, err := s.deps.History.Fetch(r.Context(), token, interval, from, to, q.Get("account_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":    token,
		"interval": interval,
		"candles":  candles,
	})
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	token, err := parseToken(mux.Vars(r)["token"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	inst, ok := s.deps.Registry.Lookup(token)
	if !ok {
		writeNotFound(w, "unknown instrument token: %d", token)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func parseToken(raw string) (broker.Token, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, errs.Newf(errs.CategoryValidation, "http", "invalid instrument token: %q", raw)
	}
	return broker.Token(v), nil
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// parseTime accepts RFC3339 or a plain date.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("missing")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
