// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package statusapi provides a read-only JSON HTTP API over the scheduler's state.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/handlers"
	"zb.256lights.llc/drvq/drvstatus"
	"zb.256lights.llc/drvq/internal/scheduler"
	"zombiezen.com/go/log"
)

// DefaultQueueLimit is the number of queue entries returned
// when the request does not specify a limit.
const DefaultQueueLimit = 100

// Handler serves the status API.
type Handler struct {
	store *scheduler.Store
	mux   *http.ServeMux
}

// NewHandler returns a new [Handler] that reads from the given store.
func NewHandler(store *scheduler.Store) *Handler {
	h := &Handler{
		store: store,
		mux:   http.NewServeMux(),
	}
	h.handle("/healthz", h.health)
	h.handle("/v1/queue", h.queue)
	h.handle("/v1/summary", h.summary)
	h.handle("/v1/systems", h.systems)
	h.handle("/v1/systems/{id}", h.system)
	h.handle("/v1/workers", h.workers)
	h.handle("/v1/derivations/{id}", h.derivation)
	h.handle("/v1/derivations/{id}/cache", h.cacheJobs)
	return h
}

func (h *Handler) handle(pattern string, f apiFunc) {
	h.mux.Handle(pattern, handlers.MethodHandler{
		http.MethodGet:  f,
		http.MethodHead: f,
	})
}

// ServeHTTP dispatches the request to the matching endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type apiFunc func(ctx context.Context, r *http.Request) (any, error)

func (f apiFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp, err := f(ctx, r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	data, err := jsonv2.Marshal(resp, jsonv2.Deterministic(true), jsontext.Multiline(true))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	data = append(data, '\n')
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

// httpError is an error with an associated HTTP status code.
type httpError struct {
	code int
	msg  string
}

func (e *httpError) Error() string {
	return e.msg
}

func badRequest(msg string) error {
	return &httpError{code: http.StatusBadRequest, msg: msg}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	msg := "internal server error"
	var he *httpError
	switch {
	case errors.As(err, &he):
		code, msg = he.code, he.msg
	case errors.Is(err, scheduler.ErrNotFound):
		code, msg = http.StatusNotFound, "not found"
	default:
		log.Errorf(ctx, "%v", err)
	}
	data, _ := jsonv2.Marshal(struct {
		Error string `json:"error"`
	}{msg})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write(append(data, '\n'))
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid id " + strconv.Quote(r.PathValue("id")))
	}
	return id, nil
}

func (h *Handler) health(ctx context.Context, r *http.Request) (any, error) {
	if _, err := h.store.QueueSummary(ctx); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) queue(ctx context.Context, r *http.Request) (any, error) {
	opts := &scheduler.QueueOptions{Limit: DefaultQueueLimit}
	if s := r.FormValue("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, badRequest("invalid limit " + strconv.Quote(s))
		}
		opts.Limit = n
	}
	if s := r.FormValue("kind"); s != "" {
		k, err := drvstatus.ParseKind(s)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		opts.Kind = k
	}
	entries, err := h.store.Buildable(ctx, opts)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (h *Handler) summary(ctx context.Context, r *http.Request) (any, error) {
	return h.store.QueueSummary(ctx)
}

func (h *Handler) systems(ctx context.Context, r *http.Request) (any, error) {
	progress, err := h.store.AllSystemProgress(ctx)
	if err != nil {
		return nil, err
	}
	return progress, nil
}

func (h *Handler) system(ctx context.Context, r *http.Request) (any, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	return h.store.SystemProgress(ctx, id)
}

func (h *Handler) workers(ctx context.Context, r *http.Request) (any, error) {
	reservations, err := h.store.ActiveReservations(ctx)
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

func (h *Handler) derivation(ctx context.Context, r *http.Request) (any, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	return h.store.Derivation(ctx, id)
}

func (h *Handler) cacheJobs(ctx context.Context, r *http.Request) (any, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	if _, err := h.store.Derivation(ctx, id); err != nil {
		return nil, err
	}
	jobs, err := h.store.CachePushJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
