// Package api exposes the engine over HTTP.
//
//	POST /v1/scans                 submit a job, 202 + Location
//	GET  /v1/scans                 list active and completed jobs
//	GET  /v1/scans/{id}            status of a job
//	GET  /v1/scans/{id}/results    results, 202 while the job runs
//	GET  /v1/scans/{id}/events     progress as server sent events
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/CZERTAINLY/scanjobs/internal/archive"
	"github.com/CZERTAINLY/scanjobs/internal/broadcast"
	"github.com/CZERTAINLY/scanjobs/internal/engine"
	"github.com/CZERTAINLY/scanjobs/internal/log"
	"github.com/CZERTAINLY/scanjobs/internal/model"
)

const (
	maxBodySize       = 1 << 20
	defaultRetryAfter = 2 * time.Second
	eventBuffer       = 64
)

// Engine is the part of *engine.Engine the handlers need.
type Engine interface {
	Submit(ctx context.Context, cfg model.ScanConfig) (string, error)
	GetStatus(id string) (model.StatusView, error)
	GetResults(id string) (model.ResultsView, error)
	ListActive() []model.Summary
	ListCompleted() []model.Summary
	Subscribe(id string, obs broadcast.Observer) error
	UnsubscribeObserver(id string, obs broadcast.Observer)
}

// Archive answers results of jobs the engine no longer holds.
type Archive interface {
	Get(ctx context.Context, jobID string) (archive.Record, error)
}

type Option func(*Server)

func WithArchive(a Archive) Option {
	return func(s *Server) {
		s.archive = a
	}
}

// WithRetryAfter sets the Retry-After hint for running jobs and rejected
// submissions.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Server) {
		s.retryAfter = d
	}
}

type Server struct {
	eng        Engine
	archive    Archive
	retryAfter time.Duration
	mux        *http.ServeMux
}

func New(eng Engine, opts ...Option) *Server {
	s := &Server{
		eng:        eng,
		retryAfter: defaultRetryAfter,
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST /v1/scans", s.submit)
	s.mux.HandleFunc("GET /v1/scans", s.list)
	s.mux.HandleFunc("GET /v1/scans/{id}", s.status)
	s.mux.HandleFunc("GET /v1/scans/{id}/results", s.results)
	s.mux.HandleFunc("GET /v1/scans/{id}/events", s.events)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type submitResponse struct {
	ID     string       `json:"id"`
	Status model.Status `json:"status"`
}

type listResponse struct {
	Active    []model.Summary `json:"active"`
	Completed []model.Summary `json:"completed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var cfg model.ScanConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("decoding scan config: %w", err))
		return
	}

	id, err := s.eng.Submit(r.Context(), cfg)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrCapacityExceeded):
		w.Header().Set("Retry-After", formatRetryAfter(s.retryAfter))
		writeError(r.Context(), w, http.StatusTooManyRequests, err)
		return
	case errors.Is(err, model.ErrInvalidConfig), errors.Is(err, model.ErrUnknownStrategy):
		writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	case errors.Is(err, engine.ErrClosed):
		writeError(r.Context(), w, http.StatusServiceUnavailable, err)
		return
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Location", "/v1/scans/"+id)
	writeJSON(r.Context(), w, http.StatusAccepted, submitResponse{ID: id, Status: model.StatusInitializing})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	resp := listResponse{
		Active:    []model.Summary{},
		Completed: []model.Summary{},
	}
	switch state := r.URL.Query().Get("state"); state {
	case "":
		resp.Active = append(resp.Active, s.eng.ListActive()...)
		resp.Completed = append(resp.Completed, s.eng.ListCompleted()...)
	case "active":
		resp.Active = append(resp.Active, s.eng.ListActive()...)
	case "completed":
		resp.Completed = append(resp.Completed, s.eng.ListCompleted()...)
	default:
		writeError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("unknown state %q", state))
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.GetStatus(r.PathValue("id"))
	if err != nil {
		writeLookupError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, st)
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.eng.GetResults(id)
	switch {
	case err == nil:
		writeJSON(r.Context(), w, http.StatusOK, res)
	case errors.Is(err, model.ErrInProgress):
		w.Header().Set("Location", "/v1/scans/"+id+"/results")
		w.Header().Set("Retry-After", formatRetryAfter(s.retryAfter))
		writeJSON(r.Context(), w, http.StatusAccepted, res)
	case errors.Is(err, model.ErrNotFound) && s.archive != nil:
		rec, aerr := s.archive.Get(r.Context(), id)
		if aerr != nil {
			if !errors.Is(aerr, archive.ErrNotFound) {
				slog.ErrorContext(r.Context(), "archive lookup failed", "job_id", id, "error", aerr)
			}
			writeLookupError(r.Context(), w, err)
			return
		}
		writeJSON(r.Context(), w, http.StatusOK, rec.ResultsView())
	default:
		writeLookupError(r.Context(), w, err)
	}
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := log.WithJob(r.Context(), id)
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(ctx, w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	st, err := s.eng.GetStatus(id)
	if err != nil {
		writeLookupError(ctx, w, err)
		return
	}
	obs := broadcast.NewChanObserver(eventBuffer)
	if err := s.eng.Subscribe(id, obs); err != nil {
		writeLookupError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, "status", st); err != nil {
		s.eng.UnsubscribeObserver(id, obs)
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			s.eng.UnsubscribeObserver(id, obs)
			return
		case e, ok := <-obs.Events():
			if !ok {
				// final event delivered or replaced by a newer subscriber
				return
			}
			name := "progress"
			if e.Final {
				name = "final"
			}
			if err := writeEvent(w, name, e); err != nil {
				slog.DebugContext(ctx, "event stream closed", "error", err)
				s.eng.UnsubscribeObserver(id, obs)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
	return err
}

func writeLookupError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNotFound) {
		writeError(ctx, w, http.StatusNotFound, err)
		return
	}
	writeError(ctx, w, http.StatusInternalServerError, err)
}

func writeError(ctx context.Context, w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "status", code, "error", err)
	}
	writeJSON(ctx, w, code, errorResponse{Error: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.DebugContext(ctx, "writing response", "error", err)
	}
}

func formatRetryAfter(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10)
}
