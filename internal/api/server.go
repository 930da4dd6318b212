// Package api exposes the engine's operations over HTTP for the answering
// layer and idle-time triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/engine"
	"github.com/sells-group/transcript-engine/internal/enrich"
	"github.com/sells-group/transcript-engine/internal/escalation"
	"github.com/sells-group/transcript-engine/internal/ingest"
	"github.com/sells-group/transcript-engine/internal/listing"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/store"
)

// Service is the set of engine operations served over HTTP.
type Service interface {
	GetItem(ctx context.Context, itemID string) (*model.Item, error)
	GetCollection(ctx context.Context, collectionID string) (*model.Collection, error)
	Escalate(ctx context.Context, itemID string) (*escalation.Result, error)
	Ingest(ctx context.Context, collectionID string) (*ingest.Report, error)
	RunBackgroundPass(ctx context.Context, collectionID string, opts enrich.Options) (*enrich.Report, error)
	StrategyStats() []engine.StrategyHealth
}

// unavailableMessage is shown instead of escalation failures.
const unavailableMessage = "deeper analysis unavailable right now"

// Job tracks an asynchronous ingest.
type Job struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collection_id"`
	Status       string         `json:"status"` // running, complete, failed
	Error        string         `json:"error,omitempty"`
	Report       *ingest.Report `json:"report,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc    Service
	bg     context.Context
	router chi.Router

	mu           sync.Mutex
	jobs         map[string]*Job
	jobRetention time.Duration
	maxFinished  int
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewServer builds the router. Asynchronous ingests run under bg and stop
// when it is cancelled. Finished jobs are forgotten after the configured
// retention, and only the newest MaxFinishedJobs of them are kept.
func NewServer(bg context.Context, svc Service, cfg config.ServerConfig) *Server {
	s := &Server{
		svc:          svc,
		bg:           bg,
		jobs:         make(map[string]*Job),
		jobRetention: time.Duration(cfg.JobRetentionMins) * time.Minute,
		maxFinished:  cfg.MaxFinishedJobs,
		now:          time.Now,
	}
	if s.jobRetention <= 0 {
		s.jobRetention = time.Hour
	}
	if s.maxFinished <= 0 {
		s.maxFinished = 500
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/strategies", s.strategies)
	r.Route("/items/{id}", func(r chi.Router) {
		r.Get("/", s.getItem)
		r.Post("/escalate", s.escalate)
	})
	r.Route("/collections/{id}", func(r chi.Router) {
		r.Get("/", s.getCollection)
		r.Post("/ingest", s.ingest)
		r.Post("/enrich", s.enrich)
	})
	r.Get("/jobs/{id}", s.getJob)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Wait blocks until every asynchronous ingest has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) strategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.StrategyStats())
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.svc.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.GetCollection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) escalate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.svc.Escalate(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, escalation.ErrInProgress):
		if res == nil {
			res = &escalation.Result{ItemID: id, State: model.Tier3Processing}
		}
		writeJSON(w, http.StatusAccepted, res)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "item not found")
	default:
		zap.L().Warn("api: escalation failed",
			zap.String("item", id),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"item_id": id,
			"state":   string(model.Tier3Failed),
			"error":   unavailableMessage,
		})
	}
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if r.URL.Query().Get("wait") == "true" {
		rep, err := s.svc.Ingest(r.Context(), id)
		if err != nil {
			writeIngestError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
		return
	}

	job := &Job{ID: uuid.NewString(), CollectionID: id, Status: "running", StartedAt: s.now().UTC()}
	s.mu.Lock()
	s.pruneJobs()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rep, err := s.svc.Ingest(s.bg, id)

		s.mu.Lock()
		defer s.mu.Unlock()
		now := s.now().UTC()
		job.FinishedAt = &now
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			zap.L().Error("api: async ingest failed", zap.String("collection", id), zap.String("job", job.ID), zap.Error(err))
			return
		}
		job.Status = "complete"
		job.Report = rep
		zap.L().Info("api: async ingest complete",
			zap.String("collection", id),
			zap.String("job", job.ID),
			zap.Int("tier2", rep.Tier2Count),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "accepted",
		"job_id":        job.ID,
		"collection_id": id,
	})
}

// pruneJobs drops finished jobs past retention, then the oldest finished
// ones over the cap. Running jobs are never dropped. Caller holds s.mu.
func (s *Server) pruneJobs() {
	cutoff := s.now().Add(-s.jobRetention)
	var finished []*Job
	for id, job := range s.jobs {
		if job.FinishedAt == nil {
			continue
		}
		if job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			continue
		}
		finished = append(finished, job)
	}
	if len(finished) <= s.maxFinished {
		return
	}
	slices.SortFunc(finished, func(a, b *Job) int { return a.FinishedAt.Compare(*b.FinishedAt) })
	for _, job := range finished[:len(finished)-s.maxFinished] {
		delete(s.jobs, job.ID)
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.pruneJobs()
	job, ok := s.jobs[chi.URLParam(r, "id")]
	var snapshot Job
	if ok {
		snapshot = *job
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) enrich(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var opts enrich.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := enrich.ParseStrategy(string(opts.Strategy)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.MaxBudgetUSD != nil && *opts.MaxBudgetUSD < 0 {
		writeError(w, http.StatusBadRequest, "max_budget_usd must not be negative")
		return
	}

	rep, err := s.svc.RunBackgroundPass(r.Context(), id, opts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rep)
	case errors.Is(err, enrich.ErrPassInProgress):
		writeError(w, http.StatusConflict, "a background pass is already running for this collection")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "collection not found")
	default:
		zap.L().Error("api: background pass failed", zap.String("collection", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "background pass failed")
	}
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("api: store error", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, listing.ErrCollectionNotFound):
		writeError(w, http.StatusNotFound, "collection not found")
	case errors.Is(err, listing.ErrUnreachable):
		writeError(w, http.StatusBadGateway, "metadata provider unreachable")
	default:
		zap.L().Error("api: ingest failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingest failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
