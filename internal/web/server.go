package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/appointment-scheduler/internal/artifacts"
	"github.com/example/appointment-scheduler/internal/auth"
	"github.com/example/appointment-scheduler/internal/internaltypes"
	"github.com/example/appointment-scheduler/internal/jobs"
	"github.com/example/appointment-scheduler/internal/telemetry"
	"github.com/example/appointment-scheduler/internal/tenants"
)

type JobStore interface {
	Get(ctx context.Context, id string) (jobs.Job, error)
	ListByTenant(ctx context.Context, tenantID int64, f jobs.ListFilter) ([]jobs.Job, error)
	Delete(ctx context.Context, id string) error
}

type TenantStore interface {
	Get(ctx context.Context, id int64) (tenants.Tenant, error)
	UpdateSchedule(ctx context.Context, id int64, enabled *bool, frequency *int) (tenants.Tenant, error)
}

type Runner interface {
	Trigger(ctx context.Context, tenantID int64) (jobs.Job, error)
	Busy(tenantID int64) bool
}

type Server struct {
	Auth    *auth.Store
	Jobs    JobStore
	Tenants TenantStore
	Runner  Runner
	Store   *artifacts.Store
	Logger  zerolog.Logger

	// NextRun reports the scheduler's next tick; optional.
	NextRun func() time.Time
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tenants/{id}", func(r chi.Router) {
		r.Use(s.Auth.RequireTenant("id", s.fail))
		r.Get("/", s.handleTenant)
		r.Post("/queries", s.handleTrigger)
		r.Get("/queries", s.handleListQueries)
		r.Get("/schedule", s.handleGetSchedule)
		r.Put("/schedule", s.handlePutSchedule)
		r.Post("/schedule/pause", s.handleSetEnabled(false))
		r.Post("/schedule/resume", s.handleSetEnabled(true))
	})

	r.Route("/queries/{jobID}", func(r chi.Router) {
		r.Get("/", s.handleGetQuery)
		r.Get("/download", s.handleDownload)
		r.Delete("/", s.handleDeleteQuery)
	})
	return r
}

const requestIDHeader = "X-Request-ID"

// requestLog tags each request with an id and logs its outcome.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http")
	})
}

func tenantID(r *http.Request) int64 {
	id, _ := auth.TenantIDFromContext(r.Context())
	return id
}

type tenantView struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	RemoteUsername    string     `json:"remote_username"`
	ScheduleEnabled   bool       `json:"schedule_enabled"`
	ScheduleFrequency int        `json:"frequency_minutes"`
	NextRun           *time.Time `json:"next_run,omitempty"`
	Running           bool       `json:"running"`
}

func (s *Server) view(t tenants.Tenant) tenantView {
	v := tenantView{
		ID:                t.ID,
		Name:              t.Name,
		RemoteUsername:    t.RemoteUsername,
		ScheduleEnabled:   t.ScheduleEnabled,
		ScheduleFrequency: t.ScheduleFrequency,
		Running:           s.Runner.Busy(t.ID),
	}
	if s.NextRun != nil && t.ScheduleEnabled {
		if n := s.NextRun(); !n.IsZero() {
			v.NextRun = &n
		}
	}
	return v
}

func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tenants.Get(r.Context(), tenantID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(t))
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	j, err := s.Runner.Trigger(r.Context(), tenantID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": j.ID, "status": string(j.Status)})
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	js, err := s.Jobs.ListByTenant(r.Context(), tenantID(r), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if js == nil {
		js = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": js, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	s.handleTenant(w, r)
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.updateSchedule(w, r, req.Enabled, req.Frequency)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.updateSchedule(w, r, &enabled, nil)
	}
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request, enabled *bool, frequency *int) {
	t, err := s.Tenants.UpdateSchedule(r.Context(), tenantID(r), enabled, frequency)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.Logger.Info().Int64("tenant_id", t.ID).Bool("enabled", t.ScheduleEnabled).Int("frequency", t.ScheduleFrequency).Msg("schedule updated")
	writeJSON(w, http.StatusOK, s.view(t))
}

// job loads the path's job and checks the caller may access its tenant.
func (s *Server) job(w http.ResponseWriter, r *http.Request) (jobs.Job, bool) {
	j, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, internaltypes.ErrNotFound) {
			// do not reveal which job ids exist
			err = internaltypes.ErrUnauthorized
		}
		s.fail(w, err)
		return jobs.Job{}, false
	}
	if err := s.Auth.Authorize(r.Context(), j.TenantID, r); err != nil {
		s.fail(w, err)
		return jobs.Job{}, false
	}
	return j, true
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	j, ok := s.job(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	j, ok := s.job(w, r)
	if !ok {
		return
	}
	if !artifacts.Exists(j.FolderPath) {
		writeError(w, http.StatusNotFound, "no artifacts for this query")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+j.ID+`.zip"`)
	if err := artifacts.Zip(w, j.FolderPath); err != nil {
		// headers are gone; all we can do is log
		s.Logger.Error().Err(err).Str("job_id", j.ID).Msg("zip download failed")
	}
}

func (s *Server) handleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	j, ok := s.job(w, r)
	if !ok {
		return
	}
	if !j.Status.Terminal() && s.Runner.Busy(j.TenantID) {
		writeError(w, http.StatusConflict, "query is still running")
		return
	}
	if err := s.Jobs.Delete(r.Context(), j.ID); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.Store.RemoveJob(j.TenantID, j.ID); err != nil {
		s.Logger.Error().Err(err).Str("job_id", j.ID).Msg("could not remove query folder")
	}
	w.WriteHeader(http.StatusNoContent)
}

func Start(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
