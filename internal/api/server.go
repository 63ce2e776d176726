package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewatch/internal/config"
	"github.com/JakeFAU/scrapewatch/internal/controller"
	"github.com/JakeFAU/scrapewatch/internal/metrics"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

const (
	readyTimeout          = 2 * time.Second
	defaultRequestTimeout = 60 * time.Second
)

// Tracker is the part of controller.Tracker the API drives.
type Tracker interface {
	Submit(ctx context.Context, req scrape.SubmitRequest) (*controller.Session, bool, error)
	Get(handle string) (*controller.Session, error)
	List() []*controller.Session
	Detach(handle string) error
}

// IDGenerator produces request ids.
type IDGenerator interface {
	NewID() (string, error)
}

// ReadyCheck is a named dependency probe run by /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the job tracker and run history.
type Server struct {
	router   chi.Router
	tracker  Tracker
	runs     *RunHandler
	idGen    IDGenerator
	checks   []ReadyCheck
	validate *validator.Validate
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil,
// in which case the history routes answer 503.
func NewServer(
	tracker Tracker,
	runs store.RunRepository,
	idGen IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
	checks ...ReadyCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		tracker:  tracker,
		runs:     NewRunHandler(runs, logger),
		idGen:    idGen,
		checks:   checks,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(idGen))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Event streams outlive the request timeout.
		r.Get("/scrapes/{handle}/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Post("/scrapes", s.submitScrape)
			r.Get("/scrapes", s.listScrapes)
			r.Get("/scrapes/{handle}", s.getScrape)
			r.Delete("/scrapes/{handle}", s.detachScrape)
			r.Post("/scrapes/{handle}/cancel/prompt", s.prepareCancel)
			r.Delete("/scrapes/{handle}/cancel/prompt", s.dismissCancel)
			r.Post("/scrapes/{handle}/cancel", s.cancelScrape)
			r.Get("/runs", s.runs.ListRuns)
			r.Get("/runs/{handle}", s.runs.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failing := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			failing[c.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	TargetID              int64  `json:"target_id" validate:"required,gt=0"`
	Mode                  string `json:"mode" validate:"required,oneof=followers following both"`
	UsePrivateCredentials bool   `json:"use_private_credentials"`
}

type cancelRequest struct {
	Disposition string `json:"disposition" validate:"required,oneof=persist_partial discard"`
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, attached, err := s.tracker.Submit(r.Context(), scrape.SubmitRequest{
		TargetID:              req.TargetID,
		Mode:                  scrape.Mode(req.Mode),
		UsePrivateCredentials: req.UsePrivateCredentials,
	})
	if err != nil {
		s.writeFailure(w, "submit scrape", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job":      sess.View(),
		"attached": attached,
	})
}

func (s *Server) listScrapes(w http.ResponseWriter, _ *http.Request) {
	sessions := s.tracker.List()
	views := make([]scrape.View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) getScrape(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": sess.View()})
}

func (s *Server) detachScrape(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if err := s.tracker.Detach(handle); err != nil {
		s.writeFailure(w, "detach scrape", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_handle": handle,
		"stream":     string(scrape.StreamDetached),
	})
}

func (s *Server) prepareCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	prompt, err := sess.PrepareCancellation()
	if err != nil {
		s.writeFailure(w, "prepare cancellation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompt": prompt})
}

func (s *Server) dismissCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.DismissCancellation()
	writeJSON(w, http.StatusOK, map[string]any{"job": sess.View()})
}

func (s *Server) cancelScrape(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := sess.RequestCancellation(r.Context(), scrape.Disposition(req.Disposition))
	if err != nil {
		s.writeFailure(w, "cancel scrape", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cancellation": c,
		"job":          sess.View(),
	})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*controller.Session, bool) {
	sess, err := s.tracker.Get(chi.URLParam(r, "handle"))
	if err != nil {
		s.writeFailure(w, "lookup scrape", err)
		return nil, false
	}
	return sess, true
}

// decode reads a JSON body into dst and validates it, writing a 400 on
// failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "invalid "+verrs[0].Field())
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Debug(op+" refused", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  errorCode(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
