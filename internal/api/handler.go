package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gocache "github.com/patrickmn/go-cache"

	"github.com/GezzyDax/Timelith/internal/channel"
	"github.com/GezzyDax/Timelith/internal/message"
	"github.com/GezzyDax/Timelith/internal/schedule"
	"github.com/GezzyDax/Timelith/internal/sendlog"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

// Retrier re-attempts one failed delivery.
type Retrier interface {
	Retry(ctx context.Context, id string) (sendlog.Log, error)
}

type Deps struct {
	Schedules *schedule.Store
	Channels  *channel.Store
	Templates *message.Store
	Logs      *sendlog.Store
	Retrier   Retrier
	Now       func() time.Time
}

type Handler struct {
	deps Deps
	log  logx.Logger
	// replays holds responses by Idempotency-Key.
	replays *gocache.Cache
}

func NewHandler(deps Deps, idempotencyTTL time.Duration, log logx.Logger) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if idempotencyTTL <= 0 {
		idempotencyTTL = DefaultIdempotencyTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{deps: deps, log: log, replays: gocache.New(idempotencyTTL, 2*idempotencyTTL)}
}

// Routes builds the router. Only /healthz is reachable without the key.
func (h *Handler) Routes(apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireKey(apiKey))
		r.Get("/schedules", h.listSchedules)
		r.Post("/schedules", h.createSchedule)
		r.Route("/schedules/{id}", func(r chi.Router) {
			r.Get("/", h.getSchedule)
			r.Put("/", h.updateSchedule)
			r.Delete("/", h.deleteSchedule)
			r.Post("/activate", h.activate)
			r.Post("/deactivate", h.deactivate)
			r.Get("/logs", h.scheduleLogs)
			r.Put("/channels/{channelID}", h.attachChannel)
			r.Delete("/channels/{channelID}", h.detachChannel)
		})

		r.Post("/channels", h.upsertChannel)
		r.Post("/templates", h.saveTemplate)
		r.Get("/templates/{id}", h.getTemplate)
		r.Put("/templates/{id}", h.saveTemplate)

		r.Get("/logs", h.recentLogs)
		r.Post("/send_logs", h.reportOutcome)
		r.Post("/send_logs/{id}/retry", h.retry)
	})
	return r
}

func requireKey(key string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(key))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("X-API-Key"))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, schedule.ErrNotFound), errors.Is(err, sendlog.ErrNotFound),
		errors.Is(err, channel.ErrNotFound), errors.Is(err, message.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, sendlog.ErrRetryExhausted), errors.Is(err, sendlog.ErrInvalidTransition),
		errors.Is(err, channel.ErrLastChannel):
		code = http.StatusConflict
	case errors.Is(err, schedule.ErrNotActivatable), errors.Is(err, schedule.ErrInvalidDefinition):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		h.log.Error("api request failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeJSON(w, code, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}
