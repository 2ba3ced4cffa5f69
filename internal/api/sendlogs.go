package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	gocache "github.com/patrickmn/go-cache"

	"github.com/GezzyDax/Timelith/internal/channel"
	"github.com/GezzyDax/Timelith/internal/schedule"
	"github.com/GezzyDax/Timelith/internal/sendlog"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

const maxReportBody = 1 << 20

type outcomeReport struct {
	SendLog struct {
		ScheduleID        string     `json:"schedule_id"`
		AccountID         string     `json:"telegram_account_id"`
		ChannelID         string     `json:"channel_id"`
		Status            string     `json:"status"`
		MessageContent    string     `json:"message_content"`
		ExternalMessageID string     `json:"telegram_message_id"`
		ErrorMessage      string     `json:"error_message"`
		SentAt            *time.Time `json:"sent_at"`
		RetryCount        int        `json:"retry_count"`
	} `json:"send_log"`
}

type replay struct {
	code int
	body []byte
}

// pendingReplay holds an Idempotency-Key while its first request is applied.
type pendingReplay struct{}

// reportOutcome stores a send log produced elsewhere and records the
// execution on its schedule (success iff the log is sent). With an
// Idempotency-Key header a replayed request gets the first response and is
// not applied again; a duplicate that arrives while the first is still being
// applied gets 409.
func (h *Handler) reportOutcome(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		if err := h.replays.Add(key, pendingReplay{}, gocache.DefaultExpiration); err != nil {
			h.replayed(w, key)
			return
		}
	}

	stored := false
	defer func() {
		if key != "" && !stored {
			h.replays.Delete(key)
		}
	}()

	code, body := h.applyOutcome(w, r)
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	if key != "" && code < 500 {
		h.replays.SetDefault(key, replay{code: code, body: buf.Bytes()})
		stored = true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) replayed(w http.ResponseWriter, key string) {
	v, ok := h.replays.Get(key)
	rp, done := v.(replay)
	if !ok || !done {
		writeJSON(w, http.StatusConflict, errorBody{Error: "a request with this Idempotency-Key is in progress"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(rp.code)
	_, _ = w.Write(rp.body)
}

func (h *Handler) applyOutcome(w http.ResponseWriter, r *http.Request) (int, any) {
	var in outcomeReport
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody))
	if err := dec.Decode(&in); err != nil {
		return http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()}
	}
	p := in.SendLog

	var problems []string
	if strings.TrimSpace(p.ScheduleID) == "" {
		problems = append(problems, "schedule_id is required")
	}
	if strings.TrimSpace(p.ChannelID) == "" {
		problems = append(problems, "channel_id is required")
	}
	status, err := sendlog.ParseStatus(p.Status)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if p.RetryCount < 0 {
		problems = append(problems, "retry_count must be >= 0")
	}
	if len(problems) > 0 {
		return http.StatusUnprocessableEntity, errorBody{Errors: problems}
	}

	ctx := r.Context()
	now := h.deps.Now()
	if _, err := h.deps.Schedules.Get(ctx, p.ScheduleID); err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			return http.StatusUnprocessableEntity, errorBody{Errors: []string{"schedule must exist"}}
		}
		return h.internal(r, err)
	}
	if _, err := h.deps.Channels.Get(ctx, p.ChannelID); err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return http.StatusUnprocessableEntity, errorBody{Errors: []string{"channel must exist"}}
		}
		return h.internal(r, err)
	}

	l := sendlog.Log{
		ScheduleID:        p.ScheduleID,
		ChannelID:         p.ChannelID,
		AccountID:         p.AccountID,
		Status:            status,
		MessageContent:    p.MessageContent,
		ExternalMessageID: p.ExternalMessageID,
		ErrorMessage:      p.ErrorMessage,
		RetryCount:        p.RetryCount,
	}
	if p.SentAt != nil {
		l.SentAt = p.SentAt.UTC()
	}
	l, err = h.deps.Logs.Import(ctx, l, now)
	if err != nil {
		return h.internal(r, err)
	}

	sc, err := h.deps.Schedules.RecordExecution(ctx, l.ScheduleID, schedule.Outcome{
		Success: l.Status == sendlog.StatusSent,
		Sent:    boolInt(l.Status == sendlog.StatusSent),
		Failed:  boolInt(l.Status != sendlog.StatusSent),
	}, now)
	if err != nil {
		return h.internal(r, err)
	}
	h.log.Info("outcome reported",
		logx.String("send_log_id", l.ID),
		logx.String("schedule_id", l.ScheduleID),
		logx.String("status", string(l.Status)),
		logx.Time("next_run_at", sc.NextRunAt),
	)
	return http.StatusCreated, map[string]any{"success": true, "log_id": l.ID}
}

func (h *Handler) internal(r *http.Request, err error) (int, any) {
	h.log.Error("api request failed", logx.String("path", r.URL.Path), logx.Err(err))
	return http.StatusInternalServerError, errorBody{Error: "internal error"}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type logView struct {
	ID                string     `json:"id"`
	ScheduleID        string     `json:"schedule_id"`
	ChannelID         string     `json:"channel_id"`
	Status            string     `json:"status"`
	MessageContent    string     `json:"message_content"`
	ExternalMessageID string     `json:"telegram_message_id,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	RetryCount        int        `json:"retry_count"`
	CanRetry          bool       `json:"can_retry"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	if h.deps.Retrier == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "delivery is not configured"})
		return
	}
	l, err := h.deps.Retrier.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, sendlog.ErrRetryExhausted) {
			writeJSON(w, http.StatusConflict, errorBody{Error: "Cannot retry this message"})
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "send_log": toLogView(l)})
}

func toLogView(l sendlog.Log) logView {
	return logView{
		ID:                l.ID,
		ScheduleID:        l.ScheduleID,
		ChannelID:         l.ChannelID,
		Status:            string(l.Status),
		MessageContent:    l.MessageContent,
		ExternalMessageID: l.ExternalMessageID,
		ErrorMessage:      l.ErrorMessage,
		SentAt:            timePtr(l.SentAt),
		RetryCount:        l.RetryCount,
		CanRetry:          sendlog.CanRetry(l),
		CreatedAt:         l.CreatedAt,
	}
}
