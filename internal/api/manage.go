package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GezzyDax/Timelith/internal/channel"
	"github.com/GezzyDax/Timelith/internal/message"
	"github.com/GezzyDax/Timelith/internal/schedule"
	"github.com/GezzyDax/Timelith/internal/sendlog"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

const (
	scheduleLogsLimit = 50
	recentLogsLimit   = 100
	maxListLimit      = 500
)

type scheduleInput struct {
	Schedule struct {
		Name            string     `json:"name"`
		TemplateID      string     `json:"message_template_id"`
		AccountID       string     `json:"telegram_account_id"`
		ScheduleType    string     `json:"schedule_type"`
		CronExpression  string     `json:"cron_expression"`
		IntervalMinutes int        `json:"interval_minutes"`
		ScheduledAt     *time.Time `json:"scheduled_at"`
		Timezone        string     `json:"timezone"`
	} `json:"schedule"`
}

type channelInput struct {
	Channel struct {
		ExternalID string `json:"telegram_id"`
		Name       string `json:"name"`
		Kind       string `json:"kind"`
		Username   string `json:"username"`
		Title      string `json:"title"`
		ThreadID   int    `json:"thread_id"`
	} `json:"channel"`
}

type templateInput struct {
	Template struct {
		Name           string          `json:"name"`
		Content        string          `json:"content"`
		ParseMode      string          `json:"parse_mode"`
		MediaType      string          `json:"media_type"`
		MediaURL       string          `json:"media_url"`
		DisablePreview bool            `json:"disable_preview"`
		Buttons        json.RawMessage `json:"buttons"`
	} `json:"message_template"`
}

// decode reads a JSON body; on failure it writes the 400 itself.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func unprocessable(w http.ResponseWriter, problems ...string) {
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{Errors: problems})
}

// toSchedule checks the payload and the template it points at.
func (h *Handler) toSchedule(w http.ResponseWriter, r *http.Request, in scheduleInput) (schedule.Schedule, bool) {
	p := in.Schedule
	if strings.TrimSpace(p.Name) == "" {
		unprocessable(w, "name is required")
		return schedule.Schedule{}, false
	}
	kind, err := schedule.ParseKind(p.ScheduleType)
	if err != nil {
		unprocessable(w, err.Error())
		return schedule.Schedule{}, false
	}
	if id := strings.TrimSpace(p.TemplateID); id != "" {
		if _, err := h.deps.Templates.Get(r.Context(), id); err != nil {
			if errors.Is(err, message.ErrNotFound) {
				unprocessable(w, "message template must exist")
			} else {
				h.writeError(w, r, err)
			}
			return schedule.Schedule{}, false
		}
	}
	sc := schedule.Schedule{
		Name:       strings.TrimSpace(p.Name),
		TemplateID: strings.TrimSpace(p.TemplateID),
		AccountID:  strings.TrimSpace(p.AccountID),
		Def: schedule.Definition{
			Kind:            kind,
			CronExpr:        strings.TrimSpace(p.CronExpression),
			IntervalMinutes: p.IntervalMinutes,
			Timezone:        strings.TrimSpace(p.Timezone),
		},
	}
	if p.ScheduledAt != nil {
		sc.Def.ScheduledAt = p.ScheduledAt.UTC()
	}
	return sc, true
}

func (h *Handler) respondSchedule(w http.ResponseWriter, r *http.Request, code int, sc schedule.Schedule) {
	v, err := h.view(r, sc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, code, map[string]any{"success": true, "schedule": v})
}

// createSchedule stores a new schedule; it starts inactive.
func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleInput
	if !decode(w, r, &in) {
		return
	}
	sc, ok := h.toSchedule(w, r, in)
	if !ok {
		return
	}
	sc, err := h.deps.Schedules.Create(r.Context(), sc, h.deps.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("schedule created", logx.String("schedule_id", sc.ID), logx.String("type", string(sc.Def.Kind)))
	h.respondSchedule(w, r, http.StatusCreated, sc)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.deps.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondSchedule(w, r, http.StatusOK, sc)
}

func (h *Handler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleInput
	if !decode(w, r, &in) {
		return
	}
	sc, ok := h.toSchedule(w, r, in)
	if !ok {
		return
	}
	sc.ID = chi.URLParam(r, "id")
	sc, err := h.deps.Schedules.Update(r.Context(), sc, h.deps.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondSchedule(w, r, http.StatusOK, sc)
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Schedules.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("schedule deleted", logx.String("schedule_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (h *Handler) attachChannel(w http.ResponseWriter, r *http.Request) {
	id, chID := chi.URLParam(r, "id"), chi.URLParam(r, "channelID")
	if err := h.deps.Channels.Attach(r.Context(), id, chID, h.deps.Now()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.membersResponse(w, r, id)
}

func (h *Handler) detachChannel(w http.ResponseWriter, r *http.Request) {
	id, chID := chi.URLParam(r, "id"), chi.URLParam(r, "channelID")
	if _, err := h.deps.Schedules.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Channels.Detach(r.Context(), id, chID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.membersResponse(w, r, id)
}

func (h *Handler) membersResponse(w http.ResponseWriter, r *http.Request, scheduleID string) {
	members, err := h.deps.Channels.Members(r.Context(), scheduleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]channelView, 0, len(members))
	for _, c := range members {
		out = append(out, toChannelView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "schedule_id": scheduleID, "channels": out})
}

func (h *Handler) upsertChannel(w http.ResponseWriter, r *http.Request) {
	var in channelInput
	if !decode(w, r, &in) {
		return
	}
	p := in.Channel
	var problems []string
	if strings.TrimSpace(p.ExternalID) == "" {
		problems = append(problems, "telegram_id is required")
	}
	kind, err := channel.ParseKind(p.Kind)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if p.ThreadID < 0 {
		problems = append(problems, "thread_id must be >= 0")
	}
	if len(problems) > 0 {
		unprocessable(w, problems...)
		return
	}
	c, err := h.deps.Channels.Upsert(r.Context(), channel.Target{
		ExternalID: p.ExternalID,
		Name:       strings.TrimSpace(p.Name),
		Kind:       kind,
		Username:   strings.TrimPrefix(strings.TrimSpace(p.Username), "@"),
		Title:      strings.TrimSpace(p.Title),
		ThreadID:   p.ThreadID,
	}, h.deps.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "channel": toChannelView(c)})
}

// saveTemplate creates a template, or replaces one when the id is in the
// path.
func (h *Handler) saveTemplate(w http.ResponseWriter, r *http.Request) {
	var in templateInput
	if !decode(w, r, &in) {
		return
	}
	p := in.Template
	buttons, err := rawButtons(p.Buttons)
	if err != nil {
		unprocessable(w, err.Error())
		return
	}
	tpl := message.Template{
		ID:             chi.URLParam(r, "id"),
		Name:           strings.TrimSpace(p.Name),
		Content:        p.Content,
		ParseMode:      strings.ToLower(strings.TrimSpace(p.ParseMode)),
		MediaType:      strings.ToLower(strings.TrimSpace(p.MediaType)),
		MediaURL:       strings.TrimSpace(p.MediaURL),
		DisablePreview: p.DisablePreview,
		Buttons:        buttons,
	}
	if err := tpl.Validate(); err != nil {
		unprocessable(w, err.Error())
		return
	}
	code := http.StatusCreated
	if tpl.ID != "" {
		if _, err := h.deps.Templates.Get(r.Context(), tpl.ID); err != nil {
			h.writeError(w, r, err)
			return
		}
		code = http.StatusOK
	}
	tpl, err = h.deps.Templates.Save(r.Context(), tpl, h.deps.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, code, map[string]any{"success": true, "message_template": toTemplateView(tpl)})
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.deps.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message_template": toTemplateView(tpl)})
}

// rawButtons accepts the button rows either as JSON or as a JSON string
// holding them.
func rawButtons(raw json.RawMessage) (string, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return "", nil
	}
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return "", err
		}
		s = inner
	}
	if _, err := message.ParseButtons(s); err != nil {
		return "", err
	}
	return s, nil
}

func (h *Handler) scheduleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, ok := queryLimit(w, r, scheduleLogsLimit)
	if !ok {
		return
	}
	if _, err := h.deps.Schedules.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	logs, err := h.deps.Logs.ListBySchedule(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "send_logs": logViews(logs)})
}

func (h *Handler) recentLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, recentLogsLimit)
	if !ok {
		return
	}
	logs, err := h.deps.Logs.ListRecent(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "send_logs": logViews(logs)})
}

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		unprocessable(w, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

func logViews(logs []sendlog.Log) []logView {
	out := make([]logView, 0, len(logs))
	for _, l := range logs {
		out = append(out, toLogView(l))
	}
	return out
}
