package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GezzyDax/Timelith/internal/channel"
	"github.com/GezzyDax/Timelith/internal/message"
	"github.com/GezzyDax/Timelith/internal/schedule"
)

type templateView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	MediaType string `json:"media_type"`
	MediaURL  string `json:"media_url"`
	ParseMode string `json:"parse_mode"`
	Buttons   string `json:"buttons"`
}

func toTemplateView(t message.Template) templateView {
	return templateView{
		ID:        t.ID,
		Name:      t.Name,
		Content:   t.Content,
		MediaType: t.MediaType,
		MediaURL:  t.MediaURL,
		ParseMode: t.ParseMode,
		Buttons:   t.Buttons,
	}
}

type channelView struct {
	ID         string `json:"id"`
	ExternalID string `json:"telegram_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	ThreadID   int    `json:"thread_id,omitempty"`
}

func toChannelView(c channel.Target) channelView {
	return channelView{ID: c.ID, ExternalID: c.ExternalID, Name: c.DisplayName(), Kind: string(c.Kind), ThreadID: c.ThreadID}
}

type scheduleView struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	AccountID       string        `json:"telegram_account_id"`
	Template        *templateView `json:"message_template"`
	Channels        []channelView `json:"channels"`
	ScheduleType    string        `json:"schedule_type"`
	CronExpression  string        `json:"cron_expression,omitempty"`
	IntervalMinutes int           `json:"interval_minutes,omitempty"`
	ScheduledAt     *time.Time    `json:"scheduled_at,omitempty"`
	NextRunAt       *time.Time    `json:"next_run_at"`
	Timezone        string        `json:"timezone"`
	Active          bool          `json:"active"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// listSchedules returns every active schedule with its template and channels.
func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.deps.Schedules.List(ctx, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]scheduleView, 0, len(list))
	for _, sc := range list {
		v, err := h.view(r, sc)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "schedules": out})
}

func (h *Handler) view(r *http.Request, sc schedule.Schedule) (scheduleView, error) {
	v := scheduleView{
		ID:              sc.ID,
		Name:            sc.Name,
		AccountID:       sc.AccountID,
		ScheduleType:    string(sc.Def.Kind),
		CronExpression:  sc.Def.CronExpr,
		IntervalMinutes: sc.Def.IntervalMinutes,
		ScheduledAt:     timePtr(sc.Def.ScheduledAt),
		NextRunAt:       timePtr(sc.NextRunAt),
		Timezone:        sc.Def.Timezone,
		Active:          sc.Active,
		Channels:        []channelView{},
	}
	if sc.TemplateID != "" {
		tpl, err := h.deps.Templates.Get(r.Context(), sc.TemplateID)
		switch {
		case err == nil:
			tv := toTemplateView(tpl)
			v.Template = &tv
		case !errors.Is(err, message.ErrNotFound):
			return v, err
		}
	}
	members, err := h.deps.Channels.Members(r.Context(), sc.ID)
	if err != nil {
		return v, err
	}
	for _, c := range members {
		v.Channels = append(v.Channels, toChannelView(c))
	}
	return v, nil
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	sc, err := h.deps.Schedules.Activate(r.Context(), chi.URLParam(r, "id"), h.deps.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.view(r, sc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "schedule": v})
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Schedules.Deactivate(r.Context(), id, h.deps.Now()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}
