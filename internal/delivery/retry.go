package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/GezzyDax/Timelith/internal/eventbus"
	"github.com/GezzyDax/Timelith/internal/message"
	"github.com/GezzyDax/Timelith/internal/sendlog"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

// Retry re-attempts the delivery recorded by one failed send log. The stored
// message content is resent as is; template options are taken from the
// schedule's current template when it still exists.
//
// A log that is not failed or has used up its retries yields
// sendlog.ErrRetryExhausted and is left unchanged. Schedule statistics are
// not touched by a retry.
func (f *Fanout) Retry(ctx context.Context, id string) (sendlog.Log, error) {
	l, err := f.deps.Logs.BeginRetry(ctx, id, f.deps.Now())
	if err != nil {
		return l, err
	}
	f.log.Info("delivery retry started",
		logx.String("send_log_id", l.ID),
		logx.String("schedule_id", l.ScheduleID),
		logx.Int("retry_count", l.RetryCount),
	)
	f.publish(eventbus.TypeRetryStarted, l)

	req, err := f.retryRequest(ctx, l)
	if err != nil {
		// The log is in sending now; fail it so it stays retryable.
		wctx, cancel := writeContext(ctx)
		defer cancel()
		if merr := f.deps.Logs.MarkFailed(wctx, l.ID, err.Error(), f.deps.Now()); merr != nil {
			return l, errors.Join(err, merr)
		}
		l.Status, l.ErrorMessage = sendlog.StatusFailed, err.Error()
		return l, nil
	}

	cfg, lim := f.current()
	return f.attempt(ctx, l, req, cfg, lim)
}

func (f *Fanout) retryRequest(ctx context.Context, l sendlog.Log) (Request, error) {
	target, err := f.deps.Channels.Get(ctx, l.ChannelID)
	if err != nil {
		return Request{}, fmt.Errorf("load channel: %w", err)
	}
	req := Request{
		SendLogID:  l.ID,
		ScheduleID: l.ScheduleID,
		ChannelID:  l.ChannelID,
		Target:     target,
		Text:       l.MessageContent,
	}

	sc, err := f.deps.Schedules.Get(ctx, l.ScheduleID)
	if err != nil || sc.TemplateID == "" {
		return req, nil
	}
	tpl, err := f.deps.Templates.Get(ctx, sc.TemplateID)
	if err != nil {
		if !errors.Is(err, message.ErrNotFound) {
			f.log.Warn("retry without template options", logx.String("send_log_id", l.ID), logx.Err(err))
		}
		return req, nil
	}
	req.ParseMode = tpl.ParseMode
	req.DisablePreview = tpl.DisablePreview
	req.MediaType = tpl.MediaType
	req.MediaURL = tpl.MediaURL
	if rows, err := message.ParseButtons(tpl.Buttons); err == nil {
		req.Buttons = rows
	}
	return req, nil
}
