package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/GezzyDax/Timelith/internal/delivery"
	"github.com/GezzyDax/Timelith/internal/message"
	kit "github.com/GezzyDax/Timelith/internal/transport"
)

var _ delivery.Deliverer = (*Adapter)(nil)

// Deliver sends one rendered broadcast message to its channel. The external
// message id is the Telegram message id of the first message sent.
func (a *Adapter) Deliver(ctx context.Context, req delivery.Request) (delivery.Result, error) {
	to := kit.ChatTarget{ThreadID: req.Target.ThreadID}
	if id, ok := req.Target.ChatID(); ok {
		to.ChatID = id
	} else {
		to.Username = req.Target.ExternalID
		if to.Username == "" {
			to.Username = req.Target.Username
		}
	}

	opt := &kit.SendOptions{ParseMode: req.ParseMode, DisablePreview: req.DisablePreview}
	if kb := keyboard(req.Buttons); kb != nil {
		opt.ReplyMarkupAdapter = kb
	}

	var (
		ref kit.MessageRef
		err error
	)
	if req.MediaType != message.MediaNone && strings.TrimSpace(req.MediaURL) != "" {
		ref, err = a.sendMedia(ctx, to, req, opt)
	} else {
		ref, err = a.SendText(ctx, to, req.Text, opt)
	}
	if err != nil {
		return delivery.Result{}, describe(err)
	}
	return delivery.Result{ExternalMessageID: strconv.Itoa(ref.MessageID)}, nil
}

// sendMedia sends the media with the text as caption. Text over the caption
// limit follows as separate messages.
func (a *Adapter) sendMedia(ctx context.Context, to kit.ChatTarget, req delivery.Request, opt *kit.SendOptions) (kit.MessageRef, error) {
	caption, rest := req.Text, ""
	if len([]rune(req.Text)) > telegramCaptionLimit {
		caption, rest = "", req.Text
	}
	file := tele.FromURL(req.MediaURL)

	var what any
	switch req.MediaType {
	case message.MediaPhoto:
		what = &tele.Photo{File: file, Caption: caption}
	case message.MediaVideo:
		what = &tele.Video{File: file, Caption: caption}
	case message.MediaDocument:
		what = &tele.Document{File: file, Caption: caption}
	default:
		return kit.MessageRef{}, fmt.Errorf("unsupported media type %q", req.MediaType)
	}

	sendOpt := &tele.SendOptions{ParseMode: parseMode(opt.ParseMode), ThreadID: to.ThreadID}
	if rest == "" {
		if kb, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			sendOpt.ReplyMarkup = kb
		}
	}
	msg, err := a.send(ctx, recipientOf(to), what, sendOpt)
	if err != nil {
		return kit.MessageRef{}, err
	}
	first := refOf(msg, to)
	if rest != "" {
		if _, err := a.SendText(ctx, to, rest, opt); err != nil {
			return first, err
		}
	}
	return first, nil
}

func keyboard(rows [][]message.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tele.InlineButton{Text: b.Text, URL: b.URL})
		}
		kb = append(kb, btns)
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}

// describe keeps the Bot API's flood-wait hint visible in the stored error.
func describe(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return fmt.Errorf("telegram flood control, retry after %ds: %w", fe.RetryAfter, err)
	}
	return err
}
