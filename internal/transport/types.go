package transport

import "context"

// ChatTarget addresses a chat on the messaging network.
//
// ChatID is preferred; Username ("@name") is used for public channels that were
// registered without a numeric id.
type ChatTarget struct {
	ChatID   int64
	Username string
	ThreadID int // telegram forum topic thread id (0 if none)
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 && t.Username == "" }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool

	// MediaType is one of "", "photo", "video", "document".
	MediaType string
	MediaURL  string

	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Sender is the minimal outbound surface shared by the delivery path and the
// log sink.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
