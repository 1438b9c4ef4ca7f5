// Package telegram sends run notifications to a Telegram chat.
package telegram

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jxucoder/pveprov/internal/logging"
	"github.com/jxucoder/pveprov/pkg/manifest"
	"github.com/jxucoder/pveprov/pkg/model"
	"github.com/jxucoder/pveprov/pkg/notify"
)

// Notifier posts to one chat through the Bot API.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

type options struct {
	endpoint   string
	httpClient *http.Client
}

// Option customises New.
type Option func(*options)

// WithAPIEndpoint overrides the Bot API endpoint format
// (tgbotapi.APIEndpoint by default).
func WithAPIEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// New creates a notifier. The token is checked with getMe.
func New(token string, chatID int64, opts ...Option) (*Notifier, error) {
	o := options{
		endpoint:   tgbotapi.APIEndpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, o.endpoint, o.httpClient)
	if err != nil {
		return nil, errors.Wrap(err, "creating Telegram bot")
	}
	logging.Logger.Infow("telegram notifier authorized", "bot", api.Self.UserName, "chat_id", chatID)

	return &Notifier{api: api, chatID: chatID}, nil
}

// Name returns the notifier name.
func (n *Notifier) Name() string { return "telegram" }

// Notify sends the run summary. The Bot API client has no context support,
// so ctx is only checked before sending.
func (n *Notifier) Notify(ctx context.Context, run *model.Run, m *manifest.Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	text := "*" + escapeMarkdown(notify.Headline(run)) + "*\n" +
		escapeMarkdown(strings.Join(notify.Details(run, m), "\n"))

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := n.api.Send(msg); err != nil {
		logging.Logger.Warnw("telegram markdown send failed, retrying as plain text", "error", err)
		msg.ParseMode = ""
		msg.Text = notify.Headline(run) + "\n" + strings.Join(notify.Details(run, m), "\n")
		if _, err := n.api.Send(msg); err != nil {
			return errors.Wrap(err, "sending telegram message")
		}
	}
	return nil
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]",
		"(", "\\(", ")", "\\)", "~", "\\~", "`", "\\`",
		">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
		"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}",
		".", "\\.", "!", "\\!",
	)
	return replacer.Replace(s)
}
