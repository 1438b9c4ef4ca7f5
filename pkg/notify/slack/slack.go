// Package slack posts run notifications to a Slack incoming webhook.
package slack

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/slack-go/slack"

	"github.com/jxucoder/pveprov/pkg/manifest"
	"github.com/jxucoder/pveprov/pkg/model"
	"github.com/jxucoder/pveprov/pkg/notify"
)

// Notifier sends one webhook message per finished run.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// New creates a Slack notifier for webhookURL.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Name returns the notifier name.
func (n *Notifier) Name() string { return "slack" }

// Notify posts the run summary.
func (n *Notifier) Notify(ctx context.Context, run *model.Run, m *manifest.Manifest) error {
	msg := Message(run, m)
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.httpClient, msg); err != nil {
		return errors.Wrap(err, "posting slack webhook")
	}
	return nil
}

// Message builds the webhook payload: a header section and a context block,
// with plain text for clients that do not render blocks.
func Message(run *model.Run, m *manifest.Manifest) *slack.WebhookMessage {
	headline := notify.Headline(run)
	details := notify.Details(run, m)

	headerText := slack.NewTextBlockObject(slack.MarkdownType,
		statusEmoji(run.Status)+" *"+headline+"*", false, false)
	headerSection := slack.NewSectionBlock(headerText, nil, nil)

	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject(slack.MarkdownType, strings.Join(details, "\n"), false, false),
	}
	contextBlock := slack.NewContextBlock("", contextElements...)

	return &slack.WebhookMessage{
		Text: headline,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			headerSection,
			slack.NewDividerBlock(),
			contextBlock,
		}},
	}
}

func statusEmoji(s model.Status) string {
	switch s {
	case model.StatusComplete:
		return ":white_check_mark:"
	case model.StatusUnapproved:
		return ":warning:"
	case model.StatusClarification:
		return ":question:"
	}
	return ":x:"
}
