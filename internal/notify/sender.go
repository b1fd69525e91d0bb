// Package notify delivers rendered digests
package notify

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/intelbot/internal/services"
)

// WebhookService is the service id webhook deliveries are accounted under
const WebhookService = "webhook"

type Sender interface {
	Send(ctx context.Context, title, body string) error
}

// LogSender writes digests to the log
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, title, body string) error {
	s.Log.Info().Str("title", title).Msg(body)
	return nil
}

// Poster is the part of services.Client a WebhookSender needs
type Poster interface {
	Request(ctx context.Context, serviceID, url string, opts ...services.RequestOption) (*services.Result, error)
}

// WebhookSender posts digests as JSON to a chat webhook. Deliveries go
// through the service client so a dead webhook trips its own breaker.
type WebhookSender struct {
	client Poster
	url    string
}

type webhookPayload struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// NewWebhookSender creates a sender posting to url
func NewWebhookSender(client Poster, url string) (*WebhookSender, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	return &WebhookSender{client: client, url: url}, nil
}

func (s *WebhookSender) Send(ctx context.Context, title, body string) error {
	_, err := s.client.Request(ctx, WebhookService, s.url,
		services.WithMethod(http.MethodPost),
		services.WithBody(webhookPayload{Title: title, Text: body}))
	return err
}
