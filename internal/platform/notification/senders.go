package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes email and SMS notifications to the log. It stands in for
// a delivery provider.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Str("body", body).Msg("notification")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().Str("channel", "sms").Str("to", to).Str("body", body).Msg("notification")
	return nil
}

func (s *LogSender) SendPush(_ context.Context, n *Notification) error {
	s.logger.Info().Str("channel", "push").Str("to", n.Recipient).Str("subject", n.Subject).Msg("notification")
	return nil
}

// Publisher writes a keyed JSON event, e.g. to a message broker.
type Publisher interface {
	Publish(ctx context.Context, key string, payload interface{}) error
}

// PushMessage is the event consumed by the mobile push gateway.
type PushMessage struct {
	NotificationID string            `json:"notification_id"`
	Recipient      string            `json:"recipient"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Priority       string            `json:"priority"`
	Data           map[string]string `json:"data,omitempty"`
}

// EventPushSender hands push notifications to the push gateway through a
// Publisher, keyed by recipient.
type EventPushSender struct {
	pub Publisher
}

func NewEventPushSender(pub Publisher) *EventPushSender {
	return &EventPushSender{pub: pub}
}

func (s *EventPushSender) SendPush(ctx context.Context, n *Notification) error {
	return s.pub.Publish(ctx, n.Recipient, PushMessage{
		NotificationID: n.ID,
		Recipient:      n.Recipient,
		Title:          n.Subject,
		Body:           n.Body,
		Priority:       n.Priority,
		Data:           n.TemplateData,
	})
}
