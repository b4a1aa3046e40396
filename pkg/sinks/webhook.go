package sinks

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/caresignal/vitals-alert-gateway/pkg/services"
)

// WebhookSink POSTs every delivered payload to a configured URL, typically an
// integration endpoint of a hospital system. Delivery is fire and forget;
// failures are logged so a flaky downstream never evicts the hook.
type WebhookSink struct {
	id     string
	client *resty.Client
}

// Ensure WebhookSink implements Sink
var _ services.Sink = (*WebhookSink)(nil)

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &WebhookSink{
		id:     uuid.New().String(),
		client: client,
	}
}

func (s *WebhookSink) ID() string {
	return s.id
}

func (s *WebhookSink) Send(message []byte) error {
	go func() {
		resp, err := s.client.R().SetBody(message).Post("")
		if err != nil {
			logrus.Warnf("Webhook delivery failed: %v", err)
			return
		}
		if resp.IsError() {
			logrus.Warnf("Webhook delivery returned %s", resp.Status())
		}
	}()
	return nil
}
