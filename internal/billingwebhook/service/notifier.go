package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	"github.com/smallbiznis/tenantdesk/internal/config"
	obstracing "github.com/smallbiznis/tenantdesk/internal/observability/tracing"
	"go.uber.org/zap"
)

const defaultAlertTimeout = 5 * time.Second

// LogNotifier records dead letters in the service log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("billingwebhook.deadletter")}
}

func (n *LogNotifier) Notify(_ context.Context, letter domain.DeadLetter) error {
	n.log.Error("billing event dead-lettered",
		zap.String("event_id", letter.EventID),
		zap.String("event_type", letter.Type),
		zap.Int("attempts", letter.Attempts),
		zap.Bool("fatal", letter.Fatal),
		zap.String("error", letter.Error),
	)
	return nil
}

// WebhookNotifier posts dead letters as JSON to an alerting endpoint.
type WebhookNotifier struct {
	endpoint   string
	httpClient *http.Client
}

func NewWebhookNotifier(endpoint string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: defaultAlertTimeout}
	}
	return &WebhookNotifier{endpoint: endpoint, httpClient: obstracing.WrapHTTPClient(client)}
}

func (n *WebhookNotifier) Notify(ctx context.Context, letter domain.DeadLetter) error {
	payload, err := json.Marshal(letter)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}
	return nil
}

type multiNotifier []domain.Notifier

func (m multiNotifier) Notify(ctx context.Context, letter domain.DeadLetter) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, letter); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewNotifier always logs, and also posts to BILLING_ALERT_WEBHOOK_URL when
// it is set.
func NewNotifier(cfg config.Config, log *zap.Logger) domain.Notifier {
	notifiers := multiNotifier{NewLogNotifier(log)}
	if endpoint := strings.TrimSpace(cfg.BillingAlertWebhookURL); endpoint != "" {
		notifiers = append(notifiers, NewWebhookNotifier(endpoint, nil))
	}
	return notifiers
}
