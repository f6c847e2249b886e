package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/soilwatch/erosionflow/internal/domain"
	"github.com/soilwatch/erosionflow/internal/events"
	"github.com/soilwatch/erosionflow/pkg/telemetry"
)

// Notifier consumes the lifecycle stream and forwards failed
// computations to an operator webhook.
type Notifier struct {
	consumer   events.Consumer
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a Notifier. An empty webhookURL disables the
// outbound POST; transitions are still consumed and counted.
func NewNotifier(consumer events.Consumer, webhookURL string, logger *slog.Logger) *Notifier {
	return &Notifier{
		consumer:   consumer,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Run consumes the lifecycle topic until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	return n.consumer.Subscribe(ctx, n.Handle)
}

// failureNotice is the webhook body for one failed computation.
type failureNotice struct {
	RecordID string    `json:"record_id"`
	Layer    string    `json:"layer"`
	TaskID   string    `json:"task_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// Handle processes one lifecycle message. Malformed messages are
// committed and dropped: redelivery cannot repair them.
func (n *Notifier) Handle(ctx context.Context, msg events.Message) error {
	var ev events.TransitionEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		n.logger.Error("malformed transition event",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()))
		return nil
	}

	telemetry.LifecycleTransitions.WithLabelValues(string(ev.To)).Inc()
	n.logger.Debug("transition observed",
		slog.String("key", ev.Key.String()),
		slog.String("from", string(ev.From)),
		slog.String("to", string(ev.To)))

	if ev.To == domain.StatusFailed && n.webhookURL != "" {
		n.notifyFailure(ctx, &ev)
	}
	return nil
}

// notifyFailure POSTs the failure to the operator webhook. Best-effort:
// a webhook outage never blocks the consumer's offset commits.
func (n *Notifier) notifyFailure(ctx context.Context, ev *events.TransitionEvent) {
	notice := failureNotice{
		RecordID: ev.RecordID,
		Layer:    ev.Key.String(),
		TaskID:   ev.TaskID,
		Error:    ev.Error,
		FailedAt: ev.At,
	}
	body, err := json.Marshal(notice)
	if err != nil {
		telemetry.ReconcilerNotifications.WithLabelValues("error").Inc()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		telemetry.ReconcilerNotifications.WithLabelValues("error").Inc()
		n.logger.Error("build webhook request", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
	}
	if err != nil {
		telemetry.ReconcilerNotifications.WithLabelValues("error").Inc()
		n.logger.Error("failure webhook",
			slog.String("layer", notice.Layer),
			slog.String("error", err.Error()))
		return
	}

	telemetry.ReconcilerNotifications.WithLabelValues("ok").Inc()
	n.logger.Info("failure notified", slog.String("layer", notice.Layer))
}
