// Package notify raises craving-risk notifications for analyses that cross the
// high-risk threshold.
package notify

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"cravewatch/internal/alerts"
	"cravewatch/internal/config"
	"cravewatch/internal/logging"
	"cravewatch/internal/model"
	"cravewatch/internal/predictor"
)

// Recorder persists notifications; storage.Store satisfies it.
type Recorder interface {
	CreateNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error)
}

type Notifier struct {
	store      Recorder
	recent     *alerts.Store
	logger     *zap.Logger
	thresholds atomic.Value
	webhook    atomic.Value
}

type webhookTarget struct {
	client *resty.Client
	url    string
}

// Payload is the body POSTed to the webhook.
type Payload struct {
	Notification model.Notification `json:"notification"`
	ConsumerID   int64              `json:"consumer_id"`
	WindowID     int64              `json:"window_id"`
	Probability  float64            `json:"probability"`
	RiskLevel    model.RiskLevel    `json:"risk_level"`
}

func New(cfg *config.Config, store Recorder, recent *alerts.Store, logger *zap.Logger) *Notifier {
	n := &Notifier{store: store, recent: recent, logger: logging.OrNop(logger)}
	n.UpdateConfig(cfg)
	return n
}

func (n *Notifier) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	n.thresholds.Store(predictor.ThresholdsFrom(cfg.Prediction))
	wh := cfg.Notify.Webhook
	target := &webhookTarget{}
	if wh.Enabled && wh.URL != "" {
		target.url = wh.URL
		target.client = resty.New().
			SetTimeout(wh.Timeout).
			SetRetryCount(wh.Retries).
			SetRetryWaitTime(200 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			SetHeader("Content-Type", "application/json").
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			})
	}
	n.webhook.Store(target)
}

func (n *Notifier) Thresholds() predictor.Thresholds {
	if v := n.thresholds.Load(); v != nil {
		return v.(predictor.Thresholds)
	}
	return predictor.DefaultThresholds()
}

// Notify creates the notification for a high-risk analysis. It reports
// whether a notification now exists for the analysis.
func (n *Notifier) Notify(ctx context.Context, consumer model.Consumer, analysis model.Analysis, level model.RiskLevel) (bool, error) {
	if level != model.RiskHigh {
		return false, nil
	}
	th := n.Thresholds()
	severity := th.Severity(analysis.Probability)
	note := model.Notification{
		UserID:     consumer.UserID,
		AnalysisID: analysis.ID,
		Severity:   severity,
		Message:    Message(severity, analysis.Probability),
		CreatedAt:  time.Now().UTC(),
	}
	saved, created, err := n.store.CreateNotification(ctx, note)
	if err != nil {
		return false, err
	}
	if !created {
		n.logger.Warn("notification already exists for analysis",
			zap.Int64("analysis_id", analysis.ID),
			zap.Int64("notification_id", saved.ID),
		)
		return true, nil
	}
	if n.recent != nil {
		n.recent.Add(saved)
	}
	n.logger.Warn("craving risk notification",
		zap.Int64("user_id", saved.UserID),
		zap.Int64("analysis_id", saved.AnalysisID),
		zap.String("severity", string(saved.Severity)),
		zap.Float64("probability", analysis.Probability),
	)
	n.push(ctx, Payload{
		Notification: saved,
		ConsumerID:   consumer.ID,
		WindowID:     analysis.WindowID,
		Probability:  analysis.Probability,
		RiskLevel:    level,
	})
	return true, nil
}

func (n *Notifier) push(ctx context.Context, payload Payload) {
	target, _ := n.webhook.Load().(*webhookTarget)
	if target == nil || target.client == nil {
		return
	}
	resp, err := target.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(target.url)
	if err != nil {
		n.logger.Error("notification webhook failed",
			zap.Error(err),
			zap.Int64("notification_id", payload.Notification.ID),
		)
		return
	}
	if resp.IsError() {
		n.logger.Error("notification webhook rejected",
			zap.Int("status_code", resp.StatusCode()),
			zap.Int64("notification_id", payload.Notification.ID),
		)
	}
}

func Message(severity model.Severity, probability float64) string {
	label := "High"
	if severity == model.SeverityCritical {
		label = "Critical"
	}
	return fmt.Sprintf("%s smoking craving risk detected (probability %.1f%%)", label, probability*100)
}
