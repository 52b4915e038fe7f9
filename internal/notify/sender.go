package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

// Message 一条待投递的通知
type Message struct {
	AlertID   string               `json:"alert_id"`
	PatientID string               `json:"patient_id"`
	Recipient models.RecipientKind `json:"recipient"`
	// Contact 受众的联系方式（电话号码等），由投递网关解释
	Contact  string `json:"contact"`
	Channel  string `json:"channel"`
	Severity string `json:"severity"`
	Body     string `json:"body"`
}

// Sender 通知投递通道
// 返回网关侧的消息 ID（无法获得时为空串）。投递失败必须返回错误，
// 调度器据此记录 failed 尝试并决定是否重试。
type Sender interface {
	Send(ctx context.Context, msg Message) (providerMessageID string, err error)
}

// ============================================
// Webhook 投递
// ============================================

// WebhookSender 通过 HTTP webhook 投递通知（短信/语音网关的统一入口）
type WebhookSender struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSender 创建 webhook 投递器
func NewWebhookSender(url string, timeout time.Duration, logger *zap.Logger) (*WebhookSender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

type webhookResponse struct {
	MessageID string `json:"message_id"`
}

// Send 投递一条通知
func (s *WebhookSender) Send(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.KindUpstream, "notification gateway unreachable", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("Notification gateway rejected message",
			zap.String("alert_id", msg.AlertID),
			zap.Int("status", resp.StatusCode))
		return "", errs.Newf(errs.KindUpstream,
			"notification gateway returned status %d", resp.StatusCode)
	}

	var parsed webhookResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// 网关不一定返回 JSON，拿不到消息 ID 不算失败
		return "", nil
	}

	return parsed.MessageID, nil
}

// ============================================
// 空投递（开发环境）
// ============================================

// NopSender 只写日志不真正投递，未配置网关时使用
type NopSender struct {
	logger *zap.Logger
}

// NewNopSender 创建空投递器
func NewNopSender(logger *zap.Logger) *NopSender {
	return &NopSender{logger: logger}
}

// Send 记录日志并返回成功
func (s *NopSender) Send(ctx context.Context, msg Message) (string, error) {
	if s.logger != nil {
		s.logger.Info("Notification (nop sender)",
			zap.String("alert_id", msg.AlertID),
			zap.String("recipient", string(msg.Recipient)),
			zap.String("severity", msg.Severity),
			zap.String("body", msg.Body))
	}
	return "", nil
}
