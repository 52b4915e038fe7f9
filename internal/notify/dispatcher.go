package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

// AttemptStore 调度器需要的尝试存储操作
type AttemptStore interface {
	Append(ctx context.Context, att *models.NotificationAttempt) error
	MarkOutcome(ctx context.Context, attemptID string, outcome models.AttemptOutcome, providerMessageID, errorDetail *string) error
	LatestSent(ctx context.Context, alertID string, recipient models.RecipientKind) (*models.NotificationAttempt, error)
	CountAttempts(ctx context.Context, alertID string, recipient models.RecipientKind) (int, error)
	CountFailed(ctx context.Context, alertID string, recipient models.RecipientKind) (int, error)
}

// DispatchResult 单次调度的结局
type DispatchResult string

const (
	// DispatchSent 本次真正投递成功
	DispatchSent DispatchResult = "sent"
	// DispatchSkipped 已发送过或另一调用在途，收敛为 no-op
	DispatchSkipped DispatchResult = "skipped"
	// DispatchExhausted 失败次数达到上限，停止重试
	DispatchExhausted DispatchResult = "exhausted"
	// DispatchFailed 本次投递失败（已记录 failed 尝试，后续 tick 会重试）
	DispatchFailed DispatchResult = "failed"
)

// DispatchOptions 调度选项
type DispatchOptions struct {
	// ResendAfter 距上次成功发送超过该时长则允许重发，0 表示已发送过就跳过
	ResendAfter time.Duration
}

// Dispatcher 通知调度器
// 通知结局不影响报警状态：投递失败只记录尝试，报警按自身规则推进。
type Dispatcher struct {
	store       AttemptStore
	sender      Sender
	guard       Guard
	channel     string
	maxAttempts int
	sendTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewDispatcher 创建通知调度器
func NewDispatcher(store AttemptStore, sender Sender, guard Guard, channel string, maxAttempts int, sendTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if channel == "" {
		channel = "sms"
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}

	return &Dispatcher{
		store:       store,
		sender:      sender,
		guard:       guard,
		channel:     channel,
		maxAttempts: maxAttempts,
		sendTimeout: sendTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Dispatch 为报警向指定受众投递通知（已成功发送过则跳过）
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.Alert, patient *models.Patient, recipient models.RecipientKind) (DispatchResult, error) {
	return d.dispatch(ctx, alert, patient, recipient, DispatchOptions{})
}

// Redispatch 按选项投递通知（ESCALATED 报警的周期性重新通知用）
func (d *Dispatcher) Redispatch(ctx context.Context, alert *models.Alert, patient *models.Patient, recipient models.RecipientKind, opts DispatchOptions) (DispatchResult, error) {
	return d.dispatch(ctx, alert, patient, recipient, opts)
}

func (d *Dispatcher) dispatch(ctx context.Context, alert *models.Alert, patient *models.Patient, recipient models.RecipientKind, opts DispatchOptions) (DispatchResult, error) {
	if alert == nil {
		return DispatchFailed, errs.New(errs.KindValidation, "alert is required")
	}
	if patient == nil {
		return DispatchFailed, errs.New(errs.KindValidation, "patient is required")
	}

	skip, err := d.alreadySent(ctx, alert.AlertID, recipient, opts)
	if err != nil {
		return DispatchFailed, err
	}
	if skip {
		return DispatchSkipped, nil
	}

	failed, err := d.store.CountFailed(ctx, alert.AlertID, recipient)
	if err != nil {
		return DispatchFailed, err
	}
	if failed >= d.maxAttempts {
		d.logger.Warn("Notification retries exhausted",
			zap.String("alert_id", alert.AlertID),
			zap.String("recipient", string(recipient)),
			zap.Int("failed_attempts", failed))
		return DispatchExhausted, nil
	}

	acquired, err := d.guard.Acquire(ctx, alert.AlertID, recipient)
	if err != nil {
		return DispatchFailed, err
	}
	if !acquired {
		// 另一调用在途：收敛为 no-op
		return DispatchSkipped, nil
	}
	defer func() {
		if err := d.guard.Release(ctx, alert.AlertID, recipient); err != nil {
			d.logger.Warn("Failed to release dispatch guard",
				zap.String("alert_id", alert.AlertID),
				zap.Error(err))
		}
	}()

	// 占位后复查：护栏获取前的窗口里可能已有别人发送完成
	skip, err = d.alreadySent(ctx, alert.AlertID, recipient, opts)
	if err != nil {
		return DispatchFailed, err
	}
	if skip {
		return DispatchSkipped, nil
	}

	return d.attempt(ctx, alert, patient, recipient)
}

// alreadySent 判断该 (alert, recipient) 是否已成功发送且无需重发
func (d *Dispatcher) alreadySent(ctx context.Context, alertID string, recipient models.RecipientKind, opts DispatchOptions) (bool, error) {
	last, err := d.store.LatestSent(ctx, alertID, recipient)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}
	if opts.ResendAfter > 0 && d.now().Sub(last.UpdatedAt) >= opts.ResendAfter {
		return false, nil
	}
	return true, nil
}

func (d *Dispatcher) attempt(ctx context.Context, alert *models.Alert, patient *models.Patient, recipient models.RecipientKind) (DispatchResult, error) {
	count, err := d.store.CountAttempts(ctx, alert.AlertID, recipient)
	if err != nil {
		return DispatchFailed, err
	}

	now := d.now()
	att := &models.NotificationAttempt{
		AttemptID:     uuid.New().String(),
		AlertID:       alert.AlertID,
		RecipientKind: recipient,
		AttemptNumber: count + 1,
		Channel:       d.channel,
		Outcome:       models.OutcomePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := d.store.Append(ctx, att); err != nil {
		return DispatchFailed, err
	}

	contact := patient.ContactFor(recipient)
	if contact == "" {
		detail := "no contact configured for recipient"
		if err := d.store.MarkOutcome(ctx, att.AttemptID, models.OutcomeFailed, nil, &detail); err != nil {
			return DispatchFailed, err
		}
		d.logger.Warn("Notification skipped, no contact configured",
			zap.String("alert_id", alert.AlertID),
			zap.String("patient_id", patient.PatientID),
			zap.String("recipient", string(recipient)))
		return DispatchFailed, errs.Newf(errs.KindValidation,
			"patient %s has no %s contact", patient.PatientID, recipient)
	}

	msg := Message{
		AlertID:   alert.AlertID,
		PatientID: patient.PatientID,
		Recipient: recipient,
		Contact:   contact,
		Channel:   d.channel,
		Severity:  alert.Severity,
		Body:      BuildBody(alert, patient, recipient),
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	providerID, sendErr := d.sender.Send(sendCtx, msg)
	if sendErr != nil {
		detail := sendErr.Error()
		if err := d.store.MarkOutcome(ctx, att.AttemptID, models.OutcomeFailed, nil, &detail); err != nil {
			return DispatchFailed, err
		}
		d.logger.Warn("Notification delivery failed",
			zap.String("alert_id", alert.AlertID),
			zap.String("recipient", string(recipient)),
			zap.Int("attempt", att.AttemptNumber),
			zap.Error(sendErr))
		return DispatchFailed, sendErr
	}

	var providerPtr *string
	if providerID != "" {
		providerPtr = &providerID
	}
	if err := d.store.MarkOutcome(ctx, att.AttemptID, models.OutcomeSent, providerPtr, nil); err != nil {
		return DispatchFailed, err
	}

	d.logger.Info("Notification sent",
		zap.String("alert_id", alert.AlertID),
		zap.String("patient_id", patient.PatientID),
		zap.String("recipient", string(recipient)),
		zap.Int("attempt", att.AttemptNumber))

	return DispatchSent, nil
}
