package evaluator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/notify"
)

// ============================================
// 阈值评估器
// ============================================
//
// 每个 tick 对全部受监测患者重算沉默时长并推进报警。
// tick 是无状态的：所有判定只依赖存储中的活动记录和报警行，
// 错过的 tick 不会丢失转换，下一个 tick 会补上。

// PatientStore 评估需要的患者读取
type PatientStore interface {
	ListMonitoringEnabled(ctx context.Context) ([]*models.Patient, error)
}

// ActivityStore 评估需要的活动记录读取
type ActivityStore interface {
	LatestPerPatient(ctx context.Context) (map[string]time.Time, error)
	LatestExplicitAckSince(ctx context.Context, patientID string, since time.Time) (*models.ActivityRecord, error)
}

// StateMachine 评估需要的报警操作
type StateMachine interface {
	ActiveFor(ctx context.Context, patientID string, kind models.AlertKind) (*models.Alert, error)
	OpenCheckin(ctx context.Context, patientID string, causingRecordID *string) (*models.Alert, bool, error)
	Escalate(ctx context.Context, alertID string) (*models.Alert, bool, error)
	Resolve(ctx context.Context, alertID string, from models.AlertState, actor, note *string) (*models.Alert, bool, error)
}

// Dispatcher 评估需要的通知调度
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *models.Alert, patient *models.Patient, recipient models.RecipientKind) (notify.DispatchResult, error)
	Redispatch(ctx context.Context, alert *models.Alert, patient *models.Patient, recipient models.RecipientKind, opts notify.DispatchOptions) (notify.DispatchResult, error)
}

// TickError 单个患者的评估失败
type TickError struct {
	PatientID string `json:"patient_id"`
	Message   string `json:"message"`
}

// TickSummary 一次 tick 的汇总
type TickSummary struct {
	PatientsEvaluated int         `json:"patients_evaluated"`
	AlertsCreated     int         `json:"alerts_created"`
	CheckinsSent      int         `json:"check_ins_sent"`
	EscalationsSent   int         `json:"escalations_sent"`
	AlertsResolved    int         `json:"alerts_resolved"`
	Errors            []TickError `json:"errors"`
}

// Evaluator 阈值评估器
type Evaluator struct {
	patients PatientStore
	activity ActivityStore
	machine  StateMachine
	notifier Dispatcher
	cfg      models.MonitoringConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewEvaluator 创建阈值评估器
func NewEvaluator(patients PatientStore, activity ActivityStore, machine StateMachine, notifier Dispatcher, cfg models.MonitoringConfig, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		patients: patients,
		activity: activity,
		machine:  machine,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// EvaluateAll 执行一次全量评估
// 单个患者的失败只记入 summary.Errors，不中断其余患者；
// 阈值配置缺失或患者清单读不到则整个 tick 失败。
func (e *Evaluator) EvaluateAll(ctx context.Context) (*TickSummary, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}

	patients, err := e.patients.ListMonitoringEnabled(ctx)
	if err != nil {
		return nil, err
	}

	latest, err := e.activity.LatestPerPatient(ctx)
	if err != nil {
		return nil, err
	}

	summary := &TickSummary{Errors: []TickError{}}
	now := e.now()

	for _, p := range patients {
		summary.PatientsEvaluated++

		if err := e.evaluatePatient(ctx, p, latest, now, summary); err != nil {
			e.logger.Error("Patient evaluation failed",
				zap.String("patient_id", p.PatientID),
				zap.Error(err))
			summary.Errors = append(summary.Errors, TickError{
				PatientID: p.PatientID,
				Message:   err.Error(),
			})
		}
	}

	e.logger.Info("Tick completed",
		zap.Int("patients_evaluated", summary.PatientsEvaluated),
		zap.Int("alerts_created", summary.AlertsCreated),
		zap.Int("check_ins_sent", summary.CheckinsSent),
		zap.Int("escalations_sent", summary.EscalationsSent),
		zap.Int("alerts_resolved", summary.AlertsResolved),
		zap.Int("errors", len(summary.Errors)))

	return summary, nil
}

func (e *Evaluator) evaluatePatient(ctx context.Context, p *models.Patient, latest map[string]time.Time, now time.Time, summary *TickSummary) error {
	lastActivity, ok := latest[p.PatientID]
	if !ok {
		// 从未有过任何活动记录：沉默时长无从计算，跳过
		e.logger.Debug("Patient has no activity records, skipping",
			zap.String("patient_id", p.PatientID))
		return nil
	}

	cfg := e.cfg.ForPatient(p)
	silence := now.Sub(lastActivity)

	active, err := e.machine.ActiveFor(ctx, p.PatientID, models.AlertProlongedInactivity)
	if err != nil {
		return err
	}

	if active == nil {
		return e.evaluateNormal(ctx, p, silence, cfg, summary)
	}

	switch active.State {
	case models.StateAwaitingCheckin:
		return e.evaluateAwaiting(ctx, p, active, lastActivity, cfg, summary)
	case models.StateEscalated:
		return e.evaluateEscalated(ctx, p, active, cfg, summary)
	}

	return nil
}

// evaluateNormal 隐式 NORMAL：沉默超过软阈值则打开 check-in 报警
func (e *Evaluator) evaluateNormal(ctx context.Context, p *models.Patient, silence time.Duration, cfg models.MonitoringConfig, summary *TickSummary) error {
	if silence < cfg.SoftThreshold {
		return nil
	}

	alert, opened, err := e.machine.OpenCheckin(ctx, p.PatientID, nil)
	if err != nil {
		return err
	}
	if opened {
		summary.AlertsCreated++
	}

	result, err := e.notifier.Dispatch(ctx, alert, p, models.RecipientPatient)
	if err != nil {
		return err
	}
	switch result {
	case notify.DispatchSent:
		summary.CheckinsSent++
	case notify.DispatchExhausted:
		summary.Errors = append(summary.Errors, TickError{
			PatientID: p.PatientID,
			Message:   "check-in notification retries exhausted",
		})
	}

	return nil
}

// evaluateAwaiting awaiting_checkin：报警打开后出现的新活动自动关闭，升级窗口超时则升级
func (e *Evaluator) evaluateAwaiting(ctx context.Context, p *models.Patient, alert *models.Alert, lastActivity time.Time, cfg models.MonitoringConfig, summary *TickSummary) error {
	if lastActivity.After(alert.StateEnteredAt) {
		// 报警打开之后出现了新活动：任何来源都算恢复，恢复优先于升级
		note := "activity observed after check-in prompt"
		_, applied, err := e.machine.Resolve(ctx, alert.AlertID, models.StateAwaitingCheckin, nil, &note)
		if err != nil {
			return err
		}
		if applied {
			summary.AlertsResolved++
		}
		return nil
	}

	if e.now().Sub(alert.StateEnteredAt) < cfg.EscalationWindow {
		return nil
	}

	escalated, _, err := e.machine.Escalate(ctx, alert.AlertID)
	if err != nil {
		return err
	}

	if escalated.State != models.StateEscalated {
		// 并发关闭抢先了
		return nil
	}

	result, err := e.notifier.Dispatch(ctx, escalated, p, models.RecipientCaregiver)
	if err != nil {
		return err
	}
	switch result {
	case notify.DispatchSent:
		summary.EscalationsSent++
	case notify.DispatchExhausted:
		summary.Errors = append(summary.Errors, TickError{
			PatientID: p.PatientID,
			Message:   "escalation notification retries exhausted",
		})
	}

	return nil
}

// evaluateEscalated escalated：只接受升级之后的显式确认，被动活动不自愈
func (e *Evaluator) evaluateEscalated(ctx context.Context, p *models.Patient, alert *models.Alert, cfg models.MonitoringConfig, summary *TickSummary) error {
	ack, err := e.activity.LatestExplicitAckSince(ctx, p.PatientID, alert.StateEnteredAt)
	if err != nil {
		return err
	}

	if ack != nil {
		actor := "patient:" + p.PatientID
		note := "explicit acknowledgement received"
		_, applied, err := e.machine.Resolve(ctx, alert.AlertID, models.StateEscalated, &actor, &note)
		if err != nil {
			return err
		}
		if applied {
			summary.AlertsResolved++
		}
		return nil
	}

	// 无人确认：按配置间隔重新通知护理人，间隔为 0 表示禁用
	if cfg.RenotifyInterval <= 0 {
		return nil
	}

	result, err := e.notifier.Redispatch(ctx, alert, p, models.RecipientCaregiver,
		notify.DispatchOptions{ResendAfter: cfg.RenotifyInterval})
	if err != nil {
		return err
	}
	switch result {
	case notify.DispatchSent:
		summary.EscalationsSent++
	case notify.DispatchExhausted:
		summary.Errors = append(summary.Errors, TickError{
			PatientID: p.PatientID,
			Message:   "escalation notification retries exhausted",
		})
	}

	return nil
}
