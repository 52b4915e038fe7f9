package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/notify"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/ratelimit"
)

// ============================================
// 传感器事件归一化
// ============================================
//
// webhook 和 MQTT 两条入口共用同一套归一化逻辑：
// 活动类事件落为活动记录，紧急类事件绕过 check-in 直接升级。

// 设备类型
const (
	DeviceMotion   = "motion"
	DevicePresence = "presence"
	DeviceDoor     = "door"
	DeviceFall     = "fall"
	DeviceSOS      = "sos_button"
)

var activityDevices = map[string]bool{
	DeviceMotion:   true,
	DevicePresence: true,
	DeviceDoor:     true,
}

var emergencyDevices = map[string]bool{
	DeviceFall: true,
	DeviceSOS:  true,
}

// Envelope 归一化前的传感器事件
type Envelope struct {
	DeviceType string `json:"device_type"`
	DeviceID   string `json:"device_id"`
	// Detected 活动类设备的检出标志，nil 视为 true
	Detected *bool `json:"detected,omitempty"`
	// ObservedAt 事件时刻（unix 秒），缺省为接收时刻
	ObservedAt *int64 `json:"observed_at,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Outcome 归一化结局
type Outcome string

const (
	// OutcomeAccepted 事件已落为活动记录
	OutcomeAccepted Outcome = "accepted"
	// OutcomeIgnored 未知设备类型或未检出：成功但无副作用
	OutcomeIgnored Outcome = "ignored"
	// OutcomeEscalated 紧急信号已升级为报警
	OutcomeEscalated Outcome = "escalated"
)

// Result 归一化结果
type Result struct {
	Outcome  Outcome `json:"outcome"`
	RecordID string  `json:"record_id,omitempty"`
	AlertID  string  `json:"alert_id,omitempty"`
}

// PatientLookup 归一化需要的患者查找
type PatientLookup interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*models.Patient, error)
	GetByContactPhone(ctx context.Context, phone string) (*models.Patient, error)
}

// RecordAppender 活动记录写入
type RecordAppender interface {
	Append(ctx context.Context, rec *models.ActivityRecord) error
}

// Escalator 紧急信号需要的报警操作
type Escalator interface {
	OpenEscalated(ctx context.Context, patientID string, kind models.AlertKind, causingRecordID, detail *string) (*models.Alert, bool, error)
}

// Dispatcher 紧急升级后的通知调度
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *models.Alert, patient *models.Patient, recipient models.RecipientKind) (notify.DispatchResult, error)
}

// RateLimitConfig 入口限流参数
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// Normalizer 传感器事件归一化器
type Normalizer struct {
	patients  PatientLookup
	records   RecordAppender
	escalator Escalator
	notifier  Dispatcher
	limiter   *ratelimit.Limiter
	rlCfg     RateLimitConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewNormalizer 创建归一化器
func NewNormalizer(patients PatientLookup, records RecordAppender, escalator Escalator, notifier Dispatcher, limiter *ratelimit.Limiter, rlCfg RateLimitConfig, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		patients:  patients,
		records:   records,
		escalator: escalator,
		notifier:  notifier,
		limiter:   limiter,
		rlCfg:     rlCfg,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessWebhook 处理一次 webhook 投递：限流、解析、归一化
// senderKey 标识发送方（设备网关的 API key 或来源 IP）。
func (n *Normalizer) ProcessWebhook(ctx context.Context, senderKey string, payload []byte) (*Result, error) {
	if senderKey == "" {
		senderKey = "anonymous"
	}

	rl, err := n.limiter.Check(ctx, "sensor:"+senderKey, n.rlCfg.Limit, n.rlCfg.Window)
	if err != nil {
		return nil, err
	}
	if !rl.Allowed {
		return nil, errs.RateLimited("sensor ingest rate limit exceeded", rl.ResetIn)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "malformed sensor payload", err)
	}

	return n.ProcessEnvelope(ctx, &env)
}

// ProcessEnvelope 归一化一条传感器事件（MQTT 入口直接调用，不经过限流）
func (n *Normalizer) ProcessEnvelope(ctx context.Context, env *Envelope) (*Result, error) {
	if env == nil {
		return nil, errs.New(errs.KindValidation, "envelope is required")
	}
	if env.DeviceType == "" {
		return nil, errs.New(errs.KindValidation, "device_type is required")
	}
	if env.DeviceID == "" {
		return nil, errs.New(errs.KindValidation, "device_id is required")
	}

	switch {
	case emergencyDevices[env.DeviceType]:
		return n.processEmergency(ctx, env)
	case activityDevices[env.DeviceType]:
		return n.processActivity(ctx, env)
	default:
		// 前向兼容：未知设备类型不算错误，网关不应重试
		n.logger.Info("Ignoring unknown device type",
			zap.String("device_type", env.DeviceType),
			zap.String("device_id", env.DeviceID))
		return &Result{Outcome: OutcomeIgnored}, nil
	}
}

func (n *Normalizer) observedAt(env *Envelope) time.Time {
	if env.ObservedAt != nil && *env.ObservedAt > 0 {
		return time.Unix(*env.ObservedAt, 0).UTC()
	}
	return n.now()
}

func (n *Normalizer) processActivity(ctx context.Context, env *Envelope) (*Result, error) {
	if env.Detected != nil && !*env.Detected {
		// 未检出（presence cleared 等）不构成活动证据
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	patient, err := n.patients.GetByDeviceID(ctx, env.DeviceID)
	if err != nil {
		return nil, err
	}

	rec := &models.ActivityRecord{
		RecordID:   uuid.New().String(),
		PatientID:  patient.PatientID,
		Source:     models.SourceSensor,
		ObservedAt: n.observedAt(env),
		CreatedAt:  n.now(),
	}
	if env.Detail != "" {
		rec.Detail = &env.Detail
	}

	if err := n.records.Append(ctx, rec); err != nil {
		return nil, err
	}

	n.logger.Debug("Sensor activity recorded",
		zap.String("patient_id", patient.PatientID),
		zap.String("device_type", env.DeviceType),
		zap.Time("observed_at", rec.ObservedAt))

	return &Result{Outcome: OutcomeAccepted, RecordID: rec.RecordID}, nil
}

// processEmergency 跌倒/求救信号：绕过活动记录，直接升级并立即通知护理人
// 求救事件不是"未处于险境"的证据，不能落入活动记录去冲掉沉默时长。
func (n *Normalizer) processEmergency(ctx context.Context, env *Envelope) (*Result, error) {
	patient, err := n.patients.GetByDeviceID(ctx, env.DeviceID)
	if err != nil {
		return nil, err
	}

	detail := env.Detail
	if detail == "" {
		detail = env.DeviceType + " signal from device " + env.DeviceID
	}

	alert, opened, err := n.escalator.OpenEscalated(ctx, patient.PatientID,
		models.AlertFallDetected, nil, &detail)
	if err != nil {
		return nil, err
	}

	if opened {
		n.logger.Warn("Emergency signal escalated",
			zap.String("patient_id", patient.PatientID),
			zap.String("alert_id", alert.AlertID),
			zap.String("device_type", env.DeviceType))
	}

	if _, err := n.notifier.Dispatch(ctx, alert, patient, models.RecipientCaregiver); err != nil {
		// 通知失败不影响升级结果，调度器已记录失败尝试
		n.logger.Error("Emergency notification dispatch failed",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err))
	}

	return &Result{Outcome: OutcomeEscalated, AlertID: alert.AlertID}, nil
}

// ProcessEmergencyReport 处理人工紧急上报（语音助手侧的"救命"意图）
// 按来电号码定位患者，直接升级并通知护理人。
func (n *Normalizer) ProcessEmergencyReport(ctx context.Context, phone, note string) (*Result, error) {
	if phone == "" {
		return nil, errs.New(errs.KindValidation, "phone is required")
	}

	patient, err := n.patients.GetByContactPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	detail := note
	if detail == "" {
		detail = "emergency reported by patient"
	}

	// 求救上报同样不落活动记录，直接走原子升级路径
	alert, opened, err := n.escalator.OpenEscalated(ctx, patient.PatientID,
		models.AlertOther, nil, &detail)
	if err != nil {
		return nil, err
	}

	if opened {
		n.logger.Warn("Emergency report escalated",
			zap.String("patient_id", patient.PatientID),
			zap.String("alert_id", alert.AlertID))
	}

	if _, err := n.notifier.Dispatch(ctx, alert, patient, models.RecipientCaregiver); err != nil {
		n.logger.Error("Emergency notification dispatch failed",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err))
	}

	return &Result{Outcome: OutcomeEscalated, AlertID: alert.AlertID}, nil
}

// RecordCheckin 记录一次显式确认（语音/APP 的"我没事"）
func (n *Normalizer) RecordCheckin(ctx context.Context, patientID, detail string) (*Result, error) {
	if patientID == "" {
		return nil, errs.New(errs.KindValidation, "patient_id is required")
	}

	rec := &models.ActivityRecord{
		RecordID:   uuid.New().String(),
		PatientID:  patientID,
		Source:     models.SourceExplicitAck,
		ObservedAt: n.now(),
		CreatedAt:  n.now(),
	}
	if detail != "" {
		rec.Detail = &detail
	}

	if err := n.records.Append(ctx, rec); err != nil {
		return nil, err
	}

	return &Result{Outcome: OutcomeAccepted, RecordID: rec.RecordID}, nil
}
