package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/repository"
)

// ============================================
// 报警状态机
// ============================================
//
// 状态机本身不持有状态：状态存在 alerts 表里，
// 这里只负责转换合法性判定和对仓库原子写的编排。
// 并发调用同一转换时恰好一方 applied，失败方观察到 no-op。

// Store 状态机需要的存储操作
type Store interface {
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	GetActiveAlert(ctx context.Context, patientID string, kind models.AlertKind) (*models.Alert, error)
	CreateIfNoneActive(ctx context.Context, alert *models.Alert) (bool, *models.Alert, error)
	Transition(ctx context.Context, alertID string, from, to models.AlertState, update repository.TransitionUpdate) (bool, error)
}

// allowedTransitions 合法转换表；不在表中的 (from, to) 一律拒绝
var allowedTransitions = map[models.AlertState][]models.AlertState{
	models.StateNormal:          {models.StateAwaitingCheckin, models.StateEscalated},
	models.StateAwaitingCheckin: {models.StateEscalated, models.StateResolved, models.StateFalseAlarm},
	models.StateEscalated:       {models.StateResolved, models.StateFalseAlarm},
}

func transitionAllowed(from, to models.AlertState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine 报警状态机
type StateMachine struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewStateMachine 创建状态机
func NewStateMachine(store Store, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// OpenCheckin 从隐式 NORMAL 打开一个 awaiting_checkin 报警
// 返回 (alert, opened)：opened=false 表示该患者已有同类活跃报警，返回已存在的行。
func (m *StateMachine) OpenCheckin(ctx context.Context, patientID string, causingRecordID *string) (*models.Alert, bool, error) {
	if patientID == "" {
		return nil, false, errs.New(errs.KindValidation, "patient_id is required")
	}

	now := m.now()
	alert := &models.Alert{
		AlertID:         uuid.New().String(),
		PatientID:       patientID,
		Kind:            models.AlertProlongedInactivity,
		Severity:        models.SeverityWarning,
		State:           models.StateAwaitingCheckin,
		StateEnteredAt:  now,
		CausingRecordID: causingRecordID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, got, err := m.store.CreateIfNoneActive(ctx, alert)
	if err != nil {
		return nil, false, err
	}

	if created {
		m.logger.Info("Alert opened",
			zap.String("alert_id", alert.AlertID),
			zap.String("patient_id", patientID),
			zap.String("kind", string(alert.Kind)),
			zap.String("state", string(alert.State)))
	}

	return got, created, nil
}

// OpenEscalated 直接打开 escalated 报警（跌倒等紧急信号绕过 check-in 阶段）
func (m *StateMachine) OpenEscalated(ctx context.Context, patientID string, kind models.AlertKind, causingRecordID, detail *string) (*models.Alert, bool, error) {
	if patientID == "" {
		return nil, false, errs.New(errs.KindValidation, "patient_id is required")
	}
	if kind == "" {
		return nil, false, errs.New(errs.KindValidation, "kind is required")
	}

	now := m.now()
	alert := &models.Alert{
		AlertID:         uuid.New().String(),
		PatientID:       patientID,
		Kind:            kind,
		Severity:        models.SeverityAlert,
		State:           models.StateEscalated,
		StateEnteredAt:  now,
		CausingRecordID: causingRecordID,
		Detail:          detail,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, got, err := m.store.CreateIfNoneActive(ctx, alert)
	if err != nil {
		return nil, false, err
	}

	if created {
		m.logger.Warn("Alert opened escalated",
			zap.String("alert_id", alert.AlertID),
			zap.String("patient_id", patientID),
			zap.String("kind", string(kind)))
	}

	return got, created, nil
}

// TransitionRequest 状态转换请求
type TransitionRequest struct {
	AlertID string
	From    models.AlertState
	To      models.AlertState
	// Actor 执行者标识；escalated 的人工关闭必须记录
	Actor *string
	Note  *string
}

// Apply 应用一次状态转换
// 返回 (alert, applied)：前置状态不匹配时 applied=false 并返回当前行（幂等 no-op）。
func (m *StateMachine) Apply(ctx context.Context, req TransitionRequest) (*models.Alert, bool, error) {
	if req.AlertID == "" {
		return nil, false, errs.New(errs.KindValidation, "alert_id is required")
	}
	if !transitionAllowed(req.From, req.To) {
		return nil, false, errs.Newf(errs.KindValidation,
			"transition %s -> %s is not allowed", req.From, req.To)
	}

	applied, err := m.store.Transition(ctx, req.AlertID, req.From, req.To, repository.TransitionUpdate{
		ResolvedBy:     req.Actor,
		ResolutionNote: req.Note,
	})
	if err != nil {
		return nil, false, err
	}

	current, err := m.store.GetAlert(ctx, req.AlertID)
	if err != nil {
		return nil, false, err
	}

	if applied {
		m.logger.Info("Alert transitioned",
			zap.String("alert_id", req.AlertID),
			zap.String("from", string(req.From)),
			zap.String("to", string(req.To)))
	} else {
		m.logger.Debug("Alert transition was no-op",
			zap.String("alert_id", req.AlertID),
			zap.String("expected_from", string(req.From)),
			zap.String("current", string(current.State)))
	}

	return current, applied, nil
}

// Escalate 将 awaiting_checkin 报警升级为 escalated
func (m *StateMachine) Escalate(ctx context.Context, alertID string) (*models.Alert, bool, error) {
	return m.Apply(ctx, TransitionRequest{
		AlertID: alertID,
		From:    models.StateAwaitingCheckin,
		To:      models.StateEscalated,
	})
}

// Resolve 关闭报警
// from 为 escalated 时必须提供 actor：升级后的报警只能由明确的确认者关闭。
func (m *StateMachine) Resolve(ctx context.Context, alertID string, from models.AlertState, actor, note *string) (*models.Alert, bool, error) {
	if from == models.StateEscalated && (actor == nil || *actor == "") {
		return nil, false, errs.New(errs.KindValidation,
			"resolving an escalated alert requires an actor")
	}

	return m.Apply(ctx, TransitionRequest{
		AlertID: alertID,
		From:    from,
		To:      models.StateResolved,
		Actor:   actor,
		Note:    note,
	})
}

// MarkFalseAlarm 将报警标记为误报
func (m *StateMachine) MarkFalseAlarm(ctx context.Context, alertID string, from models.AlertState, actor, note *string) (*models.Alert, bool, error) {
	if from == models.StateEscalated && (actor == nil || *actor == "") {
		return nil, false, errs.New(errs.KindValidation,
			"marking an escalated alert false alarm requires an actor")
	}

	return m.Apply(ctx, TransitionRequest{
		AlertID: alertID,
		From:    from,
		To:      models.StateFalseAlarm,
		Actor:   actor,
		Note:    note,
	})
}

// ResolveByID 按当前状态关闭报警（HTTP 处理器用：调用方不知道当前状态）
// 已终态的报警返回 applied=false 而不是错误，重复关闭是幂等的。
func (m *StateMachine) ResolveByID(ctx context.Context, alertID string, actor, note *string) (*models.Alert, bool, error) {
	current, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, false, err
	}
	if current.State.Terminal() {
		return current, false, nil
	}

	return m.Resolve(ctx, alertID, current.State, actor, note)
}

// MarkFalseAlarmByID 按当前状态标记误报
func (m *StateMachine) MarkFalseAlarmByID(ctx context.Context, alertID string, actor, note *string) (*models.Alert, bool, error) {
	current, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, false, err
	}
	if current.State.Terminal() {
		return current, false, nil
	}

	return m.MarkFalseAlarm(ctx, alertID, current.State, actor, note)
}

// ActiveFor 获取患者指定类型的活跃报警（nil 表示隐式 NORMAL）
func (m *StateMachine) ActiveFor(ctx context.Context, patientID string, kind models.AlertKind) (*models.Alert, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	return m.store.GetActiveAlert(ctx, patientID, kind)
}
