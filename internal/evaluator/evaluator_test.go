package evaluator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/notify"
)

// ============================================
// 测试替身
// ============================================

type fakePatients struct {
	patients []*models.Patient
	err      error
}

func (f *fakePatients) ListMonitoringEnabled(ctx context.Context) ([]*models.Patient, error) {
	return f.patients, f.err
}

type fakeActivity struct {
	latest map[string]time.Time
	acks   map[string]time.Time // patientID -> 显式确认时刻
}

func (f *fakeActivity) LatestPerPatient(ctx context.Context) (map[string]time.Time, error) {
	return f.latest, nil
}

func (f *fakeActivity) LatestExplicitAckSince(ctx context.Context, patientID string, since time.Time) (*models.ActivityRecord, error) {
	at, ok := f.acks[patientID]
	if !ok || !at.After(since) {
		return nil, nil
	}
	return &models.ActivityRecord{
		RecordID:   uuid.New().String(),
		PatientID:  patientID,
		Source:     models.SourceExplicitAck,
		ObservedAt: at,
	}, nil
}

type fakeMachine struct {
	alerts  map[string]*models.Alert // alertID -> alert
	failFor map[string]bool          // patientID -> 强制报错
	now     func() time.Time
}

func newFakeMachine(now func() time.Time) *fakeMachine {
	return &fakeMachine{
		alerts:  make(map[string]*models.Alert),
		failFor: make(map[string]bool),
		now:     now,
	}
}

func (f *fakeMachine) ActiveFor(ctx context.Context, patientID string, kind models.AlertKind) (*models.Alert, error) {
	if f.failFor[patientID] {
		return nil, fmt.Errorf("storage unavailable for %s", patientID)
	}
	for _, a := range f.alerts {
		if a.PatientID == patientID && a.Kind == kind && !a.State.Terminal() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeMachine) OpenCheckin(ctx context.Context, patientID string, causingRecordID *string) (*models.Alert, bool, error) {
	if existing, _ := f.ActiveFor(ctx, patientID, models.AlertProlongedInactivity); existing != nil {
		return existing, false, nil
	}
	a := &models.Alert{
		AlertID:        uuid.New().String(),
		PatientID:      patientID,
		Kind:           models.AlertProlongedInactivity,
		Severity:       models.SeverityWarning,
		State:          models.StateAwaitingCheckin,
		StateEnteredAt: f.now(),
	}
	f.alerts[a.AlertID] = a
	cp := *a
	return &cp, true, nil
}

func (f *fakeMachine) Escalate(ctx context.Context, alertID string) (*models.Alert, bool, error) {
	a, ok := f.alerts[alertID]
	if !ok {
		return nil, false, fmt.Errorf("alert not found: %s", alertID)
	}
	if a.State != models.StateAwaitingCheckin {
		cp := *a
		return &cp, false, nil
	}
	a.State = models.StateEscalated
	a.Severity = models.SeverityAlert
	a.StateEnteredAt = f.now()
	cp := *a
	return &cp, true, nil
}

func (f *fakeMachine) Resolve(ctx context.Context, alertID string, from models.AlertState, actor, note *string) (*models.Alert, bool, error) {
	a, ok := f.alerts[alertID]
	if !ok {
		return nil, false, fmt.Errorf("alert not found: %s", alertID)
	}
	if a.State != from {
		cp := *a
		return &cp, false, nil
	}
	a.State = models.StateResolved
	a.ResolvedBy = actor
	cp := *a
	return &cp, true, nil
}

func (f *fakeMachine) activeState(patientID string) models.AlertState {
	for _, a := range f.alerts {
		if a.PatientID == patientID && !a.State.Terminal() {
			return a.State
		}
	}
	return models.StateNormal
}

type dispatchCall struct {
	alertID   string
	recipient models.RecipientKind
	resend    time.Duration
}

type fakeDispatcher struct {
	calls  []dispatchCall
	sent   map[string]bool       // alertID:recipient -> 已发送
	forced notify.DispatchResult // 非空则固定返回该结局
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sent: make(map[string]bool)}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, alert *models.Alert, patient *models.Patient, recipient models.RecipientKind) (notify.DispatchResult, error) {
	return f.Redispatch(ctx, alert, patient, recipient, notify.DispatchOptions{})
}

func (f *fakeDispatcher) Redispatch(ctx context.Context, alert *models.Alert, patient *models.Patient, recipient models.RecipientKind, opts notify.DispatchOptions) (notify.DispatchResult, error) {
	f.calls = append(f.calls, dispatchCall{
		alertID:   alert.AlertID,
		recipient: recipient,
		resend:    opts.ResendAfter,
	})
	if f.forced != "" {
		return f.forced, nil
	}
	key := alert.AlertID + ":" + string(recipient)
	if f.sent[key] && opts.ResendAfter == 0 {
		return notify.DispatchSkipped, nil
	}
	f.sent[key] = true
	return notify.DispatchSent, nil
}

// ============================================
// 夹具
// ============================================

var tickNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testMonitoringConfig() models.MonitoringConfig {
	return models.MonitoringConfig{
		SoftThreshold:    45 * time.Minute,
		EscalationWindow: 30 * time.Minute,
	}
}

func testPatient(id string) *models.Patient {
	phone := "+15550001111"
	caregiver := "+15550002222"
	return &models.Patient{
		PatientID:         id,
		DisplayName:       "Margaret",
		Phone:             &phone,
		CaregiverPhone:    &caregiver,
		MonitoringEnabled: true,
	}
}

type harness struct {
	evaluator  *Evaluator
	patients   *fakePatients
	activity   *fakeActivity
	machine    *fakeMachine
	dispatcher *fakeDispatcher
}

func newHarness(cfg models.MonitoringConfig) *harness {
	nowFn := func() time.Time { return tickNow }
	h := &harness{
		patients:   &fakePatients{},
		activity:   &fakeActivity{latest: map[string]time.Time{}, acks: map[string]time.Time{}},
		machine:    newFakeMachine(nowFn),
		dispatcher: newFakeDispatcher(),
	}
	h.evaluator = NewEvaluator(h.patients, h.activity, h.machine, h.dispatcher, cfg, zap.NewNop())
	h.evaluator.now = nowFn
	return h
}

// ============================================
// 决策表
// ============================================

func TestEvaluateAll_NoActivityRecordsSkipped(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}
	// p1 没有任何活动记录

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.PatientsEvaluated)
	assert.Equal(t, 0, summary.AlertsCreated)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, models.StateNormal, h.machine.activeState("p1"))
}

func TestEvaluateAll_BelowThreshold(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}
	h.activity.latest["p1"] = tickNow.Add(-10 * time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.AlertsCreated)
	assert.Equal(t, models.StateNormal, h.machine.activeState("p1"))
}

func TestEvaluateAll_SoftThresholdOpensCheckin(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}
	h.activity.latest["p1"] = tickNow.Add(-50 * time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlertsCreated)
	assert.Equal(t, 1, summary.CheckinsSent)
	assert.Equal(t, models.StateAwaitingCheckin, h.machine.activeState("p1"))

	require.Len(t, h.dispatcher.calls, 1)
	assert.Equal(t, models.RecipientPatient, h.dispatcher.calls[0].recipient)
}

func TestEvaluateAll_ExactThresholdOpensCheckin(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}
	// 边界：沉默恰好等于软阈值
	h.activity.latest["p1"] = tickNow.Add(-45 * time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlertsCreated)
}

func TestEvaluateAll_SecondTickNoDuplicate(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}
	h.activity.latest["p1"] = tickNow.Add(-50 * time.Minute)

	_, err := h.evaluator.EvaluateAll(context.Background())
	require.NoError(t, err)

	// 下一个 tick：报警仍在升级窗口内
	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.AlertsCreated)
	assert.Equal(t, 0, summary.CheckinsSent)
	assert.Equal(t, 0, summary.EscalationsSent)
}

func TestEvaluateAll_ActivityResolvesAwaiting(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}

	alert, _, err := h.machine.OpenCheckin(context.Background(), "p1", nil)
	require.NoError(t, err)
	h.machine.alerts[alert.AlertID].StateEnteredAt = tickNow.Add(-5 * time.Minute)
	require.Equal(t, models.StateAwaitingCheckin, h.machine.activeState("p1"))

	// 提示之后的新活动：任何来源都算恢复
	h.activity.latest["p1"] = tickNow.Add(-time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlertsResolved)
	assert.Equal(t, models.StateNormal, h.machine.activeState("p1"))
}

func TestEvaluateAll_ActivityAfterPromptOutranksEscalation(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}

	alert, _, err := h.machine.OpenCheckin(context.Background(), "p1", nil)
	require.NoError(t, err)
	h.machine.alerts[alert.AlertID].StateEnteredAt = tickNow.Add(-60 * time.Minute)

	// 提示之后有过活动，但距本次 tick 已再次超过软阈值且升级窗口已超：
	// 恢复仍然优先于升级，护理人不应被呼叫
	h.activity.latest["p1"] = tickNow.Add(-50 * time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlertsResolved)
	assert.Equal(t, 0, summary.EscalationsSent)
	assert.Equal(t, models.StateNormal, h.machine.activeState("p1"))
	assert.Empty(t, h.dispatcher.calls)
}

func TestEvaluateAll_ActivityBeforePromptStillEscalates(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}

	alert, _, err := h.machine.OpenCheckin(context.Background(), "p1", nil)
	require.NoError(t, err)
	h.machine.alerts[alert.AlertID].StateEnteredAt = tickNow.Add(-35 * time.Minute)

	// 最新活动早于提示本身，超窗后照常升级
	h.activity.latest["p1"] = tickNow.Add(-2 * time.Hour)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.AlertsResolved)
	assert.Equal(t, 1, summary.EscalationsSent)
	assert.Equal(t, models.StateEscalated, h.machine.activeState("p1"))
}

func TestEvaluateAll_EscalationWindowElapsed(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}
	h.activity.latest["p1"] = tickNow.Add(-2 * time.Hour)

	// 预置一个超窗的 awaiting_checkin 报警
	alert, _, err := h.machine.OpenCheckin(context.Background(), "p1", nil)
	require.NoError(t, err)
	h.machine.alerts[alert.AlertID].StateEnteredAt = tickNow.Add(-35 * time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.EscalationsSent)
	assert.Equal(t, models.StateEscalated, h.machine.activeState("p1"))

	require.Len(t, h.dispatcher.calls, 1)
	assert.Equal(t, models.RecipientCaregiver, h.dispatcher.calls[0].recipient)
}

func TestEvaluateAll_WithinEscalationWindow(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}
	h.activity.latest["p1"] = tickNow.Add(-2 * time.Hour)

	alert, _, err := h.machine.OpenCheckin(context.Background(), "p1", nil)
	require.NoError(t, err)
	h.machine.alerts[alert.AlertID].StateEnteredAt = tickNow.Add(-10 * time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.EscalationsSent)
	assert.Equal(t, models.StateAwaitingCheckin, h.machine.activeState("p1"))
}

func TestEvaluateAll_PassiveActivityDoesNotResolveEscalated(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}

	alert, _, err := h.machine.OpenCheckin(context.Background(), "p1", nil)
	require.NoError(t, err)
	_, _, err = h.machine.Escalate(context.Background(), alert.AlertID)
	require.NoError(t, err)

	// 升级后出现了传感器活动，但没有显式确认
	h.activity.latest["p1"] = tickNow.Add(-time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.AlertsResolved)
	assert.Equal(t, models.StateEscalated, h.machine.activeState("p1"))
}

func TestEvaluateAll_ExplicitAckResolvesEscalated(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}
	h.activity.latest["p1"] = tickNow.Add(-time.Minute)

	alert, _, err := h.machine.OpenCheckin(context.Background(), "p1", nil)
	require.NoError(t, err)
	_, _, err = h.machine.Escalate(context.Background(), alert.AlertID)
	require.NoError(t, err)
	h.machine.alerts[alert.AlertID].StateEnteredAt = tickNow.Add(-20 * time.Minute)

	// 升级之后的显式确认
	h.activity.acks["p1"] = tickNow.Add(-5 * time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlertsResolved)
	assert.Equal(t, models.StateNormal, h.machine.activeState("p1"))
}

func TestEvaluateAll_AckBeforeEscalationIgnored(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}
	h.activity.latest["p1"] = tickNow.Add(-2 * time.Hour)

	alert, _, err := h.machine.OpenCheckin(context.Background(), "p1", nil)
	require.NoError(t, err)
	_, _, err = h.machine.Escalate(context.Background(), alert.AlertID)
	require.NoError(t, err)
	h.machine.alerts[alert.AlertID].StateEnteredAt = tickNow.Add(-20 * time.Minute)

	// 确认发生在升级之前，不算数
	h.activity.acks["p1"] = tickNow.Add(-30 * time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.AlertsResolved)
	assert.Equal(t, models.StateEscalated, h.machine.activeState("p1"))
}

func TestEvaluateAll_RenotifyEscalated(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.RenotifyInterval = 30 * time.Minute
	h := newHarness(cfg)
	h.patients.patients = []*models.Patient{testPatient("p1")}
	h.activity.latest["p1"] = tickNow.Add(-2 * time.Hour)

	alert, _, err := h.machine.OpenCheckin(context.Background(), "p1", nil)
	require.NoError(t, err)
	_, _, err = h.machine.Escalate(context.Background(), alert.AlertID)
	require.NoError(t, err)

	_, err = h.evaluator.EvaluateAll(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, h.dispatcher.calls)
	last := h.dispatcher.calls[len(h.dispatcher.calls)-1]
	assert.Equal(t, models.RecipientCaregiver, last.recipient)
	assert.Equal(t, 30*time.Minute, last.resend)
}

// ============================================
// 每人阈值覆盖
// ============================================

func TestEvaluateAll_PerPatientOverride(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	shortThreshold := 600 // 10 分钟
	p := testPatient("p1")
	p.SoftThresholdSec = &shortThreshold
	h.patients.patients = []*models.Patient{p}
	h.activity.latest["p1"] = tickNow.Add(-15 * time.Minute)

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	// 部署默认 45 分钟不会触发，患者覆盖 10 分钟会
	assert.Equal(t, 1, summary.AlertsCreated)
}

// ============================================
// 错误处理
// ============================================

func TestEvaluateAll_InvalidConfigFailsTick(t *testing.T) {
	h := newHarness(models.MonitoringConfig{})
	h.patients.patients = []*models.Patient{testPatient("p1")}

	summary, err := h.evaluator.EvaluateAll(context.Background())

	assert.Error(t, err)
	assert.Nil(t, summary)
}

func TestEvaluateAll_PatientListFailureFailsTick(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.err = fmt.Errorf("database unavailable")

	summary, err := h.evaluator.EvaluateAll(context.Background())

	assert.Error(t, err)
	assert.Nil(t, summary)
}

func TestEvaluateAll_PerPatientErrorIsolation(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{
		testPatient("p1"),
		testPatient("p2"),
		testPatient("p3"),
	}
	h.activity.latest["p1"] = tickNow.Add(-50 * time.Minute)
	h.activity.latest["p2"] = tickNow.Add(-50 * time.Minute)
	h.activity.latest["p3"] = tickNow.Add(-50 * time.Minute)
	h.machine.failFor["p2"] = true

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, summary.PatientsEvaluated)
	assert.Equal(t, 2, summary.AlertsCreated)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "p2", summary.Errors[0].PatientID)
	assert.Contains(t, summary.Errors[0].Message, "storage unavailable")
}

func TestEvaluateAll_ExhaustedDispatchSurfacedInSummary(t *testing.T) {
	h := newHarness(testMonitoringConfig())
	h.patients.patients = []*models.Patient{testPatient("p1")}
	h.activity.latest["p1"] = tickNow.Add(-50 * time.Minute)
	h.dispatcher.forced = notify.DispatchExhausted

	summary, err := h.evaluator.EvaluateAll(context.Background())

	require.NoError(t, err)
	// 重试额度耗尽的永久失败要进 summary.Errors，而不是悄悄丢掉
	assert.Equal(t, 1, summary.AlertsCreated)
	assert.Equal(t, 0, summary.CheckinsSent)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "p1", summary.Errors[0].PatientID)
	assert.Contains(t, summary.Errors[0].Message, "exhausted")
}
