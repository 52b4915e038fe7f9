package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/evaluator"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/ingest"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 64 * 1024

// Ticker 调度入口需要的评估操作
type Ticker interface {
	EvaluateAll(ctx context.Context) (*evaluator.TickSummary, error)
}

// Ingestor 事件入口需要的归一化操作
type Ingestor interface {
	ProcessWebhook(ctx context.Context, senderKey string, payload []byte) (*ingest.Result, error)
	ProcessEmergencyReport(ctx context.Context, phone, note string) (*ingest.Result, error)
	RecordCheckin(ctx context.Context, patientID, detail string) (*ingest.Result, error)
}

// AlertOps 报警操作入口
type AlertOps interface {
	ActiveFor(ctx context.Context, patientID string, kind models.AlertKind) (*models.Alert, error)
	Resolve(ctx context.Context, alertID string, from models.AlertState, actor, note *string) (*models.Alert, bool, error)
	ResolveByID(ctx context.Context, alertID string, actor, note *string) (*models.Alert, bool, error)
	MarkFalseAlarmByID(ctx context.Context, alertID string, actor, note *string) (*models.Alert, bool, error)
}

// AlertLister 活跃报警列表
type AlertLister interface {
	ListActiveAlerts(ctx context.Context) ([]*models.Alert, error)
}

// Pinger 健康检查探针（*sql.DB 直接满足，Redis 侧由 service 层适配）
type Pinger interface {
	PingContext(ctx context.Context) error
}

// EngineHandler 引擎 HTTP 处理器
type EngineHandler struct {
	ticker          Ticker
	ingestor        Ingestor
	alertOps        AlertOps
	alertLister     AlertLister
	schedulerSecret string
	dbPing          Pinger
	cachePing       Pinger
	logger          *zap.Logger
}

// NewEngineHandler 创建引擎处理器
func NewEngineHandler(ticker Ticker, ingestor Ingestor, alertOps AlertOps, alertLister AlertLister, schedulerSecret string, dbPing, cachePing Pinger, logger *zap.Logger) *EngineHandler {
	return &EngineHandler{
		ticker:          ticker,
		ingestor:        ingestor,
		alertOps:        alertOps,
		alertLister:     alertLister,
		schedulerSecret: schedulerSecret,
		dbPing:          dbPing,
		cachePing:       cachePing,
		logger:          logger,
	}
}

// ============================================
// 调度入口
// ============================================

// Tick 执行一次全量评估（外部调度器调用）
func (h *EngineHandler) Tick(w http.ResponseWriter, r *http.Request) {
	if h.schedulerSecret != "" && r.Header.Get("X-Scheduler-Secret") != h.schedulerSecret {
		writeErr(w, h.logger, errs.New(errs.KindAuth, "invalid scheduler secret"))
		return
	}

	summary, err := h.ticker.EvaluateAll(r.Context())
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	writeOk(w, summary)
}

// ============================================
// 事件入口
// ============================================

// SensorWebhook 接收设备网关的传感器事件
func (h *EngineHandler) SensorWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, h.logger, errs.New(errs.KindValidation, "failed to read request body"))
		return
	}

	senderKey := r.Header.Get("X-Api-Key")
	if senderKey == "" {
		senderKey = clientIP(r)
	}

	result, err := h.ingestor.ProcessWebhook(r.Context(), senderKey, payload)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	writeOk(w, result)
}

type emergencyReportRequest struct {
	Phone string `json:"phone"`
	Note  string `json:"note,omitempty"`
}

// EmergencyReport 人工紧急上报（语音助手的"救命"意图）
func (h *EngineHandler) EmergencyReport(w http.ResponseWriter, r *http.Request) {
	var req emergencyReportRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, h.logger, err)
		return
	}

	result, err := h.ingestor.ProcessEmergencyReport(r.Context(), req.Phone, req.Note)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	writeOk(w, result)
}

type checkinRequest struct {
	PatientID string `json:"patient_id"`
	Detail    string `json:"detail,omitempty"`
}

type checkinResponse struct {
	RecordID      string `json:"record_id"`
	AlertID       string `json:"alert_id,omitempty"`
	AlertResolved bool   `json:"alert_resolved"`
}

// Checkin 显式确认："我没事" 落记录并立即关闭该患者的沉默报警
func (h *EngineHandler) Checkin(w http.ResponseWriter, r *http.Request) {
	var req checkinRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, h.logger, err)
		return
	}

	result, err := h.ingestor.RecordCheckin(r.Context(), req.PatientID, req.Detail)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	resp := checkinResponse{RecordID: result.RecordID}

	active, err := h.alertOps.ActiveFor(r.Context(), req.PatientID, models.AlertProlongedInactivity)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	if active != nil {
		actor := "patient:" + req.PatientID
		note := "explicit check-in"
		_, applied, err := h.alertOps.Resolve(r.Context(), active.AlertID, active.State, &actor, &note)
		if err != nil {
			writeErr(w, h.logger, err)
			return
		}
		resp.AlertID = active.AlertID
		resp.AlertResolved = applied
	}

	writeOk(w, resp)
}

// ============================================
// 报警操作
// ============================================

type alertActionRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note,omitempty"`
}

func (req *alertActionRequest) actorPtr() *string {
	if req.Actor == "" {
		return nil
	}
	return &req.Actor
}

func (req *alertActionRequest) notePtr() *string {
	if req.Note == "" {
		return nil
	}
	return &req.Note
}

type alertActionResponse struct {
	Alert   *models.Alert `json:"alert"`
	Applied bool          `json:"applied"`
}

// ResolveAlert 人工关闭报警
func (h *EngineHandler) ResolveAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	var req alertActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, h.logger, err)
		return
	}

	alert, applied, err := h.alertOps.ResolveByID(r.Context(), alertID, req.actorPtr(), req.notePtr())
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	writeOk(w, alertActionResponse{Alert: alert, Applied: applied})
}

// FalseAlarm 标记误报
func (h *EngineHandler) FalseAlarm(w http.ResponseWriter, r *http.Request, alertID string) {
	var req alertActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, h.logger, err)
		return
	}

	alert, applied, err := h.alertOps.MarkFalseAlarmByID(r.Context(), alertID, req.actorPtr(), req.notePtr())
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	writeOk(w, alertActionResponse{Alert: alert, Applied: applied})
}

// ActiveAlerts 列出全部未终结报警
func (h *EngineHandler) ActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alertLister.ListActiveAlerts(r.Context())
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	writeOk(w, alerts)
}

// ============================================
// 健康检查
// ============================================

// Healthz 存活与依赖探测
func (h *EngineHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.dbPing != nil {
		if err := h.dbPing.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "database unreachable",
			})
			return
		}
	}
	if h.cachePing != nil {
		if err := h.cachePing.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "redis unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================
// 辅助
// ============================================

func decodeBody(r *http.Request, dst interface{}) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return errs.Wrap(errs.KindValidation, "malformed request body", err)
	}
	return nil
}

// clientIP 提取客户端 IP（信任反向代理的 X-Forwarded-For 首项）
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
