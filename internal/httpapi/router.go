package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterEngineRoutes 注册引擎路由
func (r *Router) RegisterEngineRoutes(h *EngineHandler) {
	// 调度入口
	r.Handle("/engine/api/v1/tick", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Tick(w, req)
	})

	// 传感器 webhook
	r.Handle("/engine/api/v1/webhook/sensor", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.SensorWebhook(w, req)
	})

	// 人工紧急上报
	r.Handle("/engine/api/v1/report/emergency", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.EmergencyReport(w, req)
	})

	// 显式确认
	r.Handle("/engine/api/v1/checkin", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Checkin(w, req)
	})

	// 活跃报警列表
	r.Handle("/engine/api/v1/alerts/active", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ActiveAlerts(w, req)
	})

	// alerts/{id}/resolve | alerts/{id}/false-alarm
	r.Handle("/engine/api/v1/alerts/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/engine/api/v1/alerts/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch parts[1] {
		case "resolve":
			h.ResolveAlert(w, req, parts[0])
		case "false-alarm":
			h.FalseAlarm(w, req, parts[0])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	// 健康检查
	r.Handle("/engine/api/v1/healthz", h.Healthz)
}
