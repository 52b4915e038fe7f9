package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
)

// ============================================
// 统一响应封装
// ============================================

// 业务码
const (
	ResultSuccess = 2000
	ResultError   = 5000
)

// ErrorInfo 机器可读错误体
type ErrorInfo struct {
	ErrorKind     string `json:"error_kind"`
	RetryAfterSec int    `json:"retry_after_sec,omitempty"`
}

// Result 统一响应封装
type Result[T any] struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    T          `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// Ok 成功响应
func Ok[T any](data T) Result[T] {
	return Result[T]{
		Code:    ResultSuccess,
		Message: "success",
		Data:    data,
	}
}

// Fail 失败响应
func Fail(message string, kind errs.Kind, retryAfterSec int) Result[struct{}] {
	return Result[struct{}]{
		Code:    ResultError,
		Message: message,
		Error: &ErrorInfo{
			ErrorKind:     string(kind),
			RetryAfterSec: retryAfterSec,
		},
	}
}

// statusForKind 错误类别到 HTTP 状态码的映射
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindAuth:
		return http.StatusUnauthorized
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindRateLimit:
		return http.StatusTooManyRequests
	case errs.KindConfig:
		return http.StatusInternalServerError
	case errs.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeOk 写成功响应
func writeOk[T any](w http.ResponseWriter, data T) {
	writeJSON(w, http.StatusOK, Ok(data))
}

// writeErr 按错误类别写失败响应
func writeErr(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := errs.KindOf(err)
	status := statusForKind(kind)

	retryAfterSec := 0
	if ra := errs.RetryAfterOf(err); ra > 0 {
		retryAfterSec = int(ra.Seconds())
		if retryAfterSec < 1 {
			retryAfterSec = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	}

	if status >= 500 {
		logger.Error("Request failed", zap.Error(err))
	}

	writeJSON(w, status, Fail(err.Error(), kind, retryAfterSec))
}
