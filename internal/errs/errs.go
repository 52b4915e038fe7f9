package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind 错误类别（API 层据此映射 HTTP 状态码和机器可读错误体）
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindNotFound   Kind = "not_found"
	KindUpstream   Kind = "upstream"
	KindConfig     Kind = "config"
)

// Error 引擎错误（携带类别，限流错误额外携带 retry-after）
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // 仅 KindRateLimit 使用
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建指定类别的错误
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf 创建指定类别的错误（格式化消息）
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误并标注类别
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// RateLimited 创建限流错误（带 retry-after）
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Message: message, RetryAfter: retryAfter}
}

// KindOf 提取错误的类别；非引擎错误一律视为 upstream
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf 提取限流错误的 retry-after；其它错误返回 0
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit {
		return e.RetryAfter
	}
	return 0
}
