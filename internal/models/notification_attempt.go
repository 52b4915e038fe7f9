package models

import (
	"time"
)

// RecipientKind 通知受众
type RecipientKind string

const (
	RecipientPatient   RecipientKind = "patient"
	RecipientCaregiver RecipientKind = "caregiver"
)

// AttemptOutcome 单次通知尝试的结果（终态 sent/failed 不可变）
type AttemptOutcome string

const (
	OutcomePending AttemptOutcome = "pending"
	OutcomeSent    AttemptOutcome = "sent"
	OutcomeFailed  AttemptOutcome = "failed"
)

// NotificationAttempt 一次通知投递尝试
// 幂等范围是 (alert_id, recipient_kind)：已有 sent 尝试的组合再次请求分发是 no-op。
type NotificationAttempt struct {
	AttemptID         string         `json:"attempt_id" db:"attempt_id"`
	AlertID           string         `json:"alert_id" db:"alert_id"`
	RecipientKind     RecipientKind  `json:"recipient_kind" db:"recipient_kind"`
	AttemptNumber     int            `json:"attempt_number" db:"attempt_number"`
	Channel           string         `json:"channel" db:"channel"`
	Outcome           AttemptOutcome `json:"outcome" db:"outcome"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty" db:"provider_message_id"`
	ErrorDetail       *string        `json:"error_detail,omitempty" db:"error_detail"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
}
