package models

import (
	"time"
)

// AlertState 报警状态
// StateNormal 是隐式状态：该 (patient, kind) 不存在未终结的行；
// 转换表中作为显式的前置状态出现，便于测试"无活跃报警"这一前提。
type AlertState string

const (
	StateNormal          AlertState = "normal"
	StateAwaitingCheckin AlertState = "awaiting_checkin"
	StateEscalated       AlertState = "escalated"
	StateResolved        AlertState = "resolved"
	StateFalseAlarm      AlertState = "false_alarm"
)

// Terminal 判断状态是否为终态（终态行除追加备注外不可变）
func (s AlertState) Terminal() bool {
	return s == StateResolved || s == StateFalseAlarm
}

// AlertKind 报警类型
type AlertKind string

const (
	AlertProlongedInactivity AlertKind = "prolonged_inactivity"
	AlertFallDetected        AlertKind = "fall_detected"
	AlertOther               AlertKind = "other"
)

// 报警级别（沿用 syslog 风格级别名）
const (
	SeverityWarning = "WARNING"
	SeverityAlert   = "ALERT"
)

// Alert 报警行
// 核心不变式：每个 (patient_id, kind) 同一时刻最多一个未终结报警，
// 该不变式由仓库层的原子 create-if-none-active 保证。
type Alert struct {
	AlertID         string     `json:"alert_id" db:"alert_id"`
	PatientID       string     `json:"patient_id" db:"patient_id"`
	Kind            AlertKind  `json:"kind" db:"kind"`
	Severity        string     `json:"severity" db:"severity"`
	State           AlertState `json:"state" db:"state"`
	StateEnteredAt  time.Time  `json:"state_entered_at" db:"state_entered_at"`
	CausingRecordID *string    `json:"causing_record_id,omitempty" db:"causing_record_id"`
	Detail          *string    `json:"detail,omitempty" db:"detail"`
	ResolvedBy      *string    `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionNote  *string    `json:"resolution_note,omitempty" db:"resolution_note"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}
