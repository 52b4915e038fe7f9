package models

import (
	"time"
)

// ActivitySource 活动信号来源
type ActivitySource string

const (
	SourceConversational ActivitySource = "conversational" // 对话式 check-in
	SourceSensor         ActivitySource = "sensor"         // 运动/存在传感器
	SourceExplicitAck    ActivitySource = "explicit_ack"   // 显式确认（患者或护理人）
)

// ValidSource 判断来源是否合法
func ValidSource(s ActivitySource) bool {
	switch s {
	case SourceConversational, SourceSensor, SourceExplicitAck:
		return true
	}
	return false
}

// ActivityRecord 活动记录（append-only，评估沉默时只取同一患者的最大时间戳）
type ActivityRecord struct {
	RecordID   string         `json:"record_id" db:"record_id"`
	PatientID  string         `json:"patient_id" db:"patient_id"`
	Source     ActivitySource `json:"source" db:"source"`
	ObservedAt time.Time      `json:"observed_at" db:"observed_at"`
	Detail     *string        `json:"detail,omitempty" db:"detail"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}
