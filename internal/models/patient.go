package models

import (
	"time"
)

// Patient 被监测人（由外部档案系统创建和维护，引擎只读）
type Patient struct {
	PatientID         string  `json:"patient_id" db:"patient_id"`
	DisplayName       string  `json:"display_name" db:"display_name"`
	Phone             *string `json:"phone,omitempty" db:"phone"`
	CaregiverPhone    *string `json:"caregiver_phone,omitempty" db:"caregiver_phone"`
	DeviceID          *string `json:"device_id,omitempty" db:"device_id"`
	MonitoringEnabled bool    `json:"monitoring_enabled" db:"monitoring_enabled"`

	// 每人阈值覆盖（秒），nil 使用部署默认值
	SoftThresholdSec    *int `json:"soft_threshold_sec,omitempty" db:"soft_threshold_sec"`
	EscalationWindowSec *int `json:"escalation_window_sec,omitempty" db:"escalation_window_sec"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ContactFor 返回指定受众的联系方式（未配置返回空串）
func (p *Patient) ContactFor(recipient RecipientKind) string {
	switch recipient {
	case RecipientPatient:
		if p.Phone != nil {
			return *p.Phone
		}
	case RecipientCaregiver:
		if p.CaregiverPhone != nil {
			return *p.CaregiverPhone
		}
	}
	return ""
}
