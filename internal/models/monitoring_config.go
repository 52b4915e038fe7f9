package models

import (
	"time"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
)

// MonitoringConfig 评估阈值（部署级默认值，patients 表的每人覆盖优先）
type MonitoringConfig struct {
	// SoftThreshold 沉默多久后发出 check-in 提示
	SoftThreshold time.Duration
	// EscalationWindow check-in 提示后继续沉默多久升级给护理人
	EscalationWindow time.Duration
	// RenotifyInterval ESCALATED 报警无人确认时重新通知的间隔，0 表示禁用
	RenotifyInterval time.Duration
}

// Validate 校验阈值；缺失阈值下继续评估是不安全的，整个 tick 必须失败
func (c MonitoringConfig) Validate() error {
	if c.SoftThreshold <= 0 {
		return errs.New(errs.KindConfig, "monitoring soft threshold is required")
	}
	if c.EscalationWindow <= 0 {
		return errs.New(errs.KindConfig, "monitoring escalation window is required")
	}
	if c.RenotifyInterval < 0 {
		return errs.New(errs.KindConfig, "escalation renotify interval must not be negative")
	}
	return nil
}

// ForPatient 应用患者级覆盖后的有效阈值
func (c MonitoringConfig) ForPatient(p *Patient) MonitoringConfig {
	out := c
	if p.SoftThresholdSec != nil && *p.SoftThresholdSec > 0 {
		out.SoftThreshold = time.Duration(*p.SoftThresholdSec) * time.Second
	}
	if p.EscalationWindowSec != nil && *p.EscalationWindowSec > 0 {
		out.EscalationWindow = time.Duration(*p.EscalationWindowSec) * time.Second
	}
	return out
}
