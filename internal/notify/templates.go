package notify

import (
	"fmt"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

// BuildBody 根据报警类型、状态和受众生成通知正文
// 正文面向短信长度限制，保持一句话以内。
func BuildBody(alert *models.Alert, patient *models.Patient, recipient models.RecipientKind) string {
	name := patient.DisplayName
	if name == "" {
		name = "your family member"
	}

	switch recipient {
	case models.RecipientPatient:
		// 患者只会收到 check-in 提示
		return fmt.Sprintf("Hi %s, we haven't heard from you in a while. Please tap to check in or reply OK.", name)

	case models.RecipientCaregiver:
		switch alert.Kind {
		case models.AlertFallDetected:
			detail := ""
			if alert.Detail != nil && *alert.Detail != "" {
				detail = " (" + *alert.Detail + ")"
			}
			return fmt.Sprintf("URGENT: a fall signal was reported for %s%s. Please check on them now.", name, detail)
		case models.AlertProlongedInactivity:
			return fmt.Sprintf("URGENT: %s has not responded to a check-in prompt. Please check on them.", name)
		default:
			return fmt.Sprintf("URGENT: an emergency was reported for %s. Please check on them now.", name)
		}
	}

	return fmt.Sprintf("Alert update for %s.", name)
}
