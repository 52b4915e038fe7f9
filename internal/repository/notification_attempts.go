package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

// NotificationAttemptsRepository 通知尝试仓库（append-only，终态不可变）
type NotificationAttemptsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationAttemptsRepository 创建通知尝试仓库
func NewNotificationAttemptsRepository(db *sql.DB, logger *zap.Logger) *NotificationAttemptsRepository {
	return &NotificationAttemptsRepository{
		db:     db,
		logger: logger,
	}
}

const attemptColumns = `
		attempt_id,
		alert_id,
		recipient_kind,
		attempt_number,
		channel,
		outcome,
		provider_message_id,
		error_detail,
		created_at,
		updated_at`

func scanAttempt(row interface{ Scan(dest ...interface{}) error }) (*models.NotificationAttempt, error) {
	var a models.NotificationAttempt
	var providerMessageID, errorDetail sql.NullString

	err := row.Scan(
		&a.AttemptID,
		&a.AlertID,
		&a.RecipientKind,
		&a.AttemptNumber,
		&a.Channel,
		&a.Outcome,
		&providerMessageID,
		&errorDetail,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if providerMessageID.Valid {
		a.ProviderMessageID = &providerMessageID.String
	}
	if errorDetail.Valid {
		a.ErrorDetail = &errorDetail.String
	}

	return &a, nil
}

// Append 记录一次新的通知尝试（初始 outcome 为 pending）
func (r *NotificationAttemptsRepository) Append(ctx context.Context, att *models.NotificationAttempt) error {
	if att == nil {
		return fmt.Errorf("attempt is required")
	}
	if att.AttemptID == "" {
		return fmt.Errorf("attempt_id is required")
	}
	if att.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if att.RecipientKind != models.RecipientPatient && att.RecipientKind != models.RecipientCaregiver {
		return fmt.Errorf("invalid recipient kind: %s", att.RecipientKind)
	}
	if att.AttemptNumber < 1 {
		return fmt.Errorf("attempt_number must be at least 1")
	}

	query := `
		INSERT INTO notification_attempts (
			attempt_id,
			alert_id,
			recipient_kind,
			attempt_number,
			channel,
			outcome,
			provider_message_id,
			error_detail,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		att.AttemptID,
		att.AlertID,
		att.RecipientKind,
		att.AttemptNumber,
		att.Channel,
		att.Outcome,
		att.ProviderMessageID,
		att.ErrorDetail,
		att.CreatedAt,
		att.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to append notification attempt: %w", err)
	}

	return nil
}

// MarkOutcome 将 pending 尝试推进到终态（sent/failed）
// 终态一旦写入不可变：只有 pending 行会被更新。
func (r *NotificationAttemptsRepository) MarkOutcome(ctx context.Context, attemptID string, outcome models.AttemptOutcome, providerMessageID, errorDetail *string) error {
	if attemptID == "" {
		return fmt.Errorf("attempt_id is required")
	}
	if outcome != models.OutcomeSent && outcome != models.OutcomeFailed {
		return fmt.Errorf("outcome must be sent or failed, got %s", outcome)
	}

	query := `
		UPDATE notification_attempts
		SET outcome = $1,
		    provider_message_id = $2,
		    error_detail = $3,
		    updated_at = NOW()
		WHERE attempt_id = $4
		  AND outcome = $5
	`

	result, err := r.db.ExecContext(ctx, query,
		outcome, providerMessageID, errorDetail, attemptID, models.OutcomePending)
	if err != nil {
		return fmt.Errorf("failed to mark attempt outcome: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("attempt not found or not pending: %s", attemptID)
	}

	return nil
}

// LatestSent 获取 (alert, recipient) 最近一次 sent 尝试（无记录时返回 nil, nil）
// 这是幂等护栏的持久化依据。
func (r *NotificationAttemptsRepository) LatestSent(ctx context.Context, alertID string, recipient models.RecipientKind) (*models.NotificationAttempt, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT` + attemptColumns + `
		FROM notification_attempts
		WHERE alert_id = $1
		  AND recipient_kind = $2
		  AND outcome = $3
		ORDER BY attempt_number DESC
		LIMIT 1
	`

	a, err := scanAttempt(r.db.QueryRowContext(ctx, query, alertID, recipient, models.OutcomeSent))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query sent attempt: %w", err)
	}

	return a, nil
}

// CountAttempts 统计 (alert, recipient) 的尝试总数
func (r *NotificationAttemptsRepository) CountAttempts(ctx context.Context, alertID string, recipient models.RecipientKind) (int, error) {
	if alertID == "" {
		return 0, fmt.Errorf("alert_id is required")
	}

	var count int
	query := `
		SELECT COUNT(*)
		FROM notification_attempts
		WHERE alert_id = $1
		  AND recipient_kind = $2
	`

	if err := r.db.QueryRowContext(ctx, query, alertID, recipient).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}

	return count, nil
}

// CountFailed 统计 (alert, recipient) 的失败尝试数（有界重试的依据）
func (r *NotificationAttemptsRepository) CountFailed(ctx context.Context, alertID string, recipient models.RecipientKind) (int, error) {
	if alertID == "" {
		return 0, fmt.Errorf("alert_id is required")
	}

	var count int
	query := `
		SELECT COUNT(*)
		FROM notification_attempts
		WHERE alert_id = $1
		  AND recipient_kind = $2
		  AND outcome = $3
	`

	if err := r.db.QueryRowContext(ctx, query, alertID, recipient, models.OutcomeFailed).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}

	return count, nil
}

// ListByAlert 列出某报警的全部通知尝试（审计用）
func (r *NotificationAttemptsRepository) ListByAlert(ctx context.Context, alertID string) ([]*models.NotificationAttempt, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT` + attemptColumns + `
		FROM notification_attempts
		WHERE alert_id = $1
		ORDER BY recipient_kind, attempt_number
	`

	rows, err := r.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*models.NotificationAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}

	return attempts, nil
}
