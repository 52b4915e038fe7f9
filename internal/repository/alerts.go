package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

// AlertsRepository 报警仓库
// create/transition 都是针对存储的原子条件写：并发竞争的失败方观察到 no-op，
// 而不是重复行或损坏行。
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建报警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
		alert_id,
		patient_id,
		kind,
		severity,
		state,
		state_entered_at,
		causing_record_id,
		detail,
		resolved_by,
		resolved_at,
		resolution_note,
		created_at,
		updated_at`

func scanAlert(row interface{ Scan(dest ...interface{}) error }) (*models.Alert, error) {
	var a models.Alert
	var causingRecordID, detail, resolvedBy, resolutionNote sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&a.AlertID,
		&a.PatientID,
		&a.Kind,
		&a.Severity,
		&a.State,
		&a.StateEnteredAt,
		&causingRecordID,
		&detail,
		&resolvedBy,
		&resolvedAt,
		&resolutionNote,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if causingRecordID.Valid {
		a.CausingRecordID = &causingRecordID.String
	}
	if detail.Valid {
		a.Detail = &detail.String
	}
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if resolutionNote.Valid {
		a.ResolutionNote = &resolutionNote.String
	}

	return &a, nil
}

// GetAlert 根据 alert_id 获取报警
func (r *AlertsRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT` + alertColumns + `
		FROM alerts
		WHERE alert_id = $1
	`

	a, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.Newf(errs.KindNotFound, "alert not found: %s", alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return a, nil
}

// GetActiveAlert 获取患者指定类型的未终结报警（不存在时返回 nil, nil，即隐式 NORMAL）
func (r *AlertsRepository) GetActiveAlert(ctx context.Context, patientID string, kind models.AlertKind) (*models.Alert, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if kind == "" {
		return nil, fmt.Errorf("kind is required")
	}

	query := `
		SELECT` + alertColumns + `
		FROM alerts
		WHERE patient_id = $1
		  AND kind = $2
		  AND state IN ($3, $4)
		ORDER BY created_at DESC
		LIMIT 1
	`

	a, err := scanAlert(r.db.QueryRowContext(ctx, query,
		patientID, kind, models.StateAwaitingCheckin, models.StateEscalated))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active alert: %w", err)
	}

	return a, nil
}

// ListActiveAlerts 列出所有未终结报警（tick 评估用）
func (r *AlertsRepository) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	query := `
		SELECT` + alertColumns + `
		FROM alerts
		WHERE state IN ($1, $2)
		ORDER BY state_entered_at
	`

	rows, err := r.db.QueryContext(ctx, query, models.StateAwaitingCheckin, models.StateEscalated)
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// CreateIfNoneActive 原子创建报警：仅当该 (patient, kind) 没有未终结报警时插入
// 竞争失败（已有活跃报警）返回 created=false 和已存在的行。
func (r *AlertsRepository) CreateIfNoneActive(ctx context.Context, alert *models.Alert) (bool, *models.Alert, error) {
	if alert == nil {
		return false, nil, fmt.Errorf("alert is required")
	}
	if alert.AlertID == "" {
		return false, nil, fmt.Errorf("alert_id is required")
	}
	if alert.PatientID == "" {
		return false, nil, fmt.Errorf("patient_id is required")
	}
	if alert.State.Terminal() || alert.State == models.StateNormal {
		return false, nil, fmt.Errorf("new alert state must be non-terminal, got %s", alert.State)
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			patient_id,
			kind,
			severity,
			state,
			state_entered_at,
			causing_record_id,
			detail,
			created_at,
			updated_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE NOT EXISTS (
			SELECT 1 FROM alerts
			WHERE patient_id = $2
			  AND kind = $3
			  AND state IN ($11, $12)
		)
	`

	result, err := r.db.ExecContext(ctx,
		query,
		alert.AlertID,
		alert.PatientID,
		alert.Kind,
		alert.Severity,
		alert.State,
		alert.StateEnteredAt,
		alert.CausingRecordID,
		alert.Detail,
		alert.CreatedAt,
		alert.UpdatedAt,
		models.StateAwaitingCheckin,
		models.StateEscalated,
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to create alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// 竞争失败：返回已占位的活跃报警
		existing, err := r.GetActiveAlert(ctx, alert.PatientID, alert.Kind)
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}

	return true, alert, nil
}

// TransitionUpdate 状态转换附带的更新字段
type TransitionUpdate struct {
	ResolvedBy     *string
	ResolutionNote *string
}

// Transition 原子状态转换：仅当当前状态等于 from 时更新
// 前置条件不满足时返回 applied=false（no-op，不是错误）。
func (r *AlertsRepository) Transition(ctx context.Context, alertID string, from, to models.AlertState, update TransitionUpdate) (bool, error) {
	if alertID == "" {
		return false, fmt.Errorf("alert_id is required")
	}
	if from == to {
		return false, fmt.Errorf("from and to states must differ")
	}

	query := `
		UPDATE alerts
		SET state = $1,
		    state_entered_at = NOW(),
		    resolved_by = COALESCE($2, resolved_by),
		    resolved_at = CASE WHEN $1 IN ($5, $6) THEN NOW() ELSE resolved_at END,
		    resolution_note = COALESCE($3, resolution_note),
		    updated_at = NOW()
		WHERE alert_id = $4
		  AND state = $7
	`

	result, err := r.db.ExecContext(ctx,
		query,
		to,
		update.ResolvedBy,
		update.ResolutionNote,
		alertID,
		models.StateResolved,
		models.StateFalseAlarm,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// AppendResolutionNote 追加终态报警的备注（终态行唯一允许的变更）
func (r *AlertsRepository) AppendResolutionNote(ctx context.Context, alertID, note string) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if note == "" {
		return fmt.Errorf("note is required")
	}

	query := `
		UPDATE alerts
		SET resolution_note = CASE
		        WHEN resolution_note IS NULL OR resolution_note = '' THEN $1
		        ELSE resolution_note || E'\n' || $1
		    END,
		    updated_at = NOW()
		WHERE alert_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, note, alertID)
	if err != nil {
		return fmt.Errorf("failed to append resolution note: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.Newf(errs.KindNotFound, "alert not found: %s", alertID)
	}

	return nil
}
