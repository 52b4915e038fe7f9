package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

// ActivityRecordsRepository 活动记录仓库（append-only）
type ActivityRecordsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewActivityRecordsRepository 创建活动记录仓库
func NewActivityRecordsRepository(db *sql.DB, logger *zap.Logger) *ActivityRecordsRepository {
	return &ActivityRecordsRepository{
		db:     db,
		logger: logger,
	}
}

// Append 追加一条活动记录
// 重复写入相同或更旧的时间戳是无害的：阈值计算只取最大时间戳。
func (r *ActivityRecordsRepository) Append(ctx context.Context, rec *models.ActivityRecord) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	if rec.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if rec.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if !models.ValidSource(rec.Source) {
		return fmt.Errorf("invalid activity source: %s", rec.Source)
	}
	if rec.ObservedAt.IsZero() {
		return fmt.Errorf("observed_at is required")
	}

	query := `
		INSERT INTO activity_records (
			record_id,
			patient_id,
			source,
			observed_at,
			detail,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		rec.RecordID,
		rec.PatientID,
		rec.Source,
		rec.ObservedAt,
		rec.Detail,
		rec.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to append activity record: %w", err)
	}

	return nil
}

// LatestForPatient 获取患者最新的一条活动记录（无记录时返回 nil, nil）
func (r *ActivityRecordsRepository) LatestForPatient(ctx context.Context, patientID string) (*models.ActivityRecord, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	query := `
		SELECT
			record_id,
			patient_id,
			source,
			observed_at,
			detail,
			created_at
		FROM activity_records
		WHERE patient_id = $1
		ORDER BY observed_at DESC
		LIMIT 1
	`

	rec, err := scanActivityRecord(r.db.QueryRowContext(ctx, query, patientID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest activity: %w", err)
	}

	return rec, nil
}

// LatestExplicitAckSince 获取某时刻之后最新的显式确认记录（无记录时返回 nil, nil）
// ESCALATED 报警不会因被动活动自愈，只接受显式确认。
func (r *ActivityRecordsRepository) LatestExplicitAckSince(ctx context.Context, patientID string, since time.Time) (*models.ActivityRecord, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	query := `
		SELECT
			record_id,
			patient_id,
			source,
			observed_at,
			detail,
			created_at
		FROM activity_records
		WHERE patient_id = $1
		  AND source = $2
		  AND observed_at > $3
		ORDER BY observed_at DESC
		LIMIT 1
	`

	rec, err := scanActivityRecord(r.db.QueryRowContext(ctx, query, patientID, models.SourceExplicitAck, since))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query explicit ack: %w", err)
	}

	return rec, nil
}

// LatestPerPatient 获取每个患者的最大活动时间戳（批量评估用）
func (r *ActivityRecordsRepository) LatestPerPatient(ctx context.Context) (map[string]time.Time, error) {
	query := `
		SELECT patient_id, MAX(observed_at)
		FROM activity_records
		GROUP BY patient_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest activity per patient: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]time.Time)
	for rows.Next() {
		var patientID string
		var ts time.Time
		if err := rows.Scan(&patientID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan latest activity: %w", err)
		}
		latest[patientID] = ts
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate latest activity: %w", err)
	}

	return latest, nil
}

func scanActivityRecord(row interface{ Scan(dest ...interface{}) error }) (*models.ActivityRecord, error) {
	var rec models.ActivityRecord
	var detail sql.NullString

	err := row.Scan(
		&rec.RecordID,
		&rec.PatientID,
		&rec.Source,
		&rec.ObservedAt,
		&detail,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if detail.Valid {
		rec.Detail = &detail.String
	}

	return &rec, nil
}
