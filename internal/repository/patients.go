package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

// PatientsRepository 患者仓库（引擎只读；行由外部档案系统维护）
type PatientsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPatientsRepository 创建患者仓库
func NewPatientsRepository(db *sql.DB, logger *zap.Logger) *PatientsRepository {
	return &PatientsRepository{
		db:     db,
		logger: logger,
	}
}

const patientColumns = `
		patient_id,
		display_name,
		phone,
		caregiver_phone,
		device_id,
		monitoring_enabled,
		soft_threshold_sec,
		escalation_window_sec,
		created_at,
		updated_at`

func scanPatient(row interface{ Scan(dest ...interface{}) error }) (*models.Patient, error) {
	var p models.Patient
	var phone, caregiverPhone, deviceID sql.NullString
	var softSec, escSec sql.NullInt64

	err := row.Scan(
		&p.PatientID,
		&p.DisplayName,
		&phone,
		&caregiverPhone,
		&deviceID,
		&p.MonitoringEnabled,
		&softSec,
		&escSec,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if phone.Valid {
		p.Phone = &phone.String
	}
	if caregiverPhone.Valid {
		p.CaregiverPhone = &caregiverPhone.String
	}
	if deviceID.Valid {
		p.DeviceID = &deviceID.String
	}
	if softSec.Valid {
		v := int(softSec.Int64)
		p.SoftThresholdSec = &v
	}
	if escSec.Valid {
		v := int(escSec.Int64)
		p.EscalationWindowSec = &v
	}

	return &p, nil
}

// GetPatient 根据 patient_id 获取患者
func (r *PatientsRepository) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	query := `
		SELECT` + patientColumns + `
		FROM patients
		WHERE patient_id = $1
	`

	p, err := scanPatient(r.db.QueryRowContext(ctx, query, patientID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.Newf(errs.KindNotFound, "patient not found: %s", patientID)
		}
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}

	return p, nil
}

// GetByDeviceID 根据设备标识查找患者（传感器事件映射用）
func (r *PatientsRepository) GetByDeviceID(ctx context.Context, deviceID string) (*models.Patient, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT` + patientColumns + `
		FROM patients
		WHERE device_id = $1
	`

	p, err := scanPatient(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.Newf(errs.KindNotFound, "no patient mapped to device: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to get patient by device: %w", err)
	}

	return p, nil
}

// GetByContactPhone 根据联系电话查找患者（紧急上报映射用）
func (r *PatientsRepository) GetByContactPhone(ctx context.Context, phone string) (*models.Patient, error) {
	if phone == "" {
		return nil, fmt.Errorf("phone is required")
	}

	query := `
		SELECT` + patientColumns + `
		FROM patients
		WHERE phone = $1
	`

	p, err := scanPatient(r.db.QueryRowContext(ctx, query, phone))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.Newf(errs.KindNotFound, "no patient mapped to contact: %s", phone)
		}
		return nil, fmt.Errorf("failed to get patient by contact: %w", err)
	}

	return p, nil
}

// ListMonitoringEnabled 列出所有开启监测的患者（tick 的评估对象）
func (r *PatientsRepository) ListMonitoringEnabled(ctx context.Context) ([]*models.Patient, error) {
	query := `
		SELECT` + patientColumns + `
		FROM patients
		WHERE monitoring_enabled = TRUE
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	patients := []*models.Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		patients = append(patients, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patients: %w", err)
	}

	return patients, nil
}
