package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Abenedis/aplitapp/internal/models"

	"go.uber.org/zap"
)

const annotationsSchema = `
	CREATE TABLE IF NOT EXISTS device_annotations (
		device_id  TEXT PRIMARY KEY,
		home_name  TEXT NOT NULL DEFAULT '',
		room_name  TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'active',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PostgresAnnotationRepository 注解保存在 device_annotations 表
type PostgresAnnotationRepository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresAnnotationRepository 创建注解Repository
func NewPostgresAnnotationRepository(db *sql.DB, logger *zap.Logger) *PostgresAnnotationRepository {
	return &PostgresAnnotationRepository{db: db, logger: logger, now: time.Now}
}

// 确保实现了接口
var _ AnnotationRepository = (*PostgresAnnotationRepository)(nil)

// EnsureSchema 建表（幂等）
func (r *PostgresAnnotationRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, annotationsSchema); err != nil {
		return fmt.Errorf("failed to create device_annotations: %w", err)
	}
	return nil
}

// List 获取全部注解
func (r *PostgresAnnotationRepository) List(ctx context.Context) (map[models.DeviceID]models.DeviceAnnotation, error) {
	query := `
		SELECT device_id, home_name, room_name, status, updated_at
		FROM device_annotations
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	defer rows.Close()

	out := map[models.DeviceID]models.DeviceAnnotation{}
	for rows.Next() {
		var a models.DeviceAnnotation
		if err := rows.Scan(&a.DeviceID, &a.HomeName, &a.RoomName, &a.Status, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}
		out[a.DeviceID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate annotations: %w", err)
	}
	return out, nil
}

// Get 获取单个设备的注解
func (r *PostgresAnnotationRepository) Get(ctx context.Context, id models.DeviceID) (models.DeviceAnnotation, error) {
	query := `
		SELECT device_id, home_name, room_name, status, updated_at
		FROM device_annotations
		WHERE device_id = $1
	`

	var a models.DeviceAnnotation
	err := r.db.QueryRowContext(ctx, query, string(id)).Scan(
		&a.DeviceID, &a.HomeName, &a.RoomName, &a.Status, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeviceAnnotation{}, ErrNotFound
		}
		return models.DeviceAnnotation{}, fmt.Errorf("failed to get annotation: %w", err)
	}
	return a, nil
}

// SetName 设置显示名称，状态保持不变（新设备为 active）
func (r *PostgresAnnotationRepository) SetName(ctx context.Context, id models.DeviceID, homeName, roomName string) (models.DeviceAnnotation, error) {
	homeName, roomName, err := validateNames(homeName, roomName)
	if err != nil {
		return models.DeviceAnnotation{}, err
	}

	query := `
		INSERT INTO device_annotations (device_id, home_name, room_name, status, updated_at)
		VALUES ($1, $2, $3, 'active', $4)
		ON CONFLICT (device_id) DO UPDATE SET
			home_name = EXCLUDED.home_name,
			room_name = EXCLUDED.room_name,
			updated_at = EXCLUDED.updated_at
		RETURNING status
	`

	a := models.DeviceAnnotation{
		DeviceID:  id,
		HomeName:  homeName,
		RoomName:  roomName,
		UpdatedAt: r.now().UTC(),
	}
	if err := r.db.QueryRowContext(ctx, query, string(id), homeName, roomName, a.UpdatedAt).Scan(&a.Status); err != nil {
		return models.DeviceAnnotation{}, fmt.Errorf("failed to set annotation name: %w", err)
	}
	return a, nil
}

// SetStatus 在事务内读取当前状态、校验并写入新状态
func (r *PostgresAnnotationRepository) SetStatus(ctx context.Context, id models.DeviceID, action Action) (models.DeviceAnnotation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.DeviceAnnotation{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Warn("Failed to rollback annotation transaction", zap.Error(err))
		}
	}()

	// 1. 读取当前注解（行锁）
	a := Default(id)
	err = tx.QueryRowContext(ctx, `
		SELECT home_name, room_name, status
		FROM device_annotations
		WHERE device_id = $1
		FOR UPDATE
	`, string(id)).Scan(&a.HomeName, &a.RoomName, &a.Status)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.DeviceAnnotation{}, fmt.Errorf("failed to load annotation: %w", err)
	}

	// 2. 计算新状态
	status, err := Transition(a.Status, action)
	if err != nil {
		return models.DeviceAnnotation{}, err
	}
	a.Status = status
	a.UpdatedAt = r.now().UTC()

	// 3. 写入
	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_annotations (device_id, home_name, room_name, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, string(id), a.HomeName, a.RoomName, string(a.Status), a.UpdatedAt)
	if err != nil {
		return models.DeviceAnnotation{}, fmt.Errorf("failed to save annotation status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.DeviceAnnotation{}, fmt.Errorf("failed to commit annotation status: %w", err)
	}
	return a, nil
}
