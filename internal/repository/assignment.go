package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/langchou/parkiq/internal/models"
)

// AssignmentRepository 分配记录仓库
type AssignmentRepository struct {
	db *DB
}

// NewAssignmentRepository 创建分配仓库
func NewAssignmentRepository(db *DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// Create 创建分配记录
func (r *AssignmentRepository) Create(ctx context.Context, a *models.Assignment) error {
	query := `
		INSERT INTO assignments (
			attempt_id, vehicle_type, vehicle_plate, zone, slot_id, level,
			phase, failure_kind, failure_message, recommend_calls, occupy_calls, entry_time
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		a.AttemptID,
		a.VehicleType,
		a.VehiclePlate,
		a.Zone,
		a.SlotID,
		a.Level,
		a.Phase,
		a.FailureKind,
		a.FailureMessage,
		a.RecommendCalls,
		a.OccupyCalls,
		a.EntryTime,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// Update 更新分配记录（阶段推进、终态落盘）
func (r *AssignmentRepository) Update(ctx context.Context, a *models.Assignment) error {
	query := `
		UPDATE assignments SET
			zone = $1,
			slot_id = $2,
			level = $3,
			phase = $4,
			failure_kind = $5,
			failure_message = $6,
			recommend_calls = $7,
			occupy_calls = $8,
			closed_at = $9,
			updated_at = NOW()
		WHERE attempt_id = $10
	`
	_, err := r.db.Pool.Exec(ctx, query,
		a.Zone,
		a.SlotID,
		a.Level,
		a.Phase,
		a.FailureKind,
		a.FailureMessage,
		a.RecommendCalls,
		a.OccupyCalls,
		a.ClosedAt,
		a.AttemptID,
	)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	return nil
}

// GetByAttemptID 按尝试 ID 查询
func (r *AssignmentRepository) GetByAttemptID(ctx context.Context, attemptID string) (*models.Assignment, error) {
	query := selectAssignment + ` WHERE attempt_id = $1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query, attemptID))
}

// GetActiveByPlate 查询某车牌当前在场的分配记录
// 在场 = 已到 assigned/released 且未关闭（出场时关闭）
func (r *AssignmentRepository) GetActiveByPlate(ctx context.Context, plate string) (*models.Assignment, error) {
	query := selectAssignment + `
		WHERE vehicle_plate = $1
		  AND phase IN ('assigned', 'released')
		  AND slot_id <> ''
		  AND closed_at IS NULL
		ORDER BY entry_time DESC
		LIMIT 1
	`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query, plate))
}

// Close 关闭分配记录（车辆出场）
func (r *AssignmentRepository) Close(ctx context.Context, attemptID string, closedAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE assignments SET closed_at = $1, updated_at = NOW() WHERE attempt_id = $2`,
		closedAt, attemptID)
	if err != nil {
		return fmt.Errorf("close assignment: %w", err)
	}
	return nil
}

// List 分页查询分配记录
func (r *AssignmentRepository) List(ctx context.Context, limit, offset int) ([]*models.Assignment, error) {
	query := selectAssignment + ` ORDER BY entry_time DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*models.Assignment
	for rows.Next() {
		a, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// Count 统计分配记录总数
func (r *AssignmentRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM assignments`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count assignments: %w", err)
	}
	return count, nil
}

const selectAssignment = `
	SELECT id, attempt_id, vehicle_type, vehicle_plate, zone, slot_id, level,
	       phase, COALESCE(failure_kind, ''), COALESCE(failure_message, ''),
	       recommend_calls, occupy_calls, entry_time, closed_at, created_at, updated_at
	FROM assignments
`

// rowScanner pgx.Row 与 pgx.Rows 的公共 Scan 接口
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *AssignmentRepository) scanOne(row rowScanner) (*models.Assignment, error) {
	var a models.Assignment
	err := row.Scan(
		&a.ID,
		&a.AttemptID,
		&a.VehicleType,
		&a.VehiclePlate,
		&a.Zone,
		&a.SlotID,
		&a.Level,
		&a.Phase,
		&a.FailureKind,
		&a.FailureMessage,
		&a.RecommendCalls,
		&a.OccupyCalls,
		&a.EntryTime,
		&a.ClosedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan assignment: %w", err)
	}
	return &a, nil
}
