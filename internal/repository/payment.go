package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/langchou/parkiq/internal/models"
)

// PaymentRepository 停车费账单仓库
type PaymentRepository struct {
	db *DB
}

// NewPaymentRepository 创建账单仓库
func NewPaymentRepository(db *DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create 创建账单
func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (
			payment_id, slot_id, vehicle_plate, entry_time, exit_time,
			duration_min, amount, paid, paid_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		p.PaymentID,
		p.SlotID,
		p.VehiclePlate,
		p.EntryTime,
		p.ExitTime,
		p.DurationMin,
		p.Amount,
		p.Paid,
		p.PaidAt,
	).Scan(&p.ID, &p.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetByPaymentID 按账单 ID 查询
func (r *PaymentRepository) GetByPaymentID(ctx context.Context, paymentID string) (*models.Payment, error) {
	query := selectPayment + ` WHERE payment_id = $1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query, paymentID))
}

// MarkPaid 标记账单已支付
func (r *PaymentRepository) MarkPaid(ctx context.Context, paymentID string, paidAt time.Time) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE payments SET paid = true, paid_at = $1 WHERE payment_id = $2 AND paid = false`,
		paidAt, paymentID)
	if err != nil {
		return fmt.Errorf("mark payment paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s not found or already paid", paymentID)
	}
	return nil
}

// List 分页查询账单
func (r *PaymentRepository) List(ctx context.Context, limit, offset int) ([]*models.Payment, error) {
	query := selectPayment + ` ORDER BY exit_time DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// Count 统计账单总数
func (r *PaymentRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return count, nil
}

const selectPayment = `
	SELECT id, payment_id, slot_id, vehicle_plate, entry_time, exit_time,
	       duration_min, amount, paid, paid_at, created_at
	FROM payments
`

func (r *PaymentRepository) scanOne(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(
		&p.ID,
		&p.PaymentID,
		&p.SlotID,
		&p.VehiclePlate,
		&p.EntryTime,
		&p.ExitTime,
		&p.DurationMin,
		&p.Amount,
		&p.Paid,
		&p.PaidAt,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}
