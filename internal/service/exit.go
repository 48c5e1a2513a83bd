package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/parkiq/internal/api/central"
	"github.com/langchou/parkiq/internal/models"
)

// 每小时费率，按车辆类型区分
// 不足一小时按一小时计
var hourlyRates = map[models.VehicleType]float64{
	models.VehicleBike:  1.0,
	models.VehicleCar:   2.5,
	models.VehicleHeavy: 5.0,
}

// PaymentStore 账单持久化
type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) error
	GetByPaymentID(ctx context.Context, paymentID string) (*models.Payment, error)
	MarkPaid(ctx context.Context, paymentID string, paidAt time.Time) error
	List(ctx context.Context, limit, offset int) ([]*models.Payment, error)
	Count(ctx context.Context) (int64, error)
}

// ReleasePublisher 车位释放事件推送
type ReleasePublisher interface {
	BroadcastSlotReleased(slotID, plate string)
}

// ExitService 出场结算
// 释放中心后端的车位，关闭在场记录并生成账单
type ExitService struct {
	gateway     SlotGateway
	assignments AssignmentStore
	payments    PaymentStore
	publisher   ReleasePublisher
	logger      *zap.Logger
}

// NewExitService 创建出场服务
func NewExitService(gateway SlotGateway, assignments AssignmentStore, payments PaymentStore, publisher ReleasePublisher, logger *zap.Logger) *ExitService {
	return &ExitService{
		gateway:     gateway,
		assignments: assignments,
		payments:    payments,
		publisher:   publisher,
		logger:      logger,
	}
}

// ProcessExit 处理车辆出场
// 先向中心后端释放车位，释放成功后才关闭本地记录并出账，
// 网络故障时整个出场操作失败，车辆留在场内记录中可重试
func (s *ExitService) ProcessExit(ctx context.Context, plate string, exitTime time.Time) (*models.Payment, error) {
	if plate == "" {
		return nil, fmt.Errorf("vehicle plate is required")
	}
	if exitTime.IsZero() {
		exitTime = time.Now()
	}

	record, err := s.assignments.GetActiveByPlate(ctx, plate)
	if err != nil {
		return nil, fmt.Errorf("no active assignment for plate %s", plate)
	}

	if _, err := s.gateway.ReleaseSlot(ctx, record.SlotID); err != nil {
		// 车位被管理端删除时本地记录照常关闭，其余错误阻断出场
		if !errors.Is(err, central.ErrSlotNotFound) {
			return nil, fmt.Errorf("release slot %s: %w", record.SlotID, err)
		}
		s.logger.Warn("Slot missing on release, closing locally",
			zap.String("slot_id", record.SlotID),
			zap.String("plate", plate))
	}

	if err := s.assignments.Close(ctx, record.AttemptID, exitTime); err != nil {
		return nil, err
	}

	durationMin := exitTime.Sub(record.EntryTime).Minutes()
	if durationMin < 0 {
		durationMin = 0
	}
	payment := &models.Payment{
		PaymentID:    uuid.NewString(),
		SlotID:       record.SlotID,
		VehiclePlate: plate,
		EntryTime:    record.EntryTime,
		ExitTime:     exitTime,
		DurationMin:  durationMin,
		Amount:       calculateFee(record.VehicleType, durationMin),
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.BroadcastSlotReleased(record.SlotID, plate)
	}

	s.logger.Info("Vehicle exited",
		zap.String("plate", plate),
		zap.String("slot_id", record.SlotID),
		zap.Float64("duration_min", durationMin),
		zap.Float64("amount", payment.Amount))

	return payment, nil
}

// Pay 标记账单已支付
func (s *ExitService) Pay(ctx context.Context, paymentID string) (*models.Payment, error) {
	if err := s.payments.MarkPaid(ctx, paymentID, time.Now()); err != nil {
		return nil, err
	}
	return s.payments.GetByPaymentID(ctx, paymentID)
}

// GetPayment 查询账单
func (s *ExitService) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	return s.payments.GetByPaymentID(ctx, paymentID)
}

// ListPayments 分页查询账单
func (s *ExitService) ListPayments(ctx context.Context, limit, offset int) ([]*models.Payment, int64, error) {
	payments, err := s.payments.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.payments.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

// calculateFee 按停车时长计费，不足一小时按一小时计
func calculateFee(vehicleType models.VehicleType, durationMin float64) float64 {
	rate, ok := hourlyRates[vehicleType]
	if !ok {
		rate = hourlyRates[models.VehicleCar]
	}
	hours := math.Ceil(durationMin / 60)
	if hours < 1 {
		hours = 1
	}
	return math.Round(rate*hours*100) / 100
}
