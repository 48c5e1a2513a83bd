package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/parkiq/internal/api/central"
	"github.com/langchou/parkiq/internal/models"
	"github.com/langchou/parkiq/internal/state"
)

// 占用冲突时的自动重试次数
// 第一次冲突说明推荐的车位被并发进场的车辆抢走，重新推荐一次即可；
// 连续第二次冲突视为场内竞争过热，放弃并交给人工
const maxConflictRetries = 1

// SlotGateway 中心后端车位操作
type SlotGateway interface {
	RecommendSlot(ctx context.Context, vehicleType models.VehicleType, plate string) (*central.Recommendation, error)
	OccupySlot(ctx context.Context, slotID, plate string, entryTime time.Time) (*models.Slot, error)
	ReleaseSlot(ctx context.Context, slotID string) (*models.Slot, error)
}

// AssignmentStore 分配记录持久化
type AssignmentStore interface {
	Create(ctx context.Context, a *models.Assignment) error
	Update(ctx context.Context, a *models.Assignment) error
	GetByAttemptID(ctx context.Context, attemptID string) (*models.Assignment, error)
	GetActiveByPlate(ctx context.Context, plate string) (*models.Assignment, error)
	Close(ctx context.Context, attemptID string, closedAt time.Time) error
	List(ctx context.Context, limit, offset int) ([]*models.Assignment, error)
	Count(ctx context.Context) (int64, error)
}

// Publisher 状态变更推送
type Publisher interface {
	BroadcastAssignmentUpdate(st *state.AttemptState)
}

// AssignmentService 车位分配编排
// 每次进场启动一个独立的分配流程：推荐、占用、倒计时展示
type AssignmentService struct {
	gateway   SlotGateway
	store     AssignmentStore
	publisher Publisher
	manager   *state.Manager
	logger    *zap.Logger

	countdownTicks int
	tickInterval   time.Duration

	mu          sync.RWMutex
	subscribers []chan *state.AttemptState
}

// NewAssignmentService 创建分配服务
func NewAssignmentService(gateway SlotGateway, store AssignmentStore, publisher Publisher, logger *zap.Logger, countdownTicks int, tickInterval time.Duration) *AssignmentService {
	s := &AssignmentService{
		gateway:        gateway,
		store:          store,
		publisher:      publisher,
		logger:         logger,
		countdownTicks: countdownTicks,
		tickInterval:   tickInterval,
	}
	s.manager = state.NewManager(func(attemptID, from, to string) {
		logger.Info("Assignment phase changed",
			zap.String("attempt_id", attemptID),
			zap.String("from", from),
			zap.String("to", to))
	})
	return s
}

// Subscribe 订阅状态更新
func (s *AssignmentService) Subscribe() <-chan *state.AttemptState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *state.AttemptState, 10)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// notifySubscribers 通知订阅者（内部 channel 订阅者）
func (s *AssignmentService) notifySubscribers(st *state.AttemptState) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- st:
		default:
			// 跳过慢消费者
		}
	}
}

// StartAssignment 为一辆进场车辆启动分配流程
// 校验在创建尝试之前完成，非法输入不产生任何记录
func (s *AssignmentService) StartAssignment(ctx context.Context, vehicle models.Vehicle, entryTime time.Time) (*state.AttemptState, error) {
	if err := vehicle.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vehicle: %w", err)
	}
	zone, ok := models.ZoneForVehicleType(vehicle.Type)
	if !ok {
		return nil, fmt.Errorf("no zone for vehicle type %s", vehicle.Type)
	}
	if entryTime.IsZero() {
		entryTime = time.Now()
	}

	attemptID := uuid.NewString()
	machine := s.manager.Create(attemptID, vehicle, entryTime)
	machine.UpdateState(func(st *state.AttemptState) {
		st.Zone = zone
	})

	record := &models.Assignment{
		AttemptID:    attemptID,
		VehicleType:  vehicle.Type,
		VehiclePlate: vehicle.Plate,
		Zone:         zone,
		Phase:        state.PhaseIdle,
		EntryTime:    entryTime,
	}
	if err := s.store.Create(ctx, record); err != nil {
		s.manager.Remove(attemptID)
		return nil, fmt.Errorf("create assignment record: %w", err)
	}

	if err := machine.Trigger(state.EventStart); err != nil {
		return nil, err
	}
	s.publish(machine, record)

	go s.run(machine, record)

	s.logger.Info("Assignment started",
		zap.String("attempt_id", attemptID),
		zap.String("plate", vehicle.Plate),
		zap.String("vehicle_type", string(vehicle.Type)),
		zap.String("zone", string(zone)))

	return machine.GetState(), nil
}

// run 分配流程主循环
// 每一步网络调用返回后先尝试推进状态机，推进失败说明尝试已被取消，
// 这一迟到的响应直接丢弃，不再产生任何可见效果
func (s *AssignmentService) run(machine *state.Machine, record *models.Assignment) {
	ctx := context.Background()
	st := machine.GetState()

	for conflicts := 0; ; {
		// 推荐阶段
		machine.UpdateState(func(st *state.AttemptState) {
			st.RecommendCalls++
			st.Recommended = nil
		})
		rec, err := s.gateway.RecommendSlot(ctx, st.Vehicle.Type, st.Vehicle.Plate)
		if err != nil {
			s.fail(machine, record, err)
			return
		}
		if rec.Slot.Zone != st.Zone {
			s.fail(machine, record, fmt.Errorf("%w: recommended slot %s in zone %s, want %s",
				central.ErrBadResponse, rec.Slot.SlotID, rec.Slot.Zone, st.Zone))
			return
		}
		if err := machine.Trigger(state.EventSlotRecommended); err != nil {
			s.logger.Debug("Discarding late recommend response",
				zap.String("attempt_id", record.AttemptID))
			return
		}
		machine.UpdateState(func(st *state.AttemptState) {
			slot := rec.Slot
			st.Recommended = &slot
		})
		s.publish(machine, record)

		// 占用阶段
		machine.UpdateState(func(st *state.AttemptState) {
			st.OccupyCalls++
		})
		slot, err := s.gateway.OccupySlot(ctx, rec.Slot.SlotID, st.Vehicle.Plate, st.EntryTime)
		if errors.Is(err, central.ErrSlotOccupied) && conflicts < maxConflictRetries {
			conflicts++
			if err := machine.Trigger(state.EventSlotLost); err != nil {
				return
			}
			s.logger.Warn("Recommended slot taken, retrying",
				zap.String("attempt_id", record.AttemptID),
				zap.String("slot_id", rec.Slot.SlotID))
			s.publish(machine, record)
			continue
		}
		if err != nil {
			s.fail(machine, record, err)
			return
		}
		if err := machine.Trigger(state.EventCommitConfirmed); err != nil {
			s.logger.Debug("Discarding late occupy response",
				zap.String("attempt_id", record.AttemptID))
			return
		}
		machine.UpdateState(func(st *state.AttemptState) {
			st.Assigned = slot
			st.CountdownLeft = s.countdownTicks
			st.Redirect = fmt.Sprintf("/slot/%s", slot.SlotID)
		})
		s.publish(machine, record)

		s.logger.Info("Slot assigned",
			zap.String("attempt_id", record.AttemptID),
			zap.String("slot_id", slot.SlotID),
			zap.String("plate", st.Vehicle.Plate))
		break
	}

	s.countdown(machine, record)
}

// countdown 分配成功后的展示倒计时
// 期间取消只结束展示，不回滚占用，车位此时确实被该车占着
func (s *AssignmentService) countdown(machine *state.Machine, record *models.Assignment) {
	for left := s.countdownTicks; left > 0; left-- {
		machine.UpdateState(func(st *state.AttemptState) {
			st.CountdownLeft = left
		})
		st := machine.GetState()
		s.notifySubscribers(st)
		if s.publisher != nil {
			s.publisher.BroadcastAssignmentUpdate(st)
		}
		time.Sleep(s.tickInterval)
		if machine.IsTerminal() {
			s.manager.Remove(record.AttemptID)
			return
		}
	}

	if err := machine.Trigger(state.EventCountdownExpired); err != nil {
		s.manager.Remove(record.AttemptID)
		return
	}
	machine.UpdateState(func(st *state.AttemptState) {
		st.CountdownLeft = 0
	})
	s.publish(machine, record)
	s.manager.Remove(record.AttemptID)
}

// Cancel 取消一次分配尝试
// 终态之后取消是空操作，重复取消也不报错
func (s *AssignmentService) Cancel(ctx context.Context, attemptID string) (*state.AttemptState, error) {
	machine, ok := s.manager.Get(attemptID)
	if !ok {
		record, err := s.store.GetByAttemptID(ctx, attemptID)
		if err != nil {
			return nil, fmt.Errorf("attempt %s not found", attemptID)
		}
		return stateFromRecord(record), nil
	}

	if machine.IsTerminal() {
		return machine.GetState(), nil
	}
	if err := machine.Trigger(state.EventCancel); err != nil {
		// 取消与其他事件竞争落败，说明已到终态
		return machine.GetState(), nil
	}

	record, err := s.store.GetByAttemptID(ctx, attemptID)
	if err == nil {
		st := machine.GetState()
		// 未拿到车位就取消的尝试直接关闭
		if st.Assigned == nil {
			now := time.Now()
			record.ClosedAt = &now
		}
		s.syncRecord(record, st)
		if err := s.store.Update(ctx, record); err != nil {
			s.logger.Error("Failed to persist canceled assignment",
				zap.String("attempt_id", attemptID), zap.Error(err))
		}
	}

	st := machine.GetState()
	s.notifySubscribers(st)
	if s.publisher != nil {
		s.publisher.BroadcastAssignmentUpdate(st)
	}
	s.manager.Remove(attemptID)

	s.logger.Info("Assignment canceled", zap.String("attempt_id", attemptID))
	return st, nil
}

// GetAttempt 查询一次尝试的当前状态
// 进行中的尝试取内存状态，已结束的回落到持久化记录
func (s *AssignmentService) GetAttempt(ctx context.Context, attemptID string) (*state.AttemptState, error) {
	if machine, ok := s.manager.Get(attemptID); ok {
		return machine.GetState(), nil
	}
	record, err := s.store.GetByAttemptID(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("attempt %s not found", attemptID)
	}
	return stateFromRecord(record), nil
}

// ActiveStates 所有进行中尝试的状态快照
func (s *AssignmentService) ActiveStates() map[string]*state.AttemptState {
	return s.manager.GetAllStates()
}

// ListAssignments 分页查询历史分配记录
func (s *AssignmentService) ListAssignments(ctx context.Context, limit, offset int) ([]*models.Assignment, int64, error) {
	assignments, err := s.store.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return assignments, total, nil
}

// fail 将尝试置为失败终态并分类原因
func (s *AssignmentService) fail(machine *state.Machine, record *models.Assignment, cause error) {
	if err := machine.Trigger(state.EventFail); err != nil {
		// 已被取消，失败结果不再可见
		s.manager.Remove(record.AttemptID)
		return
	}

	kind := classifyFailure(cause)
	machine.UpdateState(func(st *state.AttemptState) {
		st.FailureKind = kind
		st.FailureMessage = cause.Error()
	})

	now := time.Now()
	record.ClosedAt = &now
	s.publish(machine, record)
	s.manager.Remove(record.AttemptID)

	s.logger.Warn("Assignment failed",
		zap.String("attempt_id", record.AttemptID),
		zap.String("kind", string(kind)),
		zap.Error(cause))
}

// publish 将状态落盘并广播
func (s *AssignmentService) publish(machine *state.Machine, record *models.Assignment) {
	st := machine.GetState()
	s.syncRecord(record, st)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Update(ctx, record); err != nil {
		s.logger.Error("Failed to persist assignment",
			zap.String("attempt_id", record.AttemptID), zap.Error(err))
	}

	s.notifySubscribers(st)
	if s.publisher != nil {
		s.publisher.BroadcastAssignmentUpdate(st)
	}
}

// syncRecord 把内存状态同步到持久化记录
func (s *AssignmentService) syncRecord(record *models.Assignment, st *state.AttemptState) {
	record.Phase = st.Phase
	record.Zone = st.Zone
	record.FailureKind = st.FailureKind
	record.FailureMessage = st.FailureMessage
	record.RecommendCalls = st.RecommendCalls
	record.OccupyCalls = st.OccupyCalls
	if st.Assigned != nil {
		record.SlotID = st.Assigned.SlotID
		record.Level = st.Assigned.Level
	}
}

// classifyFailure 网络错误到失败分类的映射
func classifyFailure(err error) models.FailureKind {
	switch {
	case errors.Is(err, central.ErrConnectivity):
		return models.FailureConnectivity
	case errors.Is(err, central.ErrNoSlotAvailable):
		return models.FailureNoSlot
	case errors.Is(err, central.ErrSlotOccupied):
		return models.FailureSlotConflict
	case errors.Is(err, central.ErrSlotNotFound):
		return models.FailureSlotNotFound
	case errors.Is(err, central.ErrBadResponse):
		return models.FailureBadResponse
	default:
		return models.FailureConnectivity
	}
}

// stateFromRecord 由持久化记录还原状态快照（尝试已结束时使用）
func stateFromRecord(record *models.Assignment) *state.AttemptState {
	st := &state.AttemptState{
		AttemptID: record.AttemptID,
		Vehicle: models.Vehicle{
			Type:  record.VehicleType,
			Plate: record.VehiclePlate,
		},
		EntryTime:      record.EntryTime,
		Phase:          record.Phase,
		Since:          record.UpdatedAt,
		Zone:           record.Zone,
		FailureKind:    record.FailureKind,
		FailureMessage: record.FailureMessage,
		RecommendCalls: record.RecommendCalls,
		OccupyCalls:    record.OccupyCalls,
	}
	if record.SlotID != "" {
		st.Assigned = &models.Slot{
			SlotID: record.SlotID,
			Level:  record.Level,
			Zone:   record.Zone,
		}
	}
	return st
}
