package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/parkiq/internal/api/central"
	"github.com/langchou/parkiq/internal/models"
	"github.com/langchou/parkiq/internal/state"
)

type recommendResult struct {
	rec *central.Recommendation
	err error
}

type occupyResult struct {
	slot *models.Slot
	err  error
}

// fakeGateway 按队列回放推荐与占用结果
type fakeGateway struct {
	mu             sync.Mutex
	recommendQueue []recommendResult
	occupyQueue    []occupyResult
	releaseErr     error
	recommendCalls int
	occupyCalls    int
	releaseCalls   int
	releasedSlots  []string

	// 非 nil 时 RecommendSlot 阻塞直到该通道关闭，用于模拟慢后端
	recommendGate chan struct{}
}

func (g *fakeGateway) RecommendSlot(ctx context.Context, vehicleType models.VehicleType, plate string) (*central.Recommendation, error) {
	g.mu.Lock()
	gate := g.recommendGate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.recommendCalls++
	if len(g.recommendQueue) == 0 {
		return nil, central.ErrNoSlotAvailable
	}
	r := g.recommendQueue[0]
	g.recommendQueue = g.recommendQueue[1:]
	return r.rec, r.err
}

func (g *fakeGateway) OccupySlot(ctx context.Context, slotID, plate string, entryTime time.Time) (*models.Slot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.occupyCalls++
	if len(g.occupyQueue) == 0 {
		return nil, central.ErrSlotNotFound
	}
	r := g.occupyQueue[0]
	g.occupyQueue = g.occupyQueue[1:]
	return r.slot, r.err
}

func (g *fakeGateway) ReleaseSlot(ctx context.Context, slotID string) (*models.Slot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseCalls++
	if g.releaseErr != nil {
		return nil, g.releaseErr
	}
	g.releasedSlots = append(g.releasedSlots, slotID)
	return &models.Slot{SlotID: slotID, Status: models.SlotAvailable}, nil
}

func (g *fakeGateway) counts() (recommend, occupy, release int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recommendCalls, g.occupyCalls, g.releaseCalls
}

// fakeStore 内存版分配记录存储
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[string]*models.Assignment
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*models.Assignment)}
}

func (s *fakeStore) Create(ctx context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	snapshot := *a
	s.records[a.AttemptID] = &snapshot
	return nil
}

func (s *fakeStore) Update(ctx context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.UpdatedAt = time.Now()
	snapshot := *a
	s.records[a.AttemptID] = &snapshot
	return nil
}

func (s *fakeStore) GetByAttemptID(ctx context.Context, attemptID string) (*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[attemptID]
	if !ok {
		return nil, context.Canceled
	}
	snapshot := *a
	return &snapshot, nil
}

func (s *fakeStore) GetActiveByPlate(ctx context.Context, plate string) (*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Assignment
	for _, a := range s.records {
		if a.VehiclePlate != plate || a.SlotID == "" || a.ClosedAt != nil {
			continue
		}
		if a.Phase != state.PhaseAssigned && a.Phase != state.PhaseReleased {
			continue
		}
		if best == nil || a.EntryTime.After(best.EntryTime) {
			best = a
		}
	}
	if best == nil {
		return nil, context.Canceled
	}
	snapshot := *best
	return &snapshot, nil
}

func (s *fakeStore) Close(ctx context.Context, attemptID string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[attemptID]
	if !ok {
		return context.Canceled
	}
	a.ClosedAt = &closedAt
	return nil
}

func (s *fakeStore) List(ctx context.Context, limit, offset int) ([]*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Assignment
	for _, a := range s.records {
		snapshot := *a
		out = append(out, &snapshot)
	}
	return out, nil
}

func (s *fakeStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}

func (s *fakeStore) get(attemptID string) *models.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.records[attemptID]
	if a == nil {
		return nil
	}
	snapshot := *a
	return &snapshot
}

func slotB(id string) models.Slot {
	return models.Slot{SlotID: id, Level: "1", Zone: models.ZoneB, Status: models.SlotAvailable}
}

func recOK(id string) recommendResult {
	slot := slotB(id)
	return recommendResult{rec: &central.Recommendation{
		Slot:       slot,
		Navigation: central.NavigationInfo{Level: slot.Level, Zone: string(slot.Zone), SlotID: id},
	}}
}

func occOK(id string) occupyResult {
	slot := slotB(id)
	slot.Status = models.SlotOccupied
	return occupyResult{slot: &slot}
}

func newTestService(g *fakeGateway, store *fakeStore) *AssignmentService {
	return NewAssignmentService(g, store, nil, zap.NewNop(), 2, time.Millisecond)
}

func carVehicle() models.Vehicle {
	return models.Vehicle{Type: models.VehicleCar, Plate: "ABC-123"}
}

func waitPhase(t *testing.T, store *fakeStore, attemptID, phase string) *models.Assignment {
	t.Helper()
	require.Eventually(t, func() bool {
		a := store.get(attemptID)
		return a != nil && a.Phase == phase
	}, 2*time.Second, 2*time.Millisecond)
	return store.get(attemptID)
}

func TestAssignmentHappyPath(t *testing.T) {
	g := &fakeGateway{
		recommendQueue: []recommendResult{recOK("B-12")},
		occupyQueue:    []occupyResult{occOK("B-12")},
	}
	store := newFakeStore()
	svc := newTestService(g, store)

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.ZoneB, st.Zone)

	record := waitPhase(t, store, st.AttemptID, state.PhaseReleased)
	assert.Equal(t, "B-12", record.SlotID)
	assert.Equal(t, 1, record.RecommendCalls)
	assert.Equal(t, 1, record.OccupyCalls)
	assert.Equal(t, models.FailureNone, record.FailureKind)
	// 车还在场内，记录保持打开直到出场
	assert.Nil(t, record.ClosedAt)
}

// 第一次占用冲突后自动换一个车位重试
func TestConflictRetrySucceeds(t *testing.T) {
	g := &fakeGateway{
		recommendQueue: []recommendResult{recOK("B-12"), recOK("B-13")},
		occupyQueue: []occupyResult{
			{err: central.ErrSlotOccupied},
			occOK("B-13"),
		},
	}
	store := newFakeStore()
	svc := newTestService(g, store)

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)

	record := waitPhase(t, store, st.AttemptID, state.PhaseReleased)
	assert.Equal(t, "B-13", record.SlotID)
	assert.Equal(t, 2, record.RecommendCalls)
	assert.Equal(t, 2, record.OccupyCalls)
}

// 连续两次冲突不再重试，按冲突失败收场
func TestConflictTwiceFails(t *testing.T) {
	g := &fakeGateway{
		recommendQueue: []recommendResult{recOK("B-12"), recOK("B-13")},
		occupyQueue: []occupyResult{
			{err: central.ErrSlotOccupied},
			{err: central.ErrSlotOccupied},
		},
	}
	store := newFakeStore()
	svc := newTestService(g, store)

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)

	record := waitPhase(t, store, st.AttemptID, state.PhaseFailed)
	assert.Equal(t, models.FailureSlotConflict, record.FailureKind)
	assert.Equal(t, 2, record.RecommendCalls)
	assert.Equal(t, 2, record.OccupyCalls)
	assert.NotNil(t, record.ClosedAt)
}

func TestNoSlotAvailable(t *testing.T) {
	g := &fakeGateway{
		recommendQueue: []recommendResult{{err: central.ErrNoSlotAvailable}},
	}
	store := newFakeStore()
	svc := newTestService(g, store)

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)

	record := waitPhase(t, store, st.AttemptID, state.PhaseFailed)
	assert.Equal(t, models.FailureNoSlot, record.FailureKind)
	assert.Equal(t, 0, record.OccupyCalls)
}

func TestConnectivityFailure(t *testing.T) {
	g := &fakeGateway{
		recommendQueue: []recommendResult{recOK("B-12")},
		occupyQueue:    []occupyResult{{err: central.ErrConnectivity}},
	}
	store := newFakeStore()
	svc := newTestService(g, store)

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)

	record := waitPhase(t, store, st.AttemptID, state.PhaseFailed)
	assert.Equal(t, models.FailureConnectivity, record.FailureKind)
}

// 推荐的车位不在车辆类型对应的分区里，按契约缺陷处理
func TestRecommendedZoneMismatch(t *testing.T) {
	wrongZone := recOK("C-5")
	wrongZone.rec.Slot.Zone = models.ZoneC

	g := &fakeGateway{recommendQueue: []recommendResult{wrongZone}}
	store := newFakeStore()
	svc := newTestService(g, store)

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)

	record := waitPhase(t, store, st.AttemptID, state.PhaseFailed)
	assert.Equal(t, models.FailureBadResponse, record.FailureKind)
	_, occupy, _ := g.counts()
	assert.Equal(t, 0, occupy)
}

func TestInvalidVehicle(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(&fakeGateway{}, store)

	_, err := svc.StartAssignment(context.Background(), models.Vehicle{Type: "Truck", Plate: "X"}, time.Now())
	assert.Error(t, err)

	_, err = svc.StartAssignment(context.Background(), models.Vehicle{Type: models.VehicleCar}, time.Now())
	assert.Error(t, err)

	count, _ := store.Count(context.Background())
	assert.Zero(t, count)
}

// 推荐请求在途时取消，迟到的推荐结果被丢弃，不会再触发占用
func TestCancelDuringRecommend(t *testing.T) {
	gate := make(chan struct{})
	g := &fakeGateway{
		recommendQueue: []recommendResult{recOK("B-12")},
		occupyQueue:    []occupyResult{occOK("B-12")},
		recommendGate:  gate,
	}
	store := newFakeStore()
	svc := newTestService(g, store)

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)
	waitPhase(t, store, st.AttemptID, state.PhaseRecommending)

	canceled, err := svc.Cancel(context.Background(), st.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseReleased, canceled.Phase)

	// 放行被阻塞的推荐响应
	close(gate)
	time.Sleep(50 * time.Millisecond)

	_, occupy, _ := g.counts()
	assert.Equal(t, 0, occupy)

	record := store.get(st.AttemptID)
	assert.Equal(t, state.PhaseReleased, record.Phase)
	// 没拿到车位就取消，记录直接关闭
	assert.NotNil(t, record.ClosedAt)
	assert.Empty(t, record.SlotID)
}

// 倒计时期间取消只结束展示，不回滚占用
func TestCancelDuringCountdown(t *testing.T) {
	g := &fakeGateway{
		recommendQueue: []recommendResult{recOK("B-12")},
		occupyQueue:    []occupyResult{occOK("B-12")},
	}
	store := newFakeStore()
	svc := NewAssignmentService(g, store, nil, zap.NewNop(), 10, 50*time.Millisecond)

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)
	waitPhase(t, store, st.AttemptID, state.PhaseAssigned)

	canceled, err := svc.Cancel(context.Background(), st.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseReleased, canceled.Phase)

	_, _, release := g.counts()
	assert.Equal(t, 0, release)

	record := store.get(st.AttemptID)
	assert.Equal(t, "B-12", record.SlotID)
	assert.Nil(t, record.ClosedAt)
}

func TestCancelUnknownAttempt(t *testing.T) {
	svc := newTestService(&fakeGateway{}, newFakeStore())

	_, err := svc.Cancel(context.Background(), "no-such-attempt")
	assert.Error(t, err)
}

// 重复取消是空操作
func TestCancelIdempotent(t *testing.T) {
	g := &fakeGateway{
		recommendQueue: []recommendResult{recOK("B-12")},
		occupyQueue:    []occupyResult{occOK("B-12")},
	}
	store := newFakeStore()
	svc := newTestService(g, store)

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)
	waitPhase(t, store, st.AttemptID, state.PhaseReleased)

	for i := 0; i < 2; i++ {
		canceled, err := svc.Cancel(context.Background(), st.AttemptID)
		require.NoError(t, err)
		assert.Equal(t, state.PhaseReleased, canceled.Phase)
	}
}

func TestSubscribeReceivesPhaseUpdates(t *testing.T) {
	g := &fakeGateway{
		recommendQueue: []recommendResult{recOK("B-12")},
		occupyQueue:    []occupyResult{occOK("B-12")},
	}
	store := newFakeStore()
	svc := newTestService(g, store)
	updates := svc.Subscribe()

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)
	waitPhase(t, store, st.AttemptID, state.PhaseReleased)

	seen := make(map[string]bool)
	for !seen[state.PhaseReleased] {
		select {
		case u := <-updates:
			assert.Equal(t, st.AttemptID, u.AttemptID)
			seen[u.Phase] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for phase updates")
		}
	}
	assert.True(t, seen[state.PhaseCommitting])
	assert.True(t, seen[state.PhaseAssigned])
}

func TestGetAttemptFallsBackToStore(t *testing.T) {
	g := &fakeGateway{
		recommendQueue: []recommendResult{recOK("B-12")},
		occupyQueue:    []occupyResult{occOK("B-12")},
	}
	store := newFakeStore()
	svc := newTestService(g, store)

	st, err := svc.StartAssignment(context.Background(), carVehicle(), time.Now())
	require.NoError(t, err)
	waitPhase(t, store, st.AttemptID, state.PhaseReleased)

	// 终态后状态机已移除，仍可从持久化记录查询
	require.Eventually(t, func() bool {
		return len(svc.ActiveStates()) == 0
	}, time.Second, 2*time.Millisecond)

	got, err := svc.GetAttempt(context.Background(), st.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseReleased, got.Phase)
	require.NotNil(t, got.Assigned)
	assert.Equal(t, "B-12", got.Assigned.SlotID)
}
