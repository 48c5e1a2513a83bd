package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/langchou/parkiq/internal/models"
)

// 分配阶段常量
const (
	PhaseIdle         = "idle"
	PhaseRecommending = "recommending"
	PhaseCommitting   = "committing"
	PhaseAssigned     = "assigned"
	PhaseFailed       = "failed"
	PhaseReleased     = "released"
)

// 事件常量
const (
	EventStart            = "start"
	EventSlotRecommended  = "slot_recommended"
	EventSlotLost         = "slot_lost" // 占用冲突，回到推荐阶段重试
	EventCommitConfirmed  = "commit_confirmed"
	EventFail             = "fail"
	EventCountdownExpired = "countdown_expired"
	EventCancel           = "cancel"
)

// AttemptState 一次分配尝试的完整状态
type AttemptState struct {
	AttemptID      string             `json:"attempt_id"`
	Vehicle        models.Vehicle     `json:"vehicle"`
	EntryTime      time.Time          `json:"entry_time"`
	Phase          string             `json:"phase"`
	Since          time.Time          `json:"since"`
	Zone           models.Zone        `json:"zone"`
	Recommended    *models.Slot       `json:"recommended,omitempty"`
	Assigned       *models.Slot       `json:"assigned,omitempty"`
	FailureKind    models.FailureKind `json:"failure_kind,omitempty"`
	FailureMessage string             `json:"failure_message,omitempty"`
	RecommendCalls int                `json:"recommend_calls"`
	OccupyCalls    int                `json:"occupy_calls"`
	CountdownLeft  int                `json:"countdown_left,omitempty"`
	Redirect       string             `json:"redirect,omitempty"` // 终态时给 UI 的导航指示
}

// Machine 分配尝试状态机
type Machine struct {
	mu            sync.RWMutex
	attemptID     string
	fsm           *fsm.FSM
	state         *AttemptState
	onPhaseChange func(attemptID, from, to string)
}

// NewMachine 创建状态机
func NewMachine(attemptID string, vehicle models.Vehicle, entryTime time.Time, onPhaseChange func(attemptID, from, to string)) *Machine {
	m := &Machine{
		attemptID:     attemptID,
		onPhaseChange: onPhaseChange,
		state: &AttemptState{
			AttemptID: attemptID,
			Vehicle:   vehicle,
			EntryTime: entryTime,
			Phase:     PhaseIdle,
			Since:     time.Now(),
		},
	}

	m.fsm = fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: EventStart, Src: []string{PhaseIdle}, Dst: PhaseRecommending},

			// 推荐成功进入占用提交；失败直接终态
			{Name: EventSlotRecommended, Src: []string{PhaseRecommending}, Dst: PhaseCommitting},
			{Name: EventFail, Src: []string{PhaseIdle, PhaseRecommending, PhaseCommitting}, Dst: PhaseFailed},

			// 占用冲突：推荐的车位已被别的尝试抢走，回到推荐阶段
			{Name: EventSlotLost, Src: []string{PhaseCommitting}, Dst: PhaseRecommending},
			{Name: EventCommitConfirmed, Src: []string{PhaseCommitting}, Dst: PhaseAssigned},

			// 倒计时结束或用户放弃都进入 released
			// assigned 状态下取消不回滚占用，车位此时确实被该车占着
			{Name: EventCountdownExpired, Src: []string{PhaseAssigned}, Dst: PhaseReleased},
			{Name: EventCancel, Src: []string{PhaseIdle, PhaseRecommending, PhaseCommitting, PhaseAssigned}, Dst: PhaseReleased},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onPhaseChange != nil && e.Src != e.Dst {
					m.onPhaseChange(m.attemptID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentPhase 获取当前阶段
func (m *Machine) CurrentPhase() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// GetState 获取完整状态快照
func (m *Machine) GetState() *AttemptState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// 返回副本
	stateCopy := *m.state
	stateCopy.Phase = m.fsm.Current()
	return &stateCopy
}

// UpdateState 更新状态数据
func (m *Machine) UpdateState(update func(s *AttemptState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(m.state)
}

// Trigger 触发事件
// failed/released 是终态，没有任何出边，
// 迟到的网络响应在终态之后触发事件只会得到错误，不会推进状态
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.state.Phase = m.fsm.Current()
	m.state.Since = time.Now()
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// IsTerminal 是否已到终态
func (m *Machine) IsTerminal() bool {
	current := m.CurrentPhase()
	return current == PhaseFailed || current == PhaseReleased
}

// Manager 状态机管理器
// 每次分配尝试一个状态机，互不共享可变状态
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(attemptID, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(attemptID, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// Create 创建并登记状态机
func (m *Manager) Create(attemptID string, vehicle models.Vehicle, entryTime time.Time) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	machine := NewMachine(attemptID, vehicle, entryTime, m.onChange)
	m.machines[attemptID] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(attemptID string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[attemptID]
	return machine, ok
}

// Remove 移除状态机（尝试到达终态并广播后调用）
func (m *Manager) Remove(attemptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.machines, attemptID)
}

// GetAllStates 获取所有进行中尝试的状态
func (m *Manager) GetAllStates() map[string]*AttemptState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]*AttemptState)
	for attemptID, machine := range m.machines {
		states[attemptID] = machine.GetState()
	}
	return states
}
