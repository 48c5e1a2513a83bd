package models

import "time"

// FailureKind 分配失败原因分类
// 对应 UI 上不同的处理方式：等待 / 重试 / 已自动重试
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureConnectivity FailureKind = "connectivity"      // 网络/传输故障，可手动重试
	FailureNoSlot       FailureKind = "no_slot_available" // 场内无可用车位
	FailureSlotConflict FailureKind = "slot_conflict"     // 两次竞争失败后放弃
	FailureSlotNotFound FailureKind = "slot_not_found"    // 车位在分配途中被管理端删除
	FailureBadResponse  FailureKind = "bad_response"      // 后端响应不符合契约，按缺陷记录
	FailureInvalidInput FailureKind = "invalid_input"
)

// Assignment 分配尝试的持久化记录
type Assignment struct {
	ID             int64       `json:"id" db:"id"`
	AttemptID      string      `json:"attempt_id" db:"attempt_id"`
	VehicleType    VehicleType `json:"vehicle_type" db:"vehicle_type"`
	VehiclePlate   string      `json:"vehicle_plate" db:"vehicle_plate"`
	Zone           Zone        `json:"zone" db:"zone"`
	SlotID         string      `json:"slot_id,omitempty" db:"slot_id"`
	Level          string      `json:"level,omitempty" db:"level"`
	Phase          string      `json:"phase" db:"phase"`
	FailureKind    FailureKind `json:"failure_kind,omitempty" db:"failure_kind"`
	FailureMessage string      `json:"failure_message,omitempty" db:"failure_message"`
	RecommendCalls int         `json:"recommend_calls" db:"recommend_calls"`
	OccupyCalls    int         `json:"occupy_calls" db:"occupy_calls"`
	EntryTime      time.Time   `json:"entry_time" db:"entry_time"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty" db:"closed_at"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// Payment 出场结算记录
// 只记录应收金额与支付状态，不涉及支付网关
type Payment struct {
	ID           int64      `json:"id" db:"id"`
	PaymentID    string     `json:"payment_id" db:"payment_id"`
	SlotID       string     `json:"slot_id" db:"slot_id"`
	VehiclePlate string     `json:"vehicle_plate" db:"vehicle_plate"`
	EntryTime    time.Time  `json:"entry_time" db:"entry_time"`
	ExitTime     time.Time  `json:"exit_time" db:"exit_time"`
	DurationMin  float64    `json:"duration_min" db:"duration_min"`
	Amount       float64    `json:"amount" db:"amount"`
	Paid         bool       `json:"paid" db:"paid"`
	PaidAt       *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}
