package models

import (
	"fmt"
	"time"
)

// VehicleType 车辆类型
type VehicleType string

const (
	VehicleBike  VehicleType = "Bike"
	VehicleCar   VehicleType = "Car"
	VehicleHeavy VehicleType = "Heavy"
)

// ParseVehicleType 解析车辆类型
func ParseVehicleType(s string) (VehicleType, error) {
	switch VehicleType(s) {
	case VehicleBike, VehicleCar, VehicleHeavy:
		return VehicleType(s), nil
	}
	return "", fmt.Errorf("unknown vehicle type: %q", s)
}

// ZoneForVehicleType 车辆类型到目标分区的映射
// 这是本服务的策略常量，不属于后端；所有分区判定必须经过这里
var zoneForVehicleType = map[VehicleType]Zone{
	VehicleBike:  ZoneA,
	VehicleCar:   ZoneB,
	VehicleHeavy: ZoneC,
}

// ZoneForVehicleType 返回车辆类型对应的目标分区
func ZoneForVehicleType(t VehicleType) (Zone, bool) {
	z, ok := zoneForVehicleType[t]
	return z, ok
}

// Zone 停车分区
type Zone string

const (
	ZoneA Zone = "A"
	ZoneB Zone = "B"
	ZoneC Zone = "C"
)

// SlotStatus 车位状态
type SlotStatus string

const (
	SlotAvailable   SlotStatus = "available"
	SlotOccupied    SlotStatus = "occupied"
	SlotMaintenance SlotStatus = "maintenance"
)

// Vehicle 进场检测到的车辆（一次分配尝试的输入，不持久化）
type Vehicle struct {
	Type  VehicleType `json:"type"`
	Plate string      `json:"plate"`
}

// Validate 检查车辆输入
// 车牌格式校验由检测端负责，这里只保证非空
func (v Vehicle) Validate() error {
	if _, err := ParseVehicleType(string(v.Type)); err != nil {
		return err
	}
	if v.Plate == "" {
		return fmt.Errorf("vehicle plate is required")
	}
	return nil
}

// Slot 物理车位（中心后端的车位记录在本服务中的投影）
type Slot struct {
	ID           int64      `json:"id"`
	SlotID       string     `json:"slot_id"`
	Level        string     `json:"level"`
	Zone         Zone       `json:"zone"`
	Status       SlotStatus `json:"status"`
	VehiclePlate string     `json:"vehicle_plate,omitempty"`
	EntryTime    *time.Time `json:"entry_time,omitempty"`
}
