package central

import (
	"github.com/langchou/parkiq/internal/models"
)

// wireSlot 中心后端的车位线格式
type wireSlot struct {
	ID           int64   `json:"id"`
	SlotID       string  `json:"slot_id"`
	Level        string  `json:"level"`
	Zone         string  `json:"zone"`
	Status       string  `json:"status"`
	VehiclePlate *string `json:"vehicle_plate,omitempty"`
	EntryTime    *string `json:"entry_time,omitempty"`
}

// NavigationInfo 到推荐车位的引导信息
type NavigationInfo struct {
	Level  string `json:"level"`
	Zone   string `json:"zone"`
	SlotID string `json:"slot_id"`
}

// Recommendation 推荐结果
// 仅为建议，不构成预留：后端不保证 occupy 时该车位仍然可用
type Recommendation struct {
	Slot       models.Slot    `json:"recommended_slot"`
	Navigation NavigationInfo `json:"navigation_info"`
}

// recommendResponse /slots/recommend 响应
type recommendResponse struct {
	RecommendedSlot *wireSlot       `json:"recommended_slot"`
	NavigationInfo  *NavigationInfo `json:"navigation_info"`
	Error           string          `json:"error,omitempty"`
}

// slotOperationResponse /slots/occupy 与 /slots/release 响应
type slotOperationResponse struct {
	Message string    `json:"message"`
	Slot    *wireSlot `json:"slot"`
	Error   string    `json:"error,omitempty"`
}

// Availability 按层和分区分组的可用车位
type Availability struct {
	AvailableSlots map[string]map[string][]models.Slot `json:"available_slots"`
	TotalAvailable int                                 `json:"total_available"`
}

// availabilityResponse /slots/available 响应
type availabilityResponse struct {
	AvailableSlots map[string]map[string][]wireSlot `json:"available_slots"`
	TotalAvailable int                              `json:"total_available"`
	Error          string                           `json:"error,omitempty"`
}

// recommendRequest /slots/recommend 请求体
type recommendRequest struct {
	VehicleType  string `json:"vehicleType"`
	VehiclePlate string `json:"vehiclePlate"`
}

// occupyRequest /slots/occupy 请求体
type occupyRequest struct {
	SlotID       string `json:"slot_id"`
	VehiclePlate string `json:"vehiclePlate"`
	EntryTime    string `json:"entryTime"`
}

// releaseRequest /slots/release 请求体
type releaseRequest struct {
	SlotID string `json:"slot_id"`
}
