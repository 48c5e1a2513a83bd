package central

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/langchou/parkiq/internal/models"
)

// 错误定义
// 调用方通过 errors.Is 区分传输故障与业务拒绝
var (
	ErrConnectivity    = fmt.Errorf("central unreachable")
	ErrNoSlotAvailable = fmt.Errorf("no slot available")
	ErrSlotOccupied    = fmt.Errorf("slot already occupied")
	ErrSlotNotFound    = fmt.Errorf("slot not found")
	ErrUnauthorized    = fmt.Errorf("unauthorized")
	ErrBadResponse     = fmt.Errorf("malformed central response")
)

// Client ParkIQ Central API 客户端
type Client struct {
	httpClient *http.Client
	apiHost    string
	token      string
}

// NewClient 创建新的 Central API 客户端
// timeout 是单次请求的上限，超时按连接故障处理
func NewClient(apiHost, token string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		apiHost: apiHost,
		token:   token,
	}
}

// SetToken 更新访问令牌
func (c *Client) SetToken(token string) {
	c.token = token
}

// doRequest 执行带认证的请求
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiHost+path, reader)
	if err != nil {
		return nil, err
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ParkIQ-Edge/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 超时、连接拒绝等一律归为连接故障
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return resp, nil
}

// RecommendSlot 请求推荐车位（只读查询，不占用）
// 成功时返回的车位在后端观测时刻是 available 的，不附带任何锁
func (c *Client) RecommendSlot(ctx context.Context, vehicleType models.VehicleType, plate string) (*Recommendation, error) {
	resp, err := c.doRequest(ctx, "POST", "/api/slots/recommend", recommendRequest{
		VehicleType:  string(vehicleType),
		VehiclePlate: plate,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		// 正常
	case http.StatusNotFound:
		return nil, ErrNoSlotAvailable
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("recommend slot failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var rec recommendResponse
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode recommend response: %v", ErrBadResponse, err)
	}
	if rec.RecommendedSlot == nil || rec.RecommendedSlot.SlotID == "" || rec.NavigationInfo == nil {
		return nil, fmt.Errorf("%w: recommend response missing slot fields", ErrBadResponse)
	}

	return &Recommendation{
		Slot:       toSlot(rec.RecommendedSlot),
		Navigation: *rec.NavigationInfo,
	}, nil
}

// OccupySlot 请求将车位置为占用并绑定车牌与进场时间
// 这是本服务唯一改变后端状态的调用，且协议层面不幂等：
// 对同一车位的第二次成功后的调用会得到 ErrSlotOccupied
func (c *Client) OccupySlot(ctx context.Context, slotID, plate string, entryTime time.Time) (*models.Slot, error) {
	resp, err := c.doRequest(ctx, "POST", "/api/slots/occupy", occupyRequest{
		SlotID:       slotID,
		VehiclePlate: plate,
		EntryTime:    entryTime.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		// 正常
	case http.StatusConflict:
		return nil, ErrSlotOccupied
	case http.StatusBadRequest:
		// 旧版 Central 用 400 + 错误文案表示占用冲突
		if isOccupiedMessage(body) {
			return nil, ErrSlotOccupied
		}
		return nil, fmt.Errorf("occupy slot rejected: status=%d body=%s", resp.StatusCode, string(body))
	case http.StatusNotFound:
		return nil, ErrSlotNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("occupy slot failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var op slotOperationResponse
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("%w: decode occupy response: %v", ErrBadResponse, err)
	}
	if op.Slot == nil || op.Slot.SlotID == "" {
		return nil, fmt.Errorf("%w: occupy response missing slot", ErrBadResponse)
	}

	slot := toSlot(op.Slot)
	return &slot, nil
}

// ReleaseSlot 请求释放车位（车辆出场时调用）
func (c *Client) ReleaseSlot(ctx context.Context, slotID string) (*models.Slot, error) {
	resp, err := c.doRequest(ctx, "POST", "/api/slots/release", releaseRequest{SlotID: slotID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		// 正常
	case http.StatusNotFound:
		return nil, ErrSlotNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("release slot failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var op slotOperationResponse
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("%w: decode release response: %v", ErrBadResponse, err)
	}
	if op.Slot == nil {
		return nil, fmt.Errorf("%w: release response missing slot", ErrBadResponse)
	}

	slot := toSlot(op.Slot)
	return &slot, nil
}

// AvailableSlots 查询可用车位，按层和分区分组
func (c *Client) AvailableSlots(ctx context.Context, level string, zone models.Zone) (*Availability, error) {
	path := "/api/slots/available"
	params := url.Values{}
	if level != "" {
		params.Set("level", level)
	}
	if zone != "" {
		params.Set("zone", string(zone))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list available slots failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var avail availabilityResponse
	if err := json.Unmarshal(body, &avail); err != nil {
		return nil, fmt.Errorf("%w: decode availability response: %v", ErrBadResponse, err)
	}

	out := &Availability{
		AvailableSlots: make(map[string]map[string][]models.Slot, len(avail.AvailableSlots)),
		TotalAvailable: avail.TotalAvailable,
	}
	for level, zones := range avail.AvailableSlots {
		out.AvailableSlots[level] = make(map[string][]models.Slot, len(zones))
		for zone, slots := range zones {
			converted := make([]models.Slot, 0, len(slots))
			for i := range slots {
				converted = append(converted, toSlot(&slots[i]))
			}
			out.AvailableSlots[level][zone] = converted
		}
	}
	return out, nil
}

// isOccupiedMessage 判断 400 响应体是否是占用冲突文案
func isOccupiedMessage(body []byte) bool {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(payload.Error), "occupied")
}

// toSlot 线格式转领域模型
func toSlot(w *wireSlot) models.Slot {
	s := models.Slot{
		ID:     w.ID,
		SlotID: w.SlotID,
		Level:  w.Level,
		Zone:   models.Zone(w.Zone),
		Status: models.SlotStatus(w.Status),
	}
	if w.VehiclePlate != nil {
		s.VehiclePlate = *w.VehiclePlate
	}
	if w.EntryTime != nil && *w.EntryTime != "" {
		if t, err := time.Parse(time.RFC3339, *w.EntryTime); err == nil {
			s.EntryTime = &t
		}
	}
	return s
}
