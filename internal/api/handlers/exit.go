package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// exitRequest 出场请求
type exitRequest struct {
	VehiclePlate string `json:"vehicle_plate" binding:"required"`
	ExitTime     string `json:"exit_time,omitempty"`
}

// HandleExit 车辆出场，释放车位并生成账单
// POST /api/exit
func (h *Handler) HandleExit(c *gin.Context) {
	var req exitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "vehicle_plate is required"})
		return
	}

	exitTime := time.Now()
	if req.ExitTime != "" {
		t, err := time.Parse(time.RFC3339, req.ExitTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exit_time must be RFC3339"})
			return
		}
		exitTime = t
	}

	payment, err := h.exitService.ProcessExit(c.Request.Context(), req.VehiclePlate, exitTime)
	if err != nil {
		h.logger.Error("Failed to process exit", zap.Error(err), zap.String("plate", req.VehiclePlate))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Vehicle exited",
		"data":    payment,
	})
}

// ListPayments 获取账单列表
func (h *Handler) ListPayments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	offset := (page - 1) * perPage

	payments, total, err := h.exitService.ListPayments(c.Request.Context(), perPage, offset)
	if err != nil {
		h.logger.Error("Failed to list payments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list payments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": payments,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// GetPayment 获取账单详情
func (h *Handler) GetPayment(c *gin.Context) {
	paymentID := c.Param("id")

	payment, err := h.exitService.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

// PayPayment 标记账单已支付
// POST /api/payments/:id/pay
func (h *Handler) PayPayment(c *gin.Context) {
	paymentID := c.Param("id")

	payment, err := h.exitService.Pay(c.Request.Context(), paymentID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Payment recorded",
		"data":    payment,
	})
}
