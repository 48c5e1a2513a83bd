package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/parkiq/internal/api/central"
	"github.com/langchou/parkiq/internal/service"
	"github.com/langchou/parkiq/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger            *zap.Logger
	assignmentService *service.AssignmentService
	exitService       *service.ExitService
	centralClient     *central.Client
	wsHub             *ws.Hub
	upgrader          websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	assignmentService *service.AssignmentService,
	exitService *service.ExitService,
	centralClient *central.Client,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:            logger,
		assignmentService: assignmentService,
		exitService:       exitService,
		centralClient:     centralClient,
		wsHub:             wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 场内显示屏直连，允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 进场与分配
		api.POST("/entry", h.HandleEntry)
		api.GET("/assignments", h.ListAssignments)
		api.GET("/assignments/:id", h.GetAssignment)
		api.POST("/assignments/:id/cancel", h.CancelAssignment)

		// 出场与结算
		api.POST("/exit", h.HandleExit)
		api.GET("/payments", h.ListPayments)
		api.GET("/payments/:id", h.GetPayment)
		api.POST("/payments/:id/pay", h.PayPayment)

		// 车位
		api.GET("/slots/available", h.GetAvailableSlots)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}
