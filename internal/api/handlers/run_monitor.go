package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/sirupsen/logrus"
)

// AllRuns 订阅所有运行的客户端使用的 run id
const AllRuns = "all"

// RunMonitorHandler 通过 WebSocket 实时推送屏幕、动作与运行状态
type RunMonitorHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // 连接 -> 订阅的 run id
	clientMutex sync.RWMutex
	broadcast   chan RunMessage
}

// RunMessage 推送消息
type RunMessage struct {
	RunID     string              `json:"run_id"`
	Type      string              `json:"type"` // state, action, status
	State     *domain.StateNotice `json:"state,omitempty"`
	Step      int                 `json:"step,omitempty"`
	Kind      domain.EventKind    `json:"kind,omitempty"`
	Action    string              `json:"action,omitempty"`
	Status    domain.RunStatus    `json:"status,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// NewRunMonitorHandler 创建运行监控处理器
func NewRunMonitorHandler(logger *logrus.Logger) *RunMonitorHandler {
	return &RunMonitorHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（生产环境需要限制）
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan RunMessage, 100),
	}
}

// Start 启动广播服务
func (h *RunMonitorHandler) Start(ctx context.Context) {
	go h.runBroadcaster(ctx)
}

// runBroadcaster 运行广播器
func (h *RunMonitorHandler) runBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *RunMonitorHandler) deliver(msg RunMessage) {
	var failed []*websocket.Conn

	h.clientMutex.RLock()
	for client, runID := range h.clients {
		// 只发送给订阅该运行或订阅全部的客户端
		if runID != msg.RunID && runID != AllRuns {
			continue
		}
		client.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.WriteJSON(msg); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			failed = append(failed, client)
		}
	}
	h.clientMutex.RUnlock()

	if len(failed) == 0 {
		return
	}
	h.clientMutex.Lock()
	for _, client := range failed {
		client.Close()
		delete(h.clients, client)
	}
	h.clientMutex.Unlock()
}

func (h *RunMonitorHandler) closeAll() {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

// HandleWebSocket 处理WebSocket连接
// GET /ws/runs/:id，id 为 all 时接收所有运行
func (h *RunMonitorHandler) HandleWebSocket(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		runID = AllRuns
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	// 注册客户端
	h.clientMutex.Lock()
	h.clients[conn] = runID
	h.clientMutex.Unlock()

	h.logger.WithField("run_id", runID).Info("WebSocket client connected")

	// 保持连接，客户端消息被忽略
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	// 清理断开的连接
	h.clientMutex.Lock()
	delete(h.clients, conn)
	h.clientMutex.Unlock()

	h.logger.WithField("run_id", runID).Info("WebSocket client disconnected")
}

// ClientCount 当前连接数
func (h *RunMonitorHandler) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

func (h *RunMonitorHandler) send(msg RunMessage) {
	msg.Timestamp = time.Now().Unix()
	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithFields(logrus.Fields{
			"run_id": msg.RunID,
			"type":   msg.Type,
		}).Warn("Broadcast channel is full, dropping message")
	}
}

// BroadcastState 广播新屏幕
func (h *RunMonitorHandler) BroadcastState(notice domain.StateNotice) {
	h.send(RunMessage{RunID: notice.RunID, Type: "state", State: &notice})
}

// BroadcastAction 广播已发送的动作
func (h *RunMonitorHandler) BroadcastAction(runID string, step int, event *domain.Event) {
	h.send(RunMessage{RunID: runID, Type: "action", Step: step, Kind: event.Kind, Action: event.Signature()})
}

// BroadcastStatus 广播运行状态
func (h *RunMonitorHandler) BroadcastStatus(runID string, status domain.RunStatus) {
	h.send(RunMessage{RunID: runID, Type: "status", Status: status})
}
