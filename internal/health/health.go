package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	StateConnected     = "connected"
	StateDisconnected  = "disconnected"
	StateNotConfigured = "not configured"
)

// Status 健康状态
type Status struct {
	Service     string `json:"service"`
	NodeID      string `json:"nodeId"`
	Database    string `json:"database"`
	NATS        string `json:"nats"`
	Redis       string `json:"redis"`
	Connections int    `json:"connections"`
	Calls       int    `json:"calls"`
}

// Pinger 存储连通性
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionCounter 连接计数器接口
type ConnectionCounter interface {
	Count() int
}

// CallCounter 进行中的通话数
type CallCounter interface {
	ActiveCount() int
}

// Checker 健康检查器。nc / redisClient 为 nil 表示单节点部署未启用
type Checker struct {
	nodeID      string
	db          Pinger
	nc          *nats.Conn
	redisClient *redis.Client
	connCounter ConnectionCounter
	callCounter CallCounter
}

// NewChecker 创建健康检查器
func NewChecker(nodeID string, db Pinger, nc *nats.Conn, redisClient *redis.Client,
	connCounter ConnectionCounter, callCounter CallCounter) *Checker {
	return &Checker{
		nodeID:      nodeID,
		db:          db,
		nc:          nc,
		redisClient: redisClient,
		connCounter: connCounter,
		callCounter: callCounter,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service:  "messenger",
		NodeID:   h.nodeID,
		Database: StateNotConfigured,
		NATS:     StateNotConfigured,
		Redis:    StateNotConfigured,
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if h.db != nil {
		status.Database = state(h.db.Ping(ctx) == nil)
	}
	if h.nc != nil {
		status.NATS = state(h.nc.IsConnected())
	}
	if h.redisClient != nil {
		status.Redis = state(h.redisClient.Ping(ctx).Err() == nil)
	}

	if h.connCounter != nil {
		status.Connections = h.connCounter.Count()
	}
	if h.callCounter != nil {
		status.Calls = h.callCounter.ActiveCount()
	}
	return status
}

func state(ok bool) string {
	if ok {
		return StateConnected
	}
	return StateDisconnected
}

// IsReady 已配置的依赖全部可用
func (s *Status) IsReady() bool {
	return s.Database != StateDisconnected && s.NATS != StateDisconnected && s.Redis != StateDisconnected
}

// Health 存活探针，进程可响应即返回 200
func (h *Checker) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.Check(c.Request.Context()))
}

// Ready 就绪探针
func (h *Checker) Ready(c *gin.Context) {
	status := h.Check(c.Request.Context())
	if !status.IsReady() {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}
