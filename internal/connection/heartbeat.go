package connection

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatChecker 心跳超时检测器，静默超过 timeout 的连接被关闭
type HeartbeatChecker struct {
	manager       *Manager
	timeout       time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
	onTimeout     func(conn *Connection)
}

// NewHeartbeatChecker 创建心跳检测器
func NewHeartbeatChecker(manager *Manager, timeout, checkInterval time.Duration, logger *slog.Logger, onTimeout func(conn *Connection)) *HeartbeatChecker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	return &HeartbeatChecker{
		manager:       manager,
		timeout:       timeout,
		checkInterval: checkInterval,
		logger:        logger,
		onTimeout:     onTimeout,
	}
}

// Start 启动检测（阻塞，应在 goroutine 中调用）
func (h *HeartbeatChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.logger.Info("Heartbeat checker started",
		"timeout", h.timeout,
		"checkInterval", h.checkInterval)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Heartbeat checker stopped")
			return
		case now := <-ticker.C:
			h.Check(now)
		}
	}
}

// Check 检查一轮，返回超时关闭的连接数
func (h *HeartbeatChecker) Check(now time.Time) int {
	conns := h.manager.GetAllConnections()
	timeoutCount := 0

	for _, conn := range conns {
		lastActive := conn.LastActiveTime()
		if now.Sub(lastActive) <= h.timeout {
			continue
		}
		timeoutCount++
		h.logger.Debug("Connection heartbeat timeout",
			"connId", conn.ID(),
			"userId", conn.UserID(),
			"lastActive", lastActive)

		if h.onTimeout != nil {
			h.onTimeout(conn)
		}
		// 关闭后由连接的关闭回调完成注销和离线广播
		conn.CloseWithReason(CloseIdleTimeout, "heartbeat timeout")
	}

	if timeoutCount > 0 {
		h.logger.Info("Heartbeat check completed",
			"total", len(conns),
			"timeout", timeoutCount)
	}
	return timeoutCount
}
