package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/webtransport-go"

	"sudooom.im.messenger/internal/call"
	"sudooom.im.messenger/internal/config"
	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/handler"
	"sudooom.im.messenger/internal/presence"
	"sudooom.im.messenger/internal/room"
	"sudooom.im.messenger/pkg/jwt"
)

// Server 实时连接接入：WebSocket 挂在 gin 上，WebTransport 独立监听 UDP
type Server struct {
	cfg        *config.Config
	nodeID     string
	jwtService *jwt.Service
	logger     *slog.Logger

	connMgr  *connection.Manager
	rooms    *room.Manager
	presence *presence.Service
	calls    *call.Manager
	handler  *handler.Handler

	wtServer *webtransport.Server
	wg       sync.WaitGroup

	mu      sync.Mutex
	baseCtx context.Context
}

func New(cfg *config.Config, nodeID string, jwtService *jwt.Service, connMgr *connection.Manager, rooms *room.Manager,
	presence *presence.Service, calls *call.Manager, h *handler.Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		nodeID:     nodeID,
		jwtService: jwtService,
		logger:     logger,
		connMgr:    connMgr,
		rooms:      rooms,
		presence:   presence,
		calls:      calls,
		handler:    h,
		baseCtx:    context.Background(),
	}
}

// SetContext 设置连接读循环使用的根 context，取消后所有读循环退出
func (s *Server) SetContext(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// ConnManager 返回连接管理器
func (s *Server) ConnManager() *connection.Manager {
	return s.connMgr
}

func (s *Server) connOptions() connection.Options {
	return connection.Options{
		SendBuffer:   s.cfg.Connection.SendBuffer,
		WriteTimeout: s.cfg.Connection.WriteTimeout,
	}
}

// Serve 注册已认证的连接并阻塞处理其帧，连接关闭后返回
func (s *Server) Serve(ctx context.Context, conn *connection.Connection) {
	s.wg.Add(1)
	defer s.wg.Done()

	first, err := s.connMgr.Add(conn)
	if err != nil {
		s.logger.Warn("Connection rejected", "connId", conn.ID(), "userId", conn.UserID(), "error", err)
		conn.CloseWithReason(connection.CloseGoingAway, err.Error())
		return
	}
	conn.OnClose(s.onClose)

	s.presence.Connected(ctx, conn, first)
	s.logger.Info("Connection established",
		"connId", conn.ID(),
		"userId", conn.UserID(),
		"platform", conn.Platform(),
		"remoteAddr", conn.RemoteAddr())

	err = conn.ReadLoop(ctx, func(data []byte) {
		s.handler.Handle(ctx, conn, data)
	})
	if err != nil && !errors.Is(err, connection.ErrConnectionClosed) {
		s.logger.Debug("Read loop ended", "connId", conn.ID(), "error", err)
	}
	conn.Close()
}

// onClose 连接关闭（主动关闭、心跳超时、慢消费者）后的清理
func (s *Server) onClose(conn *connection.Connection) {
	// 先注销再清房间，进行中的 Join 会发现连接已注销并自行撤销
	_, last := s.connMgr.Remove(conn.ID())
	s.rooms.LeaveAll(conn.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.presence.Disconnected(ctx, conn, last)
	if last {
		s.calls.Disconnect(conn.UserID())
	}

	s.logger.Info("Connection closed",
		"connId", conn.ID(),
		"userId", conn.UserID(),
		"lastLocal", last)
}

// RunHeartbeat 心跳检测，阻塞直到 ctx 取消
func (s *Server) RunHeartbeat(ctx context.Context) {
	checker := connection.NewHeartbeatChecker(
		s.connMgr,
		s.cfg.Heartbeat.Timeout(),
		s.cfg.Heartbeat.Interval,
		s.logger,
		nil,
	)
	checker.Start(ctx)
}

// Shutdown 关闭 WebTransport 监听和所有连接，等待读循环退出
func (s *Server) Shutdown() {
	s.mu.Lock()
	wtServer := s.wtServer
	s.mu.Unlock()
	if wtServer != nil {
		if err := wtServer.Close(); err != nil {
			s.logger.Warn("WebTransport server close error", "error", err)
		}
	}
	s.connMgr.CloseAll(connection.CloseGoingAway, "server shutting down")
	s.wg.Wait()
}
