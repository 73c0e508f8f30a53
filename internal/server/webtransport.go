package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"sudooom.im.messenger/internal/connection"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/jwt"
)

// AuthRequest WebTransport 首帧
type AuthRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
	Platform string `json:"platform"`
}

// AuthAck 首帧应答
type AuthAck struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	UserID  int64  `json:"userId,string,omitempty"`
}

var errAuthFrameExpected = errors.New("first frame must be an auth request")

// StartWebTransport 启动 WebTransport 监听，阻塞直到监听关闭
func (s *Server) StartWebTransport(ctx context.Context) error {
	wt := s.cfg.WebTransport

	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  wt.MaxIdleTimeout,
		KeepAlivePeriod: wt.KeepAlivePeriod,
		EnableDatagrams: true, // WebTransport 需要启用数据报支持
	}

	wtServer := &webtransport.Server{
		H3: http3.Server{
			Addr:       wt.Addr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: s.upgrader().CheckOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wt.Path, func(w http.ResponseWriter, r *http.Request) {
		session, err := wtServer.Upgrade(w, r)
		if err != nil {
			s.logger.Warn("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleSession(ctx, session)
	})
	wtServer.H3.Handler = mux

	s.mu.Lock()
	s.wtServer = wtServer
	s.mu.Unlock()

	s.logger.Info("WebTransport server starting", "addr", wt.Addr, "path", wt.Path)
	return wtServer.ListenAndServe()
}

func (s *Server) handleSession(ctx context.Context, session *webtransport.Session) {
	defer s.wg.Done()

	// 首个双向流必须以认证帧开头，之后所有帧都走这个流
	authTimeout := s.cfg.WebTransport.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	acceptCtx, cancel := context.WithTimeout(ctx, authTimeout)
	stream, err := session.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		_ = session.CloseWithError(connection.CloseAuthFailed, "no stream")
		return
	}

	info, err := s.authenticate(stream, authTimeout)
	if err != nil {
		s.logger.Warn("Auth failed, closing session",
			"remoteAddr", session.RemoteAddr().String(),
			"error", err)
		s.writeAuthAck(stream, AuthAck{Code: apperrors.GetCode(err), Message: apperrors.GetMessage(err)})
		_ = stream.Close()
		_ = session.CloseWithError(connection.CloseAuthFailed, "auth failed")
		return
	}
	s.writeAuthAck(stream, AuthAck{Code: 0, Message: "success", UserID: info.UserID})

	transport := connection.NewWebTransportTransport(session, stream, s.cfg.Connection.MaxFrameSize)
	conn := connection.New(transport, info, s.nodeID, s.connOptions(), s.logger)
	s.Serve(ctx, conn)
}

// authenticate 读取并校验首帧，超时由 AuthTimeout 控制
func (s *Server) authenticate(stream *webtransport.Stream, timeout time.Duration) (connection.SessionInfo, error) {
	_ = stream.SetReadDeadline(time.Now().Add(timeout))
	defer stream.SetReadDeadline(time.Time{})

	msgType, body, err := connection.ReadFrame(stream, s.cfg.Connection.MaxFrameSize)
	if err != nil {
		return connection.SessionInfo{}, apperrors.ErrTokenInvalid.Wrap(err)
	}
	if msgType != connection.MsgTypeAuth {
		return connection.SessionInfo{}, apperrors.ErrTokenInvalid.Wrap(
			fmt.Errorf("%w: type %d", errAuthFrameExpected, msgType))
	}

	var req AuthRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Token == "" {
		return connection.SessionInfo{}, apperrors.ErrTokenInvalid
	}
	return s.sessionFromToken(req)
}

func (s *Server) sessionFromToken(req AuthRequest) (connection.SessionInfo, error) {
	claims, err := s.jwtService.ValidateAccessToken(req.Token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return connection.SessionInfo{}, apperrors.ErrTokenExpired
		}
		return connection.SessionInfo{}, apperrors.ErrTokenInvalid
	}

	info := connection.SessionInfo{
		UserID:   claims.UserID,
		DeviceID: claims.DeviceID,
		Platform: string(claims.Platform),
	}
	if req.DeviceID != "" {
		info.DeviceID = req.DeviceID
	}
	if req.Platform != "" {
		info.Platform = string(jwt.ParsePlatform(req.Platform))
	}
	return info, nil
}

func (s *Server) writeAuthAck(stream *webtransport.Stream, ack AuthAck) {
	body, err := json.Marshal(ack)
	if err != nil {
		return
	}
	_ = stream.SetWriteDeadline(time.Now().Add(s.cfg.Connection.WriteTimeout))
	if err := connection.WriteFrame(stream, connection.MsgTypeAuthAck, body); err != nil {
		s.logger.Debug("Auth ack not written", "error", err)
	}
	_ = stream.SetWriteDeadline(time.Time{})
}

func (s *Server) loadTLSConfig() (*tls.Config, error) {
	wt := s.cfg.WebTransport
	if wt.CertFile != "" && wt.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(wt.CertFile, wt.KeyFile)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Loaded TLS certificate",
			"certFile", wt.CertFile,
			"keyFile", wt.KeyFile)
		return newTLSConfig(cert), nil
	}

	// 开发环境：生成自签名证书
	s.logger.Warn("No TLS certificate configured, using self-signed certificate")
	return generateSelfSignedTLSConfig(s.logger)
}
