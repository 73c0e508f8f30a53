package nats

import (
	"log/slog"

	"github.com/nats-io/nats.go"

	"sudooom.im.messenger/internal/config"
)

// Client NATS 连接
type Client struct {
	conn *nats.Conn
}

func NewClient(cfg config.NATSConfig, name string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn}, nil
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// IsConnected 用于健康检查
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Close 先 drain 再关闭，尽量把已发布的消息刷出
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
