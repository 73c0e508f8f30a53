package nats

import (
	"encoding/json"
	"log/slog"

	"sudooom.im.messenger/pkg/proto"
)

// Conn 发布所需的最小接口，便于测试替换
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher 把本节点产生的推送发布给其它节点
type Publisher struct {
	conn     Conn
	subjects Subjects
	logger   *slog.Logger
}

func NewPublisher(conn Conn, subjects Subjects, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:     conn,
		subjects: subjects,
		logger:   logger,
	}
}

func (p *Publisher) PublishRoom(ev *proto.RoomEvent) error {
	return p.publish(p.subjects.Room(), ev)
}

func (p *Publisher) PublishUsers(ev *proto.UserEvent) error {
	return p.publish(p.subjects.User(), ev)
}

func (p *Publisher) PublishConn(nodeID string, ev *proto.ConnEvent) error {
	return p.publish(p.subjects.Conn(nodeID), ev)
}

func (p *Publisher) PublishCall(ev *proto.CallForward) error {
	return p.publish(p.subjects.Call(), ev)
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("Failed to marshal cluster event", "subject", subject, "error", err)
		return err
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish cluster event", "subject", subject, "error", err)
		return err
	}
	return nil
}
