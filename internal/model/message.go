package model

import (
	"time"

	"sudooom.im.messenger/pkg/proto"
)

// Message 消息实体，内容创建后不可修改
type Message struct {
	ID             int64         `db:"id"`
	ConversationID int64         `db:"conversation_id"`
	SenderID       int64         `db:"sender_id"`
	Text           string        `db:"text"`
	Media          []proto.Media `db:"media"`
	IsPin          bool          `db:"is_pin"`
	Deleted        bool          `db:"deleted"`
	CreatedAt      time.Time     `db:"created_at"`
}

// ToView 转换为线上视图，readBy 由成员的已读指针推导
func (m *Message) ToView(participants []Participant) proto.Message {
	readBy := make([]proto.ReadReceipt, 0)
	for _, p := range participants {
		if p.UserID == m.SenderID || p.LastReadAt == nil {
			continue
		}
		if p.LastReadMessageID >= m.ID {
			readBy = append(readBy, proto.ReadReceipt{UserID: p.UserID, ReadAt: p.LastReadAt.UnixMilli()})
		}
	}
	media := m.Media
	if media == nil {
		media = []proto.Media{}
	}
	return proto.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Media:          media,
		IsPin:          m.IsPin,
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
}
