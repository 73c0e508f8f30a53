package model

import (
	"fmt"
	"time"

	"sudooom.im.messenger/pkg/proto"
)

// Conversation 会话实体
type Conversation struct {
	ID            int64                    `db:"id"`
	Type          proto.ConversationType   `db:"type"`
	Title         string                   `db:"title"`
	Avatar        string                   `db:"avatar"`
	Status        proto.ConversationStatus `db:"status"`
	PrivateKey    *string                  `db:"private_key"` // 私聊唯一键，群聊为 nil
	LastMessageID *int64                   `db:"last_message_id"`
	CreatedAt     time.Time                `db:"created_at"`
	UpdatedAt     time.Time                `db:"updated_at"`

	Participants []Participant `db:"-"`
	// PinnedIDs 置顶消息，按置顶时间升序，最近置顶的在最后
	PinnedIDs []int64 `db:"-"`
}

// Participant 会话成员，LastReadMessageID 为单调递增的已读指针
type Participant struct {
	ConversationID    int64      `db:"conversation_id"`
	UserID            int64      `db:"user_id"`
	LastReadMessageID int64      `db:"last_read_message_id"`
	LastReadAt        *time.Time `db:"last_read_at"`
	DeletedAt         *time.Time `db:"deleted_at"` // 用户侧软删除
	JoinedAt          time.Time  `db:"joined_at"`
}

// PrivateKey 私聊会话的无序对唯一键
func PrivateKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// HasParticipant 是否为会话成员
func (c *Conversation) HasParticipant(userID int64) bool {
	return c.Participant(userID) != nil
}

// Participant 返回成员记录
func (c *Conversation) Participant(userID int64) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// ParticipantIDs 成员 ID 列表
func (c *Conversation) ParticipantIDs() []int64 {
	ids := make([]int64, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// Others 除 userID 之外的成员
func (c *Conversation) Others(userID int64) []int64 {
	ids := make([]int64, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != userID {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// IsPinned 消息是否已置顶
func (c *Conversation) IsPinned(messageID int64) bool {
	for _, id := range c.PinnedIDs {
		if id == messageID {
			return true
		}
	}
	return false
}
