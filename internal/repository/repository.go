package repository

import (
	"context"
	"errors"
	"time"

	"sudooom.im.messenger/internal/model"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrPinLimitReached      = errors.New("pinned message limit reached")
)

// ConversationRepository 会话数据访问
type ConversationRepository interface {
	// GetConversation 返回会话及成员、置顶列表
	GetConversation(ctx context.Context, id int64) (*model.Conversation, error)
	// ListByUser 按最后消息时间倒序列出用户未删除的会话
	ListByUser(ctx context.Context, userID int64, offset, limit int) ([]*model.Conversation, bool, error)
	// FindOrCreatePrivate 按无序对查找私聊，不存在时以 newID 创建；created 表示本次新建
	FindOrCreatePrivate(ctx context.Context, newID, userA, userB int64, now time.Time) (*model.Conversation, bool, error)
	CreateGroup(ctx context.Context, conv *model.Conversation) error
	// SoftDelete 用户侧删除会话
	SoftDelete(ctx context.Context, conversationID, userID int64, at time.Time) error
	// AdvanceReadPointer 已读指针只前进不后退，返回是否前进以及当前成员记录
	AdvanceReadPointer(ctx context.Context, conversationID, userID, messageID int64, at time.Time) (bool, *model.Participant, error)
	// AddPin 置顶，limit > 0 时限制数量；已置顶返回 false
	AddPin(ctx context.Context, conversationID, messageID, userID int64, at time.Time, limit int) (bool, error)
	// RemovePin 取消置顶；未置顶返回 false
	RemovePin(ctx context.Context, conversationID, messageID int64) (bool, error)
}

// MessageRepository 消息数据访问
type MessageRepository interface {
	// AppendMessage 持久化消息，同时更新会话最后消息并恢复成员的软删除
	AppendMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	GetMessages(ctx context.Context, ids []int64) ([]*model.Message, error)
	// ListMessages 取 before 之前（不含）的最多 limit 条，结果按 ID 升序；before <= 0 表示从最新开始
	ListMessages(ctx context.Context, conversationID, before int64, limit int) ([]*model.Message, bool, error)
	// SearchMessages 文本包含 query 的消息，按 ID 倒序
	SearchMessages(ctx context.Context, conversationID int64, query string, limit int) ([]*model.Message, error)
	// DeleteMessage 删除消息并取消置顶；若为最后一条则重新推导，返回删除后的最后一条（可能为 nil）
	DeleteMessage(ctx context.Context, conversationID, messageID int64, at time.Time) (*model.Message, error)
	LatestMessage(ctx context.Context, conversationID int64) (*model.Message, error)
}

// ContactRepository 好友关系只读访问，关系本身由账号服务维护
type ContactRepository interface {
	Contacts(ctx context.Context, userID int64) ([]int64, error)
}

// Store 消息核心使用的全部存储接口
type Store interface {
	ConversationRepository
	MessageRepository
	ContactRepository
	Ping(ctx context.Context) error
	Close()
}
