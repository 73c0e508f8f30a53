package service

import (
	"context"
	"errors"
	"time"

	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/internal/repository"
	apperrors "sudooom.im.messenger/pkg/errors"
)

// Broadcaster 推送出口，由 fanout.Hub 实现
type Broadcaster interface {
	ToRoom(roomID int64, frame []byte, alsoUsers []int64) int
	ToUsers(userIDs []int64, frame []byte) int
}

// Limits 会话与消息的业务限制
type Limits struct {
	PinnedLimit     int // 0 表示不限制
	MaxTextLength   int // 按字符（rune）计
	MaxMedia        int
	DefaultPageSize int
	MaxPageSize     int
	OpTimeout       time.Duration
}

// DefaultLimits 与默认配置一致
func DefaultLimits() Limits {
	return Limits{
		PinnedLimit:     0,
		MaxTextLength:   5000,
		MaxMedia:        10,
		DefaultPageSize: 20,
		MaxPageSize:     100,
		OpTimeout:       5 * time.Second,
	}
}

func (l Limits) pageSize(n int) int {
	if n <= 0 {
		return l.DefaultPageSize
	}
	if n > l.MaxPageSize {
		return l.MaxPageSize
	}
	return n
}

// mapRepoErr 把存储层错误转换为业务错误
func mapRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrConversationNotFound):
		return apperrors.ErrConversationNotFound
	case errors.Is(err, repository.ErrMessageNotFound):
		return apperrors.ErrMessageNotFound
	case errors.Is(err, repository.ErrPinLimitReached):
		return apperrors.ErrPinLimit
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperrors.ErrDBError.Wrap(err)
	default:
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return apperrors.ErrDBError.Wrap(err)
	}
}

// loadConversation 读取会话并校验成员身份
func loadConversation(ctx context.Context, repo repository.ConversationRepository, convID, userID int64) (*model.Conversation, error) {
	conv, err := repo.GetConversation(ctx, convID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, apperrors.ErrNotParticipant
	}
	return conv, nil
}

// pinnedViews 按置顶顺序组装置顶消息
func pinnedViews(ctx context.Context, repo repository.MessageRepository, conv *model.Conversation) ([]*model.Message, error) {
	if len(conv.PinnedIDs) == 0 {
		return nil, nil
	}
	msgs, err := repo.GetMessages(ctx, conv.PinnedIDs)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return msgs, nil
}
