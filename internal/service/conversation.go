package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/internal/repository"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/snowflake"
)

// ConversationService 会话查询与创建
type ConversationService struct {
	store  repository.Store
	ids    *snowflake.Node
	limits Limits
	logger *slog.Logger
}

func NewConversationService(store repository.Store, ids *snowflake.Node, limits Limits, logger *slog.Logger) *ConversationService {
	return &ConversationService{
		store:  store,
		ids:    ids,
		limits: limits,
		logger: logger,
	}
}

func (s *ConversationService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.limits.OpTimeout)
}

// IsParticipant 供房间加入时鉴权
func (s *ConversationService) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, mapRepoErr(err)
	}
	return conv.HasParticipant(userID), nil
}

// Get 会话详情，仅成员可见
func (s *ConversationService) Get(ctx context.Context, userID, conversationID int64) (*proto.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := loadConversation(ctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	view, err := s.view(ctx, conv)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// List 用户的会话列表，按最后消息时间倒序
func (s *ConversationService) List(ctx context.Context, userID int64, page, pageSize int) (*proto.Page[proto.Conversation], error) {
	if page <= 0 {
		page = 1
	}
	pageSize = s.limits.pageSize(pageSize)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	convs, hasMore, err := s.store.ListByUser(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	items := make([]proto.Conversation, 0, len(convs))
	for _, conv := range convs {
		view, err := s.view(ctx, conv)
		if err != nil {
			return nil, err
		}
		items = append(items, view)
	}
	return &proto.Page[proto.Conversation]{
		Items:    items,
		Page:     page,
		PageSize: pageSize,
		HasMore:  hasMore,
	}, nil
}

// GetOrCreatePrivate 按无序对查找或创建私聊会话
func (s *ConversationService) GetOrCreatePrivate(ctx context.Context, userID, peerID int64) (*proto.ConversationResult, error) {
	conv, created, err := s.findOrCreatePrivate(ctx, userID, peerID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	view, err := s.view(ctx, conv)
	if err != nil {
		return nil, err
	}
	return &proto.ConversationResult{Conversation: view, IsNew: created}, nil
}

func (s *ConversationService) findOrCreatePrivate(ctx context.Context, userID, peerID int64) (*model.Conversation, bool, error) {
	if peerID <= 0 {
		return nil, false, apperrors.ErrInvalidParams.WithMessage("peer id is required")
	}
	if peerID == userID {
		return nil, false, apperrors.ErrCannotChatSelf
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, created, err := s.store.FindOrCreatePrivate(ctx, s.ids.Generate().Int64(), userID, peerID, time.Now())
	if err != nil {
		return nil, false, mapRepoErr(err)
	}
	if created {
		s.logger.Info("Private conversation created",
			"conversationId", conv.ID,
			"userId", userID,
			"peerId", peerID)
	}
	return conv, created, nil
}

// CreateGroup 创建群聊，创建者自动成为成员
func (s *ConversationService) CreateGroup(ctx context.Context, creatorID int64, title, avatar string, participants []int64) (*proto.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperrors.ErrInvalidParams.WithMessage("group title is required")
	}

	seen := map[int64]struct{}{creatorID: {}}
	members := []int64{creatorID}
	for _, id := range participants {
		if id <= 0 {
			return nil, apperrors.ErrInvalidParams.WithMessage("invalid participant id")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, apperrors.ErrInvalidParams.WithMessage("group needs at least two participants")
	}

	now := time.Now().Truncate(time.Millisecond)
	conv := &model.Conversation{
		ID:        s.ids.Generate().Int64(),
		Type:      proto.ConversationGroup,
		Title:     title,
		Avatar:    avatar,
		Status:    proto.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, id := range members {
		conv.Participants = append(conv.Participants, model.Participant{
			ConversationID: conv.ID,
			UserID:         id,
			JoinedAt:       now,
		})
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.store.CreateGroup(ctx, conv); err != nil {
		return nil, mapRepoErr(err)
	}

	s.logger.Info("Group conversation created",
		"conversationId", conv.ID,
		"creatorId", creatorID,
		"members", len(members))

	view := conv.ToView(nil, nil)
	return &view, nil
}

// Delete 用户侧删除会话，新消息到达后恢复
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := loadConversation(ctx, s.store, conversationID, userID); err != nil {
		return err
	}
	if err := s.store.SoftDelete(ctx, conversationID, userID, time.Now()); err != nil {
		return mapRepoErr(err)
	}
	return nil
}

func (s *ConversationService) view(ctx context.Context, conv *model.Conversation) (proto.Conversation, error) {
	var last *model.Message
	if conv.LastMessageID != nil {
		m, err := s.store.GetMessage(ctx, *conv.LastMessageID)
		switch {
		case err == nil:
			last = m
		case !errors.Is(err, repository.ErrMessageNotFound):
			return proto.Conversation{}, mapRepoErr(err)
		}
	}
	pinned, err := pinnedViews(ctx, s.store, conv)
	if err != nil {
		return proto.Conversation{}, err
	}
	return conv.ToView(last, pinned), nil
}
