package service

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/internal/registry"
	"sudooom.im.messenger/internal/repository"
	"sudooom.im.messenger/internal/workerpool"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/snowflake"
)

// MessageService 消息投递管线：校验 -> 持久化 -> 广播。
// 同一会话的写操作在会话锁内完成持久化与本地广播，各连接上的投递顺序与持久化顺序一致；
// 持久化失败不广播。
type MessageService struct {
	store         repository.Store
	conversations *ConversationService
	broadcaster   Broadcaster
	unread        UnreadCounter
	pool          *workerpool.Pool
	ids           *snowflake.Node
	locks         *registry.KeyedMutex[int64]
	limits        Limits
	logger        *slog.Logger
}

func NewMessageService(store repository.Store, conversations *ConversationService, broadcaster Broadcaster,
	unread UnreadCounter, pool *workerpool.Pool, ids *snowflake.Node, limits Limits, logger *slog.Logger) *MessageService {
	return &MessageService{
		store:         store,
		conversations: conversations,
		broadcaster:   broadcaster,
		unread:        unread,
		pool:          pool,
		ids:           ids,
		locks:         registry.NewKeyedMutex[int64](),
		limits:        limits,
		logger:        logger,
	}
}

func (s *MessageService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.limits.OpTimeout)
}

// asyncOrdered 同一会话的后台任务按提交顺序执行，需在会话锁内提交
func (s *MessageService) asyncOrdered(conversationID int64, fn func()) {
	if s.pool == nil || !s.pool.SubmitKeyed(conversationID, fn) {
		fn()
	}
}

func (s *MessageService) validate(req *proto.SendMessage) error {
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Media) == 0 {
		return apperrors.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > s.limits.MaxTextLength {
		return apperrors.ErrMessageTooLong
	}
	if len(req.Media) > s.limits.MaxMedia {
		return apperrors.ErrTooManyMedia
	}
	for _, m := range req.Media {
		if strings.TrimSpace(m.URL) == "" {
			return apperrors.ErrInvalidParams.WithMessage("media url is required")
		}
	}
	req.Text = text
	return nil
}

// Send 发送消息。指定 ReceiverID 时定位或创建私聊会话，结果中 IsNew 表示本次新建。
func (s *MessageService) Send(ctx context.Context, senderID int64, req proto.SendMessage) (*proto.SendMessageResult, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	var (
		conv    *model.Conversation
		created bool
		err     error
	)
	switch {
	case req.ConversationID > 0:
		qctx, cancel := s.withTimeout(ctx)
		conv, err = loadConversation(qctx, s.store, req.ConversationID, senderID)
		cancel()
	case req.ReceiverID > 0:
		conv, created, err = s.conversations.findOrCreatePrivate(ctx, senderID, req.ReceiverID)
	default:
		err = apperrors.ErrInvalidParams.WithMessage("conversationId or receiverId is required")
	}
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Text:           req.Text,
		Media:          req.Media,
	}
	view, err := s.persistAndBroadcast(ctx, conv, msg, req.ClientMsgID)
	if err != nil {
		return nil, err
	}

	result := &proto.SendMessageResult{
		Message:     view,
		IsNew:       created,
		ClientMsgID: req.ClientMsgID,
	}
	if created {
		convView := conv.ToView(msg, nil)
		result.Conversation = &convView
	}
	return result, nil
}

func (s *MessageService) persistAndBroadcast(ctx context.Context, conv *model.Conversation, msg *model.Message, clientMsgID string) (proto.Message, error) {
	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	msg.ID = s.ids.Generate().Int64()
	msg.CreatedAt = time.Now().Truncate(time.Millisecond)

	qctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.store.AppendMessage(qctx, msg); err != nil {
		s.logger.Error("Failed to persist message",
			"conversationId", conv.ID,
			"senderId", msg.SenderID,
			"error", err)
		return proto.Message{}, mapRepoErr(err)
	}

	view := msg.ToView(conv.Participants)
	frame := proto.MustEncode(&proto.ReceiveMessage{Message: view, ClientMsgID: clientMsgID})
	n := s.broadcaster.ToRoom(conv.ID, frame, conv.ParticipantIDs())

	// 与 Read 的清零共用会话锁和分片，清零不会被更早的加一覆盖
	recipients := conv.Others(msg.SenderID)
	s.asyncOrdered(conv.ID, func() {
		bctx, cancel := s.withTimeout(context.Background())
		defer cancel()
		if err := s.unread.Incr(bctx, conv.ID, recipients); err != nil {
			s.logger.Warn("Failed to update unread counters", "conversationId", conv.ID, "error", err)
		}
	})

	s.logger.Debug("Message delivered",
		"conversationId", conv.ID,
		"messageId", msg.ID,
		"senderId", msg.SenderID,
		"localConnections", n)
	return view, nil
}

// Read 前移已读指针；过期的回执返回当前指针且不广播
func (s *MessageService) Read(ctx context.Context, userID, conversationID, messageID int64) (*proto.ReadMessage, error) {
	if messageID <= 0 {
		return nil, apperrors.ErrInvalidParams.WithMessage("message id is required")
	}

	qctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := loadConversation(qctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(qctx, messageID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if msg.ConversationID != conversationID {
		return nil, apperrors.ErrMessageNotFound
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	advanced, p, err := s.store.AdvanceReadPointer(qctx, conversationID, userID, messageID, time.Now().Truncate(time.Millisecond))
	if err != nil {
		return nil, mapRepoErr(err)
	}

	receipt := &proto.ReadMessage{
		ConversationID: conversationID,
		MessageID:      p.LastReadMessageID,
		UserID:         userID,
	}
	if p.LastReadAt != nil {
		receipt.ReadAt = p.LastReadAt.UnixMilli()
	}
	if !advanced {
		return receipt, nil
	}

	s.broadcaster.ToRoom(conversationID, proto.MustEncode(receipt), conv.ParticipantIDs())
	s.asyncOrdered(conversationID, func() {
		bctx, cancel := s.withTimeout(context.Background())
		defer cancel()
		if err := s.unread.Clear(bctx, userID, conversationID); err != nil {
			s.logger.Warn("Failed to clear unread counter", "conversationId", conversationID, "userId", userID, "error", err)
		}
	})
	return receipt, nil
}

// Delete 仅发送者可删除；删除最后一条时重新推导最后消息
func (s *MessageService) Delete(ctx context.Context, userID, conversationID, messageID int64) (*proto.DeleteMessage, error) {
	qctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := loadConversation(qctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(qctx, messageID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if msg.ConversationID != conversationID {
		return nil, apperrors.ErrMessageNotFound
	}
	if msg.SenderID != userID {
		return nil, apperrors.ErrForbidden.WithMessage("only the sender can delete a message")
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	last, err := s.store.DeleteMessage(qctx, conversationID, messageID, time.Now())
	if err != nil {
		return nil, mapRepoErr(err)
	}

	ev := &proto.DeleteMessage{ConversationID: conversationID, MessageID: messageID}
	if last != nil {
		v := last.ToView(conv.Participants)
		ev.LastMessage = &v
	}
	s.broadcaster.ToRoom(conversationID, proto.MustEncode(ev), conv.ParticipantIDs())

	s.logger.Info("Message deleted",
		"conversationId", conversationID,
		"messageId", messageID,
		"userId", userID)
	return ev, nil
}

// Pin 置顶，重复置顶幂等且不广播
func (s *MessageService) Pin(ctx context.Context, userID, conversationID, messageID int64) (*proto.PinMessage, error) {
	conv, msg, err := s.loadForPin(ctx, userID, conversationID, messageID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	qctx, cancel := s.withTimeout(ctx)
	defer cancel()
	added, err := s.store.AddPin(qctx, conversationID, messageID, userID, time.Now(), s.limits.PinnedLimit)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	msg.IsPin = true

	pinned, err := s.pinnedList(qctx, conversationID, conv)
	if err != nil {
		return nil, err
	}
	view := msg.ToView(conv.Participants)
	ev := &proto.PinMessage{
		ConversationID: conversationID,
		MessageID:      messageID,
		Message:        &view,
		PinnedMessages: pinned,
		UserID:         userID,
	}
	if added {
		s.broadcaster.ToRoom(conversationID, proto.MustEncode(ev), conv.ParticipantIDs())
	}
	return ev, nil
}

// Unpin 取消置顶，未置顶时幂等且不广播
func (s *MessageService) Unpin(ctx context.Context, userID, conversationID, messageID int64) (*proto.UnPinMessage, error) {
	conv, msg, err := s.loadForPin(ctx, userID, conversationID, messageID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	qctx, cancel := s.withTimeout(ctx)
	defer cancel()
	removed, err := s.store.RemovePin(qctx, conversationID, messageID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	msg.IsPin = false

	pinned, err := s.pinnedList(qctx, conversationID, conv)
	if err != nil {
		return nil, err
	}
	view := msg.ToView(conv.Participants)
	ev := &proto.UnPinMessage{
		ConversationID: conversationID,
		MessageID:      messageID,
		Message:        &view,
		PinnedMessages: pinned,
		UserID:         userID,
	}
	if removed {
		s.broadcaster.ToRoom(conversationID, proto.MustEncode(ev), conv.ParticipantIDs())
	}
	return ev, nil
}

func (s *MessageService) loadForPin(ctx context.Context, userID, conversationID, messageID int64) (*model.Conversation, *model.Message, error) {
	qctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := loadConversation(qctx, s.store, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	msg, err := s.store.GetMessage(qctx, messageID)
	if err != nil {
		return nil, nil, mapRepoErr(err)
	}
	if msg.ConversationID != conversationID {
		return nil, nil, apperrors.ErrMessageNotFound
	}
	return conv, msg, nil
}

// pinnedList 重新读取会话的置顶列表
func (s *MessageService) pinnedList(ctx context.Context, conversationID int64, conv *model.Conversation) ([]proto.Message, error) {
	fresh, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	msgs, err := pinnedViews(ctx, s.store, fresh)
	if err != nil {
		return nil, err
	}
	out := make([]proto.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ToView(conv.Participants))
	}
	return out, nil
}

// Pinned 会话的置顶消息
func (s *MessageService) Pinned(ctx context.Context, userID, conversationID int64) ([]proto.Message, error) {
	qctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := loadConversation(qctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return s.pinnedList(qctx, conversationID, conv)
}

// LastMessage 会话当前的最后一条消息，空会话返回 nil
func (s *MessageService) LastMessage(ctx context.Context, userID, conversationID int64) (*proto.GetLastMessage, error) {
	qctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := loadConversation(qctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	last, err := s.store.LatestMessage(qctx, conversationID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	out := &proto.GetLastMessage{ConversationID: conversationID}
	if last != nil {
		v := last.ToView(conv.Participants)
		out.Message = &v
	}
	return out, nil
}

// List 按游标向旧方向翻页，before <= 0 从最新开始，结果按 ID 升序
func (s *MessageService) List(ctx context.Context, userID, conversationID, before int64, limit int) (*proto.MessagePage, error) {
	limit = s.limits.pageSize(limit)

	qctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := loadConversation(qctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	msgs, hasMore, err := s.store.ListMessages(qctx, conversationID, before, limit)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	page := &proto.MessagePage{Items: make([]proto.Message, 0, len(msgs)), HasMore: hasMore}
	for _, m := range msgs {
		page.Items = append(page.Items, m.ToView(conv.Participants))
	}
	if hasMore && len(page.Items) > 0 {
		page.NextBefore = page.Items[0].ID
	}
	return page, nil
}

// Search 会话内按文本搜索，最新的在前
func (s *MessageService) Search(ctx context.Context, userID, conversationID int64, query string, limit int) ([]proto.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.ErrInvalidParams.WithMessage("search query is required")
	}
	limit = s.limits.pageSize(limit)

	qctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := loadConversation(qctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.SearchMessages(qctx, conversationID, query, limit)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	out := make([]proto.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ToView(conv.Participants))
	}
	return out, nil
}

// Unread 用户的未读汇总
func (s *MessageService) Unread(ctx context.Context, userID int64) (proto.UnreadSummary, error) {
	qctx, cancel := s.withTimeout(ctx)
	defer cancel()

	counts, err := s.unread.Counts(qctx, userID)
	if err != nil {
		return proto.UnreadSummary{}, apperrors.ErrServerError.Wrap(err)
	}
	return Summarize(counts), nil
}
