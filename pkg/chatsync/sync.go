// Package chatsync 客户端会话缓存同步：会话列表、消息窗口与本地发送状态。
// 实时事件与 REST 结果可能乱序到达，统一按消息 ID 去重合并。
package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.messenger/pkg/proto"
)

var (
	// ErrMessageNotFound FindMessage 翻完允许的页数仍未找到
	ErrMessageNotFound = errors.New("chatsync: message not found")
	// ErrNotOpen 会话窗口未打开
	ErrNotOpen = errors.New("chatsync: conversation not open")
)

type Options struct {
	SelfID       int64
	PageSize     int // 会话列表每页条数
	MessageLimit int // 消息每页条数
	MaxPages     int // FindMessage 最多向前翻的页数
	// OutboxRetention 已确认的本地消息保留时长
	OutboxRetention time.Duration
	Logger          *slog.Logger
}

func (o *Options) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = 30
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Synchronizer 缓存与同步入口，并发安全
type Synchronizer struct {
	mu      sync.Mutex
	fetcher Fetcher
	list    *ConversationList
	windows map[int64]*Window
	outbox  *Outbox
	opts    Options
	logger  *slog.Logger
}

func New(fetcher Fetcher, opts Options) *Synchronizer {
	opts.defaults()
	return &Synchronizer{
		fetcher: fetcher,
		list:    NewConversationList(opts.PageSize),
		windows: make(map[int64]*Window),
		outbox:  NewOutbox(opts.OutboxRetention),
		opts:    opts,
		logger:  opts.Logger.With("component", "chatsync"),
	}
}

// LoadConversations 重新拉取第一页
func (s *Synchronizer) LoadConversations(ctx context.Context) error {
	page, err := s.fetcher.Conversations(ctx, 1, s.opts.PageSize)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.list.reset(page)
	s.mu.Unlock()
	return nil
}

// LoadMoreConversations 拉取下一页，没有更多时返回 false
func (s *Synchronizer) LoadMoreConversations(ctx context.Context) (bool, error) {
	s.mu.Lock()
	next, more := s.list.page+1, s.list.hasMore
	s.mu.Unlock()
	if !more {
		return false, nil
	}

	page, err := s.fetcher.Conversations(ctx, next, s.opts.PageSize)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.list.appendPage(page)
	s.mu.Unlock()
	return page.HasMore, nil
}

// Refresh 列表被标记为过期时重新拉取第一页
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	stale := s.list.Stale()
	s.mu.Unlock()
	if !stale {
		return nil
	}
	return s.LoadConversations(ctx)
}

func (s *Synchronizer) Conversations() []proto.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Items()
}

func (s *Synchronizer) Conversation(id int64) (proto.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Get(id)
}

func (s *Synchronizer) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Stale()
}

// Open 打开会话窗口并加载最新一页。已打开时向前补齐到窗口原有的最新消息，
// MaxPages 页内补不齐则丢弃旧窗口，保证窗口内消息连续
func (s *Synchronizer) Open(ctx context.Context, conversationID int64) error {
	var since int64
	s.mu.Lock()
	if w, ok := s.windows[conversationID]; ok && w.loaded {
		if m, ok := w.Newest(); ok {
			since = m.ID
		}
	}
	s.mu.Unlock()

	page, err := s.fetcher.Messages(ctx, conversationID, 0, s.opts.MessageLimit)
	if err != nil {
		return err
	}
	items, hasOlder := page.Items, page.HasMore
	bridged := since == 0 || !page.HasMore || reaches(page.Items, since)
	for pages := 1; !bridged && pages < s.opts.MaxPages; pages++ {
		older, err := s.fetcher.Messages(ctx, conversationID, oldestID(items), s.opts.MessageLimit)
		if err != nil {
			return err
		}
		items = append(items, older.Items...)
		hasOlder = older.HasMore
		bridged = !older.HasMore || len(older.Items) == 0 || reaches(older.Items, since)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[conversationID]
	if !ok {
		w = NewWindow(conversationID)
		s.windows[conversationID] = w
	}
	if !bridged {
		s.logger.Debug("Message window gap not bridged, reloading",
			"conversationId", conversationID,
			"since", since)
		w.reset()
	}
	w.Merge(items...)
	if !w.loaded || !bridged {
		w.hasOlder = hasOlder
		w.loaded = true
	}
	return nil
}

func reaches(items []proto.Message, id int64) bool {
	for _, m := range items {
		if m.ID <= id {
			return true
		}
	}
	return false
}

func oldestID(items []proto.Message) int64 {
	var oldest int64
	for _, m := range items {
		if oldest == 0 || m.ID < oldest {
			oldest = m.ID
		}
	}
	return oldest
}

// Close 释放会话窗口
func (s *Synchronizer) Close(conversationID int64) {
	s.mu.Lock()
	delete(s.windows, conversationID)
	s.mu.Unlock()
}

// LoadOlder 以最早一条为游标向前翻一页，返回新增条数
func (s *Synchronizer) LoadOlder(ctx context.Context, conversationID int64) (int, error) {
	s.mu.Lock()
	w, ok := s.windows[conversationID]
	if !ok {
		s.mu.Unlock()
		return 0, ErrNotOpen
	}
	before, more := w.Oldest(), w.HasOlder()
	s.mu.Unlock()
	if !more {
		return 0, nil
	}

	page, err := s.fetcher.Messages(ctx, conversationID, before, s.opts.MessageLimit)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok = s.windows[conversationID]
	if !ok {
		return 0, ErrNotOpen
	}
	added := w.Merge(page.Items...)
	w.hasOlder = page.HasMore
	return added, nil
}

// FindMessage 在窗口中查找，找不到时向前翻页，最多 MaxPages 页
func (s *Synchronizer) FindMessage(ctx context.Context, conversationID, messageID int64) (proto.Message, error) {
	for pages := 0; ; pages++ {
		s.mu.Lock()
		w, ok := s.windows[conversationID]
		if !ok {
			s.mu.Unlock()
			return proto.Message{}, ErrNotOpen
		}
		if m, found := w.Get(messageID); found {
			s.mu.Unlock()
			return m, nil
		}
		// 窗口连续，最早一条已早于目标说明目标已被删除
		exhausted := !w.HasOlder() || (w.Len() > 0 && w.Oldest() < messageID)
		s.mu.Unlock()

		if exhausted || pages >= s.opts.MaxPages {
			return proto.Message{}, ErrMessageNotFound
		}
		if _, err := s.LoadOlder(ctx, conversationID); err != nil {
			return proto.Message{}, err
		}
	}
}

func (s *Synchronizer) Messages(conversationID int64) []proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[conversationID]; ok {
		return w.Messages()
	}
	return nil
}

// Outgoing 本地消息当前状态
func (s *Synchronizer) Outgoing(tempID string) (Outgoing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbox.get(tempID)
}

// OutgoingByMessage 按服务端消息 ID 查本地消息
func (s *Synchronizer) OutgoingByMessage(messageID int64) (Outgoing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbox.byMessage(messageID)
}

// Pending 会话中尚未确认的本地消息，按撰写时间排序
func (s *Synchronizer) Pending(conversationID int64) []Outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbox.pending(conversationID)
}

// Send 经 sender 发送，返回临时 ID。应答与回显谁先到都可以
func (s *Synchronizer) Send(ctx context.Context, sender Sender, req proto.SendMessage) (string, *proto.SendMessageResult, error) {
	s.mu.Lock()
	item := s.outbox.compose(req)
	s.mu.Unlock()
	req.ClientMsgID = item.TempID

	s.mu.Lock()
	s.outbox.sent(item.TempID)
	s.mu.Unlock()

	res, err := sender.SendMessage(ctx, req)
	if err != nil {
		s.mu.Lock()
		s.outbox.failed(item.TempID, err)
		s.mu.Unlock()
		return item.TempID, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox.persisted(item.TempID, res.Message)
	if res.Conversation != nil {
		s.list.Upsert(*res.Conversation)
	}
	s.applyMessage(res.Message)
	return item.TempID, res, nil
}

// HandleFrame 应用一条实时事件。未知会话的新消息会拉取会话详情
func (s *Synchronizer) HandleFrame(ctx context.Context, f *proto.Frame) error {
	switch p := f.Payload.(type) {
	case *proto.ReceiveMessage:
		return s.onReceive(ctx, p)
	case *proto.DeleteMessage:
		s.onDelete(p)
	case *proto.PinMessage:
		s.onPin(p.ConversationID, p.MessageID, true, p.PinnedMessages)
	case *proto.UnPinMessage:
		s.onPin(p.ConversationID, p.MessageID, false, p.PinnedMessages)
	case *proto.ReadMessage:
		s.onRead(p)
	case *proto.GetLastMessage:
		s.onLastMessage(p)
	}
	return nil
}

func (s *Synchronizer) onReceive(ctx context.Context, ev *proto.ReceiveMessage) error {
	s.mu.Lock()
	if ev.ClientMsgID != "" && ev.Message.SenderID == s.opts.SelfID {
		s.outbox.persisted(ev.ClientMsgID, ev.Message)
	}
	known := s.applyMessage(ev.Message)
	s.mu.Unlock()
	if known {
		return nil
	}

	conv, err := s.fetcher.Conversation(ctx, ev.Message.ConversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list.MarkStale()
	if err != nil {
		s.logger.Warn("Failed to fetch conversation for new message",
			"conversationId", ev.Message.ConversationID,
			"error", err)
		return err
	}
	if conv.LastMessage == nil || conv.LastMessage.ID < ev.Message.ID {
		m := ev.Message
		conv.LastMessage = &m
	}
	s.list.Upsert(*conv)
	return nil
}

// applyMessage 合并到窗口并更新会话最后消息，返回会话是否在列表中。需持锁
func (s *Synchronizer) applyMessage(m proto.Message) bool {
	if w, ok := s.windows[m.ConversationID]; ok {
		w.Merge(m)
	}
	return s.list.Update(m.ConversationID, func(c *proto.Conversation) {
		if c.LastMessage == nil || c.LastMessage.ID <= m.ID {
			msg := m
			c.LastMessage = &msg
		}
		c.IsDeletedBy = proto.IDList{}
	})
}

func (s *Synchronizer) onDelete(ev *proto.DeleteMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[ev.ConversationID]; ok {
		w.Remove(ev.MessageID)
	}
	s.list.Update(ev.ConversationID, func(c *proto.Conversation) {
		c.LastMessage = ev.LastMessage
		c.PinnedMessages = removeMessage(c.PinnedMessages, ev.MessageID)
	})
}

func (s *Synchronizer) onPin(conversationID, messageID int64, pinned bool, list []proto.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[conversationID]; ok {
		w.Update(messageID, func(m *proto.Message) { m.IsPin = pinned })
	}
	s.list.Update(conversationID, func(c *proto.Conversation) {
		c.PinnedMessages = append([]proto.Message{}, list...)
		if c.LastMessage != nil && c.LastMessage.ID == messageID {
			last := *c.LastMessage
			last.IsPin = pinned
			c.LastMessage = &last
		}
	})
}

func (s *Synchronizer) onRead(ev *proto.ReadMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.UserID != s.opts.SelfID {
		s.outbox.readUpTo(ev.ConversationID, ev.MessageID)
	}
	receipt := proto.ReadReceipt{UserID: ev.UserID, ReadAt: ev.ReadAt}
	if w, ok := s.windows[ev.ConversationID]; ok {
		for _, m := range w.Messages() {
			if m.ID > ev.MessageID || m.SenderID == ev.UserID {
				continue
			}
			w.Update(m.ID, func(msg *proto.Message) { msg.ReadBy = withReceipt(msg.ReadBy, receipt) })
		}
	}
	s.list.Update(ev.ConversationID, func(c *proto.Conversation) {
		if c.LastMessage != nil && c.LastMessage.ID <= ev.MessageID && c.LastMessage.SenderID != ev.UserID {
			last := *c.LastMessage
			last.ReadBy = withReceipt(last.ReadBy, receipt)
			c.LastMessage = &last
		}
	})
}

func (s *Synchronizer) onLastMessage(ev *proto.GetLastMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list.Update(ev.ConversationID, func(c *proto.Conversation) {
		c.LastMessage = ev.Message
	})
}

func withReceipt(list []proto.ReadReceipt, r proto.ReadReceipt) []proto.ReadReceipt {
	out := make([]proto.ReadReceipt, 0, len(list)+1)
	for _, v := range list {
		if v.UserID != r.UserID {
			out = append(out, v)
		}
	}
	return append(out, r)
}

func removeMessage(list []proto.Message, id int64) []proto.Message {
	out := make([]proto.Message, 0, len(list))
	for _, m := range list {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
