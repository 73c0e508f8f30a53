package chatsync

import (
	"slices"

	"sudooom.im.messenger/pkg/proto"
)

// ConversationList 会话列表缓存，按最后消息时间倒序
type ConversationList struct {
	items    []proto.Conversation
	page     int
	hasMore  bool
	stale    bool
	pageSize int
}

func NewConversationList(pageSize int) *ConversationList {
	return &ConversationList{pageSize: pageSize, hasMore: true}
}

// Upsert 插入或替换会话并重新排序
func (l *ConversationList) Upsert(convs ...proto.Conversation) {
	for _, conv := range convs {
		if i := l.find(conv.ID); i >= 0 {
			l.items[i] = conv
		} else {
			l.items = append(l.items, conv)
		}
	}
	l.sort()
}

// Update 就地修改会话，修改后重新排序
func (l *ConversationList) Update(id int64, fn func(c *proto.Conversation)) bool {
	i := l.find(id)
	if i < 0 {
		return false
	}
	fn(&l.items[i])
	l.sort()
	return true
}

func (l *ConversationList) Remove(id int64) bool {
	i := l.find(id)
	if i < 0 {
		return false
	}
	l.items = slices.Delete(l.items, i, i+1)
	return true
}

func (l *ConversationList) Get(id int64) (proto.Conversation, bool) {
	i := l.find(id)
	if i < 0 {
		return proto.Conversation{}, false
	}
	return l.items[i], true
}

// Items 副本
func (l *ConversationList) Items() []proto.Conversation {
	return slices.Clone(l.items)
}

func (l *ConversationList) Len() int {
	return len(l.items)
}

// MarkStale 本地顺序可能与服务端不一致，下次 Refresh 时重新拉取
func (l *ConversationList) MarkStale() {
	l.stale = true
}

func (l *ConversationList) Stale() bool {
	return l.stale
}

func (l *ConversationList) HasMore() bool {
	return l.hasMore
}

// reset 用第一页替换整个列表
func (l *ConversationList) reset(page *proto.Page[proto.Conversation]) {
	l.items = l.items[:0]
	l.page = 0
	l.stale = false
	l.appendPage(page)
}

func (l *ConversationList) appendPage(page *proto.Page[proto.Conversation]) {
	l.page = page.Page
	l.hasMore = page.HasMore
	l.Upsert(page.Items...)
}

func (l *ConversationList) find(id int64) int {
	return slices.IndexFunc(l.items, func(c proto.Conversation) bool { return c.ID == id })
}

func (l *ConversationList) sort() {
	slices.SortStableFunc(l.items, func(a, b proto.Conversation) int {
		ka, kb := a.SortKey(), b.SortKey()
		switch {
		case ka > kb:
			return -1
		case ka < kb:
			return 1
		}
		return 0
	})
}
