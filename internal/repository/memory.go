package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/pkg/proto"
)

// MemoryStore 进程内存储，用于本地运行（database.driver=memory）和测试
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[int64]*model.Conversation
	privateIndex  map[string]int64
	lastMessageAt map[int64]time.Time
	messages      map[int64]*model.Message
	convMessages  map[int64][]int64 // 会话内未删除消息，ID 升序
	contacts      map[int64]map[int64]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]*model.Conversation),
		privateIndex:  make(map[string]int64),
		lastMessageAt: make(map[int64]time.Time),
		messages:      make(map[int64]*model.Message),
		convMessages:  make(map[int64][]int64),
		contacts:      make(map[int64]map[int64]struct{}),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close()                     {}

func cloneConversation(c *model.Conversation) *model.Conversation {
	out := *c
	out.Participants = make([]model.Participant, len(c.Participants))
	copy(out.Participants, c.Participants)
	out.PinnedIDs = append([]int64(nil), c.PinnedIDs...)
	if c.LastMessageID != nil {
		id := *c.LastMessageID
		out.LastMessageID = &id
	}
	return &out
}

func cloneMessage(m *model.Message) *model.Message {
	out := *m
	out.Media = append([]proto.Media(nil), m.Media...)
	return &out
}

func (s *MemoryStore) GetConversation(_ context.Context, id int64) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(c), nil
}

func (s *MemoryStore) sortKey(c *model.Conversation) time.Time {
	if t, ok := s.lastMessageAt[c.ID]; ok {
		return t
	}
	return c.UpdatedAt
}

func (s *MemoryStore) ListByUser(_ context.Context, userID int64, offset, limit int) ([]*model.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*model.Conversation
	for _, c := range s.conversations {
		p := c.Participant(userID)
		if p == nil || p.DeletedAt != nil {
			continue
		}
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		ki, kj := s.sortKey(list[i]), s.sortKey(list[j])
		if ki.Equal(kj) {
			return list[i].ID > list[j].ID
		}
		return ki.After(kj)
	})

	if offset >= len(list) {
		return []*model.Conversation{}, false, nil
	}
	end := offset + limit
	hasMore := end < len(list)
	if !hasMore {
		end = len(list)
	}
	out := make([]*model.Conversation, 0, end-offset)
	for _, c := range list[offset:end] {
		out = append(out, cloneConversation(c))
	}
	return out, hasMore, nil
}

func (s *MemoryStore) FindOrCreatePrivate(_ context.Context, newID, userA, userB int64, now time.Time) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.PrivateKey(userA, userB)
	if id, ok := s.privateIndex[key]; ok {
		return cloneConversation(s.conversations[id]), false, nil
	}

	c := &model.Conversation{
		ID:         newID,
		Type:       proto.ConversationPrivate,
		Status:     proto.StatusActive,
		PrivateKey: &key,
		CreatedAt:  now,
		UpdatedAt:  now,
		Participants: []model.Participant{
			{ConversationID: newID, UserID: userA, JoinedAt: now},
			{ConversationID: newID, UserID: userB, JoinedAt: now},
		},
	}
	s.conversations[newID] = c
	s.privateIndex[key] = newID
	return cloneConversation(c), true, nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, conversationID, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	p := c.Participant(userID)
	if p == nil {
		return ErrConversationNotFound
	}
	t := at
	p.DeletedAt = &t
	return nil
}

func (s *MemoryStore) AdvanceReadPointer(_ context.Context, conversationID, userID, messageID int64, at time.Time) (bool, *model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return false, nil, ErrConversationNotFound
	}
	p := c.Participant(userID)
	if p == nil {
		return false, nil, ErrConversationNotFound
	}
	if messageID <= p.LastReadMessageID {
		cp := *p
		return false, &cp, nil
	}
	t := at
	p.LastReadMessageID = messageID
	p.LastReadAt = &t
	cp := *p
	return true, &cp, nil
}

func (s *MemoryStore) AddPin(_ context.Context, conversationID, messageID, _ int64, _ time.Time, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return false, ErrConversationNotFound
	}
	m, ok := s.messages[messageID]
	if !ok || m.Deleted || m.ConversationID != conversationID {
		return false, ErrMessageNotFound
	}
	if c.IsPinned(messageID) {
		return false, nil
	}
	if limit > 0 && len(c.PinnedIDs) >= limit {
		return false, ErrPinLimitReached
	}
	c.PinnedIDs = append(c.PinnedIDs, messageID)
	m.IsPin = true
	return true, nil
}

func (s *MemoryStore) RemovePin(_ context.Context, conversationID, messageID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return false, ErrConversationNotFound
	}
	removed := s.unpinLocked(c, messageID)
	return removed, nil
}

func (s *MemoryStore) unpinLocked(c *model.Conversation, messageID int64) bool {
	for i, id := range c.PinnedIDs {
		if id == messageID {
			c.PinnedIDs = append(c.PinnedIDs[:i], c.PinnedIDs[i+1:]...)
			if m, ok := s.messages[messageID]; ok {
				m.IsPin = false
			}
			return true
		}
	}
	return false
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}

	s.messages[msg.ID] = cloneMessage(msg)
	ids := s.convMessages[msg.ConversationID]
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= msg.ID })
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = msg.ID
	s.convMessages[msg.ConversationID] = ids

	last := ids[len(ids)-1]
	c.LastMessageID = &last
	s.lastMessageAt[c.ID] = s.messages[last].CreatedAt
	c.UpdatedAt = msg.CreatedAt
	for i := range c.Participants {
		c.Participants[i].DeletedAt = nil
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted {
		return nil, ErrMessageNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) GetMessages(_ context.Context, ids []int64) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok && !m.Deleted {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID, before int64, limit int) ([]*model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.convMessages[conversationID]
	end := len(ids)
	if before > 0 {
		end = sort.Search(len(ids), func(i int) bool { return ids[i] >= before })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]*model.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, cloneMessage(s.messages[id]))
	}
	return out, start > 0, nil
}

func (s *MemoryStore) SearchMessages(_ context.Context, conversationID int64, query string, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.convMessages[conversationID]
	q := strings.ToLower(query)
	out := make([]*model.Message, 0)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[ids[i]]
		if strings.Contains(strings.ToLower(m.Text), q) {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, conversationID, messageID int64, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	m, ok := s.messages[messageID]
	if !ok || m.Deleted || m.ConversationID != conversationID {
		return nil, ErrMessageNotFound
	}

	s.unpinLocked(c, messageID)
	m.Deleted = true
	ids := s.convMessages[conversationID]
	for i, id := range ids {
		if id == messageID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	s.convMessages[conversationID] = ids
	c.UpdatedAt = at

	if len(ids) == 0 {
		c.LastMessageID = nil
		delete(s.lastMessageAt, conversationID)
		return nil, nil
	}
	last := ids[len(ids)-1]
	c.LastMessageID = &last
	s.lastMessageAt[conversationID] = s.messages[last].CreatedAt
	return cloneMessage(s.messages[last]), nil
}

func (s *MemoryStore) LatestMessage(_ context.Context, conversationID int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.convMessages[conversationID]
	if len(ids) == 0 {
		return nil, nil
	}
	return cloneMessage(s.messages[ids[len(ids)-1]]), nil
}

func (s *MemoryStore) Contacts(_ context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.contacts[userID]))
	for id := range s.contacts[userID] {
		out = append(out, id)
	}
	return out, nil
}

// AddContact 建立双向好友关系
func (s *MemoryStore) AddContact(a, b int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pair := range [][2]int64{{a, b}, {b, a}} {
		set, ok := s.contacts[pair[0]]
		if !ok {
			set = make(map[int64]struct{})
			s.contacts[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

// RemoveContact 解除双向好友关系
func (s *MemoryStore) RemoveContact(a, b int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts[a], b)
	delete(s.contacts[b], a)
}
