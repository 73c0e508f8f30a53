package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.messenger/pkg/proto"
)

type fakeFetcher struct {
	mu            sync.Mutex
	convs         []proto.Conversation
	messages      map[int64][]proto.Message // 按 ID 升序
	messageCalls  int
	convFetches   int
	failConvFetch bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{messages: make(map[int64][]proto.Message)}
}

func (f *fakeFetcher) Conversations(_ context.Context, page, pageSize int) (*proto.Page[proto.Conversation], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := (page - 1) * pageSize
	if start > len(f.convs) {
		start = len(f.convs)
	}
	end := min(start+pageSize, len(f.convs))
	return &proto.Page[proto.Conversation]{
		Items:    append([]proto.Conversation(nil), f.convs[start:end]...),
		Page:     page,
		PageSize: pageSize,
		HasMore:  end < len(f.convs),
	}, nil
}

func (f *fakeFetcher) Conversation(_ context.Context, id int64) (*proto.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convFetches++
	if f.failConvFetch {
		return nil, errors.New("network down")
	}
	for _, c := range f.convs {
		if c.ID == id {
			conv := c
			return &conv, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeFetcher) Messages(_ context.Context, convID, before int64, limit int) (*proto.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageCalls++
	var older []proto.Message
	for _, m := range f.messages[convID] {
		if before <= 0 || m.ID < before {
			older = append(older, m)
		}
	}
	hasMore := len(older) > limit
	if hasMore {
		older = older[len(older)-limit:]
	}
	page := &proto.MessagePage{Items: older, HasMore: hasMore}
	if hasMore {
		page.NextBefore = older[0].ID
	}
	return page, nil
}

func (f *fakeFetcher) Pinned(context.Context, int64) ([]proto.Message, error) {
	return nil, nil
}

func seedMessages(f *fakeFetcher, convID int64, n int) {
	for i := 1; i <= n; i++ {
		f.messages[convID] = append(f.messages[convID], proto.Message{
			ID: int64(i), ConversationID: convID, SenderID: 2, CreatedAt: int64(i),
		})
	}
}

type fakeSender struct {
	result *proto.SendMessageResult
	err    error
	got    proto.SendMessage
	before func(req proto.SendMessage)
}

func (s *fakeSender) SendMessage(_ context.Context, req proto.SendMessage) (*proto.SendMessageResult, error) {
	s.got = req
	if s.before != nil {
		s.before(req)
	}
	if s.err != nil {
		return nil, s.err
	}
	res := *s.result
	res.ClientMsgID = req.ClientMsgID
	return &res, nil
}

func frame(t *testing.T, p proto.Payload) *proto.Frame {
	t.Helper()
	raw, err := proto.Encode(p)
	require.NoError(t, err)
	f, err := proto.Decode(raw)
	require.NoError(t, err)
	return f
}

func TestReceiveForKnownConversationMovesToTop(t *testing.T) {
	f := newFakeFetcher()
	f.convs = []proto.Conversation{
		{ID: 10, UpdatedAt: 200},
		{ID: 20, UpdatedAt: 100},
	}
	s := New(f, Options{SelfID: 1})
	ctx := context.Background()
	require.NoError(t, s.LoadConversations(ctx))

	m := proto.Message{ID: 500, ConversationID: 20, SenderID: 2, Text: "hi", CreatedAt: 300}
	require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.ReceiveMessage{Message: m})))

	list := s.Conversations()
	require.Len(t, list, 2)
	assert.Equal(t, int64(20), list[0].ID)
	assert.Equal(t, "hi", list[0].LastMessage.Text)
	assert.False(t, s.Stale())
	assert.Zero(t, f.convFetches)
}

func TestReceiveForUnknownConversationFetchesIt(t *testing.T) {
	f := newFakeFetcher()
	f.convs = []proto.Conversation{{ID: 10, UpdatedAt: 200}}
	s := New(f, Options{SelfID: 1, PageSize: 1})
	ctx := context.Background()
	require.NoError(t, s.LoadConversations(ctx))

	f.mu.Lock()
	f.convs = append(f.convs, proto.Conversation{ID: 30, UpdatedAt: 50})
	f.mu.Unlock()

	m := proto.Message{ID: 900, ConversationID: 30, SenderID: 2, Text: "new", CreatedAt: 400}
	require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.ReceiveMessage{Message: m})))

	list := s.Conversations()
	require.Len(t, list, 2)
	assert.Equal(t, int64(30), list[0].ID)
	assert.Equal(t, int64(900), list[0].LastMessage.ID)
	assert.True(t, s.Stale())
	assert.Equal(t, 1, f.convFetches)

	require.NoError(t, s.Refresh(ctx))
	assert.False(t, s.Stale())
}

func TestReceiveFetchFailureMarksStale(t *testing.T) {
	f := newFakeFetcher()
	f.failConvFetch = true
	s := New(f, Options{SelfID: 1})

	m := proto.Message{ID: 1, ConversationID: 99, SenderID: 2}
	err := s.HandleFrame(context.Background(), frame(t, &proto.ReceiveMessage{Message: m}))
	assert.Error(t, err)
	assert.True(t, s.Stale())
}

func TestWindowPagingAndRealtimeMerge(t *testing.T) {
	f := newFakeFetcher()
	seedMessages(f, 1, 10)
	s := New(f, Options{SelfID: 1, MessageLimit: 4})
	ctx := context.Background()

	require.NoError(t, s.Open(ctx, 1))
	assert.Equal(t, []int64{7, 8, 9, 10}, ids(s.Messages(1)))

	// 实时消息与 REST 结果重叠
	require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.ReceiveMessage{Message: proto.Message{ID: 10, ConversationID: 1, SenderID: 2}})))
	require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.ReceiveMessage{Message: proto.Message{ID: 11, ConversationID: 1, SenderID: 2}})))
	assert.Equal(t, []int64{7, 8, 9, 10, 11}, ids(s.Messages(1)))

	added, err := s.LoadOlder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, added)
	added, err = s.LoadOlder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	added, err = s.LoadOlder(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, 3, f.messageCalls, "no fetch once history is exhausted")
	assert.Len(t, s.Messages(1), 11)

	_, err = s.LoadOlder(ctx, 2)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestFindMessageIsBounded(t *testing.T) {
	f := newFakeFetcher()
	seedMessages(f, 1, 100)
	s := New(f, Options{SelfID: 1, MessageLimit: 5, MaxPages: 3})
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, 1))

	m, err := s.FindMessage(ctx, 1, 83)
	require.NoError(t, err)
	assert.Equal(t, int64(83), m.ID)

	_, err = s.FindMessage(ctx, 1, 2)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.LessOrEqual(t, f.messageCalls, 1+3+3)

	// 已删除的消息：窗口已翻过其 ID 时不再继续翻页
	f.messages[1] = append(f.messages[1][:49], f.messages[1][50:]...)
	s2 := New(f, Options{SelfID: 1, MessageLimit: 30, MaxPages: 10})
	require.NoError(t, s2.Open(ctx, 1))
	calls := f.messageCalls
	_, err = s2.FindMessage(ctx, 1, 50)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.Equal(t, calls+1, f.messageCalls)
}

func TestReopenBridgesGap(t *testing.T) {
	f := newFakeFetcher()
	seedMessages(f, 1, 10)
	s := New(f, Options{SelfID: 1, MessageLimit: 3})
	ctx := context.Background()

	require.NoError(t, s.Open(ctx, 1))
	assert.Equal(t, []int64{8, 9, 10}, ids(s.Messages(1)))

	// 窗口关闭期间会话新增 11-20
	for i := 11; i <= 20; i++ {
		f.messages[1] = append(f.messages[1], proto.Message{ID: int64(i), ConversationID: 1, SenderID: 2})
	}
	require.NoError(t, s.Open(ctx, 1))
	assert.Equal(t, []int64{8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, ids(s.Messages(1)))

	m, err := s.FindMessage(ctx, 1, 15)
	require.NoError(t, err)
	assert.Equal(t, int64(15), m.ID)

	m, err = s.FindMessage(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.ID)
}

func TestReopenResetsUnbridgedWindow(t *testing.T) {
	f := newFakeFetcher()
	seedMessages(f, 1, 10)
	s := New(f, Options{SelfID: 1, MessageLimit: 3, MaxPages: 2})
	ctx := context.Background()

	require.NoError(t, s.Open(ctx, 1))
	for i := 11; i <= 30; i++ {
		f.messages[1] = append(f.messages[1], proto.Message{ID: int64(i), ConversationID: 1, SenderID: 2})
	}
	require.NoError(t, s.Open(ctx, 1))
	assert.Equal(t, []int64{25, 26, 27, 28, 29, 30}, ids(s.Messages(1)))

	// 丢弃旧窗口后仍可向前翻到缺口中的消息
	m, err := s.FindMessage(ctx, 1, 22)
	require.NoError(t, err)
	assert.Equal(t, int64(22), m.ID)
}

func TestSendTracksOutgoingState(t *testing.T) {
	f := newFakeFetcher()
	f.convs = []proto.Conversation{{ID: 10, UpdatedAt: 1}}
	s := New(f, Options{SelfID: 1})
	ctx := context.Background()
	require.NoError(t, s.LoadConversations(ctx))
	require.NoError(t, s.Open(ctx, 10))

	persisted := proto.Message{ID: 77, ConversationID: 10, SenderID: 1, Text: "xin chào", CreatedAt: 5}
	sender := &fakeSender{result: &proto.SendMessageResult{Message: persisted}}
	sender.before = func(req proto.SendMessage) {
		item, ok := s.Outgoing(req.ClientMsgID)
		require.True(t, ok)
		assert.Equal(t, StateSent, item.State)
		assert.Len(t, s.Pending(10), 1)
		// 回显先于应答到达
		require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.ReceiveMessage{Message: persisted, ClientMsgID: req.ClientMsgID})))
	}

	tempID, res, err := s.Send(ctx, sender, proto.SendMessage{ConversationID: 10, Text: "xin chào"})
	require.NoError(t, err)
	assert.Equal(t, tempID, sender.got.ClientMsgID)
	assert.Equal(t, int64(77), res.Message.ID)

	item, _ := s.Outgoing(tempID)
	assert.Equal(t, StatePersisted, item.State)
	assert.Equal(t, []int64{77}, ids(s.Messages(10)), "echo and ack merge into one message")
	assert.Empty(t, s.Pending(10))

	require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.ReadMessage{ConversationID: 10, MessageID: 77, UserID: 2, ReadAt: 9})))
	item, _ = s.Outgoing(tempID)
	assert.Equal(t, StateRead, item.State)
	byMsg, ok := s.OutgoingByMessage(77)
	require.True(t, ok)
	assert.Equal(t, tempID, byMsg.TempID)

	m := s.Messages(10)[0]
	require.Len(t, m.ReadBy, 1)
	assert.Equal(t, int64(2), m.ReadBy[0].UserID)

	// 迟到的回显不会让状态倒退
	require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.ReceiveMessage{Message: persisted, ClientMsgID: tempID})))
	item, _ = s.Outgoing(tempID)
	assert.Equal(t, StateRead, item.State)
}

func TestOutboxPrunesSettledItems(t *testing.T) {
	o := NewOutbox(time.Minute)
	now := time.Now()
	o.now = func() time.Time { return now }

	read := o.compose(proto.SendMessage{ConversationID: 10, Text: "a"})
	o.sent(read.TempID)
	o.persisted(read.TempID, proto.Message{ID: 1, ConversationID: 10})
	o.readUpTo(10, 1)

	failed := o.compose(proto.SendMessage{ConversationID: 10, Text: "b"})
	o.sent(failed.TempID)
	o.failed(failed.TempID, errors.New("offline"))

	persisted := o.compose(proto.SendMessage{ConversationID: 10, Text: "c"})
	o.persisted(persisted.TempID, proto.Message{ID: 2, ConversationID: 10})
	assert.Equal(t, 3, o.Len())

	now = now.Add(2 * time.Minute)
	fresh := o.compose(proto.SendMessage{ConversationID: 10, Text: "d"})

	assert.Equal(t, 2, o.Len())
	_, ok := o.get(read.TempID)
	assert.False(t, ok)
	_, ok = o.byMessage(2)
	assert.False(t, ok)
	item, ok := o.get(failed.TempID)
	require.True(t, ok, "failed messages wait for a retry")
	assert.Equal(t, StateFailed, item.State)
	_, ok = o.get(fresh.TempID)
	assert.True(t, ok)
}

func TestSendFailure(t *testing.T) {
	s := New(newFakeFetcher(), Options{SelfID: 1})
	boom := errors.New("persist failed")
	tempID, _, err := s.Send(context.Background(), &fakeSender{err: boom}, proto.SendMessage{ConversationID: 10, Text: "x"})
	assert.ErrorIs(t, err, boom)

	item, ok := s.Outgoing(tempID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, item.State)
	assert.Len(t, s.Pending(10), 1)
}

func TestDeleteAndPinEvents(t *testing.T) {
	f := newFakeFetcher()
	seedMessages(f, 1, 3)
	last := f.messages[1][2]
	f.convs = []proto.Conversation{{ID: 1, LastMessage: &last}}
	s := New(f, Options{SelfID: 1})
	ctx := context.Background()
	require.NoError(t, s.LoadConversations(ctx))
	require.NoError(t, s.Open(ctx, 1))

	pinned := f.messages[1][2]
	pinned.IsPin = true
	require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.PinMessage{ConversationID: 1, MessageID: 3, PinnedMessages: []proto.Message{pinned}})))
	m, _ := s.FindMessage(ctx, 1, 3)
	assert.True(t, m.IsPin)
	conv, _ := s.Conversation(1)
	assert.Len(t, conv.PinnedMessages, 1)
	assert.True(t, conv.LastMessage.IsPin)

	require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.UnPinMessage{ConversationID: 1, MessageID: 3, PinnedMessages: []proto.Message{}})))
	conv, _ = s.Conversation(1)
	assert.Empty(t, conv.PinnedMessages)
	assert.False(t, conv.LastMessage.IsPin)

	prev := f.messages[1][1]
	require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.DeleteMessage{ConversationID: 1, MessageID: 3, LastMessage: &prev})))
	assert.Equal(t, []int64{1, 2}, ids(s.Messages(1)))
	conv, _ = s.Conversation(1)
	assert.Equal(t, int64(2), conv.LastMessage.ID)

	require.NoError(t, s.HandleFrame(ctx, frame(t, &proto.GetLastMessage{ConversationID: 1})))
	conv, _ = s.Conversation(1)
	assert.Nil(t, conv.LastMessage)
}
