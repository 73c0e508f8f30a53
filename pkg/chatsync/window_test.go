package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sudooom.im.messenger/pkg/proto"
)

func msg(id int64, text string) proto.Message {
	return proto.Message{ID: id, ConversationID: 1, SenderID: 7, Text: text, CreatedAt: id}
}

func ids(msgs []proto.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestWindow_MergeDedupesAndOrders(t *testing.T) {
	w := NewWindow(1)

	assert.Equal(t, 2, w.Merge(msg(5, "e"), msg(3, "c")))
	assert.Equal(t, 2, w.Merge(msg(1, "a"), msg(3, "c"), msg(4, "d")), "duplicate id is not counted")
	assert.Equal(t, 0, w.Merge(msg(5, "edited")))

	assert.Equal(t, []int64{1, 3, 4, 5}, ids(w.Messages()))
	m, ok := w.Get(5)
	assert.True(t, ok)
	assert.Equal(t, "edited", m.Text, "later copy wins")
	assert.Equal(t, int64(1), w.Oldest())
	newest, _ := w.Newest()
	assert.Equal(t, int64(5), newest.ID)
}

func TestWindow_RemoveAndUpdate(t *testing.T) {
	w := NewWindow(1)
	w.Merge(msg(1, "a"), msg(2, "b"), msg(3, "c"))

	assert.True(t, w.Remove(2))
	assert.False(t, w.Remove(2))
	assert.Equal(t, []int64{1, 3}, ids(w.Messages()))

	assert.True(t, w.Update(3, func(m *proto.Message) { m.IsPin = true }))
	assert.False(t, w.Update(9, func(m *proto.Message) {}))
	m, _ := w.Get(3)
	assert.True(t, m.IsPin)
}

func TestConversationList_Order(t *testing.T) {
	l := NewConversationList(20)
	a := proto.Conversation{ID: 1, UpdatedAt: 10}
	b := proto.Conversation{ID: 2, UpdatedAt: 20}
	c := proto.Conversation{ID: 3, UpdatedAt: 5, LastMessage: &proto.Message{ID: 9, CreatedAt: 30}}
	l.Upsert(a, b, c)

	got := l.Items()
	assert.Equal(t, []int64{3, 2, 1}, []int64{got[0].ID, got[1].ID, got[2].ID})

	l.Update(1, func(conv *proto.Conversation) {
		conv.LastMessage = &proto.Message{ID: 10, CreatedAt: 40}
	})
	assert.Equal(t, int64(1), l.Items()[0].ID)

	assert.True(t, l.Remove(2))
	assert.Equal(t, 2, l.Len())
}
