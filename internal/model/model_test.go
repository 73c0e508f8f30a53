package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrivateKey_Unordered(t *testing.T) {
	assert.Equal(t, PrivateKey(3, 9), PrivateKey(9, 3))
	assert.Equal(t, "3:9", PrivateKey(9, 3))
}

func TestMessageToView_ReadByFromPointers(t *testing.T) {
	readAt := time.UnixMilli(1_700_000_000_000)
	participants := []Participant{
		{UserID: 1, LastReadMessageID: 100, LastReadAt: &readAt},
		{UserID: 2, LastReadMessageID: 50, LastReadAt: &readAt},
		{UserID: 3},
	}

	msg := &Message{ID: 60, SenderID: 1, Text: "hi", CreatedAt: readAt}
	view := msg.ToView(participants)

	// 发送者不计入已读；用户 2 的指针在消息之前
	assert.Empty(t, view.ReadBy)

	msg = &Message{ID: 40, SenderID: 3, Text: "older", CreatedAt: readAt}
	view = msg.ToView(participants)
	assert.Len(t, view.ReadBy, 2)
	assert.NotNil(t, view.Media)
}

func TestConversationToView(t *testing.T) {
	now := time.Now()
	conv := &Conversation{
		ID:   10,
		Type: "private",
		Participants: []Participant{
			{UserID: 1},
			{UserID: 2, DeletedAt: &now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	last := &Message{ID: 5, ConversationID: 10, SenderID: 1, Text: "x", CreatedAt: now}

	view := conv.ToView(last, []*Message{last})
	assert.Equal(t, int64(10), view.ID)
	assert.ElementsMatch(t, []int64{1, 2}, []int64(view.Participants))
	assert.Equal(t, []int64{2}, []int64(view.IsDeletedBy))
	if assert.NotNil(t, view.LastMessage) {
		assert.Equal(t, int64(5), view.LastMessage.ID)
	}
	assert.Len(t, view.PinnedMessages, 1)
	assert.Equal(t, []int64{2}, conv.Others(1))
	assert.False(t, conv.IsPinned(5))
}
