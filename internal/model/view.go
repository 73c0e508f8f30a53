package model

import "sudooom.im.messenger/pkg/proto"

// ToView 组装会话视图，last 与 pinned 由调用方查出
func (c *Conversation) ToView(last *Message, pinned []*Message) proto.Conversation {
	view := proto.Conversation{
		ID:             c.ID,
		Type:           c.Type,
		Participants:   proto.IDList(c.ParticipantIDs()),
		Title:          c.Title,
		Avatar:         c.Avatar,
		Status:         c.Status,
		PinnedMessages: make([]proto.Message, 0, len(pinned)),
		IsDeletedBy:    proto.IDList{},
		CreatedAt:      c.CreatedAt.UnixMilli(),
		UpdatedAt:      c.UpdatedAt.UnixMilli(),
	}
	if last != nil {
		m := last.ToView(c.Participants)
		view.LastMessage = &m
	}
	for _, m := range pinned {
		view.PinnedMessages = append(view.PinnedMessages, m.ToView(c.Participants))
	}
	for _, p := range c.Participants {
		if p.DeletedAt != nil {
			view.IsDeletedBy = append(view.IsDeletedBy, p.UserID)
		}
	}
	return view
}
