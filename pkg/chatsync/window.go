package chatsync

import (
	"slices"

	"sudooom.im.messenger/pkg/proto"
)

// Window 单个会话已加载的消息，按 ID 升序，按 ID 去重。
// 只向两端扩展，中间不留缺口
type Window struct {
	ConversationID int64

	messages []proto.Message
	// hasOlder 服务端还有更早的消息
	hasOlder bool
	loaded   bool
}

func NewWindow(conversationID int64) *Window {
	return &Window{ConversationID: conversationID, hasOlder: true}
}

// Merge 合并一批消息，已有同 ID 的以新数据为准。返回新增条数
func (w *Window) Merge(msgs ...proto.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	index := make(map[int64]int, len(w.messages))
	for i, m := range w.messages {
		index[m.ID] = i
	}
	added := 0
	for _, m := range msgs {
		if i, ok := index[m.ID]; ok {
			w.messages[i] = m
			continue
		}
		index[m.ID] = len(w.messages)
		w.messages = append(w.messages, m)
		added++
	}
	slices.SortFunc(w.messages, func(a, b proto.Message) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return added
}

func (w *Window) reset() {
	w.messages = nil
	w.hasOlder = true
}

// Remove 删除消息，返回是否存在
func (w *Window) Remove(id int64) bool {
	i := w.find(id)
	if i < 0 {
		return false
	}
	w.messages = slices.Delete(w.messages, i, i+1)
	return true
}

// Update 就地修改一条消息
func (w *Window) Update(id int64, fn func(m *proto.Message)) bool {
	i := w.find(id)
	if i < 0 {
		return false
	}
	fn(&w.messages[i])
	return true
}

func (w *Window) Get(id int64) (proto.Message, bool) {
	i := w.find(id)
	if i < 0 {
		return proto.Message{}, false
	}
	return w.messages[i], true
}

// Oldest 最早一条的 ID，作为向前翻页的游标
func (w *Window) Oldest() int64 {
	if len(w.messages) == 0 {
		return 0
	}
	return w.messages[0].ID
}

func (w *Window) Newest() (proto.Message, bool) {
	if len(w.messages) == 0 {
		return proto.Message{}, false
	}
	return w.messages[len(w.messages)-1], true
}

func (w *Window) HasOlder() bool {
	return w.hasOlder
}

func (w *Window) Len() int {
	return len(w.messages)
}

// Messages 副本
func (w *Window) Messages() []proto.Message {
	return slices.Clone(w.messages)
}

func (w *Window) find(id int64) int {
	i, ok := slices.BinarySearchFunc(w.messages, id, func(m proto.Message, id int64) int {
		switch {
		case m.ID < id:
			return -1
		case m.ID > id:
			return 1
		}
		return 0
	})
	if !ok {
		return -1
	}
	return i
}
