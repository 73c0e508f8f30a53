package chatsync

import (
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"sudooom.im.messenger/pkg/proto"
)

// OutgoingState 本地发出消息的状态
type OutgoingState string

const (
	StateComposed  OutgoingState = "composed"
	StateSent      OutgoingState = "sent"
	StatePersisted OutgoingState = "persisted"
	StateRead      OutgoingState = "read"
	StateFailed    OutgoingState = "failed"
)

// Outgoing 一条本地发出的消息
type Outgoing struct {
	TempID         string
	ConversationID int64
	ReceiverID     int64
	Text           string
	Media          []proto.Media
	State          OutgoingState
	MessageID      int64
	Err            error
	ComposedAt     time.Time

	settledAt time.Time
}

var outboxSeq atomic.Uint64

func newTempID() string {
	return fmt.Sprintf("local-%d-%d", time.Now().UnixMilli(), outboxSeq.Add(1))
}

// DefaultOutboxRetention 已确认消息在本地保留的时长
const DefaultOutboxRetention = 10 * time.Minute

// Outbox 按临时 ID 跟踪本地消息，状态只前进不后退。
// 已持久化或已读的消息保留 retention 后清除，失败的消息一直保留等待重发
type Outbox struct {
	items     map[string]*Outgoing
	byMsg     map[int64]string
	retention time.Duration
	now       func() time.Time
}

func NewOutbox(retention time.Duration) *Outbox {
	if retention <= 0 {
		retention = DefaultOutboxRetention
	}
	return &Outbox{
		items:     make(map[string]*Outgoing),
		byMsg:     make(map[int64]string),
		retention: retention,
		now:       time.Now,
	}
}

// prune 清除超过保留期的已确认消息，返回清除条数
func (o *Outbox) prune() int {
	cutoff := o.now().Add(-o.retention)
	n := 0
	for id, item := range o.items {
		if item.settledAt.IsZero() || item.settledAt.After(cutoff) {
			continue
		}
		delete(o.items, id)
		if item.MessageID != 0 && o.byMsg[item.MessageID] == id {
			delete(o.byMsg, item.MessageID)
		}
		n++
	}
	return n
}

func (o *Outbox) Len() int {
	return len(o.items)
}

func (o *Outbox) compose(req proto.SendMessage) *Outgoing {
	o.prune()
	item := &Outgoing{
		TempID:         newTempID(),
		ConversationID: req.ConversationID,
		ReceiverID:     req.ReceiverID,
		Text:           req.Text,
		Media:          req.Media,
		State:          StateComposed,
		ComposedAt:     o.now(),
	}
	o.items[item.TempID] = item
	return item
}

func (o *Outbox) sent(tempID string) {
	if item, ok := o.items[tempID]; ok && item.State == StateComposed {
		item.State = StateSent
	}
}

func (o *Outbox) failed(tempID string, err error) {
	if item, ok := o.items[tempID]; ok && (item.State == StateComposed || item.State == StateSent) {
		item.State = StateFailed
		item.Err = err
	}
}

// persisted 应答与回显都会走到这里，重复调用无副作用
func (o *Outbox) persisted(tempID string, msg proto.Message) bool {
	item, ok := o.items[tempID]
	if !ok {
		return false
	}
	item.MessageID = msg.ID
	item.ConversationID = msg.ConversationID
	o.byMsg[msg.ID] = tempID
	if item.State != StateRead {
		item.State = StatePersisted
		item.Err = nil
	}
	if item.settledAt.IsZero() {
		item.settledAt = o.now()
	}
	return true
}

// readUpTo 对方读到 messageID，之前的已持久化消息标记为已读
func (o *Outbox) readUpTo(conversationID, messageID int64) int {
	n := 0
	for _, item := range o.items {
		if item.ConversationID == conversationID && item.State == StatePersisted && item.MessageID <= messageID {
			item.State = StateRead
			item.settledAt = o.now()
			n++
		}
	}
	return n
}

func (o *Outbox) get(tempID string) (Outgoing, bool) {
	item, ok := o.items[tempID]
	if !ok {
		return Outgoing{}, false
	}
	return *item, true
}

func (o *Outbox) byMessage(id int64) (Outgoing, bool) {
	tempID, ok := o.byMsg[id]
	if !ok {
		return Outgoing{}, false
	}
	return o.get(tempID)
}

// pending 尚未确认的消息，用于界面展示
func (o *Outbox) pending(conversationID int64) []Outgoing {
	var out []Outgoing
	for _, item := range o.items {
		if item.ConversationID == conversationID && (item.State == StateComposed || item.State == StateSent || item.State == StateFailed) {
			out = append(out, *item)
		}
	}
	slices.SortFunc(out, func(a, b Outgoing) int { return a.ComposedAt.Compare(b.ComposedAt) })
	return out
}
