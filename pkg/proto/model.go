package proto

import (
	"encoding/json"
	"strconv"
)

// IDList 用户/消息 ID 列表，JSON 中以字符串数组表示，避免 JS 精度丢失
type IDList []int64

func (l IDList) MarshalJSON() ([]byte, error) {
	out := make([]string, len(l))
	for i, id := range l {
		out[i] = strconv.FormatInt(id, 10)
	}
	return json.Marshal(out)
}

func (l *IDList) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		var strs []string
		if err2 := json.Unmarshal(data, &strs); err2 != nil {
			return err
		}
		raw = make([]json.Number, len(strs))
		for i, s := range strs {
			raw[i] = json.Number(s)
		}
	}
	ids := make(IDList, 0, len(raw))
	for _, n := range raw {
		v, err := strconv.ParseInt(string(n), 10, 64)
		if err != nil {
			return err
		}
		ids = append(ids, v)
	}
	*l = ids
	return nil
}

// Contains 是否包含 id
func (l IDList) Contains(id int64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// ConversationType 会话类型
type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// ConversationStatus 会话状态
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
)

// Media 媒体引用，文件本身由外部上传服务托管
type Media struct {
	URL       string `json:"url"`
	Type      string `json:"type"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// ReadReceipt 已读回执，每个用户最多一条
type ReadReceipt struct {
	UserID int64 `json:"userId,string"`
	ReadAt int64 `json:"readAt"`
}

// Message 消息视图，时间戳为毫秒
type Message struct {
	ID             int64         `json:"id,string"`
	ConversationID int64         `json:"conversationId,string"`
	SenderID       int64         `json:"senderId,string"`
	Text           string        `json:"text,omitempty"`
	Media          []Media       `json:"media,omitempty"`
	IsPin          bool          `json:"isPin"`
	ReadBy         []ReadReceipt `json:"readBy"`
	CreatedAt      int64         `json:"createdAt"`
}

// Conversation 会话视图
type Conversation struct {
	ID             int64              `json:"id,string"`
	Type           ConversationType   `json:"type"`
	Participants   IDList             `json:"participants"`
	Title          string             `json:"title,omitempty"`
	Avatar         string             `json:"avatar,omitempty"`
	LastMessage    *Message           `json:"lastMessage"`
	PinnedMessages []Message          `json:"pinnedMessages"`
	IsDeletedBy    IDList             `json:"isDeletedBy"`
	Status         ConversationStatus `json:"status"`
	CreatedAt      int64              `json:"createdAt"`
	UpdatedAt      int64              `json:"updatedAt"`
}

// SortKey 会话列表排序键：最后一条消息时间，无消息时取更新时间
func (c *Conversation) SortKey() int64 {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// SendMessageResult send-message 的应答，也是 REST 发送接口的返回体
type SendMessageResult struct {
	Message      Message       `json:"message"`
	Conversation *Conversation `json:"conversation,omitempty"`
	IsNew        bool          `json:"isNew"`
	ClientMsgID  string        `json:"clientMsgId,omitempty"`
}

// ConversationResult 私聊会话创建结果
type ConversationResult struct {
	Conversation Conversation `json:"conversation"`
	IsNew        bool         `json:"isNew"`
}

// Page 分页结果
type Page[T any] struct {
	Items    []T  `json:"items"`
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasMore  bool `json:"hasMore"`
}

// MessagePage 按游标向旧方向翻页的结果
type MessagePage struct {
	Items      []Message `json:"items"`
	HasMore    bool      `json:"hasMore"`
	NextBefore int64     `json:"nextBefore,string,omitempty"`
}

// UnreadSummary 未读计数，键为会话 ID 字符串
type UnreadSummary struct {
	Total         int64            `json:"total"`
	Conversations map[string]int64 `json:"conversations"`
}
