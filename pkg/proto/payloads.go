package proto

import "encoding/json"

// Payload 事件载荷。集合封闭：只有本包内的类型实现
type Payload interface {
	Event() Event
	isPayload()
}

type Heartbeat struct {
	ClientTime int64 `json:"clientTime,omitempty"`
	ServerTime int64 `json:"serverTime,omitempty"`
}

type SendRequestAddFriend struct {
	ToUserID   int64  `json:"toUserId,string"`
	FromUserID int64  `json:"fromUserId,string,omitempty"`
	Message    string `json:"message,omitempty"`
}

type AcceptFriend struct {
	ToUserID   int64 `json:"toUserId,string"`
	FromUserID int64 `json:"fromUserId,string,omitempty"`
}

type FriendOnline struct {
	UserID       int64 `json:"userId,string"`
	Online       bool  `json:"online"`
	LastAccessed int64 `json:"lastAccessed"`
}

type UnFriend struct {
	ToUserID   int64 `json:"toUserId,string"`
	FromUserID int64 `json:"fromUserId,string,omitempty"`
}

type SendNotification struct {
	ToUserID int64  `json:"toUserId,string"`
	Kind     string `json:"kind"`
	Content  string `json:"content"`
	RefID    string `json:"refId,omitempty"`
}

type ReceiveNotification struct {
	FromUserID int64  `json:"fromUserId,string"`
	Kind       string `json:"kind"`
	Content    string `json:"content"`
	RefID      string `json:"refId,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

// JoinRoom 房间 ID 即会话 ID
type JoinRoom struct {
	RoomID int64 `json:"roomId,string"`
}

type LeaveRoom struct {
	RoomID int64 `json:"roomId,string"`
}

type GetLastMessage struct {
	ConversationID int64    `json:"conversationId,string"`
	Message        *Message `json:"message"`
}

// ReadMessage 上行只需 conversationId/messageId，下行补齐 userId/readAt
type ReadMessage struct {
	ConversationID int64 `json:"conversationId,string"`
	MessageID      int64 `json:"messageId,string"`
	UserID         int64 `json:"userId,string,omitempty"`
	ReadAt         int64 `json:"readAt,omitempty"`
}

// SendMessage 指定 conversationId，或指定 receiverId 由服务端定位私聊会话
type SendMessage struct {
	ConversationID int64   `json:"conversationId,string,omitempty"`
	ReceiverID     int64   `json:"receiverId,string,omitempty"`
	Text           string  `json:"text,omitempty"`
	Media          []Media `json:"media,omitempty"`
	ClientMsgID    string  `json:"clientMsgId,omitempty"`
}

type ReceiveMessage struct {
	Message     Message `json:"message"`
	ClientMsgID string  `json:"clientMsgId,omitempty"`
}

type DeleteMessage struct {
	ConversationID int64    `json:"conversationId,string"`
	MessageID      int64    `json:"messageId,string"`
	LastMessage    *Message `json:"lastMessage"`
}

type PinMessage struct {
	ConversationID int64     `json:"conversationId,string"`
	MessageID      int64     `json:"messageId,string"`
	Message        *Message  `json:"message,omitempty"`
	PinnedMessages []Message `json:"pinnedMessages"`
	UserID         int64     `json:"userId,string,omitempty"`
}

type UnPinMessage struct {
	ConversationID int64     `json:"conversationId,string"`
	MessageID      int64     `json:"messageId,string"`
	Message        *Message  `json:"message,omitempty"`
	PinnedMessages []Message `json:"pinnedMessages"`
	UserID         int64     `json:"userId,string,omitempty"`
}

type LikePost struct {
	PostID  string `json:"postId"`
	OwnerID int64  `json:"ownerId,string"`
	UserID  int64  `json:"userId,string,omitempty"`
}

// CallType 通话类型
type CallType string

const (
	CallVideo CallType = "video"
	CallAudio CallType = "audio"
)

type VideoCallInitiate struct {
	ConversationID int64    `json:"conversationId,string"`
	CallType       CallType `json:"callType,omitempty"`
}

type VideoCallInitiated struct {
	CallID         string   `json:"callId"`
	ConversationID int64    `json:"conversationId,string"`
	CallerID       int64    `json:"callerId,string"`
	CallType       CallType `json:"callType"`
	Group          bool     `json:"group,omitempty"`
	Participants   IDList   `json:"participants"`
}

type VideoCallAccept struct {
	CallID string `json:"callId"`
	UserID int64  `json:"userId,string,omitempty"`
}

type VideoCallReject struct {
	CallID string `json:"callId"`
	UserID int64  `json:"userId,string,omitempty"`
}

type VideoCallEnd struct {
	CallID string `json:"callId"`
	UserID int64  `json:"userId,string,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SignalRelay SDP/ICE 透传载荷，服务端不解析 Payload
type SignalRelay struct {
	CallID  string          `json:"callId"`
	From    int64           `json:"from,string,omitempty"`
	To      int64           `json:"to,string,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type VideoCallOffer SignalRelay
type VideoCallAnswer SignalRelay
type VideoCallIceCandidate SignalRelay

type VideoCallParticipantJoined struct {
	CallID string `json:"callId"`
	UserID int64  `json:"userId,string"`
}

type VideoCallParticipantLeft struct {
	CallID string `json:"callId"`
	UserID int64  `json:"userId,string,omitempty"`
}

type VideoCallError struct {
	CallID         string `json:"callId,omitempty"`
	ConversationID int64  `json:"conversationId,string,omitempty"`
	Code           int    `json:"code"`
	Reason         string `json:"reason"`
}

func (Heartbeat) Event() Event                  { return EventHeartbeat }
func (SendRequestAddFriend) Event() Event       { return EventSendRequestAddFriend }
func (AcceptFriend) Event() Event               { return EventAcceptFriend }
func (FriendOnline) Event() Event               { return EventFriendOnline }
func (UnFriend) Event() Event                   { return EventUnFriend }
func (SendNotification) Event() Event           { return EventSendNotification }
func (ReceiveNotification) Event() Event        { return EventReceiveNotification }
func (JoinRoom) Event() Event                   { return EventJoinRoom }
func (LeaveRoom) Event() Event                  { return EventLeaveRoom }
func (GetLastMessage) Event() Event             { return EventGetLastMessage }
func (ReadMessage) Event() Event                { return EventReadMessage }
func (SendMessage) Event() Event                { return EventSendMessage }
func (ReceiveMessage) Event() Event             { return EventReceiveMessage }
func (DeleteMessage) Event() Event              { return EventDeleteMessage }
func (PinMessage) Event() Event                 { return EventPinMessage }
func (UnPinMessage) Event() Event               { return EventUnPinMessage }
func (LikePost) Event() Event                   { return EventLikePost }
func (VideoCallInitiate) Event() Event          { return EventVideoCallInitiate }
func (VideoCallInitiated) Event() Event         { return EventVideoCallInitiated }
func (VideoCallAccept) Event() Event            { return EventVideoCallAccept }
func (VideoCallReject) Event() Event            { return EventVideoCallReject }
func (VideoCallEnd) Event() Event               { return EventVideoCallEnd }
func (VideoCallOffer) Event() Event             { return EventVideoCallOffer }
func (VideoCallAnswer) Event() Event            { return EventVideoCallAnswer }
func (VideoCallIceCandidate) Event() Event      { return EventVideoCallIceCandidate }
func (VideoCallParticipantJoined) Event() Event { return EventVideoCallParticipantJoined }
func (VideoCallParticipantLeft) Event() Event   { return EventVideoCallParticipantLeft }
func (VideoCallError) Event() Event             { return EventVideoCallError }

func (Heartbeat) isPayload()                  {}
func (SendRequestAddFriend) isPayload()       {}
func (AcceptFriend) isPayload()               {}
func (FriendOnline) isPayload()               {}
func (UnFriend) isPayload()                   {}
func (SendNotification) isPayload()           {}
func (ReceiveNotification) isPayload()        {}
func (JoinRoom) isPayload()                   {}
func (LeaveRoom) isPayload()                  {}
func (GetLastMessage) isPayload()             {}
func (ReadMessage) isPayload()                {}
func (SendMessage) isPayload()                {}
func (ReceiveMessage) isPayload()             {}
func (DeleteMessage) isPayload()              {}
func (PinMessage) isPayload()                 {}
func (UnPinMessage) isPayload()               {}
func (LikePost) isPayload()                   {}
func (VideoCallInitiate) isPayload()          {}
func (VideoCallInitiated) isPayload()         {}
func (VideoCallAccept) isPayload()            {}
func (VideoCallReject) isPayload()            {}
func (VideoCallEnd) isPayload()               {}
func (VideoCallOffer) isPayload()             {}
func (VideoCallAnswer) isPayload()            {}
func (VideoCallIceCandidate) isPayload()      {}
func (VideoCallParticipantJoined) isPayload() {}
func (VideoCallParticipantLeft) isPayload()   {}
func (VideoCallError) isPayload()             {}
