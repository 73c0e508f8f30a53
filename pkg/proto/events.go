package proto

// Event 实时事件名，取值固定，与客户端逐字兼容
type Event string

const (
	EventHeartbeat            Event = "heartbeat"
	EventSendRequestAddFriend Event = "send-request-add-friend"
	EventAcceptFriend         Event = "accept-friend"
	EventFriendOnline         Event = "friend-online"
	EventUnFriend             Event = "un-friend"
	EventSendNotification     Event = "send-notification"
	EventReceiveNotification  Event = "receive-notification"
	EventJoinRoom             Event = "join-room"
	EventLeaveRoom            Event = "leave-room"
	EventGetLastMessage       Event = "get-last-message"
	EventReadMessage          Event = "read-message"
	EventSendMessage          Event = "send-message"
	EventReceiveMessage       Event = "receive-message"
	EventDeleteMessage        Event = "delete-message"
	EventPinMessage           Event = "pin-message"
	EventUnPinMessage         Event = "un-pin-message"
	EventLikePost             Event = "like-post"

	EventVideoCallInitiate          Event = "video-call-initiate"
	EventVideoCallInitiated         Event = "video-call-initiated"
	EventVideoCallAccept            Event = "video-call-accept"
	EventVideoCallReject            Event = "video-call-reject"
	EventVideoCallEnd               Event = "video-call-end"
	EventVideoCallOffer             Event = "video-call-offer"
	EventVideoCallAnswer            Event = "video-call-answer"
	EventVideoCallIceCandidate      Event = "video-call-ice-candidate"
	EventVideoCallParticipantJoined Event = "video-call-participant-joined"
	EventVideoCallParticipantLeft   Event = "video-call-participant-left"
	EventVideoCallError             Event = "video-call-error"
)

// AllEvents 完整事件表
var AllEvents = []Event{
	EventHeartbeat,
	EventSendRequestAddFriend,
	EventAcceptFriend,
	EventFriendOnline,
	EventUnFriend,
	EventSendNotification,
	EventReceiveNotification,
	EventJoinRoom,
	EventLeaveRoom,
	EventGetLastMessage,
	EventReadMessage,
	EventSendMessage,
	EventReceiveMessage,
	EventDeleteMessage,
	EventPinMessage,
	EventUnPinMessage,
	EventLikePost,
	EventVideoCallInitiate,
	EventVideoCallInitiated,
	EventVideoCallAccept,
	EventVideoCallReject,
	EventVideoCallEnd,
	EventVideoCallOffer,
	EventVideoCallAnswer,
	EventVideoCallIceCandidate,
	EventVideoCallParticipantJoined,
	EventVideoCallParticipantLeft,
	EventVideoCallError,
}

// Valid 是否为已知事件
func (e Event) Valid() bool {
	return NewPayload(e) != nil
}

// IsCall 是否为通话信令事件
func (e Event) IsCall() bool {
	switch e {
	case EventVideoCallInitiate, EventVideoCallInitiated, EventVideoCallAccept,
		EventVideoCallReject, EventVideoCallEnd, EventVideoCallOffer,
		EventVideoCallAnswer, EventVideoCallIceCandidate,
		EventVideoCallParticipantJoined, EventVideoCallParticipantLeft,
		EventVideoCallError:
		return true
	}
	return false
}

// NewPayload 返回事件对应的空载荷，未知事件返回 nil
func NewPayload(e Event) Payload {
	switch e {
	case EventHeartbeat:
		return &Heartbeat{}
	case EventSendRequestAddFriend:
		return &SendRequestAddFriend{}
	case EventAcceptFriend:
		return &AcceptFriend{}
	case EventFriendOnline:
		return &FriendOnline{}
	case EventUnFriend:
		return &UnFriend{}
	case EventSendNotification:
		return &SendNotification{}
	case EventReceiveNotification:
		return &ReceiveNotification{}
	case EventJoinRoom:
		return &JoinRoom{}
	case EventLeaveRoom:
		return &LeaveRoom{}
	case EventGetLastMessage:
		return &GetLastMessage{}
	case EventReadMessage:
		return &ReadMessage{}
	case EventSendMessage:
		return &SendMessage{}
	case EventReceiveMessage:
		return &ReceiveMessage{}
	case EventDeleteMessage:
		return &DeleteMessage{}
	case EventPinMessage:
		return &PinMessage{}
	case EventUnPinMessage:
		return &UnPinMessage{}
	case EventLikePost:
		return &LikePost{}
	case EventVideoCallInitiate:
		return &VideoCallInitiate{}
	case EventVideoCallInitiated:
		return &VideoCallInitiated{}
	case EventVideoCallAccept:
		return &VideoCallAccept{}
	case EventVideoCallReject:
		return &VideoCallReject{}
	case EventVideoCallEnd:
		return &VideoCallEnd{}
	case EventVideoCallOffer:
		return &VideoCallOffer{}
	case EventVideoCallAnswer:
		return &VideoCallAnswer{}
	case EventVideoCallIceCandidate:
		return &VideoCallIceCandidate{}
	case EventVideoCallParticipantJoined:
		return &VideoCallParticipantJoined{}
	case EventVideoCallParticipantLeft:
		return &VideoCallParticipantLeft{}
	case EventVideoCallError:
		return &VideoCallError{}
	}
	return nil
}
