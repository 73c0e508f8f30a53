package errors

import (
	"errors"
	"fmt"
)

// AppError 业务错误，携带错误码和用户可见消息
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选）
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap 包装原始错误，保留错误码和消息
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{Code: e.Code, Message: e.Message, Err: err}
}

// WithMessage 替换用户可见消息
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{Code: e.Code, Message: message, Err: e.Err}
}

// Is 判断 err 是否为 target 同一错误码
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，非 AppError 返回 CodeServerError
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// Kind 错误大类
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindPersistence   Kind = "persistence"
	KindSignaling     Kind = "signaling"
	KindAuth          Kind = "auth"
	KindServer        Kind = "server"
)

// KindOf 按错误码区间归类
func KindOf(err error) Kind {
	code := GetCode(err)
	switch {
	case code >= 10000 && code < 11000:
		return KindAuth
	case code >= 11000 && code < 12000:
		return KindValidation
	case code >= 12000 && code < 13000:
		return KindAuthorization
	case code >= 13000 && code < 14000:
		return KindNotFound
	case code >= 14000 && code < 15000:
		return KindSignaling
	case code == CodeDBError:
		return KindPersistence
	default:
		return KindServer
	}
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeTokenInvalid = 10003
	CodeTokenExpired = 10004

	// 参数校验 11000-11999
	CodeInvalidParams   = 11002
	CodeEmptyMessage    = 11003
	CodeMessageTooLong  = 11004
	CodeTooManyMedia    = 11005
	CodePinLimit        = 11006
	CodeCannotChatSelf  = 11007
	CodeUnknownEvent    = 11008
	CodeInvalidCallType = 11009

	// 权限相关 12000-12999
	CodeNotParticipant = 12001
	CodeForbidden      = 12002

	// 资源不存在 13000-13999
	CodeConversationNotFound = 13001
	CodeMessageNotFound      = 13002
	CodeCallNotFound         = 13003
	CodeUserNotFound         = 13004

	// 通话信令 14000-14999
	CodeTargetOffline = 14001
	CodeCallBusy      = 14002
	CodeCallTimeout   = 14003
	CodeCallState     = 14004

	// 系统错误 50000-50999
	CodeServerError    = 50001
	CodeDBError        = 50002
	CodeTooManyRequest = 50003
	CodeSlowConsumer   = 50004
)

// ============== 预定义错误 ==============

var (
	ErrTokenInvalid = NewError(CodeTokenInvalid, "token is invalid")
	ErrTokenExpired = NewError(CodeTokenExpired, "token has expired")
)

var (
	ErrInvalidParams   = NewError(CodeInvalidParams, "invalid parameters")
	ErrEmptyMessage    = NewError(CodeEmptyMessage, "message must have text or media")
	ErrMessageTooLong  = NewError(CodeMessageTooLong, "message text is too long")
	ErrTooManyMedia    = NewError(CodeTooManyMedia, "too many media attachments")
	ErrPinLimit        = NewError(CodePinLimit, "pinned message limit reached")
	ErrCannotChatSelf  = NewError(CodeCannotChatSelf, "cannot start a private conversation with yourself")
	ErrUnknownEvent    = NewError(CodeUnknownEvent, "unknown event")
	ErrInvalidCallType = NewError(CodeInvalidCallType, "invalid call type")
)

var (
	ErrNotParticipant = NewError(CodeNotParticipant, "not a participant of this conversation")
	ErrForbidden      = NewError(CodeForbidden, "operation not allowed")
)

var (
	ErrConversationNotFound = NewError(CodeConversationNotFound, "conversation not found")
	ErrMessageNotFound      = NewError(CodeMessageNotFound, "message not found")
	ErrCallNotFound         = NewError(CodeCallNotFound, "call not found")
	ErrUserNotFound         = NewError(CodeUserNotFound, "user not found")
)

var (
	ErrTargetOffline = NewError(CodeTargetOffline, "target offline")
	ErrCallBusy      = NewError(CodeCallBusy, "busy")
	ErrCallTimeout   = NewError(CodeCallTimeout, "timeout")
	ErrCallState     = NewError(CodeCallState, "invalid call state")
)

var (
	ErrServerError    = NewError(CodeServerError, "internal server error")
	ErrDBError        = NewError(CodeDBError, "database error")
	ErrTooManyRequest = NewError(CodeTooManyRequest, "too many requests, try again later")
	ErrSlowConsumer   = NewError(CodeSlowConsumer, "connection too slow")
)
