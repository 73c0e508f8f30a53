package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.messenger/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 从 AppError 生成错误响应，业务错误统一返回 200，由 code 区分
func Error(c *gin.Context, err error) {
	status := http.StatusOK
	switch apperrors.KindOf(err) {
	case apperrors.KindAuth:
		status = http.StatusUnauthorized
	case apperrors.KindServer, apperrors.KindPersistence:
		status = http.StatusInternalServerError
	}
	c.JSON(status, Response{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
	})
}

// InvalidParams 参数错误，附带绑定错误描述
func InvalidParams(c *gin.Context, err error) {
	msg := apperrors.ErrInvalidParams.Message
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeInvalidParams,
		Message: msg,
	})
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context, err error) {
	if err == nil {
		err = apperrors.ErrTokenInvalid
	}
	c.JSON(http.StatusUnauthorized, Response{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
	})
}
