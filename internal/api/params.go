package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/response"
)

// pathID 解析路径中的 ID，失败时直接写出参数错误
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, apperrors.ErrInvalidParams.WithMessage("invalid "+name))
		return 0, false
	}
	return id, true
}

// queryInt 可选的整数查询参数，缺省或非法时返回 0
func queryInt(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return n
}

func queryInt64(c *gin.Context, name string) int64 {
	n, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
