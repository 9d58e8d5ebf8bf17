package handler

import (
	"net/http"
	"strconv"
	"strings"

	"runlog/internal/apperr"
	"runlog/internal/ctxlog"

	"github.com/gin-gonic/gin"
)

// respondError 按错误码写出 {"error", "code"}
func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		ctxlog.FromContext(c.Request.Context()).Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  code,
	})
}

func badRequest(c *gin.Context, err error) {
	respondError(c, apperr.Wrap(err, apperr.InvalidRequest, "请求参数错误"))
}

func parseRunID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, apperr.New(apperr.InvalidRequest, "无效的 run id %q", c.Param("id")))
		return 0, false
	}
	return uint(id), true
}

// queryList 支持重复参数和逗号分隔两种写法
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
