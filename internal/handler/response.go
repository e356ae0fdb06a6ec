// Package handler 提供 HTTP 请求处理
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the common HTTP envelope.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{
		Code:    0,
		Message: "ok",
		Data:    data,
	})
}

// BadRequest 返回参数错误响应
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, &Response{
		Code:    40000,
		Message: message,
	})
}

// Unauthorized 返回鉴权失败响应
func Unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, &Response{
		Code:    40100,
		Message: "invalid or missing API key",
	})
}

// NotFound 返回资源不存在响应
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, &Response{
		Code:    40400,
		Message: message,
	})
}

// InternalError 返回内部错误响应
func InternalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, &Response{
		Code:    50000,
		Message: "internal error",
	})
}
