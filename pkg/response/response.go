// Package response 提供统一的 HTTP 响应格式
// 所有 API 都使用相同的响应结构，便于调用方处理
package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/model"
)

// Response 统一响应结构
// code: 业务状态码（0 表示成功）
// message: 提示信息
// data: 响应数据
type Response struct {
	Code    int         `json:"code"`           // 业务状态码
	Message string      `json:"message"`        // 提示信息
	Data    interface{} `json:"data,omitempty"` // 响应数据，可选
}

// ErrorDetail 编排错误的附加信息，调用方据此决定是否重试
type ErrorDetail struct {
	Kind      apperr.Kind        `json:"kind"`
	State     model.SessionState `json:"state,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
}

// 业务状态码定义
const (
	CodeSuccess           = 0    // 成功
	CodeBadRequest        = 1000 // 请求参数错误
	CodeUnauthorized      = 1001 // 未授权
	CodeForbidden         = 1002 // 禁止访问
	CodeNotFound          = 1003 // 资源不存在
	CodeInternalError     = 1004 // 服务器内部错误
	CodeConflict          = 1301 // 会话状态已被并发修改
	CodeInvalidTransition = 1302 // 当前状态不允许该操作
	CodeDriverFailure     = 1303 // 容器运行时失败
)

// Success 返回成功响应
// 参数:
//   - c: Gin 上下文
//   - data: 响应数据，可以是任意类型
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// ErrorWithCode 返回错误响应（带业务状态码）
// 参数:
//   - c: Gin 上下文
//   - httpCode: HTTP 状态码
//   - bizCode: 业务状态码
//   - message: 错误信息
func ErrorWithCode(c *gin.Context, httpCode, bizCode int, message string) {
	c.JSON(httpCode, Response{
		Code:    bizCode,
		Message: message,
	})
}

// BadRequest 返回 400 错误（请求参数错误）
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    CodeBadRequest,
		Message: message,
	})
}

// Unauthorized 返回 401 错误（未授权）
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Code:    CodeUnauthorized,
		Message: message,
	})
}

// Forbidden 返回 403 错误（禁止访问）
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Code:    CodeForbidden,
		Message: message,
	})
}

// NotFound 返回 404 错误（资源不存在）
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Code:    CodeNotFound,
		Message: message,
	})
}

// InternalError 返回 500 错误（服务器内部错误）
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Code:    CodeInternalError,
		Message: message,
	})
}

// Created 返回 201 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "创建成功",
		Data:    data,
	})
}

// NoContent 返回 204 无内容响应（用于删除操作）
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// AppError 把编排错误映射为 HTTP 响应
// 非 apperr 错误一律按 500 处理，且不暴露内部信息
// 返回:
//   - bool: err 是否为 apperr 错误
func AppError(c *gin.Context, err error) bool {
	var e *apperr.Error
	if !errors.As(err, &e) {
		InternalError(c, "服务器内部错误")
		return false
	}

	httpCode, bizCode := Status(e.Kind)
	c.JSON(httpCode, Response{
		Code:    bizCode,
		Message: e.Error(),
		Data: ErrorDetail{
			Kind:      e.Kind,
			State:     e.State,
			SessionID: e.SessionID,
		},
	})
	return true
}

// Status 返回错误类别对应的 HTTP 状态码和业务状态码
func Status(kind apperr.Kind) (int, int) {
	switch kind {
	case apperr.KindConflict:
		return http.StatusConflict, CodeConflict
	case apperr.KindInvalidTransition:
		return http.StatusUnprocessableEntity, CodeInvalidTransition
	case apperr.KindNotFound:
		return http.StatusNotFound, CodeNotFound
	case apperr.KindAuthorizationDenied:
		return http.StatusForbidden, CodeForbidden
	case apperr.KindValidation:
		return http.StatusBadRequest, CodeBadRequest
	case apperr.KindDriverFailure:
		return http.StatusBadGateway, CodeDriverFailure
	}
	return http.StatusInternalServerError, CodeInternalError
}
