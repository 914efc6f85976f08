// Package httpx 定义治理接口统一的响应信封。
package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SuccessResponse 标准成功响应结构。
type SuccessResponse struct {
	Data interface{} `json:"data,omitempty"`
}

// ErrorResponse 标准错误响应结构，Code 为稳定的机器可读错误码（如 QUOTA_EXCEEDED）。
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ListResponse 列表类接口的数据体；分页接口额外带上 limit 与 offset。
type ListResponse struct {
	Items  interface{} `json:"items"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// RespondOK 输出成功响应。
func RespondOK(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, SuccessResponse{Data: data})
}

// RespondList 输出不分页的列表。
func RespondList(ctx *gin.Context, items interface{}) {
	RespondOK(ctx, ListResponse{Items: items})
}

// RespondPage 输出分页列表。
func RespondPage(ctx *gin.Context, items interface{}, limit, offset int) {
	RespondOK(ctx, ListResponse{Items: items, Limit: limit, Offset: offset})
}

// RespondError 输出错误响应并终止处理流程。
func RespondError(ctx *gin.Context, status int, code string, message string, details interface{}) {
	ctx.AbortWithStatusJSON(status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// RespondCreated 输出资源创建成功响应。
func RespondCreated(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusCreated, SuccessResponse{Data: data})
}
