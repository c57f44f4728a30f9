// Package handler 提供 HTTP 请求处理
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// CodeSuccess 成功响应码
const CodeSuccess = "OK"

// Response 统一响应结构
type Response struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Pagination 分页信息
type Pagination struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// PagedData 分页数据
type PagedData struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithPagination 返回分页成功响应
func SuccessWithPagination(c *gin.Context, items interface{}, total int64, page, pageSize int) {
	totalPages := 0
	if pageSize > 0 {
		totalPages = int(total) / pageSize
		if int(total)%pageSize > 0 {
			totalPages++
		}
	}
	Success(c, &PagedData{
		Items: items,
		Pagination: &Pagination{
			Total:      total,
			Page:       page,
			PageSize:   pageSize,
			TotalPages: totalPages,
		},
	})
}

// Error 返回错误响应
// 带错误码的错误使用其 HTTP 状态码，其他错误按内部错误处理
func Error(c *gin.Context, err error) {
	var bizErr *apperrors.Error
	if !errors.As(err, &bizErr) {
		logger.Error("unhandled error",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, &Response{
			Code:    apperrors.ErrInternal.Code,
			Message: apperrors.ErrInternal.Message,
		})
		return
	}

	status := bizErr.Status()
	message := bizErr.Message
	if _, ok := err.(*apperrors.Error); !ok {
		// 领域错误包装了错误码，使用领域错误的描述
		message = err.Error()
	} else if bizErr.Cause != nil && status < http.StatusInternalServerError {
		message = message + ": " + bizErr.Cause.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Stringer("kind", bizErr.Kind),
			zap.Error(err))
	}
	resp := &Response{Code: bizErr.Code, Message: message, Retryable: bizErr.Retryable()}
	if len(bizErr.Details) > 0 {
		resp.Data = bizErr.Details
	}
	c.JSON(status, resp)
}

// BadRequest 返回参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, apperrors.ErrInvalidRequest.WithMessage(message))
}

// pageParams 解析分页参数
func pageParams(c *gin.Context) (int, int) {
	page, pageSize := 1, 20
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	if ps, err := strconv.Atoi(c.Query("page_size")); err == nil && ps > 0 && ps <= 500 {
		pageSize = ps
	}
	return page, pageSize
}
