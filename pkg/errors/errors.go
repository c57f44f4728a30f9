// Package errors 提供带错误码的业务错误
//
// 每个错误码归属一个 Kind，Kind 决定默认的 HTTP 状态码以及消费端是否重试。
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Kind 错误类别
type Kind int

const (
	KindInternal    Kind = iota // 未分类的内部错误
	KindInvalid                 // 请求或内容不合法
	KindNotFound                // 资源不存在
	KindConflict                // 并发写入冲突，重读后可重试
	KindRejected                // 内容可解析但业务上无法处理
	KindUnavailable             // 依赖暂不可用
	KindTimeout                 // 依赖超时
)

var kindNames = map[Kind]string{
	KindInternal:    "internal",
	KindInvalid:     "invalid",
	KindNotFound:    "not_found",
	KindConflict:    "conflict",
	KindRejected:    "rejected",
	KindUnavailable: "unavailable",
	KindTimeout:     "timeout",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status 类别的默认 HTTP 状态码
func (k Kind) Status() int {
	switch k {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRejected:
		return http.StatusUnprocessableEntity
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Transient 该类别的失败是否会自行消失
func (k Kind) Transient() bool {
	return k == KindConflict || k == KindUnavailable || k == KindTimeout
}

// Error 业务错误
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Kind       Kind              `json:"-"`
	HTTPStatus int               `json:"-"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
	Stack      string            `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Retryable 消费端是否应重试
func (e *Error) Retryable() bool {
	return e.Kind.Transient()
}

// Status 返回 HTTP 状态码，未单独指定时取 Kind 的默认值
func (e *Error) Status() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return e.Kind.Status()
}

// WithStatus 覆盖 HTTP 状态码，类别与重试属性不变
func (e *Error) WithStatus(status int) *Error {
	newErr := e.Copy()
	newErr.HTTPStatus = status
	return newErr
}

// WithDetails 添加详情
func (e *Error) WithDetails(details map[string]string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string, len(details))
	}
	for k, v := range details {
		newErr.Details[k] = v
	}
	return newErr
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	return e.WithDetails(map[string]string{key: value})
}

// WithMessage 替换错误消息
func (e *Error) WithMessage(message string) *Error {
	newErr := e.Copy()
	newErr.Message = message
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := *e
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return &newErr
}

// MarshalJSON 输出错误码、消息、详情与是否可重试
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Code      string            `json:"code"`
		Message   string            `json:"message"`
		Kind      string            `json:"kind"`
		Retryable bool              `json:"retryable"`
		Details   map[string]string `json:"details,omitempty"`
	}{
		Code:      e.Code,
		Message:   e.Message,
		Kind:      e.Kind.String(),
		Retryable: e.Retryable(),
		Details:   e.Details,
	})
}

// Define 定义错误码模板
func Define(code, message string, kind Kind) *Error {
	return &Error{Code: code, Message: message, Kind: kind}
}

// Wrap 包装底层错误并记录调用栈
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	newErr.Stack = getStack()
	return newErr
}

// Wrapf 包装底层错误并在消息后追加上下文
func Wrapf(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := Wrap(err, cause)
	newErr.Message = err.Message + ": " + fmt.Sprintf(format, args...)
	return newErr
}

// getStack 获取调用栈，跳过 errors 包自身的帧
func getStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasSuffix(frame.File, "/pkg/errors/errors.go") {
			fmt.Fprintf(&builder, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return builder.String()
}

// FromError 从标准错误转换，未带错误码的错误视为内部错误
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// KindOf 返回错误链上第一个业务错误的类别
func KindOf(err error) Kind {
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Kind
	}
	return KindInternal
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Status()
	}
	return http.StatusInternalServerError
}

// 通用错误码
var (
	ErrInternal           = Define("INTERNAL_ERROR", "内部错误", KindInternal)
	ErrInvalidRequest     = Define("INVALID_REQUEST", "请求参数无效", KindInvalid)
	ErrNotFound           = Define("NOT_FOUND", "资源不存在", KindNotFound)
	ErrConflict           = Define("CONFLICT", "资源冲突", KindConflict)
	ErrServiceUnavailable = Define("SERVICE_UNAVAILABLE", "服务不可用", KindUnavailable)
	ErrTimeout            = Define("TIMEOUT", "请求超时", KindTimeout)
)

// 合规规则相关错误码
var (
	ErrCompilation         = Define("COMPILATION_ERROR", "义务内容无法编译", KindRejected)
	ErrStaleVersion        = Define("STALE_VERSION", "义务版本已过期", KindConflict)
	ErrUnknownJurisdiction = Define("UNKNOWN_JURISDICTION", "未知司法辖区", KindInvalid)
	ErrUnresolvableOverlap = Define("UNRESOLVABLE_OVERLAP", "规则重叠无法自动合并", KindRejected).WithStatus(http.StatusConflict)
	ErrStorageUnavailable  = Define("STORAGE_UNAVAILABLE", "存储不可用", KindUnavailable)
	ErrPublishFailed       = Define("PUBLISH_FAILED", "事件发布失败", KindUnavailable)
)
