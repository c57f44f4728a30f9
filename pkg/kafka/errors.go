package kafka

import (
	"context"
	"errors"
	"fmt"
)

// 预定义错误
var (
	ErrProducerClosed  = errors.New("kafka producer is closed")
	ErrMessageNil      = errors.New("message is nil")
	ErrTopicRequired   = errors.New("topic is required")
	ErrBrokersRequired = errors.New("kafka brokers is required")
	ErrGroupIDRequired = errors.New("consumer group id is required")
	ErrHandlerRequired = errors.New("message handler is required")
	ErrTopicsRequired  = errors.New("topics is required")
	ErrAlreadyStarted  = errors.New("consumer already started")

	// ErrUnparseable 消息体无法解析，直接进入死信，不重试
	ErrUnparseable = errors.New("unparseable payload")
)

// ReasonUnparseable 死信原因：消息体无法解析
const ReasonUnparseable = "unparseable payload"

// retryable 由错误自身声明是否可重试
type retryable interface {
	Retryable() bool
}

// permanentError 标记不可重试
type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Permanent 将错误标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Unparseable 包装解析失败的错误
func Unparseable(cause error) error {
	return fmt.Errorf("%w: %v", ErrUnparseable, cause)
}

// IsRetryable 判断错误是否可重试
// 解析失败与声明 Retryable()==false 的错误不重试；超时视为瞬时失败；其余默认可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnparseable) ||
		errors.Is(err, ErrProducerClosed) ||
		errors.Is(err, ErrMessageNil) ||
		errors.Is(err, ErrTopicRequired) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// FailureReason 死信原因描述
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrUnparseable) {
		return ReasonUnparseable
	}
	return err.Error()
}
