package model

import (
	"fmt"

	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
)

// 存储层错误
var (
	ErrObligationNotFound = apperrors.Define("OBLIGATION_NOT_FOUND", "义务不存在", apperrors.KindNotFound)
	ErrRuleNotFound       = apperrors.Define("RULE_NOT_FOUND", "规则不存在", apperrors.KindNotFound)
	ErrAdvisoryNotFound   = apperrors.Define("ADVISORY_NOT_FOUND", "重叠建议不存在", apperrors.KindNotFound)
	ErrReviewNotFound     = apperrors.Define("REVIEW_NOT_FOUND", "复核项不存在", apperrors.KindNotFound)
	ErrVersionConflict    = apperrors.Define("VERSION_CONFLICT", "义务版本写入冲突", apperrors.KindConflict)
)

// CompilationError 义务内容无法编译 (内容缺陷，不重试)
type CompilationError struct {
	ObligationID string
	Version      int64
	Reason       string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile obligation %s v%d: %s", e.ObligationID, e.Version, e.Reason)
}

func (e *CompilationError) Unwrap() error   { return apperrors.ErrCompilation }
func (e *CompilationError) Retryable() bool { return false }

// StaleVersionError 请求编译的版本低于已存储的最新版本
type StaleVersionError struct {
	ObligationID string
	Requested    int64
	Latest       int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("obligation %s: requested version %d is older than latest %d",
		e.ObligationID, e.Requested, e.Latest)
}

func (e *StaleVersionError) Unwrap() error   { return apperrors.ErrStaleVersion }
func (e *StaleVersionError) Retryable() bool { return true }

// UnknownJurisdictionError 辖区代码未配置
type UnknownJurisdictionError struct {
	Code string
}

func (e *UnknownJurisdictionError) Error() string {
	return fmt.Sprintf("unknown jurisdiction %q", e.Code)
}

func (e *UnknownJurisdictionError) Unwrap() error   { return apperrors.ErrUnknownJurisdiction }
func (e *UnknownJurisdictionError) Retryable() bool { return false }

// UnresolvableOverlapError 冲突规则的条件互斥，无法自动合并
type UnresolvableOverlapError struct {
	AdvisoryID string
	RuleA      string
	RuleB      string
	Reason     string
}

func (e *UnresolvableOverlapError) Error() string {
	return fmt.Sprintf("overlap %s between %s and %s cannot be consolidated: %s",
		e.AdvisoryID, e.RuleA, e.RuleB, e.Reason)
}

func (e *UnresolvableOverlapError) Unwrap() error   { return apperrors.ErrUnresolvableOverlap }
func (e *UnresolvableOverlapError) Retryable() bool { return false }
