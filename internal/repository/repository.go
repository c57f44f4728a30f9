// Package repository 提供合规规则服务的持久化
package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
)

// Repository 基础仓储
// 所有仓储实现都嵌入此结构，context 中携带事务时自动使用事务连接
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建基础仓储
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// txKey 事务上下文键
type txKey struct{}

// DB 返回数据库连接
// 如果 context 中有事务，返回事务连接
func (r *Repository) DB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Transaction 执行事务
// fn 中通过同一 ctx 调用的所有仓储操作都在同一事务中执行
func (r *Repository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Pagination 分页参数
type Pagination struct {
	Page     int
	PageSize int
}

// NewPagination 创建分页参数
func NewPagination(page, pageSize int) *Pagination {
	return &Pagination{Page: page, PageSize: pageSize}
}

// Offset 计算偏移量
func (p *Pagination) Offset() int {
	if p.Page <= 0 {
		p.Page = 1
	}
	return (p.Page - 1) * p.Limit()
}

// Limit 获取每页大小
func (p *Pagination) Limit() int {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.PageSize > 500 {
		p.PageSize = 500
	}
	return p.PageSize
}

// TimeRange 时间范围 (毫秒，闭区间)，0 表示不限
type TimeRange struct {
	Start int64
	End   int64
}

// Apply 将时间范围应用到 column
func (tr TimeRange) Apply(db *gorm.DB, column string) *gorm.DB {
	if tr.Start > 0 {
		db = db.Where(column+" >= ?", tr.Start)
	}
	if tr.End > 0 {
		db = db.Where(column+" <= ?", tr.End)
	}
	return db
}

// isDuplicateKeyError 检查是否是唯一约束冲突错误
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate key") ||
		strings.Contains(errStr, "unique_violation") ||
		strings.Contains(errStr, "23505") ||
		strings.Contains(errStr, "UNIQUE constraint failed")
}

// storageError 将底层数据库错误包装为可重试的存储错误
func storageError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *apperrors.Error
	if errors.As(err, &bizErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
}
