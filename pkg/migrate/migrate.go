// Package migrate 基于 golang-migrate 执行嵌入式 SQL 迁移
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Migrator 迁移器
type Migrator struct {
	db          *sql.DB
	logger      *zap.Logger
	serviceName string
}

// NewMigrator 创建迁移器
func NewMigrator(db *sql.DB, serviceName string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		db:          db,
		logger:      logger,
		serviceName: serviceName,
	}
}

// newInstance 创建 golang-migrate 实例 (iofs 源 + postgres 驱动)
func (m *Migrator) newInstance(migrationsFS fs.FS, path string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, path)
	if err != nil {
		return nil, fmt.Errorf("create migration source failed: %w", err)
	}

	driver, err := postgres.WithInstance(m.db, &postgres.Config{
		MigrationsTable: m.serviceName + "_schema_migrations",
	})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver failed: %w", err)
	}

	instance, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator failed: %w", err)
	}
	return instance, nil
}

// Up 执行全部未应用的迁移
func (m *Migrator) Up(migrationsFS fs.FS, path string) error {
	m.logger.Info("starting migration",
		zap.String("service", m.serviceName),
		zap.String("path", path))

	instance, err := m.newInstance(migrationsFS, path)
	if err != nil {
		return err
	}
	defer instance.Close()

	if err := instance.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no new migrations to apply", zap.String("service", m.serviceName))
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := instance.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get migration version failed: %w", err)
	}

	m.logger.Info("migration completed",
		zap.String("service", m.serviceName),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}

// Rollback 回滚一个版本
func (m *Migrator) Rollback(migrationsFS fs.FS, path string) error {
	instance, err := m.newInstance(migrationsFS, path)
	if err != nil {
		return err
	}
	defer instance.Close()

	if err := instance.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("rollback failed: %w", err)
	}
	m.logger.Info("rollback completed", zap.String("service", m.serviceName))
	return nil
}

// Version 获取当前迁移版本，未迁移时返回 0
func (m *Migrator) Version(migrationsFS fs.FS, path string) (uint, bool, error) {
	instance, err := m.newInstance(migrationsFS, path)
	if err != nil {
		return 0, false, err
	}
	defer instance.Close()

	version, dirty, err := instance.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
