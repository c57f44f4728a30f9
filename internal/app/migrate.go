package app

import (
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gaigenticai/ComplianceAI-sub001/migrations"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/migrate"
)

// AutoMigrate 自动执行数据库迁移
func AutoMigrate(db *gorm.DB, serviceName string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	migrator := migrate.NewMigrator(sqlDB, strings.ReplaceAll(serviceName, "-", "_"), logger.L())
	if err := migrator.Up(migrations.FS, "."); err != nil {
		logger.Error("auto migration failed", zap.Error(err))
		return err
	}
	return nil
}
