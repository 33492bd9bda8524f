// Package database 负责创建 MySQL 和 Redis 连接。
package database

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docuvector-go/internal/model"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
)

// NewMySQL 初始化 MySQL 数据库连接并迁移文档登记表。
func NewMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errs.E(errs.TransientService, "mysql.open", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errs.E(errs.Other, "mysql.open", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&model.Document{}); err != nil {
		return nil, errs.E(errs.Configuration, "mysql.migrate", err)
	}

	log.Info("MySQL database connected successfully")
	return db, nil
}
