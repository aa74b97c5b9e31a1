// Package database 负责初始化 SQL 数据库与 Redis 连接。
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"telegemini-go/internal/config"
	"telegemini-go/internal/model"
	"telegemini-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Open 按驱动名打开 gorm 连接并迁移本服务用到的表。driver 为 "mysql" 或 "sqlite"。
func Open(driver string, cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(cfg.MySQL.DSN)
	case "sqlite", "":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, os.ModePerm); err != nil {
				return nil, fmt.Errorf("创建 sqlite 目录失败: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if driver == "mysql" {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// sqlite 单文件写锁，单连接避免 "database is locked"
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&model.Setting{}, &model.TranscriptChunk{}); err != nil {
		return nil, fmt.Errorf("数据表迁移失败: %w", err)
	}
	return db, nil
}

// InitDB 初始化全局 DB 连接
func InitDB(driver string, cfg config.DatabaseConfig) {
	db, err := Open(driver, cfg)
	if err != nil {
		log.Fatal("failed to initialize database", err)
	}
	DB = db
	log.Infof("%s database connected successfully", driverName(driver))
}

func driverName(driver string) string {
	if driver == "" {
		return "sqlite"
	}
	return driver
}
