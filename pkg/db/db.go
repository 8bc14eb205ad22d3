package db

import (
	"context"
	"fmt"
	"time"

	"paynode/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var Module = fx.Module("database",
	fx.Provide(
		Dialect,
		New,
	),
	fx.Invoke(RegisterConnectionPool),
)

func Dialect(cfg *config.Config) gorm.Dialector {
	if cfg.Database.Type == "sqlite" {
		return sqlite.Open(cfg.Database.DBName)
	}

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
		cfg.Database.Password, cfg.Database.DBName, cfg.Database.SSLMode,
		cfg.Database.Timezone,
	)
	return postgres.Open(dsn)
}

func New(cfg *config.Config, dialector gorm.Dialector) (*gorm.DB, error) {
	logLevel := logger.Info
	if cfg.AppEnv == "production" {
		logLevel = logger.Warn
	}

	var db *gorm.DB
	var err error
	for i := 0; i < 5; i++ {
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger: NewZapGormLogger(zap.L(), logLevel),
		})
		if err == nil {
			break
		}
		zap.L().Warn("[DB] database not ready, retrying in 3 seconds",
			zap.Int("retry", i+1), zap.Error(err))
		time.Sleep(3 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	zap.L().Info("[DB] database connection established")

	return db, nil
}

type connectionPoolParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Config    *config.Config
}

func RegisterConnectionPool(p connectionPoolParams) error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB from gorm: %w", err)
	}

	cp := p.Config.Database.ConnectionPool
	if cp.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cp.MaxIdleConn)
	}
	if cp.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cp.MaxOpenConns)
	}
	if cp.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cp.ConnMaxLifetime)
	}
	if cp.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cp.ConnMaxIdleTime)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[DB] closing connection pool")
			return sqlDB.Close()
		},
	})

	return nil
}
