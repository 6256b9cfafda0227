package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/marzguard/backend/internal/config"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Package-level handles shared by the API handlers and the panel token
// cache. The monitoring engine gets its stores injected instead.
var (
	DB    *gorm.DB
	Redis *redis.Client
)

const (
	connectRetries = 30
	retryDelay     = 2 * time.Second
	redisPingWait  = 5 * time.Second

	// One monitoring cycle touches every panel row plus its cumulative
	// traffic record, so the pool stays small. Open connections leave
	// headroom for API traffic during a cycle.
	poolIdleConns = 5
	poolOpenConns = 25
)

// Connect opens PostgreSQL and Redis. Postgres is retried because the
// engine usually starts alongside the database container; Redis only backs
// the panel token cache and fails fast.
func Connect(cfg *config.Config) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
	)

	var err error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
			// Timestamps feed quota math (panel age, record windows) and
			// must never depend on the host timezone
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
			DisableForeignKeyConstraintWhenMigrating: true,
		})
		if err == nil {
			break
		}
		log.Printf("Database: postgres not ready (attempt %d/%d): %v", attempt, connectRetries, err)
		time.Sleep(retryDelay)
	}
	if err != nil {
		return fmt.Errorf("postgres unreachable after %d attempts: %w", connectRetries, err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(poolIdleConns)
	sqlDB.SetMaxOpenConns(poolOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("Database: postgres connected")

	Redis = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingWait)
	defer cancel()
	if _, err := Redis.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	log.Println("Database: redis connected")
	return nil
}

func Close() {
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if Redis != nil {
		Redis.Close()
	}
}
