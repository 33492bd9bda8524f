package database

import (
	"context"

	"github.com/go-redis/redis/v8"

	"docuvector-go/internal/config"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
)

// NewRedis 初始化 Redis 客户端连接并测试连通性。
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.E(errs.TransientService, "redis.ping", err)
	}
	log.Info("Redis client connected successfully")
	return rdb, nil
}
