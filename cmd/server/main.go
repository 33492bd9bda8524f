// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"docuvector-go/internal/app"
	"docuvector-go/internal/config"
	"docuvector-go/pkg/log"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 装配所有依赖
	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal("服务初始化失败", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Errorf("关闭后端连接失败: %v", err)
		}
	}()

	var background sync.WaitGroup

	// 4. 启动后台 Kafka 消费者
	if application.Consumer != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := application.Consumer.Run(ctx); err != nil {
				log.Error("Kafka 消费者异常退出", err)
			}
		}()
	}

	// 5. 导入种子目录，已导入的文件会被跳过
	if cfg.Server.SeedDir != "" {
		background.Add(1)
		go func() {
			defer background.Done()
			seedDirectory(ctx, application, cfg.Server.SeedDir)
		}()
	}

	// 6. 设置 Gin 模式并启动 HTTP 服务
	gin.SetMode(cfg.Server.Mode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: application.Router(),
	}
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	<-ctx.Done()
	log.Info("接收到停机信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	background.Wait()
	log.Info("服务已优雅关闭")
}

func seedDirectory(ctx context.Context, application *app.App, dir string) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("种子目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}
	n, err := application.Documents.SeedDirectory(ctx, dir)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("遍历种子目录发生错误: %v", err)
	}
	log.Infof("种子目录导入完成，新导入 %d 个文件", n)
}
