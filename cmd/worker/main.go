package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/book-translator/config"
	"github.com/feichai0017/book-translator/internal/service/run"
	"github.com/feichai0017/book-translator/pkg/logger"
	"github.com/feichai0017/book-translator/pkg/worker"
)

func main() {
	// 初始化日志
	log, err := logger.NewLogger(
		logger.WithLevel("info"),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/worker.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// 创建翻译服务
	runService, err := run.GetService(log)
	if err != nil {
		log.Error("Failed to create run service", logger.Error(err))
		os.Exit(1)
	}

	// 创建 worker 配置
	redisCfg := config.GetRedisConfig()
	workerCfg := &worker.Config{
		RedisAddr: redisCfg.Addr,
		RedisDB:   redisCfg.DB,
		// 每次只跑少量任务,翻译一本书要占满一个槽很长时间
		Concurrency: 2,
		Queues: map[string]int{
			"default": 1,
		},
	}

	// 创建 worker
	runWorker, err := worker.NewRunWorker(workerCfg, runService, log)
	if err != nil {
		log.Error("Failed to create run worker", logger.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动 worker
	if err := runWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	runWorker.Stop()
	log.Info("Worker stopped")
}
