package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devicerunnerpro/devicerunnerpro/api/router"
	"github.com/devicerunnerpro/devicerunnerpro/internal/config"
	"github.com/devicerunnerpro/devicerunnerpro/internal/database"
	"github.com/devicerunnerpro/devicerunnerpro/internal/service"
	"github.com/devicerunnerpro/devicerunnerpro/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("version", "1.0.0").Info("Starting Device Runner Pro Server")

	// 初始化历史库
	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		logger.Fatal("Failed to initialize database: ", err)
	}
	defer database.Close()

	// 创建执行服务
	runnerService := service.NewRunnerService(cfg)

	// 设置路由
	r := router.SetupRouter(runnerService)

	// 创建HTTP服务器
	server := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	// 启动服务器
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr": server.Addr,
			"mode": cfg.Server.Mode,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server: ", err)
		}
	}()

	// 配置文件监听与热更新（主要用于补充交互签名表）
	go watchConfig(*configPath, runnerService)

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	// 优雅关闭服务器
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown: ", err)
	} else {
		logger.Info("Server shutdown complete")
	}
}

// watchConfig 监听配置文件变化并热更新执行服务
func watchConfig(path string, runnerService *service.RunnerService) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Config watch init failed: ", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		logger.Warn("Config watch add failed: ", err)
		return
	}

	var debounce *time.Timer
	debounceInterval := 300 * time.Millisecond
	trigger := func() {
		newCfg, err := config.Reload()
		if err != nil {
			logger.Warn("Config reload failed: ", err)
			return
		}
		runnerService.UpdateConfig(newCfg)
		// 刷新日志配置
		_ = logger.Init(logger.Config{
			Level:      newCfg.Log.Level,
			Format:     newCfg.Log.Format,
			Output:     newCfg.Log.Output,
			FilePath:   newCfg.Log.FilePath,
			MaxSize:    newCfg.Log.MaxSize,
			MaxBackups: newCfg.Log.MaxBackups,
			MaxAge:     newCfg.Log.MaxAge,
			Compress:   newCfg.Log.Compress,
		})
		logger.Info("Config reloaded")
	}
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceInterval, trigger)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Config watch error: ", err)
		}
	}
}
