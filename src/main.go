package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"bluranything-server-go/src/configs"
	"bluranything-server-go/src/configs/database"
	"bluranything-server-go/src/core/pool"
	"bluranything-server-go/src/core/utils"
	"bluranything-server-go/src/gallery"
	"bluranything-server-go/src/models"
	"bluranything-server-go/src/vision"
	"bluranything-server-go/src/web"

	// 导入所有providers以确保init函数被调用
	_ "bluranything-server-go/src/core/providers/detector/dnn"
	_ "bluranything-server-go/src/core/providers/detector/vlllm"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func LoadConfigAndLogger() (*configs.Config, *utils.Logger, error) {
	// 加载配置,默认使用.config.yaml
	config, configPath, err := configs.LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	// 初始化日志系统
	logger, err := utils.NewLogger(config)
	if err != nil {
		return nil, nil, err
	}
	logger.Info(fmt.Sprintf("日志系统初始化成功, 配置文件路径: %s", configPath))

	return config, logger, nil
}

func StartHttpServer(config *configs.Config, logger *utils.Logger, db *gorm.DB, g *errgroup.Group, groupCtx context.Context) (*http.Server, error) {
	// 初始化Gin引擎
	if config.Log.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.SetTrustedProxies([]string{"0.0.0.0"})

	// 检测器资源池，启动时加载模型权重，失败直接退出
	pools, err := pool.NewManager(config, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("检测器资源池初始化失败: %v", err))
		return nil, err
	}

	// API路由全部挂载到/api前缀下
	apiGroup := router.Group("/api")

	// 启动Vision服务
	visionService, err := vision.NewDefaultVisionService(config, logger, pools, db)
	if err != nil {
		logger.Error(fmt.Sprintf("Vision 服务初始化失败: %v", err))
		return nil, err
	}
	if err := visionService.Start(groupCtx, router, apiGroup); err != nil {
		logger.Error(fmt.Sprintf("Vision 服务启动失败: %v", err))
		return nil, err
	}

	// 启动Gallery服务
	galleryService := gallery.NewDefaultGalleryService(config, logger, visionService.Processor(), db)
	if err := galleryService.Start(groupCtx, router, apiGroup); err != nil {
		logger.Error(fmt.Sprintf("Gallery 服务启动失败: %v", err))
		return nil, err
	}

	// 启动Web页面服务
	if config.Web.Enabled {
		webService, err := web.NewDefaultWebService(config, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("Web 服务初始化失败: %v", err))
			return nil, err
		}
		if err := webService.Start(groupCtx, router, apiGroup); err != nil {
			logger.Error(fmt.Sprintf("Web 服务启动失败: %v", err))
			return nil, err
		}
	}

	// HTTP Server（支持优雅关机）
	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(config.Server.Port),
		Handler: router,
	}

	g.Go(func() error {
		logger.Info(fmt.Sprintf("Gin 服务已启动，访问地址: http://0.0.0.0:%d", config.Server.Port))

		// 在单独的 goroutine 中监听关闭信号
		go func() {
			<-groupCtx.Done()
			logger.Info("收到关闭信号，开始关闭HTTP服务...")

			// 创建关闭超时上下文
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error(fmt.Sprintf("HTTP服务关闭失败: %v", err))
			} else {
				logger.Info("HTTP服务已优雅关闭")
			}
			pools.Close()
		}()

		// ListenAndServe 返回 ErrServerClosed 时表示正常关闭
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(fmt.Sprintf("HTTP 服务启动失败: %v", err))
			return err
		}
		return nil
	})

	// 定期清理过期的结果图片
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := visionService.Processor().Cleanup(24 * time.Hour); err != nil {
					logger.Warn(fmt.Sprintf("清理过期结果图片失败: %v", err))
				}
			}
		}
	})

	return httpServer, nil
}

func GracefulShutdown(cancel context.CancelFunc, logger *utils.Logger, g *errgroup.Group) {
	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// 等待信号
	sig := <-sigChan
	logger.Info(fmt.Sprintf("接收到系统信号: %v，开始优雅关闭服务", sig))

	// 取消上下文，通知所有服务开始关闭
	cancel()

	// 等待所有服务关闭，设置超时保护
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error(fmt.Sprintf("服务关闭过程中出现错误: %v", err))
			os.Exit(1)
		}
		logger.Info("所有服务已优雅关闭")
	case <-time.After(15 * time.Second):
		logger.Error("服务关闭超时，强制退出")
		os.Exit(1)
	}
}

func main() {
	// 加载配置和初始化日志系统
	config, logger, err := LoadConfigAndLogger()
	if err != nil {
		fmt.Println("加载配置或初始化日志系统失败:", err)
		os.Exit(1)
	}

	// 加载 .env 文件
	err = godotenv.Load()
	if err != nil {
		logger.Warn("未找到 .env 文件，使用系统环境变量")
	}

	// 初始化数据库连接
	db, dbType, err := database.InitDB()
	if err != nil {
		logger.Error(fmt.Sprintf("数据库连接失败: %v", err))
		os.Exit(1)
	}
	logger.Info(fmt.Sprintf("数据库连接成功, 类型: %s", dbType))

	// 自动建表
	if err := db.AutoMigrate(&models.SystemConfig{}, &models.ResultArtifact{}); err != nil {
		logger.Error(fmt.Sprintf("数据库迁移失败: %v", err))
		os.Exit(1)
	}

	// 创建可取消的上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, groupCtx := errgroup.WithContext(ctx)

	// 启动 Http 服务
	if _, err := StartHttpServer(config, logger, db, g, groupCtx); err != nil {
		logger.Error(fmt.Sprintf("启动服务失败: %v", err))
		cancel()
		os.Exit(1)
	}

	// 启动优雅关机处理
	GracefulShutdown(cancel, logger, g)

	logger.Info("程序已成功退出")
}
