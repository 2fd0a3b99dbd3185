// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HavinduLiyanage/BidWizer-sub002/internal/config"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/handler"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/index"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/middleware"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/pipeline"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/repository"
	"github.com/HavinduLiyanage/BidWizer-sub002/internal/service"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/database"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/embedding"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/extract"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/log"
	"github.com/HavinduLiyanage/BidWizer-sub002/pkg/storage"
	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 和对象存储
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	store, err := storage.NewMinioStore(cfg.MinIO)
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}

	// 4. 初始化 Repository
	docRepo := repository.NewDocumentRepository(database.DB)
	artifactRepo := repository.NewIndexArtifactRepository(database.DB)
	progressRepo := repository.NewProgressRepository(database.RDB)

	// 5. 初始化外部服务客户端
	tikaClient := extract.NewClient(cfg.Tika)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	cachedEmbedder := embedding.NewCachedClient(embeddingClient, cfg.Embedding.CacheSize)

	// 6. 初始化流水线队列客户端与阶段 worker
	queue := pipeline.NewClient(cfg.Kafka, database.RDB, cfg.Index.LockTTL())
	defer queue.Close()
	workers := pipeline.NewWorkers(
		cfg.Index,
		cfg.Embedding,
		store,
		tikaClient,
		embeddingClient,
		docRepo,
		artifactRepo,
		progressRepo,
		queue,
	)

	// 7. 启动每个阶段的后台 Kafka 消费者
	consumerCtx, cancelConsumers := context.WithCancel(context.Background())
	defer cancelConsumers()
	for _, stage := range pipeline.Stages {
		go pipeline.RunConsumer(
			consumerCtx,
			cfg.Kafka,
			database.RDB,
			stage,
			cfg.Index.WorkerConcurrency,
			workers.HandlerFor(stage),
			workers.TerminalFailure,
		)
	}

	// 8. 初始化产物缓存、加载器与服务层
	artifactCache := index.NewArtifactCache(
		cfg.Index.CacheMaxEntries,
		cfg.Index.CacheMaxSizeBytes,
		func(artifact *index.LoadedArtifact, docHash string) {
			if err := artifact.Close(); err != nil {
				log.Warnf("[ArtifactCache] 释放产物资源失败, docHash=%s: %v", docHash, err)
				return
			}
			log.Infof("[ArtifactCache] 产物已逐出并释放, docHash=%s", docHash)
		},
	)
	loader := index.NewLoader(store)
	indexService := service.NewIndexService(
		cfg.Index,
		docRepo,
		artifactRepo,
		progressRepo,
		queue,
		loader,
		artifactCache,
		cachedEmbedder,
	)

	// 9. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 10. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		indexHandler := handler.NewIndexHandler(indexService)
		searchHandler := handler.NewSearchHandler(indexService)

		// 索引构建路由组
		documents := apiV1.Group("/tenders/:tenderId/documents/:docHash")
		{
			documents.POST("/index", indexHandler.EnsureIndex)
			documents.GET("/index/status", indexHandler.BuildStatus)
			documents.GET("/index/progress", indexHandler.Progress)
		}

		// 缓存管理路由
		apiV1.DELETE("/index/cache/:docHash", indexHandler.ReleaseCache)

		// 语义检索路由
		apiV1.POST("/search", searchHandler.Search)
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 先停消费者，保证在途任务不再启动新阶段
	cancelConsumers()

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// 清空产物缓存，触发所有检索器的资源释放
	artifactCache.Clear()
	log.Info("服务已优雅关闭")
}
