// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"doc-intel-go/internal/config"
	"doc-intel-go/internal/handler"
	"doc-intel-go/internal/metrics"
	"doc-intel-go/internal/middleware"
	"doc-intel-go/internal/pipeline"
	"doc-intel-go/internal/repository"
	"doc-intel-go/internal/service"
	"doc-intel-go/pkg/database"
	"doc-intel-go/pkg/embedding"
	"doc-intel-go/pkg/es"
	"doc-intel-go/pkg/kafka"
	"doc-intel-go/pkg/llm"
	"doc-intel-go/pkg/log"
	"doc-intel-go/pkg/storage"
	"doc-intel-go/pkg/tika"
	"doc-intel-go/pkg/token"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
)

func main() {
	// 1. 初始化配置
	configPath := "./configs/config.yaml"
	if p := os.Getenv("DOCINTEL_CONFIG"); p != "" {
		configPath = p
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 与对象存储
	database.Init(cfg.Database)
	if err := repository.Migrate(database.DB); err != nil {
		log.Fatal("数据库迁移失败", err)
	}
	database.InitRedis(cfg.Database.Redis)

	objects := storage.NewMemoryStore()
	if cfg.MinIO.Endpoint != "" {
		if err := storage.InitMinIO(cfg.MinIO); err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		objects = storage.NewMinioStore(storage.MinioClient, cfg.MinIO.BucketName)
	} else {
		log.Warnf("未配置 MinIO，原始文件仅保存在内存中")
	}

	// 4. 初始化向量索引
	var index repository.VectorIndex
	switch cfg.VectorIndex.Backend {
	case "elasticsearch":
		if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
			log.Fatal("es 初始化失败", err)
		}
		index = es.NewStore(es.ESClient, cfg.Elasticsearch.IndexName)
	default:
		log.Warnf("使用内存向量索引，重启后数据丢失")
		index = repository.NewMemoryVectorIndex()
	}

	// 5. 初始化 Repository 与外部服务客户端
	docRepo := repository.NewDocumentRepository(database.DB)
	queryRepo := repository.NewQueryRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.RDB)
	locker := repository.NewDocumentLocker(database.RDB, time.Duration(cfg.Ingest.LockTTLSeconds)*time.Second)

	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	tikaClient := tika.NewClient(cfg.Tika)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)

	recorder, err := metrics.NewRecorder(otel.Meter("doc-intel-go"))
	if err != nil {
		log.Fatal("注册指标失败", err)
	}

	// 6. 初始化文件处理管道 (Processor) 与 Service
	processor := pipeline.NewProcessor(
		pipeline.NewExtractor(tikaClient),
		pipeline.NewChunker(cfg.RAG),
		embeddingClient,
		index,
		docRepo,
		objects,
		locker,
		recorder,
	).WithTaskTimeout(time.Duration(cfg.Ingest.TimeoutSeconds) * time.Second)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	var wg sync.WaitGroup

	// 同步模式下 producer 必须是 nil 接口
	var producer service.TaskProducer
	var kafkaProducer *kafka.Producer
	if cfg.Ingest.Async {
		kafkaProducer = kafka.NewProducer(cfg.Kafka)
		producer = kafkaProducer
		// 7. 启动后台 Kafka 消费者
		wg.Add(1)
		go func() {
			defer wg.Done()
			kafka.StartConsumer(bgCtx, cfg.Kafka, processor, database.RDB)
		}()
	}

	modelVersion := embeddingClient.ModelVersion()
	documentService := service.NewDocumentService(docRepo, conversationRepo, index, locker, objects, processor, producer,
		modelVersion, cfg.Upload, cfg.Ingest)
	retrievalService := service.NewRetrievalService(embeddingClient, index, cfg.RAG)
	answerService := service.NewAnswerService(llmClient, cfg.LLM)
	queryService := service.NewQueryService(docRepo, queryRepo, conversationRepo, retrievalService, answerService, modelVersion, recorder)

	// 7.1 导入 seed 目录中的 PDF，已导入的文件跳过
	if cfg.Ingest.SeedDir != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seedDocuments(bgCtx, cfg.Ingest.SeedDir, cfg.Ingest.SeedUserID, docRepo, documentService)
		}()
	}

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())
	r.MaxMultipartMemory = cfg.Upload.MaxBytes() + 1<<20

	documentHandler := handler.NewDocumentHandler(documentService, cfg.Upload)
	queryHandler := handler.NewQueryHandler(queryService)

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		documents := apiV1.Group("/documents")
		documents.Use(middleware.AuthMiddleware(jwtManager))
		{
			documents.POST("", documentHandler.Upload)
			documents.GET("", documentHandler.List)
			documents.GET("/:id", documentHandler.Get)
			documents.DELETE("/:id", documentHandler.Delete)
			documents.POST("/:id/query", queryHandler.Ask)
			documents.GET("/:id/queries", queryHandler.History)
			documents.GET("/:id/conversation", queryHandler.Conversation)
		}
	}
	// WebSocket 无法携带 Authorization 头，token 放在路径中
	r.GET("/chat/:token", handler.NewChatHandler(queryService, jwtManager).Handle)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "ok", "data": nil})
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	cancelBg()
	wg.Wait()
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}

// seedDocuments 扫描目录下的 PDF 并以 ownerID 身份入库（幂等）。
func seedDocuments(ctx context.Context, dir string, ownerID uint, docRepo repository.DocumentRepository, docService service.DocumentService) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("[Seed] 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}
	if ownerID == 0 {
		log.Warnf("[Seed] 未配置 ingest.seed_user_id，跳过初始化导入")
		return
	}

	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !strings.EqualFold(filepath.Ext(path), ".pdf") {
			return nil
		}
		fileName := d.Name()
		if _, err := docRepo.FindByFileName(ownerID, fileName); err == nil {
			log.Infof("[Seed] 已存在，跳过: %s", fileName)
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("[Seed] 读取文件失败: %s, err=%v", path, err)
			return nil
		}
		doc, err := docService.Ingest(ctx, ownerID, fileName, data)
		if err != nil {
			log.Warnf("[Seed] 导入失败: %s, err=%v", fileName, err)
			return nil
		}
		log.Infof("[Seed] 导入完成: %s, documentID: %d, status: %s", fileName, doc.ID, doc.Status)
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		log.Warnf("[Seed] 遍历目录发生错误: %v", walkErr)
	}
}
