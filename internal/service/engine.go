package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/alerts"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/config"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/consumer"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/evaluator"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/httpapi"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/ingest"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/mqtt"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/notify"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/ratelimit"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/repository"
)

// Engine 巡检引擎：组装存储、评估器、事件入口和 HTTP 服务
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	evaluator  *evaluator.Evaluator
	normalizer *ingest.Normalizer
	consumer   *consumer.SensorConsumer
	httpServer *http.Server
}

// redisPinger 把 go-redis 的 Ping 适配成健康检查探针
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// NewEngine 创建引擎并完成全部接线
func NewEngine(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		db.Close()
		redisClient.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 仓库
	patientsRepo := repository.NewPatientsRepository(db, logger)
	activityRepo := repository.NewActivityRecordsRepository(db, logger)
	alertsRepo := repository.NewAlertsRepository(db, logger)
	attemptsRepo := repository.NewNotificationAttemptsRepository(db, logger)

	// 状态机
	machine := alerts.NewStateMachine(alertsRepo, logger)

	// 通知
	var sender notify.Sender
	if cfg.Notify.WebhookURL != "" {
		sender, err = notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.Notify.Timeout, logger)
		if err != nil {
			db.Close()
			redisClient.Close()
			return nil, err
		}
	} else {
		logger.Warn("No notification webhook configured, using nop sender")
		sender = notify.NewNopSender(logger)
	}

	guard := notify.NewRedisGuard(redisClient, 30*time.Second)
	dispatcher := notify.NewDispatcher(attemptsRepo, sender, guard,
		cfg.Notify.Channel, cfg.Notify.MaxAttempts, cfg.Notify.Timeout, logger)

	// 评估器
	eval := evaluator.NewEvaluator(patientsRepo, activityRepo, machine, dispatcher,
		cfg.MonitoringConfig(), logger)

	// 限流
	var counterStore ratelimit.CounterStore
	if cfg.RateLimit.Store == "redis" {
		counterStore = ratelimit.NewRedisStore(redisClient)
	} else {
		counterStore = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.NewLimiter(counterStore, logger)

	// 归一化
	normalizer := ingest.NewNormalizer(patientsRepo, activityRepo, machine, dispatcher,
		limiter, ingest.RateLimitConfig{
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
		}, logger)

	// HTTP
	handler := httpapi.NewEngineHandler(eval, normalizer, machine, alertsRepo,
		cfg.HTTP.SchedulerSecret, db, redisPinger{client: redisClient}, logger)
	router := httpapi.NewRouter(logger)
	router.RegisterEngineRoutes(handler)

	engine := &Engine{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		evaluator:   eval,
		normalizer:  normalizer,
		httpServer: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	// MQTT（可选）
	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.NewClient(mqtt.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger)
		if err != nil {
			db.Close()
			redisClient.Close()
			return nil, err
		}
		engine.mqttClient = mqttClient
		engine.consumer = consumer.NewSensorConsumer(mqttClient, normalizer,
			cfg.MQTT.Topic, cfg.MQTT.QoS, cfg.Monitoring.StoreTimeout, logger)
	}

	return engine, nil
}

// Start 启动引擎，阻塞到上下文取消
func (e *Engine) Start(ctx context.Context) error {
	errChan := make(chan error, 2)

	go func() {
		e.logger.Info("HTTP server starting",
			zap.String("addr", e.cfg.HTTP.Addr))
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	if e.consumer != nil {
		go func() {
			if err := e.consumer.Start(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	// 内置轮询：未配置时仅由外部调度器通过 /tick 触发
	if e.cfg.Monitoring.TickInterval > 0 {
		go e.tickLoop(ctx)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// tickLoop 内置评估轮询
func (e *Engine) tickLoop(ctx context.Context) {
	e.logger.Info("Tick loop starting",
		zap.Duration("interval", e.cfg.Monitoring.TickInterval))

	ticker := time.NewTicker(e.cfg.Monitoring.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, e.cfg.Monitoring.TickInterval)
			if _, err := e.evaluator.EvaluateAll(tickCtx); err != nil {
				e.logger.Error("Scheduled tick failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Stop 优雅关闭
func (e *Engine) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.httpServer.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	if e.consumer != nil {
		if err := e.consumer.Stop(shutdownCtx); err != nil {
			e.logger.Error("MQTT consumer stop failed", zap.Error(err))
		}
	}
	if e.mqttClient != nil {
		e.mqttClient.Disconnect()
	}

	if err := e.redisClient.Close(); err != nil {
		e.logger.Error("Redis close failed", zap.Error(err))
	}
	if err := e.db.Close(); err != nil {
		e.logger.Error("Database close failed", zap.Error(err))
	}

	e.logger.Info("Engine stopped")
}
