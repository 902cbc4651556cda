package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wisefido-wearable/internal/common/database"
	mqttcommon "wisefido-wearable/internal/common/mqtt"
	rediscommon "wisefido-wearable/internal/common/redis"
	"wisefido-wearable/internal/config"
	"wisefido-wearable/internal/consumer"
	"wisefido-wearable/internal/escalation"
	httpapi "wisefido-wearable/internal/http"
	"wisefido-wearable/internal/notify"
	"wisefido-wearable/internal/relay"
	"wisefido-wearable/internal/repository"
	"wisefido-wearable/internal/store"
	"wisefido-wearable/internal/telephony"
)

// locationCacheTTL 缓存定位的保留时长
const locationCacheTTL = 24 * time.Hour

// CompanionService 伴侣端服务（整合 SOS 接收、升级执行、电话网关与查询接口）
type CompanionService struct {
	config      *config.Config
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	db          *sql.DB
	broker      consumer.Broker
	clock       clockwork.Clock
	logger      *zap.Logger

	contacts       *store.ContactStore
	tracker        *consumer.LocationTracker
	repo           *repository.EscalationRepository // 未启用数据库时为空
	events         *notify.KafkaEventPublisher      // 未启用 Kafka 时为空
	executor       *escalation.Executor
	mqttConsumer   *consumer.MQTTSOSConsumer
	streamConsumer *consumer.StreamSOSConsumer // 仅 stream 中继
	server         *http.Server

	stopOnce sync.Once
}

// CompanionDeps 可选的外部依赖（为空表示未启用）
type CompanionDeps struct {
	DB     *sql.DB
	Events *notify.KafkaEventPublisher
}

// NewCompanionService 创建伴侣端服务
func NewCompanionService(cfg *config.Config, logger *zap.Logger) (*CompanionService, error) {
	ctx := context.Background()
	nodeID := cfg.Companion.NodeID

	// 1. 连接 Redis
	redisClient, err := rediscommon.Connect(ctx, &cfg.Redis)
	if err != nil {
		return nil, err
	}

	// 2. 连接 MQTT（遗嘱消息发布离线状态）
	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = "companion-" + nodeID
	}
	will := relay.OfflineWill(cfg.MQTT.TopicPrefix, nodeID, time.Now())
	mqttClient, err := mqttcommon.NewClient(&mqttCfg, will, logger)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}

	// 3. 可选：升级记录账本
	var deps CompanionDeps
	if cfg.Database.Enabled {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			mqttClient.Disconnect()
			_ = redisClient.Close()
			return nil, err
		}
		deps.DB = db
	}

	// 4. 可选：Kafka 事件
	if cfg.Kafka.Enabled {
		deps.Events = notify.NewKafkaEventPublisher(&cfg.Kafka, logger.Named("kafka"))
	}

	s, err := newCompanionService(ctx, cfg, redisClient, mqttClient, deps, clockwork.NewRealClock(), logger)
	if err != nil {
		if deps.DB != nil {
			_ = deps.DB.Close()
		}
		mqttClient.Disconnect()
		_ = redisClient.Close()
		return nil, err
	}
	s.mqttClient = mqttClient
	return s, nil
}

func newCompanionService(ctx context.Context, cfg *config.Config, redisClient *redis.Client, broker consumer.Broker, deps CompanionDeps, clock clockwork.Clock, logger *zap.Logger) (*CompanionService, error) {
	c := &cfg.Companion
	prefix := cfg.MQTT.TopicPrefix

	s := &CompanionService{
		config:      cfg,
		redisClient: redisClient,
		db:          deps.DB,
		broker:      broker,
		clock:       clock,
		logger:      logger,
		events:      deps.Events,
	}

	// 1. 存储与定位
	kv := store.NewRedisKV(redisClient)
	s.contacts = store.NewContactStore(kv, c.KeyPrefix)
	locations := store.NewLocationCache(kv, c.KeyPrefix, locationCacheTTL)
	s.tracker = consumer.NewLocationTracker(broker, prefix, c.NodeID, locations, clock, logger.Named("location"))

	// 2. 升级执行器依赖
	executorDeps := escalation.Deps{
		Location: s.tracker,
		Contacts: s.contacts,
		Gateway: telephony.NewClient(
			cfg.Telephony.BaseURL,
			cfg.Telephony.APIKey,
			cfg.Telephony.FromNumber,
			cfg.Telephony.Timeout,
			logger.Named("telephony"),
		),
		Notifier: notify.NewStreamNotifier(redisClient, c.NotificationStream, logger.Named("notify")),
	}
	if deps.DB != nil {
		s.repo = repository.NewEscalationRepository(deps.DB, logger.Named("repository"))
		if err := s.repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		executorDeps.Ledger = s.repo
	}
	if deps.Events != nil {
		executorDeps.Events = deps.Events
	}

	s.executor = escalation.NewExecutor(escalation.Config{
		FreshFixTimeout:  c.FreshFixTimeout,
		LocationBackstop: c.LocationBackstop,
		CallDelay:        c.CallDelay,
	}, executorDeps, clock, logger.Named("executor"))

	// 3. SOS 接收（MQTT 始终订阅，stream 中继额外消费 Streams）
	s.mqttConsumer = consumer.NewMQTTSOSConsumer(broker, prefix, c.NodeID, s.executor, clock, logger.Named("sos"))
	if cfg.Relay.Transport == "stream" {
		s.streamConsumer = consumer.NewStreamSOSConsumer(redisClient, cfg.Relay.Stream, c.ConsumerGroup, c.NodeID, s.executor, logger.Named("sos_stream"))
	}

	// 4. HTTP 接口
	router := httpapi.NewRouter()
	handler := &httpapi.CompanionHandler{
		NodeID:   c.NodeID,
		Executor: s.executor,
		Contacts: s.contacts,
		Logger:   logger.Named("api"),
	}
	if s.repo != nil {
		handler.Ledger = s.repo
	}
	handler.Register(router)
	s.server = &http.Server{
		Addr:              c.HTTP.Addr,
		Handler:           httpapi.Wrap(router, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Start 启动服务，阻塞直到 ctx 取消或 HTTP 服务出错
func (s *CompanionService) Start(ctx context.Context) error {
	nodeID := s.config.Companion.NodeID
	prefix := s.config.MQTT.TopicPrefix

	s.logger.Info("Starting companion service",
		zap.String("node_id", nodeID),
		zap.String("relay_transport", s.config.Relay.Transport),
		zap.Bool("ledger_enabled", s.repo != nil),
		zap.Bool("events_enabled", s.events != nil),
	)

	// 1. 定位订阅
	if err := s.tracker.Start(); err != nil {
		return err
	}

	// 2. SOS 订阅
	if err := s.mqttConsumer.Start(); err != nil {
		return err
	}
	if s.streamConsumer != nil {
		go func() {
			if err := s.streamConsumer.Start(ctx); err != nil {
				s.logger.Error("SOS stream consumer stopped", zap.Error(err))
			}
		}()
	}

	// 3. 发布在线状态（手表据此发现本节点）
	if err := relay.AnnouncePresence(s.broker, prefix, nodeID, relay.StatusOnline, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}

	// 4. HTTP 服务
	return serveHTTP(ctx, s.server, s.config.Companion.HTTP.ShutdownTimeout, s.logger)
}

// Stop 停止服务
func (s *CompanionService) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping companion service")

		// 主动下线，不依赖遗嘱
		if err := relay.AnnouncePresence(s.broker, s.config.MQTT.TopicPrefix, s.config.Companion.NodeID, relay.StatusOffline, s.clock.Now()); err != nil {
			s.logger.Warn("Failed to announce offline", zap.Error(err))
		}

		// 等待进行中的升级，已排期的呼叫立即发出
		s.executor.Close()

		if s.events != nil {
			if err := s.events.Close(); err != nil {
				s.logger.Error("Failed to close kafka writer", zap.Error(err))
			}
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				s.logger.Error("Failed to close database", zap.Error(err))
			}
		}
		if s.mqttClient != nil {
			s.mqttClient.Disconnect()
		}
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	})
	return nil
}
