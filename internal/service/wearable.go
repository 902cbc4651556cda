package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	mqttcommon "wisefido-wearable/internal/common/mqtt"
	rediscommon "wisefido-wearable/internal/common/redis"
	"wisefido-wearable/internal/config"
	"wisefido-wearable/internal/consumer"
	"wisefido-wearable/internal/countdown"
	"wisefido-wearable/internal/evaluator"
	httpapi "wisefido-wearable/internal/http"
	"wisefido-wearable/internal/relay"
	"wisefido-wearable/internal/sampler"
	"wisefido-wearable/internal/store"
)

const vibrationInterval = time.Second

// sosRelay SOS 中继（MQTT 或 Streams）
type sosRelay interface {
	Trigger(reason string)
	Close()
}

// WearableService 手表端服务（整合采样、倒计时、中继与控制接口）
type WearableService struct {
	config      *config.Config
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	broker      consumer.Broker
	clock       clockwork.Clock
	logger      *zap.Logger

	modes        *store.ModeStore
	measurements *store.MeasurementStore
	registry     *relay.NodeRegistry // 仅 mqtt 中继
	relay        sosRelay
	controller   *countdown.Controller
	sampler      *sampler.HeartRateSampler
	scheduler    *sampler.Scheduler
	server       *http.Server

	stopOnce sync.Once
}

// NewWearableService 创建手表端服务
func NewWearableService(cfg *config.Config, logger *zap.Logger) (*WearableService, error) {
	ctx := context.Background()

	// 1. 连接 Redis
	redisClient, err := rediscommon.Connect(ctx, &cfg.Redis)
	if err != nil {
		return nil, err
	}

	// 2. 连接 MQTT
	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = "wearable-" + cfg.Wearable.DeviceID
	}
	mqttClient, err := mqttcommon.NewClient(&mqttCfg, nil, logger)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}

	s, err := newWearableService(cfg, redisClient, mqttClient, clockwork.NewRealClock(), logger)
	if err != nil {
		mqttClient.Disconnect()
		_ = redisClient.Close()
		return nil, err
	}
	s.mqttClient = mqttClient
	return s, nil
}

func newWearableService(cfg *config.Config, redisClient *redis.Client, broker consumer.Broker, clock clockwork.Clock, logger *zap.Logger) (*WearableService, error) {
	w := &cfg.Wearable
	prefix := cfg.MQTT.TopicPrefix

	// 1. 阈值策略
	policy, err := evaluator.NewThresholdPolicy(w.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("invalid threshold table: %w", err)
	}

	// 2. 存储
	kv := store.NewRedisKV(redisClient)
	modes := store.NewModeStore(kv, w.KeyPrefix)
	measurements := store.NewMeasurementStore(kv, w.KeyPrefix)

	// 3. SOS 中继
	s := &WearableService{
		config:       cfg,
		redisClient:  redisClient,
		broker:       broker,
		clock:        clock,
		logger:       logger,
		modes:        modes,
		measurements: measurements,
	}
	switch cfg.Relay.Transport {
	case "stream":
		s.relay = relay.NewStreamRelay(redisClient, cfg.Relay.Stream, w.DeviceID, clock, logger.Named("relay"))
	default:
		s.registry = relay.NewNodeRegistry(prefix, clock, logger.Named("registry"))
		s.relay = relay.NewMQTTRelay(w.DeviceID, prefix, s.registry, broker, logger.Named("relay"))
	}

	// 4. 倒计时（振动提醒 + 超时升级）
	vibrationTopic := w.VibrationTopic
	if vibrationTopic == "" {
		vibrationTopic = mqttcommon.VibrationTopic(prefix, w.DeviceID)
	}
	alerter := countdown.NewVibrationAlerter(broker, vibrationTopic, vibrationInterval, clock, logger.Named("vibration"))
	s.controller = countdown.NewController(w.CountdownDuration, clock, alerter, s.relay, logger.Named("countdown"))
	s.controller.Subscribe(func(evt countdown.Event) {
		if evt.State.Terminal() {
			logger.Info("Countdown finished", zap.String("state", string(evt.State)))
		}
	})

	// 5. 采样器与调度
	sensor := consumer.NewMQTTSensor(broker, prefix, w.DeviceID, clock, logger.Named("sensor"))
	s.sampler = sampler.NewHeartRateSampler(sensor, policy, s.relay, s.controller, measurements, sampler.Options{
		WarmupSkip:      w.Measurement.WarmupSkip,
		HeartRateWindow: w.Window.HeartRate,
		MotionWindow:    w.Window.Motion,
		Clock:           clock,
	}, logger.Named("sampler"))
	s.scheduler = sampler.NewScheduler(s.sampler, w.Measurement.Interval, w.Measurement.Duration, clock, logger.Named("scheduler"))

	// 6. HTTP 控制接口
	router := httpapi.NewRouter()
	handler := &httpapi.WearableHandler{
		Sampler:      s.sampler,
		Modes:        modes,
		Measurements: measurements,
		Countdown:    s.controller,
		Relay:        s.relay,
		Logger:       logger.Named("api"),
	}
	handler.Register(router)
	s.server = &http.Server{
		Addr:              w.HTTP.Addr,
		Handler:           httpapi.Wrap(router, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Start 启动服务，阻塞直到 ctx 取消或 HTTP 服务出错
func (s *WearableService) Start(ctx context.Context) error {
	s.logger.Info("Starting wearable service",
		zap.String("device_id", s.config.Wearable.DeviceID),
		zap.String("relay_transport", s.config.Relay.Transport),
	)

	// 1. 恢复持久化的活动模式
	mode, err := s.modes.Get(ctx)
	if err != nil {
		s.logger.Warn("Failed to load activity mode, using OFF", zap.Error(err))
	}
	s.sampler.SetActivityMode(mode)

	// 2. 伴侣节点发现
	if s.registry != nil {
		if err := s.registry.Start(s.broker); err != nil {
			return fmt.Errorf("failed to start node registry: %w", err)
		}
	}

	// 3. 测量调度
	go s.scheduler.Run(ctx)

	// 4. HTTP 服务
	return serveHTTP(ctx, s.server, s.config.Wearable.HTTP.ShutdownTimeout, s.logger)
}

// Stop 停止服务
func (s *WearableService) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping wearable service")

		s.sampler.Stop(context.Background())
		s.controller.Close()
		s.relay.Close()

		if s.mqttClient != nil {
			s.mqttClient.Disconnect()
		}
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	})
	return nil
}

// serveHTTP 运行 HTTP 服务，ctx 取消后优雅关闭
func serveHTTP(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	return nil
}
