package escalation

import (
	"context"

	"go.uber.org/zap"

	"wisefido-wearable/internal/models"
)

// LocationProvider 定位来源
type LocationProvider interface {
	// CurrentFix 请求一次新鲜定位，需遵守 ctx 超时
	CurrentFix(ctx context.Context) (*models.LocationFix, error)
	// LastFix 最近一次已知定位
	LastFix(ctx context.Context) (*models.LocationFix, error)
}

// resolveLocation 新鲜定位 -> 缓存定位 -> 不可用
// 整个过程受时钟兜底超时约束，提供方不回调也会结束
func (e *Executor) resolveLocation(ctx context.Context, logger *zap.Logger) models.ResolvedLocation {
	if e.location == nil {
		return models.UnavailableLocation()
	}

	result := make(chan models.ResolvedLocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Location provider panicked", zap.Any("panic", r))
				result <- models.UnavailableLocation()
			}
		}()
		result <- e.locationChain(ctx, logger)
	}()

	backstop := e.clock.NewTimer(e.cfg.LocationBackstop)
	defer backstop.Stop()

	select {
	case loc := <-result:
		return loc
	case <-backstop.Chan():
		logger.Warn("Location resolution timed out", zap.Duration("backstop", e.cfg.LocationBackstop))
		return models.UnavailableLocation()
	case <-ctx.Done():
		return models.UnavailableLocation()
	}
}

func (e *Executor) locationChain(ctx context.Context, logger *zap.Logger) models.ResolvedLocation {
	// 新鲜定位的超时同样走注入的时钟
	freshCtx, cancel := context.WithCancel(ctx)
	freshTimer := e.clock.AfterFunc(e.cfg.FreshFixTimeout, cancel)
	fix, err := e.location.CurrentFix(freshCtx)
	freshTimer.Stop()
	cancel()
	if err == nil && fix != nil {
		return models.ResolvedLocation{Fix: fix, Source: models.LocationSourceFresh}
	}
	logger.Info("Fresh location unavailable, falling back to last fix", zap.Error(err))

	fix, err = e.location.LastFix(ctx)
	if err == nil && fix != nil {
		return models.ResolvedLocation{Fix: fix, Source: models.LocationSourceCached}
	}
	logger.Warn("No location available", zap.Error(models.ErrLocationUnavailable))
	return models.UnavailableLocation()
}
