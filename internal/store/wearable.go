package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"wisefido-wearable/internal/models"
)

// MeasurementStore 上次测量结果（平均值与时间戳分别存储，可独立缺失）
type MeasurementStore struct {
	kv     KV
	prefix string
}

// NewMeasurementStore 创建测量结果存储
func NewMeasurementStore(kv KV, prefix string) *MeasurementStore {
	return &MeasurementStore{kv: kv, prefix: prefix}
}

func (s *MeasurementStore) averageKey() string   { return s.prefix + "hr:last_average" }
func (s *MeasurementStore) timestampKey() string { return s.prefix + "hr:last_timestamp" }

// GetLastMeasurement 读取上次测量结果，两个键都不存在时返回空记录
func (s *MeasurementStore) GetLastMeasurement(ctx context.Context) (*models.LastMeasurement, error) {
	m := &models.LastMeasurement{}

	avg, err := s.getInt(ctx, s.averageKey())
	if err != nil {
		return nil, err
	}
	if avg != nil {
		v := int(*avg)
		m.Average = &v
	}

	ts, err := s.getInt(ctx, s.timestampKey())
	if err != nil {
		return nil, err
	}
	m.Timestamp = ts
	return m, nil
}

// SetLastMeasurement 写入测量结果（空字段不覆盖）
func (s *MeasurementStore) SetLastMeasurement(ctx context.Context, m *models.LastMeasurement) error {
	if m == nil {
		return nil
	}
	if m.Average != nil {
		if err := s.kv.Set(ctx, s.averageKey(), strconv.Itoa(*m.Average), 0); err != nil {
			return fmt.Errorf("failed to save last average: %w", err)
		}
	}
	if m.Timestamp != nil {
		if err := s.kv.Set(ctx, s.timestampKey(), strconv.FormatInt(*m.Timestamp, 10), 0); err != nil {
			return fmt.Errorf("failed to save last timestamp: %w", err)
		}
	}
	return nil
}

func (s *MeasurementStore) getInt(ctx context.Context, key string) (*int64, error) {
	val, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// 损坏的值按缺失处理
		return nil, nil
	}
	return &n, nil
}

// ModeStore 当前活动模式
type ModeStore struct {
	kv  KV
	key string
}

// NewModeStore 创建活动模式存储
func NewModeStore(kv KV, prefix string) *ModeStore {
	return &ModeStore{kv: kv, key: prefix + "activity_mode"}
}

// Get 读取活动模式，未设置或无法识别时为 OFF
func (s *ModeStore) Get(ctx context.Context) (models.ActivityMode, error) {
	val, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, ErrMiss) {
		return models.ActivityModeOff, nil
	}
	if err != nil {
		return models.ActivityModeOff, fmt.Errorf("failed to read activity mode: %w", err)
	}
	mode, ok := models.ParseActivityMode(val)
	if !ok {
		return models.ActivityModeOff, nil
	}
	return mode, nil
}

// Set 保存活动模式
func (s *ModeStore) Set(ctx context.Context, mode models.ActivityMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid activity mode %q", mode)
	}
	return s.kv.Set(ctx, s.key, string(mode), 0)
}
