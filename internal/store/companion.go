package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"wisefido-wearable/internal/models"
)

// ErrInvalidNumber 号码格式不正确
var ErrInvalidNumber = errors.New("invalid phone number")

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ()-]{2,19}$`)

// ContactStore 紧急联系人号码
type ContactStore struct {
	kv  KV
	key string
}

// NewContactStore 创建联系人存储
func NewContactStore(kv KV, prefix string) *ContactStore {
	return &ContactStore{kv: kv, key: prefix + "emergency_number"}
}

// EmergencyNumber 读取紧急联系人号码，未配置时返回空串
func (s *ContactStore) EmergencyNumber(ctx context.Context) (string, error) {
	val, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, ErrMiss) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read emergency number: %w", err)
	}
	return strings.TrimSpace(val), nil
}

// SetEmergencyNumber 保存号码，空串表示清除
func (s *ContactStore) SetEmergencyNumber(ctx context.Context, number string) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return s.kv.Del(ctx, s.key)
	}
	if !phonePattern.MatchString(number) {
		return fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	return s.kv.Set(ctx, s.key, number, 0)
}

// LocationCache 最近一次定位
type LocationCache struct {
	kv  KV
	key string
	ttl time.Duration
}

// NewLocationCache 创建定位缓存（ttl 为 0 表示不过期）
func NewLocationCache(kv KV, prefix string, ttl time.Duration) *LocationCache {
	return &LocationCache{kv: kv, key: prefix + "location:last", ttl: ttl}
}

// Save 保存定位
func (c *LocationCache) Save(ctx context.Context, fix models.LocationFix) error {
	data, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	return c.kv.Set(ctx, c.key, string(data), c.ttl)
}

// Last 读取最近一次定位，无缓存时返回 ErrMiss
func (c *LocationCache) Last(ctx context.Context) (*models.LocationFix, error) {
	val, err := c.kv.Get(ctx, c.key)
	if err != nil {
		return nil, err
	}
	var fix models.LocationFix
	if err := json.Unmarshal([]byte(val), &fix); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &fix, nil
}
