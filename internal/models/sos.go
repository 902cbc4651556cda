package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SOSRequest 紧急求助请求（创建后不可修改，按值传递）
type SOSRequest struct {
	RequestID      string    `json:"request_id"` // 关联ID，同时作为升级ID
	Reason         string    `json:"reason"`
	OriginDeviceID string    `json:"origin_device_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewSOSRequest 创建 SOS 请求并分配关联ID
func NewSOSRequest(reason, originDeviceID string, at time.Time) SOSRequest {
	return SOSRequest{
		RequestID:      uuid.New().String(),
		Reason:         reason,
		OriginDeviceID: originDeviceID,
		Timestamp:      at,
	}
}

// LocationFix 定位结果
type LocationFix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"` // 米
	Timestamp time.Time `json:"timestamp"`
}

// LocationSource 定位来源
type LocationSource string

const (
	LocationSourceFresh       LocationSource = "fresh"
	LocationSourceCached      LocationSource = "cached"
	LocationSourceUnavailable LocationSource = "unavailable"
)

// LocationUnavailableText 无定位时写入短信的占位文本
const LocationUnavailableText = "location unavailable"

// ResolvedLocation 定位解析结果
type ResolvedLocation struct {
	Fix    *LocationFix
	Source LocationSource
}

// UnavailableLocation 不可用定位
func UnavailableLocation() ResolvedLocation {
	return ResolvedLocation{Source: LocationSourceUnavailable}
}

// Link 返回地图链接，无定位时返回占位文本
func (r ResolvedLocation) Link() string {
	if r.Fix == nil || r.Source == LocationSourceUnavailable {
		return LocationUnavailableText
	}
	return MapsLink(*r.Fix)
}

// MapsLink 生成地图搜索链接
func MapsLink(fix LocationFix) string {
	return fmt.Sprintf("https://www.google.com/maps/search/?api=1&query=%f,%f", fix.Latitude, fix.Longitude)
}
