package models

import "time"

// SensorSample 心率样本（value <= 0 表示无效读数）
type SensorSample struct {
	Value     int       `json:"bpm"`
	Timestamp time.Time `json:"timestamp"`
}

// MotionSample 运动传感器样本
type MotionSample struct {
	Movement      float64   `json:"movement"`       // 加速度幅值
	Position      float64   `json:"position"`       // 姿态/位置读数
	ActivityLevel int       `json:"activity_level"` // 原始活动量
	Timestamp     time.Time `json:"timestamp"`
}

// LastMeasurement 上次测量会话结果，两个字段可独立为空
type LastMeasurement struct {
	Average   *int   `json:"average,omitempty"`
	Timestamp *int64 `json:"timestamp,omitempty"` // epoch 毫秒
}
