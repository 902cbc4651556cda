package models

import "fmt"

// HeartRateThresholds 心率阈值（bpm），要求 CriticalMin < WarningMin < NormalMin
type HeartRateThresholds struct {
	CriticalMin int `json:"critical_min"` // 低于该值立即升级
	WarningMin  int `json:"warning_min"`  // 低于该值进入倒计时
	NormalMin   int `json:"normal_min"`
}

// Validate 校验阈值顺序
func (t HeartRateThresholds) Validate() error {
	if t.CriticalMin <= 0 {
		return fmt.Errorf("critical_min must be positive, got %d", t.CriticalMin)
	}
	if !(t.CriticalMin < t.WarningMin && t.WarningMin < t.NormalMin) {
		return fmt.Errorf("thresholds must satisfy critical < warning < normal, got %d/%d/%d",
			t.CriticalMin, t.WarningMin, t.NormalMin)
	}
	return nil
}

// ThresholdTable 阈值配置表（按规则优先级：睡眠 > OFF模式 > 钓鱼 > 剧烈运动 > 默认）
type ThresholdTable struct {
	Sleeping HeartRateThresholds `json:"sleeping"`
	ModeOff  HeartRateThresholds `json:"mode_off"`
	Fishing  HeartRateThresholds `json:"fishing"`
	Vigorous HeartRateThresholds `json:"vigorous"`
	Default  HeartRateThresholds `json:"default"`
}

// DefaultThresholdTable 默认阈值表
func DefaultThresholdTable() ThresholdTable {
	return ThresholdTable{
		Sleeping: HeartRateThresholds{CriticalMin: 35, WarningMin: 45, NormalMin: 50},
		ModeOff:  HeartRateThresholds{CriticalMin: 70, WarningMin: 75, NormalMin: 80},
		Fishing:  HeartRateThresholds{CriticalMin: 42, WarningMin: 52, NormalMin: 60},
		Vigorous: HeartRateThresholds{CriticalMin: 50, WarningMin: 60, NormalMin: 70},
		Default:  HeartRateThresholds{CriticalMin: 40, WarningMin: 50, NormalMin: 60},
	}
}

// Validate 校验每一行阈值
func (t ThresholdTable) Validate() error {
	rows := []struct {
		name string
		th   HeartRateThresholds
	}{
		{"sleeping", t.Sleeping},
		{"mode_off", t.ModeOff},
		{"fishing", t.Fishing},
		{"vigorous", t.Vigorous},
		{"default", t.Default},
	}
	for _, row := range rows {
		if err := row.th.Validate(); err != nil {
			return fmt.Errorf("threshold row %s: %w", row.name, err)
		}
	}
	return nil
}
