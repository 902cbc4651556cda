package models

import "strings"

// ActivityMode 佩戴者在手表上选择的活动模式
type ActivityMode string

const (
	ActivityModeOff     ActivityMode = "OFF"     // 普通模式（未选择户外活动）
	ActivityModeFishing ActivityMode = "FISHING" // 钓鱼
	ActivityModeBoating ActivityMode = "BOATING" // 划船/出海
	ActivityModeDiving  ActivityMode = "DIVING"  // 潜水
	ActivityModeGeneral ActivityMode = "GENERAL" // 一般海上活动
)

// Valid 是否为已知模式
func (m ActivityMode) Valid() bool {
	switch m {
	case ActivityModeOff, ActivityModeFishing, ActivityModeBoating, ActivityModeDiving, ActivityModeGeneral:
		return true
	}
	return false
}

// ParseActivityMode 解析活动模式（大小写不敏感，空串视为 OFF）
func ParseActivityMode(s string) (ActivityMode, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ActivityModeOff, true
	}
	m := ActivityMode(s)
	return m, m.Valid()
}

// ActivityLevel 活动强度
type ActivityLevel string

const (
	ActivityLevelSleeping ActivityLevel = "SLEEPING"
	ActivityLevelResting  ActivityLevel = "RESTING"
	ActivityLevelLight    ActivityLevel = "LIGHT"
	ActivityLevelModerate ActivityLevel = "MODERATE"
	ActivityLevelVigorous ActivityLevel = "VIGOROUS"
)

// UserState 状态分类结果（值对象，每个样本重新计算）
type UserState struct {
	IsSleeping      bool          `json:"is_sleeping"`
	ActivityLevel   ActivityLevel `json:"activity_level"`
	ActivityMode    ActivityMode  `json:"activity_mode"`
	Confidence      float64       `json:"confidence"`       // [0, 1]
	DetectionMethod string        `json:"detection_method"` // 如 "activity-mode", "normal-mode"
}

// SafeDefaultState 无法分类时使用的安全默认状态（非睡眠）
func SafeDefaultState(mode ActivityMode) UserState {
	if !mode.Valid() {
		mode = ActivityModeOff
	}
	return UserState{
		IsSleeping:      false,
		ActivityLevel:   ActivityLevelResting,
		ActivityMode:    mode,
		Confidence:      0,
		DetectionMethod: "default",
	}
}
