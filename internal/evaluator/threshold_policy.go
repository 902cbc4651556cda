package evaluator

import (
	"wisefido-wearable/internal/models"
)

// thresholdRule 阈值规则：按顺序匹配，先匹配者生效
type thresholdRule struct {
	name  string
	match func(state models.UserState) bool
	pick  func(table models.ThresholdTable) models.HeartRateThresholds
}

var thresholdRules = []thresholdRule{
	{
		name:  "sleeping",
		match: func(s models.UserState) bool { return s.IsSleeping },
		pick:  func(t models.ThresholdTable) models.HeartRateThresholds { return t.Sleeping },
	},
	{
		name:  "mode_off",
		match: func(s models.UserState) bool { return s.ActivityMode == models.ActivityModeOff },
		pick:  func(t models.ThresholdTable) models.HeartRateThresholds { return t.ModeOff },
	},
	{
		name:  "fishing",
		match: func(s models.UserState) bool { return s.ActivityMode == models.ActivityModeFishing },
		pick:  func(t models.ThresholdTable) models.HeartRateThresholds { return t.Fishing },
	},
	{
		name:  "vigorous",
		match: func(s models.UserState) bool { return s.ActivityLevel == models.ActivityLevelVigorous },
		pick:  func(t models.ThresholdTable) models.HeartRateThresholds { return t.Vigorous },
	},
}

// ThresholdPolicy 状态 -> 心率阈值 映射
type ThresholdPolicy struct {
	table models.ThresholdTable
}

// NewThresholdPolicy 创建阈值策略，阈值表非法时返回错误
func NewThresholdPolicy(table models.ThresholdTable) (*ThresholdPolicy, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &ThresholdPolicy{table: table}, nil
}

// DefaultThresholdPolicy 使用默认阈值表
func DefaultThresholdPolicy() *ThresholdPolicy {
	return &ThresholdPolicy{table: models.DefaultThresholdTable()}
}

// Thresholds 返回状态对应的阈值
func (p *ThresholdPolicy) Thresholds(state models.UserState) models.HeartRateThresholds {
	th, _ := p.Match(state)
	return th
}

// Match 返回阈值及命中的规则名
func (p *ThresholdPolicy) Match(state models.UserState) (models.HeartRateThresholds, string) {
	for _, rule := range thresholdRules {
		if rule.match(state) {
			return rule.pick(p.table), rule.name
		}
	}
	return p.table.Default, "default"
}

// Table 当前阈值表
func (p *ThresholdPolicy) Table() models.ThresholdTable {
	return p.table
}
