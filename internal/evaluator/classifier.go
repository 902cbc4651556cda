package evaluator

import (
	"wisefido-wearable/internal/models"
)

// ClassifierInput 状态分类输入
// 所有切片均为窗口快照，分类过程只读不写
type ClassifierInput struct {
	Mode          models.ActivityMode
	HeartRates    []int     // 有效心率窗口（bpm > 0）
	Movements     []float64 // 运动幅值窗口
	Positions     []float64 // 姿态读数窗口
	Hour          int       // 本地时间小时 [0, 23]
	ActivityLevel int       // 最新原始活动量
}

const (
	marineSleepThreshold = 0.8 // 户外模式睡眠判定阈值（严格大于）
	normalSleepThreshold = 0.7 // 普通模式睡眠判定阈值（严格大于）

	stableHeartRateSpread = 15 // 心率窗口 max-min 小于该值视为平稳
	fullCoverageSamples   = 5  // 心率样本数达到该值时置信度不再折减

	vigorousActivity = 100
	moderateActivity = 30
)

// modeWeights 户外模式下各项评分权重
type modeWeights struct {
	activity  float64
	heartRate float64
	position  float64
}

var marineWeights = map[models.ActivityMode]modeWeights{
	models.ActivityModeFishing: {activity: 0.3, heartRate: 0.4, position: 0.3},
	models.ActivityModeBoating: {activity: 0.2, heartRate: 0.5, position: 0.3},
}

var defaultModeWeights = modeWeights{activity: 0.4, heartRate: 0.4, position: 0.2}

// ClassifyUserState 根据模式与传感器窗口推断用户状态
// 纯函数：不做 I/O，不持有锁，空窗口时退化为安全默认值
func ClassifyUserState(in ClassifierInput) models.UserState {
	mode := in.Mode
	if !mode.Valid() {
		mode = models.ActivityModeOff
	}

	activity := activityScore(mode, in.Movements)
	heartRate := heartRateStabilityScore(in.HeartRates)
	position := positionScore(in.Positions)

	var score, threshold float64
	var method string
	if mode != models.ActivityModeOff {
		w, ok := marineWeights[mode]
		if !ok {
			w = defaultModeWeights
		}
		score = activity*w.activity + heartRate*w.heartRate + position*w.position
		threshold = marineSleepThreshold
		method = "activity-mode"
	} else {
		score = timeOfDayScore(in.Hour)*0.3 + activity*0.4 + heartRate*0.3 + position*0.2
		threshold = normalSleepThreshold
		method = "normal-mode"
	}

	sleeping := score > threshold

	return models.UserState{
		IsSleeping:      sleeping,
		ActivityLevel:   activityLevel(sleeping, in.ActivityLevel),
		ActivityMode:    mode,
		Confidence:      confidence(score, sleeping, len(in.HeartRates)),
		DetectionMethod: method,
	}
}

// activityScore 运动方差越低，越可能处于睡眠
// 运动窗口为空时视为未知，取最低分
func activityScore(mode models.ActivityMode, movements []float64) float64 {
	v, ok := variance(movements)
	if !ok {
		return 0.1
	}

	switch mode {
	case models.ActivityModeFishing:
		switch {
		case v < 2:
			return 0.7
		case v < 5:
			return 0.3
		}
	case models.ActivityModeBoating:
		switch {
		case v < 3:
			return 0.8
		case v < 8:
			return 0.4
		}
	default:
		switch {
		case v < 5:
			return 0.9
		case v < 15:
			return 0.6
		case v < 30:
			return 0.3
		}
	}
	return 0.1
}

// heartRateStabilityScore 心率窗口平稳返回 0.8，否则 0.2
func heartRateStabilityScore(heartRates []int) float64 {
	if len(heartRates) == 0 {
		return 0.2
	}
	lo, hi := heartRates[0], heartRates[0]
	for _, hr := range heartRates[1:] {
		if hr < lo {
			lo = hr
		}
		if hr > hi {
			hi = hr
		}
	}
	if hi-lo < stableHeartRateSpread {
		return 0.8
	}
	return 0.2
}

// positionScore 姿态稳定度 = 1/(1+方差)
func positionScore(positions []float64) float64 {
	v, ok := variance(positions)
	if !ok {
		return 0.1
	}
	stability := 1 / (1 + v)

	switch {
	case stability > 0.9:
		return 0.8
	case stability > 0.7:
		return 0.6
	case stability > 0.5:
		return 0.3
	default:
		return 0.1
	}
}

// timeOfDayScore 22:00 - 06:59 为夜间
func timeOfDayScore(hour int) float64 {
	if hour >= 22 || hour <= 6 {
		return 1.0
	}
	return 0.0
}

func activityLevel(sleeping bool, raw int) models.ActivityLevel {
	switch {
	case sleeping:
		return models.ActivityLevelSleeping
	case raw > vigorousActivity:
		return models.ActivityLevelVigorous
	case raw > moderateActivity:
		return models.ActivityLevelModerate
	default:
		return models.ActivityLevelResting
	}
}

// confidence 判定置信度 × 心率样本覆盖率
func confidence(score float64, sleeping bool, samples int) float64 {
	decision := 1 - score
	if sleeping {
		decision = score
	}
	decision = clamp01(decision)

	coverage := float64(samples) / fullCoverageSamples
	if coverage > 1 {
		coverage = 1
	}
	return decision * coverage
}

// variance 总体方差，空窗口返回 ok=false
func variance(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(values)), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
