package matcher

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Weights 是软性打分的维度权重配置。
// 三个维度对应需求与简历的三套技能体系，载入后会归一化到和为 1。
type Weights struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
	// WarnThreshold 以下的维度得分会生成软性告警文案。
	WarnThreshold float64 `yaml:"warn_threshold"`
}

// DefaultWeights 返回内置权重。
func DefaultWeights() Weights {
	return Weights{X: 0.5, Y: 0.3, Z: 0.2, WarnThreshold: 0.4}
}

// LoadWeights 从 YAML 文件载入权重，path 为空时返回内置权重。
func LoadWeights(path string) (Weights, error) {
	w := DefaultWeights()
	if path == "" {
		return w, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return w, fmt.Errorf("read weights file: %w", err)
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("parse weights file: %w", err)
	}
	return w.normalized()
}

// normalized 校验并归一化权重，全零视为配置错误。
func (w Weights) normalized() (Weights, error) {
	if w.X < 0 || w.Y < 0 || w.Z < 0 {
		return w, fmt.Errorf("weights must not be negative: x=%v y=%v z=%v", w.X, w.Y, w.Z)
	}
	sum := w.X + w.Y + w.Z
	if sum == 0 {
		return w, fmt.Errorf("weights sum to zero")
	}
	w.X /= sum
	w.Y /= sum
	w.Z /= sum
	if w.WarnThreshold <= 0 || w.WarnThreshold > 1 {
		w.WarnThreshold = DefaultWeights().WarnThreshold
	}
	return w, nil
}

// 语言等级阶梯。需求声明的等级是下限，简历等级不低于它才放行。
var (
	japaneseLadder = map[string]int{
		"n5": 1, "n4": 2, "n3": 3, "n2": 4, "n1": 5, "native": 6,
	}
	englishLadder = map[string]int{
		"basic": 1, "daily": 2, "business": 3, "native": 4,
	}
)

// JapaneseRank 返回日语等级在阶梯中的位置，未知等级返回 0。
func JapaneseRank(level string) int {
	return japaneseLadder[strings.ToLower(strings.TrimSpace(level))]
}

// EnglishRank 返回英语等级在阶梯中的位置，未知等级返回 0。
func EnglishRank(level string) int {
	return englishLadder[strings.ToLower(strings.TrimSpace(level))]
}
