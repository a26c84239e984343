package topic

import (
	"errors"
	"strings"
)

var (
	ErrEmptyPattern     = errors.New("topic pattern is empty")
	ErrMisplacedHashTag = errors.New("'#' must be the last character of a topic pattern")
)

// Matches 判断主题是否匹配订阅模式
// - 完全相等即匹配
// - 以 '#' 结尾：按 '#' 之前的字面前缀做字符串前缀匹配（不检查层级边界）
// - 含 '+'：按 '/' 分段，段数必须相同，'+' 匹配任意单段，其余段字面相等
func Matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	if strings.HasSuffix(pattern, "#") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}

	if strings.Contains(pattern, "+") {
		patternParts := strings.Split(pattern, "/")
		topicParts := strings.Split(topic, "/")
		if len(patternParts) != len(topicParts) {
			return false
		}
		for i, p := range patternParts {
			if p == "+" {
				continue
			}
			if p != topicParts[i] {
				return false
			}
		}
		return true
	}

	return false
}

// MatchAny 返回第一个匹配的模式
func MatchAny(patterns []string, topic string) (string, bool) {
	for _, p := range patterns {
		if Matches(p, topic) {
			return p, true
		}
	}
	return "", false
}

// Validate 校验订阅模式（用于配置加载，匹配本身不会失败）
func Validate(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return ErrEmptyPattern
	}
	if i := strings.Index(pattern, "#"); i >= 0 && i != len(pattern)-1 {
		return ErrMisplacedHashTag
	}
	return nil
}
