package utils

import (
	"os"
	"strconv"
	"strings"
)

// GetProjectDir 获取项目根目录
func GetProjectDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return dir
}

// Clamp 将 v 限制到 [lo, hi] 区间
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ParseIntDefault 解析整数，失败时返回默认值
func ParseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

// SplitLabels 把逗号分隔的标签列表拆成去重后的小写集合
func SplitLabels(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var labels []string
	for _, part := range strings.Split(s, ",") {
		label := strings.ToLower(strings.TrimSpace(part))
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels
}
