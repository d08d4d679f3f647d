package main

import (
	"fmt"
	"net/url"

	"github.com/RecoveryAshes/crawlscale/internal/models"
)

// ValidateURL 验证URL格式
func ValidateURL(urlStr string) error {
	return models.ValidateURL(urlStr)
}

// ValidateFlags 验证命令行标志
// 取值为-1或零值的参数表示沿用配置文件
func ValidateFlags(
	targetURL string,
	depth int,
	mode string,
	minConcurrency int,
	maxConcurrency int,
	maxTasksPerMinute int,
	maxRetries int,
) error {
	// 验证URL
	if targetURL != "" {
		if err := ValidateURL(targetURL); err != nil {
			return fmt.Errorf("无效的目标URL: %w", err)
		}
	}

	// 验证深度
	if depth != -1 && (depth < 0 || depth > 10) {
		return fmt.Errorf("爬取深度必须在0-10之间,当前值: %d", depth)
	}

	// 验证模式
	if mode != "" && mode != string(models.ModeStatic) && mode != string(models.ModeDynamic) {
		return fmt.Errorf("无效的爬取模式: %s (有效值: static, dynamic)", mode)
	}

	// 验证并发范围
	if minConcurrency < 0 || maxConcurrency < 0 {
		return fmt.Errorf("并发数不能为负数")
	}
	if minConcurrency > 0 && maxConcurrency > 0 && minConcurrency > maxConcurrency {
		return fmt.Errorf("最小并发不能大于最大并发 (%d > %d)", minConcurrency, maxConcurrency)
	}

	if maxTasksPerMinute < 0 {
		return fmt.Errorf("每分钟任务数不能为负数,当前值: %d", maxTasksPerMinute)
	}

	if maxRetries != -1 && (maxRetries < 0 || maxRetries > 10) {
		return fmt.Errorf("重试次数必须在0-10之间,当前值: %d", maxRetries)
	}

	return nil
}

// NormalizeURL 规范化URL
func NormalizeURL(urlStr string) (string, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	// 如果没有协议,默认使用https
	if parsed.Scheme == "" {
		urlStr = "https://" + urlStr
		parsed, err = url.Parse(urlStr)
		if err != nil {
			return "", err
		}
	}

	return parsed.String(), nil
}
