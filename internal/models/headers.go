package models

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// 由HTTP客户端自行维护,不允许用户覆盖
var forbiddenHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Connection":        true,
	"Transfer-Encoding": true,
}

// 日志中需要脱敏的头部
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"X-Api-Key":           true,
	"X-Auth-Token":        true,
}

// CliHeaders 表示命令行传递的头部列表
// 每个字符串格式为 "Name: Value"
type CliHeaders []string

// Parse 将字符串列表解析为 http.Header
func (ch CliHeaders) Parse() (http.Header, error) {
	result := make(http.Header)
	for i, s := range ch {
		name, value, err := parseHeaderString(s)
		if err != nil {
			return nil, fmt.Errorf("参数 --header 第%d项格式错误: %w", i+1, err)
		}
		result.Set(name, value)
	}
	return result, nil
}

// parseHeaderString 解析单个头部字符串 "Name: Value"
func parseHeaderString(s string) (name, value string, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("格式错误: 缺少冒号分隔符,应为 'Name: Value'")
	}

	name = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])

	if err := validateHeader(name, value); err != nil {
		return "", "", err
	}
	return name, value, nil
}

func validateHeader(name, value string) error {
	if name == "" {
		return fmt.Errorf("头部名称不能为空")
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("头部名称 %q 不能包含空白字符", name)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("头部 %s 的值不能包含换行符", name)
	}
	if forbiddenHeaders[http.CanonicalHeaderKey(name)] {
		return fmt.Errorf("头部 %s 由客户端自动设置,不允许覆盖", name)
	}
	return nil
}

// MergeHeaders 合并配置文件和命令行头部,命令行优先
func MergeHeaders(configured map[string]string, cli http.Header) (http.Header, error) {
	merged := make(http.Header)
	for name, value := range configured {
		if err := validateHeader(name, value); err != nil {
			return nil, fmt.Errorf("配置文件头部无效: %w", err)
		}
		merged.Set(name, value)
	}
	for name, values := range cli {
		if len(values) > 0 {
			merged.Set(name, values[0])
		}
	}
	return merged, nil
}

// RedactHeaders 返回用于日志输出的头部,敏感值只保留前4个字符
func RedactHeaders(headers http.Header) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		value := headers.Get(name)
		if sensitiveHeaders[http.CanonicalHeaderKey(name)] {
			if len(value) > 4 {
				value = value[:4] + "****"
			} else {
				value = "****"
			}
		}
		parts = append(parts, name+": "+value)
	}
	return strings.Join(parts, ", ")
}
