package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/RecoveryAshes/crawlscale/internal/utils"
)

// loadSeeds 合并-u和-f指定的种子URL
// 结果已规范化,按首次出现的顺序去重
func loadSeeds(target, seedFile string) ([]string, error) {
	var seeds []string
	seen := make(map[string]bool)
	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			seeds = append(seeds, u)
		}
	}

	if target != "" {
		normalized, err := NormalizeURL(target)
		if err != nil {
			return nil, fmt.Errorf("无效的目标URL: %w", err)
		}
		add(normalized)
	}

	if seedFile != "" {
		urls, err := readSeedFile(seedFile)
		if err != nil {
			return nil, err
		}
		for _, u := range urls {
			add(u)
		}
	}

	utils.Debugf("种子URL去重后共 %d 个", len(seeds))
	return seeds, nil
}

// readSeedFile 每行一个种子URL
// 空行和#开头的行被忽略,行尾" #"之后为注释;无效URL记录警告后跳过
func readSeedFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开种子文件失败: %w", err)
	}
	defer file.Close()

	var seeds []string
	scanner := bufio.NewScanner(file)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := scanner.Text()
		if idx := strings.Index(line, " #"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		normalized, err := NormalizeURL(line)
		if err == nil {
			err = models.ValidateURL(normalized)
		}
		if err != nil {
			utils.Warnf("跳过无效种子URL (第%d行): %s - %v", lineNum, line, err)
			continue
		}
		seeds = append(seeds, normalized)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取种子文件失败: %w", err)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("种子文件 %s 中没有有效的URL", path)
	}

	utils.Infof("从种子文件加载了 %d 个URL", len(seeds))
	return seeds, nil
}
