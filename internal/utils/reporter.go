package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/schollz/progressbar/v3"
)

// RunReport 单次运行报告
type RunReport struct {
	Seeds     []string           `json:"seeds"`
	StartTime time.Time          `json:"start_time"`
	EndTime   time.Time          `json:"end_time"`
	Stats     *models.RunStats   `json:"stats"`
	Pool      models.PoolConfig  `json:"pool"`
	Crawl     models.CrawlConfig `json:"crawl"`
	Error     string             `json:"error,omitempty"`
}

// Reporter 报告生成器
type Reporter struct {
	outputDir string
}

// NewReporter 创建报告生成器
func NewReporter(outputDir string) *Reporter {
	return &Reporter{outputDir: outputDir}
}

// GenerateReport 生成运行报告,返回报告文件路径
// 自定义请求头可能包含凭证,不写入报告
func (r *Reporter) GenerateReport(
	seeds []string,
	stats *models.RunStats,
	pool models.PoolConfig,
	crawl models.CrawlConfig,
	runErr error,
) (string, error) {
	reportsDir := filepath.Join(r.outputDir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	crawl.Headers = nil
	endTime := time.Now()
	report := RunReport{
		Seeds:     seeds,
		StartTime: endTime,
		EndTime:   endTime,
		Stats:     stats,
		Pool:      pool,
		Crawl:     crawl,
	}
	if stats != nil {
		report.StartTime = endTime.Add(-time.Duration(stats.Duration * float64(time.Second)))
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}

	filename := fmt.Sprintf("run_report_%s.json", endTime.Format("20060102_150405"))
	path, err := r.saveJSONReport(reportsDir, filename, report)
	if err != nil {
		return "", err
	}

	Infof("✅ 报告已生成: %s", path)
	return path, nil
}

// saveJSONReport 保存JSON报告
func (r *Reporter) saveJSONReport(dir string, filename string, data interface{}) (string, error) {
	path := filepath.Join(dir, filename)

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化JSON失败: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return "", fmt.Errorf("写入报告文件失败: %w", err)
	}

	Debugf("保存报告: %s", path)
	return path, nil
}

// NewProgressBar 创建进度条
// max为-1时显示为不定长进度
func NewProgressBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
