package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/autoscaling"
	"github.com/RecoveryAshes/crawlscale/internal/core"
	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/RecoveryAshes/crawlscale/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string

	// HTTP头部参数
	headers        []string // 自定义HTTP请求头
	validateConfig bool     // 验证配置文件

	// 爬取参数
	targetURL  string
	urlFile    string
	depth      int
	mode       string
	maxRetries int
	outputDir  string

	// 任务池参数
	minConcurrency    int
	maxConcurrency    int
	maxTasksPerMinute int
	taskTimeout       time.Duration

	metricsAddr string
)

// appConfig 在PersistentPreRunE中加载
var appConfig *core.Config

var rootCmd = &cobra.Command{
	Use:   "crawlscale",
	Short: "自适应并发网页爬取工具",
	Long: `crawlscale - 根据系统负载自动调整并发的网页爬取工具

任务池周期性采样内存、CPU、调度延迟和目标站点限流情况:
  • 系统空闲时逐步提高并发
  • 任一资源过载时逐步降低并发
  • 支持静态(Colly)和动态(go-rod)两种抓取模式
  • 支持每分钟任务数上限和单任务超时
  • 可选Prometheus /metrics 端点

示例:
  crawlscale -u https://example.com -d 2
  crawlscale -f urls.txt --max-concurrency 50 --max-tasks-per-minute 600
  crawlscale -u https://example.com -H "Authorization: Bearer token" --metrics-addr :9100

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 加载配置
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		// 命令行参数覆盖配置文件
		config.MergeCLIFlags(core.CLIOverrides{
			Depth:             depth,
			Mode:              mode,
			MinConcurrency:    minConcurrency,
			MaxConcurrency:    maxConcurrency,
			MaxTasksPerMinute: maxTasksPerMinute,
			TaskTimeout:       taskTimeout,
			MaxRetries:        maxRetries,
			MetricsAddr:       metricsAddr,
			LogLevel:          logLevel,
			OutputDir:         outputDir,
		})

		// 初始化日志系统
		if err := utils.InitLogger(config.LogConfig()); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		if verbose {
			utils.Info("详细模式已启用")
		}

		appConfig = config
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// 如果用户请求验证配置
		if validateConfig {
			return runValidateConfig()
		}

		// 如果没有提供任何参数,显示帮助信息
		if targetURL == "" && urlFile == "" {
			return cmd.Help()
		}

		seeds, err := loadSeeds(targetURL, urlFile)
		if err != nil {
			return err
		}
		if targetURL != "" {
			targetURL = seeds[0]
		}

		// 验证参数
		if err := ValidateFlags(
			targetURL,
			depth,
			mode,
			minConcurrency,
			maxConcurrency,
			maxTasksPerMinute,
			maxRetries,
		); err != nil {
			return err
		}

		return runCrawl(seeds)
	},
}

// runValidateConfig 验证配置文件并输出脱敏后的请求头
func runValidateConfig() error {
	utils.Info("🔍 验证配置...")
	if err := appConfig.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}
	merged, err := mergedHeaders()
	if err != nil {
		return fmt.Errorf("请求头验证失败: %w", err)
	}

	utils.Info("✅ 配置验证通过!")
	utils.Infof("并发范围: %d-%d, 模式: %s, 深度: %d",
		appConfig.Pool.MinConcurrency, appConfig.Pool.MaxConcurrency, appConfig.Crawl.Mode, appConfig.Crawl.Depth)
	utils.Infof("当前有效的HTTP头部 (%d个): %s", len(merged), models.RedactHeaders(merged))
	return nil
}

// mergedHeaders 合并配置文件和命令行的请求头,命令行优先
func mergedHeaders() (http.Header, error) {
	cli, err := models.CliHeaders(headers).Parse()
	if err != nil {
		return nil, err
	}
	return models.MergeHeaders(appConfig.Crawl.Headers, cli)
}

func runCrawl(seeds []string) error {
	merged, err := mergedHeaders()
	if err != nil {
		return fmt.Errorf("请求头无效: %w", err)
	}
	if len(merged) > 0 {
		utils.Infof("自定义HTTP头部: %s", models.RedactHeaders(merged))
	}

	opts := []core.CrawlerOption{}

	// Prometheus指标
	var metricsServer *http.Server
	if appConfig.Metrics.Addr != "" {
		registry := prometheus.NewRegistry()
		metrics := autoscaling.NewMetrics(appConfig.Metrics.Namespace)
		if err := metrics.Register(registry); err != nil {
			return fmt.Errorf("注册指标失败: %w", err)
		}
		opts = append(opts, core.WithCrawlerMetrics(metrics))
		metricsServer = serveMetrics(appConfig.Metrics.Addr, registry)
	}

	bar := utils.NewProgressBar(-1, "爬取中")
	opts = append(opts, core.WithProgress(func(done, total int) {
		bar.ChangeMax(total)
		bar.Set(done)
	}))

	crawler, err := core.NewCrawler(seeds, appConfig, merged, opts...)
	if err != nil {
		return fmt.Errorf("创建爬取器失败: %w", err)
	}
	defer crawler.Close()

	// 第一次中断信号停止调度并输出已有统计,第二次强制退出
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			utils.Warnf("\n收到中断信号: %v, 正在停止调度...", sig)
			crawler.Abort()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigChan:
			utils.Warnf("再次收到中断信号, 强制退出")
			cancel()
		case <-ctx.Done():
		}
	}()

	stats, runErr := crawler.Run(ctx)
	bar.Finish()
	fmt.Println()

	if metricsServer != nil {
		stopMetricsServer(metricsServer, 5*time.Second)
	}

	if stats != nil {
		printStats(stats)
		reporter := utils.NewReporter(appConfig.Output.BaseDir)
		if _, err := reporter.GenerateReport(seeds, stats, appConfig.Pool, appConfig.Crawl, runErr); err != nil {
			utils.Warnf("生成报告失败: %v", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	utils.Info("✨ 爬取任务完成!")
	return nil
}

// serveMetrics 在后台启动/metrics端点
func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		utils.Infof("📈 指标端点: http://%s/metrics", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Errorf("指标端点异常退出: %v", err)
		}
	}()
	return server
}

// stopMetricsServer 关闭指标端点,超时未关闭时记录警告
func stopMetricsServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		utils.Warnf("关闭指标端点失败: %v", err)
		return err
	}
	return nil
}

// printStats 显示统计结果
func printStats(stats *models.RunStats) {
	fmt.Println("==================================================")
	fmt.Println("📊 爬取统计")
	fmt.Println("==================================================")
	fmt.Printf("✅ 成功请求: %d\n", stats.HandledRequests)
	fmt.Printf("❌ 失败请求: %d\n", stats.FailedRequests)
	fmt.Printf("🔁 重试次数: %d\n", stats.RetriedRequests)
	fmt.Printf("🔗 发现链接: %d\n", stats.DiscoveredURLs)
	fmt.Printf("🚦 限流错误: %v\n", stats.RateLimitErrors)
	fmt.Printf("⚙️  峰值并发: %d (最终: %d)\n", stats.PeakConcurrency, stats.FinalConcurrency)
	fmt.Printf("📦 总大小: %.2f MB\n", float64(stats.TotalBytes)/(1024*1024))
	fmt.Printf("⏱️  总耗时: %.2f秒\n", stats.Duration)
	fmt.Println("==================================================")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crawlscale %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")

	// HTTP头部参数
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")
	rootCmd.PersistentFlags().BoolVar(&validateConfig, "validate-config", false, "验证配置文件正确性")

	// 爬取参数
	rootCmd.Flags().StringVarP(&targetURL, "url", "u", "", "目标URL (必需,除非使用 --url-file)")
	rootCmd.Flags().StringVarP(&urlFile, "url-file", "f", "", "包含URL列表的文件路径")
	rootCmd.Flags().IntVarP(&depth, "depth", "d", -1, "爬取深度 (0-10),默认沿用配置文件")
	rootCmd.Flags().StringVarP(&mode, "mode", "m", "", "爬取模式 (static|dynamic)")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", -1, "单个请求最大重试次数 (0-10)")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "报告输出目录")

	// 任务池参数
	rootCmd.Flags().IntVar(&minConcurrency, "min-concurrency", 0, "最小并发数")
	rootCmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "最大并发数")
	rootCmd.Flags().IntVar(&maxTasksPerMinute, "max-tasks-per-minute", 0, "每分钟最多启动的任务数 (0表示不限制)")
	rootCmd.Flags().DurationVar(&taskTimeout, "task-timeout", 0, "单个任务超时时间 (例如 30s, 0表示不限制)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus指标监听地址 (例如 :9100)")

	// 添加子命令
	rootCmd.AddCommand(versionCmd)
}

func main() {
	err := rootCmd.Execute()
	utils.CloseLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
