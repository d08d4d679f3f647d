package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/RecoveryAshes/crawlscale/internal/utils"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Pool         models.PoolConfig         `mapstructure:"autoscaling"`
	Snapshotter  models.SnapshotterConfig  `mapstructure:"snapshotter"`
	SystemStatus models.SystemStatusConfig `mapstructure:"system_status"`
	SystemInfo   models.SystemInfoConfig   `mapstructure:"system_info"`
	Crawl        models.CrawlConfig        `mapstructure:"crawl"`
	Logging      LoggingConfig             `mapstructure:"logging"`
	Metrics      MetricsConfig             `mapstructure:"metrics"`
	Output       OutputConfig              `mapstructure:"output"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// MetricsConfig Prometheus指标配置
type MetricsConfig struct {
	Addr      string `mapstructure:"addr"` // 为空时不启动/metrics
	Namespace string `mapstructure:"namespace"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件
	if configPath != "" {
		// 使用指定的配置文件
		v.SetConfigFile(configPath)
	} else {
		// 搜索默认位置
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		// 添加配置搜索路径
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		// 用户主目录
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".crawlscale"))
		}
	}

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// 如果配置文件不存在,使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 解析配置
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &config, nil
}

// DefaultConfig 默认配置,任务池使用60秒快照历史
func DefaultConfig() *Config {
	snapshotter := models.DefaultSnapshotterConfig()
	snapshotter.SnapshotHistory = 60 * time.Second
	logging := utils.DefaultLogConfig()

	return &Config{
		Pool:         models.DefaultPoolConfig(),
		Snapshotter:  snapshotter,
		SystemStatus: models.DefaultSystemStatusConfig(),
		SystemInfo:   models.DefaultSystemInfoConfig(),
		Crawl:        models.DefaultCrawlConfig(),
		Logging: LoggingConfig{
			Level:  logging.Level,
			LogDir: logging.LogDir,
			Rotation: RotationConfig{
				MaxSize:    logging.MaxSize,
				MaxBackups: logging.MaxBackups,
				MaxAge:     logging.MaxAge,
				Compress:   logging.Compress,
			},
		},
		Metrics: MetricsConfig{Namespace: "crawlscale"},
		Output:  OutputConfig{BaseDir: "output"},
	}
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// 任务池默认值
	v.SetDefault("autoscaling.min_concurrency", d.Pool.MinConcurrency)
	v.SetDefault("autoscaling.max_concurrency", d.Pool.MaxConcurrency)
	v.SetDefault("autoscaling.desired_concurrency", d.Pool.DesiredConcurrency)
	v.SetDefault("autoscaling.desired_concurrency_ratio", d.Pool.DesiredConcurrencyRatio)
	v.SetDefault("autoscaling.scale_up_step_ratio", d.Pool.ScaleUpStepRatio)
	v.SetDefault("autoscaling.scale_down_step_ratio", d.Pool.ScaleDownStepRatio)
	v.SetDefault("autoscaling.maybe_run_interval", d.Pool.MaybeRunInterval)
	v.SetDefault("autoscaling.autoscale_interval", d.Pool.AutoscaleInterval)
	v.SetDefault("autoscaling.logging_interval", d.Pool.LoggingInterval)
	v.SetDefault("autoscaling.task_timeout", d.Pool.TaskTimeout)
	v.SetDefault("autoscaling.max_tasks_per_minute", d.Pool.MaxTasksPerMinute)

	// 快照采集器默认值
	v.SetDefault("snapshotter.event_loop_snapshot_interval", d.Snapshotter.EventLoopSnapshotInterval)
	v.SetDefault("snapshotter.client_snapshot_interval", d.Snapshotter.ClientSnapshotInterval)
	v.SetDefault("snapshotter.snapshot_history", d.Snapshotter.SnapshotHistory)
	v.SetDefault("snapshotter.max_blocked", d.Snapshotter.MaxBlocked)
	v.SetDefault("snapshotter.max_used_memory_ratio", d.Snapshotter.MaxUsedMemoryRatio)
	v.SetDefault("snapshotter.max_client_errors", d.Snapshotter.MaxClientErrors)
	v.SetDefault("snapshotter.max_memory_bytes", d.Snapshotter.MaxMemoryBytes)
	v.SetDefault("snapshotter.available_memory_ratio", d.Snapshotter.AvailableMemoryRatio)

	// 系统状态默认值
	v.SetDefault("system_status.current_history", d.SystemStatus.CurrentHistory)
	v.SetDefault("system_status.max_memory_overloaded_ratio", d.SystemStatus.MaxMemoryOverloadedRatio)
	v.SetDefault("system_status.max_event_loop_overloaded_ratio", d.SystemStatus.MaxEventLoopOverloadedRatio)
	v.SetDefault("system_status.max_cpu_overloaded_ratio", d.SystemStatus.MaxCPUOverloadedRatio)
	v.SetDefault("system_status.max_client_overloaded_ratio", d.SystemStatus.MaxClientOverloadedRatio)

	v.SetDefault("system_info.interval", d.SystemInfo.Interval)
	v.SetDefault("system_info.max_used_cpu_ratio", d.SystemInfo.MaxUsedCPURatio)

	// 爬取配置默认值
	v.SetDefault("crawl.depth", d.Crawl.Depth)
	v.SetDefault("crawl.mode", string(d.Crawl.Mode))
	v.SetDefault("crawl.max_retries", d.Crawl.MaxRetries)
	v.SetDefault("crawl.retry_delay", d.Crawl.RetryDelay)
	v.SetDefault("crawl.request_timeout", d.Crawl.RequestTimeout)
	v.SetDefault("crawl.allow_cross_domain", d.Crawl.AllowCrossDomain)
	v.SetDefault("crawl.headless", d.Crawl.Headless)
	v.SetDefault("crawl.user_agent", d.Crawl.UserAgent)

	// 日志配置默认值
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.log_dir", d.Logging.LogDir)
	v.SetDefault("logging.rotation.max_size", d.Logging.Rotation.MaxSize)
	v.SetDefault("logging.rotation.max_backups", d.Logging.Rotation.MaxBackups)
	v.SetDefault("logging.rotation.max_age", d.Logging.Rotation.MaxAge)
	v.SetDefault("logging.rotation.compress", d.Logging.Rotation.Compress)

	// 指标配置默认值
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	// 输出配置默认值
	v.SetDefault("output.base_dir", d.Output.BaseDir)
}

// Validate 验证所有配置段
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("autoscaling配置无效: %w", err)
	}
	if err := c.Snapshotter.Validate(); err != nil {
		return fmt.Errorf("snapshotter配置无效: %w", err)
	}
	if err := c.SystemStatus.Validate(); err != nil {
		return fmt.Errorf("system_status配置无效: %w", err)
	}
	if err := c.SystemInfo.Validate(); err != nil {
		return fmt.Errorf("system_info配置无效: %w", err)
	}
	if err := c.Crawl.Validate(); err != nil {
		return fmt.Errorf("crawl配置无效: %w", err)
	}
	if _, err := utils.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging配置无效: %w", err)
	}
	return nil
}

// LogConfig 转换为日志系统配置
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}

// CLIOverrides 命令行参数,零值表示未设置
type CLIOverrides struct {
	Depth             int // -1表示未设置
	Mode              string
	MinConcurrency    int
	MaxConcurrency    int
	MaxTasksPerMinute int
	TaskTimeout       time.Duration
	MaxRetries        int // -1表示未设置
	MetricsAddr       string
	LogLevel          string
	OutputDir         string
}

// MergeCLIFlags 合并命令行参数到配置
func (c *Config) MergeCLIFlags(o CLIOverrides) {
	// 命令行参数优先于配置文件
	if o.Depth >= 0 {
		c.Crawl.Depth = o.Depth
	}
	if o.Mode != "" {
		c.Crawl.Mode = models.CrawlMode(o.Mode)
	}
	if o.MinConcurrency > 0 {
		c.Pool.MinConcurrency = o.MinConcurrency
	}
	if o.MaxConcurrency > 0 {
		c.Pool.MaxConcurrency = o.MaxConcurrency
	}
	// 初始并发跟随新的上下限
	if c.Pool.DesiredConcurrency != 0 &&
		(c.Pool.DesiredConcurrency < c.Pool.MinConcurrency || c.Pool.DesiredConcurrency > c.Pool.MaxConcurrency) {
		c.Pool.DesiredConcurrency = 0
	}
	if o.MaxTasksPerMinute > 0 {
		c.Pool.MaxTasksPerMinute = o.MaxTasksPerMinute
	}
	if o.TaskTimeout > 0 {
		c.Pool.TaskTimeout = o.TaskTimeout
	}
	if o.MaxRetries >= 0 {
		c.Crawl.MaxRetries = o.MaxRetries
	}
	if o.MetricsAddr != "" {
		c.Metrics.Addr = o.MetricsAddr
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.OutputDir != "" {
		c.Output.BaseDir = o.OutputDir
	}
}
