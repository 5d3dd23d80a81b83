package types

// CommonConf 包含共有的配置
type CommonConf struct {
	DataDir string `ini:"data_dir"` // proxies.txt / sessions/ / .session_config.json 所在目录
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	JSON  bool   `ini:"json"`
}

// PoolConf 包含代理池的调度与配额配置
type PoolConf struct {
	ScrapeIntervalHours        int    `ini:"scrape_interval_hours"`
	HealthCheckIntervalSeconds int    `ini:"health_check_interval_seconds"`
	RevalidationBatchSize      int    `ini:"revalidation_batch_size"`
	ValidationTimeoutSeconds   int    `ini:"validation_timeout_seconds"`
	ValidationConcurrency      int    `ini:"validation_concurrency"`
	ValidationTarget           string `ini:"validation_target"`
	DefaultMaxConnections      int    `ini:"default_max_connections"` // 单个代理对同一 identifier 的并发上限
	CooldownSeconds            int    `ini:"cooldown_seconds"`        // 同一 identifier 释放后再次选中同一代理的冷却时间
	Balancer                   string `ini:"balancer"`                // least_recently_used, least_connections, round_robin
	EnableScrapers             bool   `ini:"enable_scrapers"`
}

// SessionConf 控制会话文件的存放位置
type SessionConf struct {
	Dir string `ini:"dir"` // 相对路径以 data_dir 为基准
}

// RunnerConf 控制并发任务执行器
type RunnerConf struct {
	MaxConcurrentTasks int     `ini:"max_concurrent_tasks"`
	TasksPerSecond     float64 `ini:"tasks_per_second"` // 0 表示不限速
}

// WebConf 控制管理接口。Port 为 0 时不启动。
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是进程级的统一配置结构体 (来自 tasker.ini)
type Config struct {
	CommonConf  `ini:"common"`
	LogConf     `ini:"log"`
	PoolConf    `ini:"pool"`
	SessionConf `ini:"session"`
	RunnerConf  `ini:"runner"`
	WebConf     `ini:"web"`
}

// DefaultConfig returns the values used when a key is missing from the ini file.
func DefaultConfig() *Config {
	return &Config{
		CommonConf: CommonConf{DataDir: "data"},
		LogConf:    LogConf{Level: "info"},
		PoolConf: PoolConf{
			ScrapeIntervalHours:        6,
			HealthCheckIntervalSeconds: 60,
			RevalidationBatchSize:      50,
			ValidationTimeoutSeconds:   10,
			ValidationConcurrency:      5,
			ValidationTarget:           "www.google.com:443",
			DefaultMaxConnections:      1,
			CooldownSeconds:            0,
			Balancer:                   "least_recently_used",
		},
		SessionConf: SessionConf{Dir: "sessions"},
		RunnerConf:  RunnerConf{MaxConcurrentTasks: 8},
	}
}
