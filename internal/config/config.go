package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox（队列满时的兜底落盘，Relay 异步转 Kafka）
	OrderEventStream   string
	OrderEventGroup    string
	OrderEventConsumer string

	// 购买接口限流与库存缓存策略
	BuyRateLimit     int
	BuyRateWindow    time.Duration
	ThrottleRetryCap time.Duration // 对外 retry-after 上限，与熔断冷却独立配置
	StockCacheTTL    time.Duration
	ProductCacheTTL  time.Duration

	// 支付熔断器
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	// 支付重试策略
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryCeiling   time.Duration // 所有尝试累计耗时上限
	AttemptTimeout time.Duration // 单次网关调用硬超时

	// 桩网关故障注入（压测熔断/重试路径用，生产网关忽略）
	GatewayFailureRate float64
	GatewayTimeoutRate float64
	GatewayDeclineRate float64
	GatewayLatency     time.Duration

	// finalize 队列容量与 worker 数
	FinalizeQueueSize int
	FinalizeWorkers   int

	// 用户购买锁与请求状态的 Redis TTL
	UserLockTTL     time.Duration
	RequestStateTTL time.Duration

	// 预热接口的简单管理员令牌（demo 级别保护）
	PreloadAdminToken string
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DBPath:             getEnv("DB_PATH", "flash_order.db"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:            0,
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "flash-order-finalize"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "flash-order-finalize-consumer"),
		OrderEventStream:   getEnv("ORDER_EVENT_STREAM", "flash_order:finalize_events"),
		OrderEventGroup:    getEnv("ORDER_EVENT_GROUP", "flash-order-relay-group"),
		OrderEventConsumer: getEnv("ORDER_EVENT_CONSUMER", "flash-order-relay-1"),
		BuyRateLimit:       1000,
		BuyRateWindow:      time.Second,
		ThrottleRetryCap:   5 * time.Second,
		StockCacheTTL:      24 * time.Hour,
		ProductCacheTTL:    10 * time.Minute,
		BreakerThreshold:   5,
		BreakerWindow:      60 * time.Second,
		BreakerCooldown:    60 * time.Second,
		RetryAttempts:      3,
		RetryBaseDelay:     200 * time.Millisecond,
		RetryMaxDelay:      2 * time.Second,
		RetryCeiling:       8 * time.Second,
		AttemptTimeout:     2 * time.Second,
		FinalizeQueueSize:  1024,
		FinalizeWorkers:    2,
		UserLockTTL:        10 * time.Minute,
		RequestStateTTL:    24 * time.Hour,
		PreloadAdminToken:  getEnv("PRELOAD_ADMIN_TOKEN", "dev-admin-token"),
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("BUY_RATE_LIMIT", cfg.BuyRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid BUY_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("BUY_RATE_LIMIT must be > 0")
	}
	cfg.BuyRateLimit = rateLimit

	if cfg.BuyRateWindow, err = getEnvSeconds("BUY_RATE_WINDOW_SEC", cfg.BuyRateWindow); err != nil {
		return AppConfig{}, err
	}
	if cfg.ThrottleRetryCap, err = getEnvSeconds("THROTTLE_RETRY_CAP_SEC", cfg.ThrottleRetryCap); err != nil {
		return AppConfig{}, err
	}
	if cfg.StockCacheTTL, err = getEnvSeconds("STOCK_CACHE_TTL_SEC", cfg.StockCacheTTL); err != nil {
		return AppConfig{}, err
	}
	if cfg.ProductCacheTTL, err = getEnvSeconds("PRODUCT_CACHE_TTL_SEC", cfg.ProductCacheTTL); err != nil {
		return AppConfig{}, err
	}

	threshold, err := getEnvInt("BREAKER_THRESHOLD", cfg.BreakerThreshold)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid BREAKER_THRESHOLD: %w", err)
	}
	if threshold <= 0 {
		return AppConfig{}, fmt.Errorf("BREAKER_THRESHOLD must be > 0")
	}
	cfg.BreakerThreshold = threshold
	if cfg.BreakerWindow, err = getEnvSeconds("BREAKER_WINDOW_SEC", cfg.BreakerWindow); err != nil {
		return AppConfig{}, err
	}
	if cfg.BreakerCooldown, err = getEnvSeconds("BREAKER_COOLDOWN_SEC", cfg.BreakerCooldown); err != nil {
		return AppConfig{}, err
	}

	attempts, err := getEnvInt("RETRY_ATTEMPTS", cfg.RetryAttempts)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RETRY_ATTEMPTS: %w", err)
	}
	if attempts <= 0 {
		return AppConfig{}, fmt.Errorf("RETRY_ATTEMPTS must be > 0")
	}
	cfg.RetryAttempts = attempts
	if cfg.RetryBaseDelay, err = getEnvMillis("RETRY_BASE_DELAY_MS", cfg.RetryBaseDelay); err != nil {
		return AppConfig{}, err
	}
	if cfg.RetryMaxDelay, err = getEnvMillis("RETRY_MAX_DELAY_MS", cfg.RetryMaxDelay); err != nil {
		return AppConfig{}, err
	}
	if cfg.RetryCeiling, err = getEnvMillis("RETRY_CEILING_MS", cfg.RetryCeiling); err != nil {
		return AppConfig{}, err
	}
	if cfg.AttemptTimeout, err = getEnvMillis("ATTEMPT_TIMEOUT_MS", cfg.AttemptTimeout); err != nil {
		return AppConfig{}, err
	}

	if cfg.GatewayFailureRate, err = getEnvFloat("GATEWAY_FAILURE_RATE", 0); err != nil {
		return AppConfig{}, err
	}
	if cfg.GatewayTimeoutRate, err = getEnvFloat("GATEWAY_TIMEOUT_RATE", 0); err != nil {
		return AppConfig{}, err
	}
	if cfg.GatewayDeclineRate, err = getEnvFloat("GATEWAY_DECLINE_RATE", 0); err != nil {
		return AppConfig{}, err
	}
	gatewayLatency, err := getEnvInt("GATEWAY_LATENCY_MS", 0)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid GATEWAY_LATENCY_MS: %w", err)
	}
	if gatewayLatency < 0 {
		return AppConfig{}, fmt.Errorf("GATEWAY_LATENCY_MS must be >= 0")
	}
	cfg.GatewayLatency = time.Duration(gatewayLatency) * time.Millisecond

	queueSize, err := getEnvInt("FINALIZE_QUEUE_SIZE", cfg.FinalizeQueueSize)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid FINALIZE_QUEUE_SIZE: %w", err)
	}
	if queueSize <= 0 {
		return AppConfig{}, fmt.Errorf("FINALIZE_QUEUE_SIZE must be > 0")
	}
	cfg.FinalizeQueueSize = queueSize

	workers, err := getEnvInt("FINALIZE_WORKERS", cfg.FinalizeWorkers)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid FINALIZE_WORKERS: %w", err)
	}
	if workers <= 0 {
		return AppConfig{}, fmt.Errorf("FINALIZE_WORKERS must be > 0")
	}
	cfg.FinalizeWorkers = workers

	if cfg.UserLockTTL, err = getEnvSeconds("USER_LOCK_TTL_SEC", cfg.UserLockTTL); err != nil {
		return AppConfig{}, err
	}
	if cfg.RequestStateTTL, err = getEnvSeconds("REQUEST_STATE_TTL_SEC", cfg.RequestStateTTL); err != nil {
		return AppConfig{}, err
	}

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if cfg.OrderEventStream == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_STREAM must not be empty")
	}
	if cfg.OrderEventGroup == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_GROUP must not be empty")
	}
	if cfg.OrderEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_CONSUMER must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// getEnvFloat 读取 [0,1] 区间的浮点环境变量（故障注入概率）。
func getEnvFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("%s must be within [0,1]", key)
	}
	return f, nil
}

// getEnvSeconds 读取以秒为单位的时长环境变量，要求 > 0。
func getEnvSeconds(key string, fallback time.Duration) (time.Duration, error) {
	n, err := getEnvInt(key, int(fallback.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return time.Duration(n) * time.Second, nil
}

// getEnvMillis 读取以毫秒为单位的时长环境变量，要求 > 0。
func getEnvMillis(key string, fallback time.Duration) (time.Duration, error) {
	n, err := getEnvInt(key, int(fallback.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
