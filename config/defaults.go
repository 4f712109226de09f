// =============================================================================
// 📦 ProcFlow 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Runtime:   DefaultRuntimeConfig(),
		Journal:   DefaultJournalConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Mongo:     DefaultMongoConfig(),
		Webhook:   DefaultWebhookConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultRuntimeConfig 返回默认运行时配置，重试与熔断默认值与各自包一致
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxCascadeDepth: 32,
		Retry: RetryConfig{
			MaxAttempts:  3,
			Backoff:      "exponential",
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			SuccessThreshold: 2,
		},
	}
}

// DefaultJournalConfig 返回默认事件日志配置
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		Enabled:         true,
		Backend:         "memory",
		Timeout:         2 * time.Second,
		BufferSize:      1024,
		MemoryCapacity:  10000,
		RedisStream:     "procflow:journal",
		MongoCollection: "journal_events",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "procflow",
		Name:            "procflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Database:       "procflow",
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultWebhookConfig 返回默认 webhook 配置
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		PathPrefix:   "/webhooks/",
		MaxBodyBytes: 1 << 20,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "procflow",
		SampleRate:     0.1,
		Insecure:       true,
		MetricInterval: 30 * time.Second,
	}
}
