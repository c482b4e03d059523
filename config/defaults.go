package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Registry:  DefaultRegistryConfig(),
		Health:    DefaultHealthConfig(),
		Balancer:  DefaultBalancerConfig(),
		Queue:     DefaultQueueConfig(),
		Fault:     DefaultFaultConfig(),
		Lifecycle: DefaultLifecycleConfig(),
		Protocol:  DefaultProtocolConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Auth:      AuthConfig{},
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
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

// DefaultRegistryConfig returns the default registry configuration:
// 30s heartbeats, offline after 3 missed intervals, removal 5m later.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  3,
		OfflineGrace:      5 * time.Minute,
		SweepInterval:     10 * time.Second,
		EventBuffer:       256,
	}
}

// DefaultHealthConfig returns the default health monitor configuration.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		SampleInterval:    10 * time.Second,
		EMAAlpha:          0.3,
		HysteresisSamples: 3,
		HealthyFloor:      0.8,
		DegradedFloor:     0.5,
		EventBuffer:       256,
	}
}

// DefaultBalancerConfig returns the default balancer configuration.
func DefaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		Strategy:              "health_aware",
		HealthFloor:           0.5,
		SaturationQueueLength: 10,
		AdaptiveWindow:        time.Minute,
		AdaptiveErrorRate:     0.25,
	}
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Backend:             "memory",
		VisibilityTimeout:   30 * time.Second,
		MaxDeliveryAttempts: 5,
		RedeliverInterval:   5 * time.Second,
		MaxBatch:            64,
	}
}

// DefaultFaultConfig returns the default fault-tolerance configuration:
// breakers open after 5 consecutive failures, cool down 30s, double on
// failed probes up to 5m.
func DefaultFaultConfig() FaultConfig {
	return FaultConfig{
		FailureThreshold: 5,
		OpenCooldown:     30 * time.Second,
		CooldownGrowth:   2.0,
		MaxCooldown:      5 * time.Minute,
		OutageFraction:   0.5,
		CriticalRetries:  3,
		RetryBaseDelay:   2 * time.Second,
		RetryMaxDelay:    60 * time.Second,
		RetryJitter:      0.25,
	}
}

// DefaultLifecycleConfig returns the default lifecycle configuration.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		MaxAttempts:      5,
		PollInterval:     100 * time.Millisecond,
		WatchdogInterval: time.Second,
		EscalationBuffer: 64,
		ArchiveEnabled:   false,
		// Archived tasks are kept forever unless an operator opts in.
		ArchiveRetention:     0,
		ArchiveSweepInterval: time.Hour,
	}
}

// DefaultProtocolConfig returns the default protocol configuration.
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		RequestTimeout: 10 * time.Second,
		DialTimeout:    5 * time.Second,
	}
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "agenthive:",
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "agenthive",
		Password:            "",
		Name:                "agenthive",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agenthive",
		SampleRate:   0.1,
	}
}
