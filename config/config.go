// Package config provides configuration management for the AgentHive
// coordination core.
//
// Configuration is loaded once at process start with priority
// defaults → YAML file → environment variables. Every tuning knob of the
// coordination components (heartbeat TTL, breaker thresholds, queue
// visibility timeout, health hysteresis) lives here rather than being
// hard-coded at the use site.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete configuration tree of the coordination core.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Registry  RegistryConfig  `yaml:"registry" env:"REGISTRY"`
	Health    HealthConfig    `yaml:"health" env:"HEALTH"`
	Balancer  BalancerConfig  `yaml:"balancer" env:"BALANCER"`
	Queue     QueueConfig     `yaml:"queue" env:"QUEUE"`
	Fault     FaultConfig     `yaml:"fault" env:"FAULT"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" env:"LIFECYCLE"`
	Protocol  ProtocolConfig  `yaml:"protocol" env:"PROTOCOL"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Auth      AuthConfig      `yaml:"auth" env:"AUTH"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	// HTTPPort serves the coordination API.
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// MetricsPort serves Prometheus metrics on a separate listener.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// ReadTimeout bounds request header+body reads.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// RateLimitRPS is the per-client request rate.
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// RateLimitBurst is the per-client burst allowance.
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORSAllowedOrigins lists origins allowed to call the API from a
	// browser. Empty denies cross-origin requests.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// RegistryConfig configures agent liveness tracking.
type RegistryConfig struct {
	// HeartbeatInterval is the renewal period agents must honor.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// MissedHeartbeats is how many intervals may lapse before an agent is
	// marked offline.
	MissedHeartbeats int `yaml:"missed_heartbeats" env:"MISSED_HEARTBEATS"`
	// OfflineGrace is how long an offline record is kept before removal.
	OfflineGrace time.Duration `yaml:"offline_grace" env:"OFFLINE_GRACE"`
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// EventBuffer is the capacity of the registry event channel.
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
}

// HealthConfig configures metric sampling and status evaluation.
type HealthConfig struct {
	// SampleInterval is how often unsampled agents are polled when no
	// heartbeat metrics arrive.
	SampleInterval time.Duration `yaml:"sample_interval" env:"SAMPLE_INTERVAL"`
	// EMAAlpha is the smoothing factor for the exponential moving
	// averages, in (0, 1]. Higher weighs recent samples more.
	EMAAlpha float64 `yaml:"ema_alpha" env:"EMA_ALPHA"`
	// HysteresisSamples is how many consecutive samples must agree before
	// a status transition is applied, in either direction.
	HysteresisSamples int `yaml:"hysteresis_samples" env:"HYSTERESIS_SAMPLES"`
	// HealthyFloor is the minimum composite score for healthy.
	HealthyFloor float64 `yaml:"healthy_floor" env:"HEALTHY_FLOOR"`
	// DegradedFloor is the minimum composite score for degraded; below it
	// the agent is unhealthy.
	DegradedFloor float64 `yaml:"degraded_floor" env:"DEGRADED_FLOOR"`
	// EventBuffer is the capacity of the status-change event channel.
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
}

// BalancerConfig configures agent selection.
type BalancerConfig struct {
	// Strategy is the default selection algorithm: round_robin,
	// weighted_round_robin, least_connections, least_response_time,
	// health_aware, priority_aware, adaptive.
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// HealthFloor is the composite score below which health_aware
	// excludes a candidate.
	HealthFloor float64 `yaml:"health_floor" env:"HEALTH_FLOOR"`
	// SaturationQueueLength is the backlog at which priority_aware
	// considers an agent saturated for critical work.
	SaturationQueueLength int `yaml:"saturation_queue_length" env:"SATURATION_QUEUE_LENGTH"`
	// AdaptiveWindow is the rolling window the adaptive strategy observes.
	AdaptiveWindow time.Duration `yaml:"adaptive_window" env:"ADAPTIVE_WINDOW"`
	// AdaptiveErrorRate is the aggregate error rate above which the
	// adaptive strategy falls back to health_aware selection.
	AdaptiveErrorRate float64 `yaml:"adaptive_error_rate" env:"ADAPTIVE_ERROR_RATE"`
}

// QueueConfig configures the priority message queue.
type QueueConfig struct {
	// Backend selects the queue implementation: memory or redis.
	Backend string `yaml:"backend" env:"BACKEND"`
	// VisibilityTimeout is how long a dequeued entry stays invisible
	// before an unacknowledged delivery is requeued.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
	// MaxDeliveryAttempts is the delivery count after which an entry
	// dead-letters.
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts" env:"MAX_DELIVERY_ATTEMPTS"`
	// RedeliverInterval is how often expired in-flight entries are swept
	// back to their lane.
	RedeliverInterval time.Duration `yaml:"redeliver_interval" env:"REDELIVER_INTERVAL"`
	// MaxBatch caps the batch-dequeue size.
	MaxBatch int `yaml:"max_batch" env:"MAX_BATCH"`
}

// FaultConfig configures circuit breaking and retries.
type FaultConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// breaker.
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// OpenCooldown is the initial open-state cooldown before half_open.
	OpenCooldown time.Duration `yaml:"open_cooldown" env:"OPEN_COOLDOWN"`
	// CooldownGrowth multiplies the cooldown after each failed probe.
	CooldownGrowth float64 `yaml:"cooldown_growth" env:"COOLDOWN_GROWTH"`
	// MaxCooldown caps the grown cooldown.
	MaxCooldown time.Duration `yaml:"max_cooldown" env:"MAX_COOLDOWN"`
	// OutageFraction is the fraction of a capability's agents whose
	// breakers must be open to declare a capability outage.
	OutageFraction float64 `yaml:"outage_fraction" env:"OUTAGE_FRACTION"`
	// CriticalRetries is the immediate-retry budget for critical tasks.
	CriticalRetries int `yaml:"critical_retries" env:"CRITICAL_RETRIES"`
	// RetryBaseDelay is the exponential-backoff base for non-critical
	// retries.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// RetryJitter is the ± fraction applied to every computed delay.
	RetryJitter float64 `yaml:"retry_jitter" env:"RETRY_JITTER"`
}

// LifecycleConfig configures task orchestration.
type LifecycleConfig struct {
	// MaxAttempts is the default per-task delivery budget.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// PollInterval is how often an idle dispatch worker re-checks its lane.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// WatchdogInterval is how often dispatch deadlines are checked.
	WatchdogInterval time.Duration `yaml:"watchdog_interval" env:"WATCHDOG_INTERVAL"`
	// EscalationBuffer is the capacity of the escalation event channel.
	EscalationBuffer int `yaml:"escalation_buffer" env:"ESCALATION_BUFFER"`
	// EscalationWebhook, when set, receives escalation events by POST.
	EscalationWebhook string `yaml:"escalation_webhook" env:"ESCALATION_WEBHOOK"`
	// ArchiveEnabled persists terminal tasks to the database archive.
	ArchiveEnabled bool `yaml:"archive_enabled" env:"ARCHIVE_ENABLED"`
	// ArchiveRetention deletes archive rows older than this. Zero keeps
	// archived tasks forever.
	ArchiveRetention time.Duration `yaml:"archive_retention" env:"ARCHIVE_RETENTION"`
	// ArchiveSweepInterval is how often the retention janitor runs.
	ArchiveSweepInterval time.Duration `yaml:"archive_sweep_interval" env:"ARCHIVE_SWEEP_INTERVAL"`
}

// ProtocolConfig configures the message transport layer.
type ProtocolConfig struct {
	// RequestTimeout is the default per-request response bound.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// EncryptionKey enables AES-GCM payload encryption when set
	// (hex-encoded 16 or 32 byte key). Empty means payloads pass through.
	EncryptionKey string `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
}

// RedisConfig configures the Redis client used by the redis queue backend.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// KeyPrefix namespaces every key this process writes.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig configures the task archive database.
type DatabaseConfig struct {
	// Driver is one of postgres, mysql, sqlite.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	// HealthCheckInterval is how often the pool pings the database and
	// refreshes connection gauges. Zero disables the loop.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// AuthConfig configures API authentication. A request is admitted when
// it carries either a matching API key or a verifiable bearer token;
// with neither scheme configured the API is open.
type AuthConfig struct {
	// APIKey admits requests carrying it in X-API-Key.
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// JWTSecret enables HS256 bearer-token verification when set.
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWTPublicKey is a PEM-encoded RSA public key enabling RS256
	// bearer-token verification.
	JWTPublicKey string `yaml:"jwt_public_key" env:"JWT_PUBLIC_KEY"`
	// JWTIssuer, when set, must match the token's iss claim.
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// JWTAudience, when set, must match the token's aud claim.
	JWTAudience string `yaml:"jwt_audience" env:"JWT_AUDIENCE"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths lists sinks (stdout, stderr, or file paths).
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with the call site.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches stack traces at error level.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Validate checks cross-field invariants of the loaded configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Registry.HeartbeatInterval <= 0 {
		errs = append(errs, "heartbeat_interval must be positive")
	}
	if c.Registry.MissedHeartbeats <= 0 {
		errs = append(errs, "missed_heartbeats must be positive")
	}
	if c.Health.EMAAlpha <= 0 || c.Health.EMAAlpha > 1 {
		errs = append(errs, "ema_alpha must be in (0, 1]")
	}
	if c.Health.HysteresisSamples <= 0 {
		errs = append(errs, "hysteresis_samples must be positive")
	}
	if c.Health.DegradedFloor >= c.Health.HealthyFloor {
		errs = append(errs, "degraded_floor must be below healthy_floor")
	}
	if c.Queue.MaxDeliveryAttempts <= 0 {
		errs = append(errs, "max_delivery_attempts must be positive")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		errs = append(errs, "visibility_timeout must be positive")
	}
	if c.Fault.FailureThreshold <= 0 {
		errs = append(errs, "failure_threshold must be positive")
	}
	if c.Fault.CooldownGrowth < 1 {
		errs = append(errs, "cooldown_growth must be at least 1")
	}
	if c.Fault.OutageFraction <= 0 || c.Fault.OutageFraction > 1 {
		errs = append(errs, "outage_fraction must be in (0, 1]")
	}
	if c.Fault.RetryJitter < 0 || c.Fault.RetryJitter >= 1 {
		errs = append(errs, "retry_jitter must be in [0, 1)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
