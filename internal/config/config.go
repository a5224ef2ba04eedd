package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store drivers
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Gateway modes
const (
	GatewayAWS = "aws" // SNS for sms, SES for email, webhook for webhook
	GatewayLog = "log" // log every delivery instead of sending
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Store
	StoreDriver string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisEnabled   bool
	RedisHost      string
	RedisPort      int
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// Processor
	InstanceID   string
	TickInterval time.Duration
	ClaimTTL     time.Duration
	BatchSize    int
	ResumePolicy string

	// Dispatch
	DispatchWorkers int
	SendRate        float64 // sends per second in this process, 0 disables
	SendBurst       int
	SharedSendRate  int // sends per second across all instances, 0 disables
	SendTimeout     time.Duration
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration

	// Circuit breaker
	BreakerMaxFailures int
	BreakerCooldown    time.Duration

	// Admin API rate limit per operator or IP
	APIRateLimit  int
	APIRateWindow time.Duration

	// Gateways
	Gateway string

	// AWS Services
	AWSRegion         string
	AWSEndpointURL    string // LocalStack or another AWS-compatible endpoint
	SESFromEmail      string
	SESConfigSet      string
	SNSRegion         string // AWS region for SNS (SMS)
	SNSSenderID       string
	SNSEventsTopicARN string
	SQSRegion         string
	SQSEventsQueueURL string

	// Webhook config
	WebhookURL     string
	WebhookToken   string
	WebhookTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreDriver: StorePostgres,

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisEnabled:   true,
		RedisHost:      "localhost",
		RedisPort:      6379,
		RedisPassword:  "",
		RedisDB:        0,
		RedisKeyPrefix: "herald",

		TickInterval: 30 * time.Second,
		ClaimTTL:     5 * time.Minute,
		BatchSize:    100,
		ResumePolicy: "preserve",

		DispatchWorkers: 10,
		SendBurst:       1,
		SendTimeout:     30 * time.Second,
		MaxAttempts:     3,
		RetryBaseDelay:  500 * time.Millisecond,
		RetryMaxDelay:   30 * time.Second,

		BreakerMaxFailures: 5,
		BreakerCooldown:    30 * time.Second,

		APIRateLimit:  100,
		APIRateWindow: time.Minute,

		Gateway: GatewayAWS,

		AWSRegion:      "us-east-1",
		SESFromEmail:   "noreply@herald.local",
		WebhookTimeout: 30 * time.Second,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		if driver != StorePostgres && driver != StoreMemory {
			return nil, fmt.Errorf("invalid STORE_DRIVER %q: must be postgres or memory", driver)
		}
		cfg.StoreDriver = driver
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if enabled := os.Getenv("REDIS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ENABLED: %w", err)
		}
		cfg.RedisEnabled = b
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	if prefix := os.Getenv("REDIS_KEY_PREFIX"); prefix != "" {
		cfg.RedisKeyPrefix = prefix
	}

	// Processor config
	cfg.InstanceID = os.Getenv("INSTANCE_ID")
	if cfg.InstanceID == "" {
		cfg.InstanceID, _ = os.Hostname()
	}

	if cfg.TickInterval, err = durationEnv("TICK_INTERVAL", cfg.TickInterval); err != nil {
		return nil, err
	}

	if cfg.ClaimTTL, err = durationEnv("CLAIM_TTL", cfg.ClaimTTL); err != nil {
		return nil, err
	}

	if cfg.BatchSize, err = intEnv("BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}

	if policy := os.Getenv("RESUME_POLICY"); policy != "" {
		cfg.ResumePolicy = policy
	}

	// Dispatch config
	if cfg.DispatchWorkers, err = intEnv("DISPATCH_WORKERS", cfg.DispatchWorkers); err != nil {
		return nil, err
	}

	if rate := os.Getenv("SEND_RATE"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil || r < 0 {
			return nil, fmt.Errorf("invalid SEND_RATE: %q", rate)
		}
		cfg.SendRate = r
	}

	if cfg.SendBurst, err = intEnv("SEND_BURST", cfg.SendBurst); err != nil {
		return nil, err
	}

	if cfg.SharedSendRate, err = intEnv("SHARED_SEND_RATE", cfg.SharedSendRate); err != nil {
		return nil, err
	}

	if cfg.SendTimeout, err = durationEnv("SEND_TIMEOUT", cfg.SendTimeout); err != nil {
		return nil, err
	}

	if cfg.MaxAttempts, err = intEnv("MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return nil, err
	}

	if cfg.RetryBaseDelay, err = durationEnv("RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return nil, err
	}

	if cfg.RetryMaxDelay, err = durationEnv("RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return nil, err
	}

	if cfg.BreakerMaxFailures, err = intEnv("BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}

	if cfg.BreakerCooldown, err = durationEnv("BREAKER_COOLDOWN", cfg.BreakerCooldown); err != nil {
		return nil, err
	}

	if cfg.APIRateLimit, err = intEnv("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return nil, err
	}

	if cfg.APIRateWindow, err = durationEnv("API_RATE_WINDOW", cfg.APIRateWindow); err != nil {
		return nil, err
	}

	// Gateways
	if gw := os.Getenv("GATEWAY"); gw != "" {
		if gw != GatewayAWS && gw != GatewayLog {
			return nil, fmt.Errorf("invalid GATEWAY %q: must be aws or log", gw)
		}
		cfg.Gateway = gw
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
		cfg.AWSEndpointURL = endpoint
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if set := os.Getenv("SES_CONFIGURATION_SET"); set != "" {
		cfg.SESConfigSet = set
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if sender := os.Getenv("SNS_SENDER_ID"); sender != "" {
		cfg.SNSSenderID = sender
	}

	if arn := os.Getenv("SNS_EVENTS_TOPIC_ARN"); arn != "" {
		cfg.SNSEventsTopicARN = arn
	}

	// SQS config for execution events
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_EVENTS_QUEUE_URL"); url != "" {
		cfg.SQSEventsQueueURL = url
	}

	// Webhook config
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		cfg.WebhookURL = url
	}

	if token := os.Getenv("WEBHOOK_TOKEN"); token != "" {
		cfg.WebhookToken = token
	}

	if cfg.WebhookTimeout, err = durationEnv("WEBHOOK_TIMEOUT", cfg.WebhookTimeout); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive")
	}
	// The lease is renewed every third of its length; it must outlive a tick.
	if c.ClaimTTL < c.TickInterval {
		return fmt.Errorf("CLAIM_TTL (%s) must be at least TICK_INTERVAL (%s)", c.ClaimTTL, c.TickInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("DISPATCH_WORKERS must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive")
	}
	return nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv accepts Go durations ("45s") or a bare number of seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
