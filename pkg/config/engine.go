package config

import "time"

// EngineConfig holds runtime configuration for the orchestration engine.
type EngineConfig struct {
	Environment          string
	Addr                 string
	DatabaseURL          string
	MigrationsDir        string
	APIKeySecret         string
	APIKeyTTL            time.Duration
	SecretEncryptionKey  string
	AnalyticsURL         string
	AnalyticsToken       string
	RunnerURL            string
	RunnerAuthToken      string
	HostingURL           string
	HostingAuthToken     string
	GitHubToken          string
	GitHubOwner          string
	ScratchDir           string
	PreBuildMaxRetries   int
	PollInterval         time.Duration
	PollBurst            int
	PollWorkers          int
	EnvironmentQuota     int
	EnvironmentFanOut    int
	LogBuffer            int
	RateLimitRedisAddr   string
	RateLimitRedisPass   string
	RateLimitRedisDB     int
	ProviderCallTimeout  time.Duration
	RepositoryTransferTo string
}

// LoadEngineConfig constructs an EngineConfig from environment variables.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("API_ADDR", ":4000"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://siteforge:siteforge@db:5432/siteforge?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "./migrations"),
		APIKeySecret:         GetString("API_KEY_SECRET", "supersecuresecret"),
		APIKeyTTL:            time.Duration(GetInt("API_KEY_TTL_HOURS", 24*365)) * time.Hour,
		SecretEncryptionKey:  GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),
		AnalyticsURL:         GetString("ANALYTICS_URL", ""),
		AnalyticsToken:       GetString("ANALYTICS_TOKEN", ""),
		RunnerURL:            GetString("RUNNER_URL", "http://runner:5000"),
		RunnerAuthToken:      GetString("RUNNER_AUTH_TOKEN", ""),
		HostingURL:           GetString("HOSTING_API_URL", "https://api.hostly.test"),
		HostingAuthToken:     GetString("HOSTING_AUTH_TOKEN", ""),
		GitHubToken:          GetString("GITHUB_TOKEN", ""),
		GitHubOwner:          GetString("GITHUB_OWNER", ""),
		ScratchDir:           GetString("SCRATCH_DIR", "/tmp/siteforge"),
		PreBuildMaxRetries:   GetInt("PREBUILD_MAX_RETRIES", 3),
		PollInterval:         GetSeconds("POLL_INTERVAL_SECONDS", 30*time.Second),
		PollBurst:            GetInt("POLL_BURST", 5),
		PollWorkers:          GetInt("POLL_WORKERS", 4),
		EnvironmentQuota:     GetInt("ENVIRONMENT_QUOTA", 5),
		EnvironmentFanOut:    GetInt("ENVIRONMENT_FAN_OUT", 4),
		LogBuffer:            GetInt("WS_LOG_BUFFER", 100),
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
		ProviderCallTimeout:  GetSeconds("PROVIDER_CALL_TIMEOUT_SECONDS", 30*time.Second),
		RepositoryTransferTo: GetString("REPOSITORY_TRANSFER_TO", ""),
	}
}
