package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 구조체 - 모든 환경변수를 담음
type Config struct {
	// Redis
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool

	// Supabase
	SupabaseURL            string
	SupabaseServiceKey     string
	SupabaseStorageBaseURL string
	StorageBucket          string

	// Gemini API (배경 제거용)
	GeminiAPIKey string
	GeminiModel  string

	// 3D Provider
	ProviderName string // "trellis" (Replicate) 또는 "hunyuan" (legacy)

	// Replicate / Trellis
	ReplicateAPIToken string
	TrellisVersion    string
	WebhookBaseURL    string // 비어있으면 webhook 미등록 (폴링만)
	WebhookSecret     string

	// Hunyuan3D (legacy)
	HunyuanEndpoint string
	HunyuanAPIKey   string

	// Server
	Port string

	// Credit
	DefaultMemberCredit int

	// Reconcile
	PollInterval    time.Duration
	PollMaxAttempts int
	StatusRetryMax  int
	StatusRetryBase time.Duration
	SweepInterval   time.Duration
}

var globalConfig *Config

// LoadConfig - 환경변수 로드
func LoadConfig() (*Config, error) {
	// .env 파일 로드 (있으면)
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  .env file not found, using environment variables")
	}

	// Redis UseTLS 파싱
	useTLS := true // 기본값
	if tlsStr := os.Getenv("REDIS_USE_TLS"); tlsStr != "" {
		if parsed, err := strconv.ParseBool(tlsStr); err == nil {
			useTLS = parsed
		}
	}

	globalConfig = &Config{
		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   useTLS,

		// Supabase
		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:     getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBaseURL: getEnv("SUPABASE_STORAGE_BASE_URL", ""),
		StorageBucket:          getEnv("STORAGE_BUCKET", "forma-assets"),

		// Gemini API
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),

		// 3D Provider
		ProviderName: getEnv("PROVIDER_NAME", "trellis"),

		// Replicate / Trellis
		ReplicateAPIToken: getEnv("REPLICATE_API_TOKEN", ""),
		TrellisVersion:    getEnv("TRELLIS_VERSION", "firtoz/trellis:4876f2a8da1c544772dffa32e8889da4a1bab3a1f5c1937bfcfccb99ae347251"),
		WebhookBaseURL:    getEnv("WEBHOOK_BASE_URL", ""),
		WebhookSecret:     getEnv("WEBHOOK_SECRET", ""),

		// Hunyuan3D (legacy)
		HunyuanEndpoint: getEnv("HUNYUAN_ENDPOINT", ""),
		HunyuanAPIKey:   getEnv("HUNYUAN_API_KEY", ""),

		// Server
		Port: getEnv("PORT", "8080"),

		// Credit
		DefaultMemberCredit: getEnvInt("DEFAULT_MEMBER_CREDIT", 3),

		// Reconcile
		PollInterval:    getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 120),
		StatusRetryMax:  getEnvInt("STATUS_RETRY_MAX", 5),
		StatusRetryBase: getEnvDuration("STATUS_RETRY_BASE", 2*time.Second),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
	}

	// 필수 환경변수 검증
	if err := globalConfig.validate(); err != nil {
		return nil, err
	}

	log.Println("✅ Configuration loaded successfully")
	log.Printf("   Redis: %s:%s (TLS: %v)", globalConfig.RedisHost, globalConfig.RedisPort, globalConfig.RedisUseTLS)
	log.Printf("   Supabase: %s", globalConfig.SupabaseURL)
	log.Printf("   Provider: %s", globalConfig.ProviderName)
	log.Printf("   Gemini: %s", globalConfig.GeminiModel)
	log.Printf("   Credit: %d for new members", globalConfig.DefaultMemberCredit)

	return globalConfig, nil
}

// GetConfig - 로드된 설정 가져오기
func GetConfig() *Config {
	if globalConfig == nil {
		log.Fatal("❌ Config not loaded. Call LoadConfig() first.")
	}
	return globalConfig
}

// SetConfig - 테스트용 설정 주입
func SetConfig(cfg *Config) {
	globalConfig = cfg
}

// validate - 필수 환경변수 검증
func (c *Config) validate() error {
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_KEY is required")
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	switch c.ProviderName {
	case "trellis":
		if c.ReplicateAPIToken == "" {
			return fmt.Errorf("REPLICATE_API_TOKEN is required when PROVIDER_NAME=trellis")
		}
	case "hunyuan":
		if c.HunyuanEndpoint == "" {
			return fmt.Errorf("HUNYUAN_ENDPOINT is required when PROVIDER_NAME=hunyuan")
		}
	default:
		return fmt.Errorf("unknown PROVIDER_NAME: %s", c.ProviderName)
	}
	return nil
}

// getEnv - 환경변수 가져오기 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt - 정수 환경변수 (기본값 지원)
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration - Duration 환경변수 (기본값 지원)
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetRedisAddr - Redis 연결 문자열 생성
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
