package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment              string
	Addr                     string
	DatabaseDriver           string
	DatabaseURL              string
	MigrationsDir            string
	JWTSecret                string
	AccessTokenTTL           time.Duration
	RefreshTokenTTL          time.Duration
	RateLimitRedisAddr       string
	RateLimitRedisPass       string
	RateLimitRedisDB         int
	AllowedClientIDs         []string
	DeviceCodeTTL            time.Duration
	DeviceCodePollInterval   time.Duration
	DeviceCodeUserCodeLength int
	DeviceVerificationURL    string
	DeviceCodeRetention      time.Duration
	HousekeepingInterval     time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:              GetString("APP_ENV", "development"),
		Addr:                     GetString("API_ADDR", ":3001"),
		DatabaseDriver:           GetString("DATABASE_DRIVER", "postgres"),
		DatabaseURL:              GetString("DATABASE_URL", "postgres://agent:agent@db:5432/agent?sslmode=disable"),
		MigrationsDir:            GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:                GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:           time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		RefreshTokenTTL:          time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 720)) * time.Hour,
		RateLimitRedisAddr:       GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:       GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:         GetInt("RATE_LIMIT_REDIS_DB", 0),
		AllowedClientIDs:         GetList("ALLOWED_CLIENT_IDS"),
		DeviceCodeTTL:            GetDuration("DEVICE_CODE_TTL", 30*time.Minute),
		DeviceCodePollInterval:   GetDuration("DEVICE_CODE_INTERVAL", 5*time.Second),
		DeviceCodeUserCodeLength: GetInt("DEVICE_USER_CODE_LENGTH", 8),
		DeviceVerificationURL:    GetString("DEVICE_VERIFICATION_URL", "http://localhost:3000/device"),
		DeviceCodeRetention:      GetDuration("DEVICE_CODE_RETENTION", 24*time.Hour),
		HousekeepingInterval:     GetDuration("HOUSEKEEPING_INTERVAL", 10*time.Minute),
	}
}
