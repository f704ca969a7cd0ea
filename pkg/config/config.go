package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Attendance AttendanceConfig
	Ledger     LedgerConfig
	Students   StudentConfig
	Identity   IdentityConfig
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	Name          string
	SSLMode       string
	MaxOpenConns  int
	MaxIdleConns  int
	TxMaxAttempts int
	// ConnMaxLifetime bounds how long a pooled connection is reused.
	ConnMaxLifetime time.Duration
	// StatementTimeout is applied server-side to every session; zero leaves the server default.
	StatementTimeout time.Duration
	ApplicationName  string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
	Expiry time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig toggles the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool
}

// AttendanceConfig defines the daily marking window and cohort locking.
type AttendanceConfig struct {
	OpenHour  int
	CloseHour int
	Timezone  string
	LockTTL   time.Duration
}

// LedgerConfig governs fee ledger behaviour and its Redis read model.
type LedgerConfig struct {
	AcademicYearStartMonth int
	MirrorEnabled          bool
	MirrorTTL              time.Duration
	MirrorWorkers          int
}

// StudentConfig controls school identifier allocation.
type StudentConfig struct {
	IDPrefix string
	IDPad    int
}

// IdentityConfig controls credential provisioning for new students.
type IdentityConfig struct {
	EmailDomain     string
	DefaultPassword string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:          v.GetString("DB_HOST"),
		Port:          v.GetInt("DB_PORT"),
		User:          v.GetString("DB_USER"),
		Password:      v.GetString("DB_PASSWORD"),
		Name:          v.GetString("DB_NAME"),
		SSLMode:       v.GetString("DB_SSL_MODE"),
		MaxOpenConns:  v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns:  v.GetInt("DB_MAX_IDLE_CONNS"),
		TxMaxAttempts: v.GetInt("DB_TX_MAX_ATTEMPTS"),

		ConnMaxLifetime:  parseDuration(v.GetString("DB_CONN_MAX_LIFETIME"), time.Hour),
		StatementTimeout: parseDuration(v.GetString("DB_STATEMENT_TIMEOUT"), 30*time.Second),
		ApplicationName:  v.GetString("DB_APPLICATION_NAME"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
		Expiry: parseDuration(v.GetString("JWT_EXPIRATION"), 15*time.Minute),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Metrics = MetricsConfig{Enabled: v.GetBool("ENABLE_METRICS")}

	cfg.Attendance = AttendanceConfig{
		OpenHour:  clampHour(v.GetInt("ATTENDANCE_OPEN_HOUR"), 7),
		CloseHour: clampHour(v.GetInt("ATTENDANCE_CLOSE_HOUR"), 16),
		Timezone:  v.GetString("ATTENDANCE_TIMEZONE"),
		LockTTL:   parseDuration(v.GetString("ATTENDANCE_LOCK_TTL"), 10*time.Second),
	}

	startMonth := v.GetInt("LEDGER_ACADEMIC_YEAR_START_MONTH")
	if startMonth < 1 || startMonth > 12 {
		startMonth = 4
	}
	cfg.Ledger = LedgerConfig{
		AcademicYearStartMonth: startMonth,
		MirrorEnabled:          v.GetBool("LEDGER_MIRROR_ENABLED"),
		MirrorTTL:              parseDuration(v.GetString("LEDGER_MIRROR_TTL"), 15*time.Minute),
		MirrorWorkers:          v.GetInt("LEDGER_MIRROR_WORKERS"),
	}

	cfg.Students = StudentConfig{
		IDPrefix: v.GetString("STUDENT_ID_PREFIX"),
		IDPad:    v.GetInt("STUDENT_ID_PAD"),
	}

	cfg.Identity = IdentityConfig{
		EmailDomain:     v.GetString("IDENTITY_EMAIL_DOMAIN"),
		DefaultPassword: v.GetString("IDENTITY_DEFAULT_PASSWORD"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "school_enterprise")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_TX_MAX_ATTEMPTS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DB_STATEMENT_TIMEOUT", "30s")
	v.SetDefault("DB_APPLICATION_NAME", "school-enterprise-core")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "school-portal")
	v.SetDefault("JWT_EXPIRATION", "15m")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ENABLE_METRICS", true)

	v.SetDefault("ATTENDANCE_OPEN_HOUR", 7)
	v.SetDefault("ATTENDANCE_CLOSE_HOUR", 16)
	v.SetDefault("ATTENDANCE_TIMEZONE", "Asia/Kolkata")
	v.SetDefault("ATTENDANCE_LOCK_TTL", "10s")

	v.SetDefault("LEDGER_ACADEMIC_YEAR_START_MONTH", 4)
	v.SetDefault("LEDGER_MIRROR_ENABLED", true)
	v.SetDefault("LEDGER_MIRROR_TTL", "15m")
	v.SetDefault("LEDGER_MIRROR_WORKERS", 2)

	v.SetDefault("STUDENT_ID_PREFIX", "STU")
	v.SetDefault("STUDENT_ID_PAD", 5)

	v.SetDefault("IDENTITY_EMAIL_DOMAIN", "students.school.local")
	v.SetDefault("IDENTITY_DEFAULT_PASSWORD", "ChangeMe@123")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func clampHour(hour, fallback int) int {
	if hour < 0 || hour > 23 {
		return fallback
	}
	return hour
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
