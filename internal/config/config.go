package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	AutoMigrate           bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	LogFormat             string
	PhoneRegion           string
	LedgerCacheTTLSeconds int
	ImportLockTTLSeconds  int
	MaxUploadMB           int
	BackupEnabled         bool
	BackupDir             string
	BackupHour            int
}

// LoadDotEnv reads .env style files into the process environment. Missing
// files are ignored and variables that are already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	backupHour := getInt("BACKUP_HOUR", 2)
	if backupHour > 23 {
		backupHour = 2
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getBool("AUTO_MIGRATE", false),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		PhoneRegion:           strings.ToUpper(getEnv("PHONE_REGION", "IN")),
		LedgerCacheTTLSeconds: getPositiveInt("LEDGER_CACHE_TTL_SECONDS", 30),
		ImportLockTTLSeconds:  getPositiveInt("IMPORT_LOCK_TTL_SECONDS", 120),
		MaxUploadMB:           getPositiveInt("MAX_UPLOAD_MB", 10),
		BackupEnabled:         getBool("BACKUP_ENABLED", false),
		BackupDir:             getEnv("BACKUP_DIR", "exports/master"),
		BackupHour:            backupHour,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) LedgerCacheTTL() time.Duration {
	return time.Duration(c.LedgerCacheTTLSeconds) * time.Second
}

func (c Config) ImportLockTTL() time.Duration {
	return time.Duration(c.ImportLockTTLSeconds) * time.Second
}

func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getPositiveInt(key string, fallback int) int {
	n := getInt(key, fallback)
	if n < 1 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
