package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port         string
	Environment  string
	DatabasePath string
	JWTSecret    string
	CORSOrigins  string
	TokenTTLHrs  int
}

func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "8080"),
		Environment:  getEnv("ENVIRONMENT", "development"),
		DatabasePath: getEnv("DATABASE_PATH", "./data/pejvak.db"),
		JWTSecret:    getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:  getEnv("CORS_ORIGINS", "*"),
		TokenTTLHrs:  parseInt(getEnv("TOKEN_TTL_HOURS", "24")),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt(s string) int {
	val, err := strconv.Atoi(s)
	if err != nil || val <= 0 {
		return 24
	}
	return val
}
