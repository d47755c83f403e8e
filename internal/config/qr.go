package config

import (
	"os"
	"strconv"
	"time"
)

type QRConfig struct {
	CodeTTL     time.Duration
	KeyPrefix   string
	ImagePixels int
}

func LoadQRConfig() *QRConfig {
	return &QRConfig{
		CodeTTL:     getEnvAsDuration("QR_CODE_TTL", 5*time.Minute),
		KeyPrefix:   getEnv("QR_KEY_PREFIX", "charge_qr"),
		ImagePixels: getEnvAsInt("QR_IMAGE_PIXELS", 256),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
