// Package config loads cmd/server's process configuration from the
// environment, grounded on the teacher's own internal/config: a plain
// struct plus a getEnv fallback helper, extended with the knobs
// pkg/spiral.Options needs (max steps, scheduler mode, tracing, detector
// toggles) instead of the teacher's workflow-engine knobs.
package config

import (
	"os"
	"strconv"

	"github.com/spiral-run/spiral/internal/domain"
)

type Config struct {
	Port        string
	LogLevel    string
	DatabaseDSN string

	MaxSteps       int64
	Scheduler      domain.SchedulerMode
	Trace          bool
	DetectRace     bool
	DetectDeadlock bool
	AutoDetect     bool
	OpenAIAPIKey   string
	OpenAIModel    string
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseDSN: getEnv("DATABASE_DSN", ""),

		MaxSteps:       getEnvInt64("SPIRAL_MAX_STEPS", 10000),
		Scheduler:      domain.SchedulerMode(getEnv("SPIRAL_SCHEDULER", string(domain.SchedulerBreadthFirst))),
		Trace:          getEnvBool("SPIRAL_TRACE", false),
		DetectRace:     getEnvBool("SPIRAL_DETECT_RACE", false),
		DetectDeadlock: getEnvBool("SPIRAL_DETECT_DEADLOCK", false),
		AutoDetect:     getEnvBool("SPIRAL_AUTO_DETECT", false),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:    getEnv("OPENAI_MODEL", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func (c *Config) GetPortInt() int {
	p, _ := strconv.Atoi(c.Port)
	return p
}
