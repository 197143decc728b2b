package env

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/zap"
)

// Env holds process-level bootstrap values. Device and rendering settings
// live in the settings table and are re-read on every operation; only
// values that cannot change without a restart belong here.
type Env struct {
	DebugMode   bool
	WorkerCount int
	QueueSize   int
}

var Value Env

// LoadEnv reads .env (if present) and the process environment into Value.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", zap.Error(err))
	}

	Value = Env{
		DebugMode:   getBool("DEBUG_MODE", false),
		WorkerCount: getInt("WORKER_COUNT", 2),
		QueueSize:   getInt("QUEUE_SIZE", 100),
	}
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("Invalid boolean environment value", zap.String("key", key), zap.String("value", v))
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("Invalid integer environment value", zap.String("key", key), zap.String("value", v))
		return def
	}
	return n
}
