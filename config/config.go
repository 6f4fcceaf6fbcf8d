package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Process-wide paths
	DataDir    string // sqlite database directory
	LogRoot    string // decision journal root (one subdir per trader)
	CacheDir   string // candidate pool cache files
	PromptsDir string // system prompt template library

	// Outbound HTTP
	HTTPProxy string // optional, applied to all outbound clients

	// Defaults applied when the database has no system_config override
	BTCETHLeverage     int
	AltcoinLeverage    int
	StopTradingMinutes int
	MaxDailyLossPct    float64

	// Server
	APIPort string

	// Log output
	LogPretty bool
}

var cfg *Config

func Load() *Config {
	godotenv.Load()

	cfg = &Config{
		DataDir:    getEnv("DATA_DIR", "data"),
		LogRoot:    getEnv("DECISION_LOG_ROOT", "decision_logs"),
		CacheDir:   getEnv("COIN_POOL_CACHE_DIR", "coin_pool_cache"),
		PromptsDir: getEnv("PROMPTS_DIR", "prompts"),

		HTTPProxy: getEnv("HTTP_PROXY", ""),

		BTCETHLeverage:     getEnvInt("BTC_ETH_LEVERAGE", 5),
		AltcoinLeverage:    getEnvInt("ALTCOIN_LEVERAGE", 5),
		StopTradingMinutes: getEnvInt("STOP_TRADING_MINUTES", 60),
		MaxDailyLossPct:    getEnvFloat("MAX_DAILY_LOSS", 10.0),

		APIPort: getEnv("API_PORT", "8080"),

		LogPretty: getEnvBool("LOG_PRETTY", true),
	}

	return cfg
}

func Get() *Config {
	if cfg == nil {
		Load()
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		i, err := strconv.Atoi(val)
		if err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return defaultVal
}
