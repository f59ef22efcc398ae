package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	BotToken        string
	AdminTelegramID int64

	DatabaseDriver string
	DatabaseURL    string

	WGDashboardURL    string
	WGDashboardAPIKey string
	WGConfigName      string
	PeerExpiryDays    int

	YooKassaShopID    string
	YooKassaSecret    string
	YooKassaReturnURL string

	WebhookAddr       string
	RedisURL          string
	CustomClientsFile string
	TariffsFile       string

	LogLevel string
	LogFile  string

	SweepInterval time.Duration
	NotifyHorizon time.Duration
	StageGrace    time.Duration
}

var AppCfg AppConfig

// YooKassaEnabled сообщает, настроена ли оплата картой
func (c AppConfig) YooKassaEnabled() bool {
	return c.YooKassaShopID != "" && c.YooKassaSecret != ""
}

// LoadConfig читает .env и переменные окружения в AppCfg
func LoadConfig() (AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}

	cfg := AppConfig{
		BotToken:          os.Getenv("BOT_TOKEN"),
		DatabaseDriver:    getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		WGDashboardURL:    strings.TrimRight(getEnv("WG_DASHBOARD_URL", "http://localhost:10086"), "/"),
		WGDashboardAPIKey: os.Getenv("WG_DASHBOARD_API_KEY"),
		WGConfigName:      getEnv("WG_CONFIG_NAME", "awg0"),
		PeerExpiryDays:    getEnvInt("PEER_EXPIRY_DAYS", 30),
		YooKassaShopID:    os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecret:    os.Getenv("YOOKASSA_SECRET_KEY"),
		YooKassaReturnURL: os.Getenv("YOOKASSA_RETURN_URL"),
		WebhookAddr:       getEnv("WEBHOOK_ADDR", ":8080"),
		RedisURL:          os.Getenv("REDIS_URL"),
		CustomClientsFile: getEnv("CUSTOM_CLIENTS_FILE", "data/custom_clients.txt"),
		TariffsFile:       os.Getenv("TARIFFS_FILE"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           getEnv("LOG_FILE", "bot.log"),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 30*time.Minute),
		NotifyHorizon:     getEnvDuration("NOTIFY_HORIZON", 24*time.Hour),
		StageGrace:        getEnvDuration("STAGE_GRACE", 15*time.Minute),
	}

	adminID, err := strconv.ParseInt(os.Getenv("ADMIN_TELEGRAM_ID"), 10, 64)
	if err == nil {
		cfg.AdminTelegramID = adminID
	}

	if cfg.BotToken == "" || cfg.AdminTelegramID == 0 || cfg.DatabaseURL == "" || cfg.WGDashboardAPIKey == "" {
		return cfg, errors.New("critical environment variables are missing: BOT_TOKEN, ADMIN_TELEGRAM_ID, DATABASE_URL, WG_DASHBOARD_API_KEY")
	}
	if cfg.PeerExpiryDays <= 0 {
		return cfg, errors.New("PEER_EXPIRY_DAYS must be positive")
	}

	AppCfg = cfg
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
