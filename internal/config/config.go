package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Channel is a chat the user must be subscribed to before using the bot.
type Channel struct {
	ID       int64
	Username string
	Title    string
}

// Link returns a public t.me link when the channel has a username.
func (c Channel) Link() string {
	if c.Username == "" {
		return ""
	}
	return "https://t.me/" + c.Username
}

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken         string
	DBDriver         string
	MySQLDSN         string
	SQLitePath       string
	AdminIDs         []int64
	RequiredChannels []Channel
	SupportContact   string

	FreeTestLimit       int
	FreeMaxQuestions    int
	PremiumMaxQuestions int
	QuestionsPerChunk   int
	ThrottleInterval    time.Duration

	PremiumStarCost              int
	PremiumPlusBonusStars        int
	StarsPrice                   int
	StarsPlusPrice               int
	TelegramPaymentProviderToken string
	PaymentCurrency              string
	PaymentPriceMinorUnits       int
	PaymentPlusPriceMinorUnits   int

	CryptoPayToken    string
	CryptoPayBaseURL  string
	CryptoAsset       string
	CryptoPrice       string
	CryptoPlusPrice   string
	CryptoWebhookPath string
	ProcessorRetries  int
	ProcessorBackoff  time.Duration
	RequestTimeout    time.Duration
	IntentTTL         time.Duration

	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string
	LLMTimeout  time.Duration
	LLMLanguage string

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UsePathStyle bool
	S3Prefix       string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// ArchiveEnabled reports whether the receipt archive has enough settings to start.
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

// CryptoEnabled reports whether the crypto rail is configured.
func (c Config) CryptoEnabled() bool {
	return c.CryptoPayToken != ""
}

// CardEnabled reports whether the card rail is configured.
func (c Config) CardEnabled() bool {
	return c.TelegramPaymentProviderToken != ""
}

// IsAdmin reports whether the telegram id is listed in ADMIN_IDS.
func (c Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultCryptoPayURL = "https://pay.crypt.bot"

	cfg := Config{
		DBDriver:                     strings.ToLower(getEnv("DB_DRIVER", "mysql")),
		SQLitePath:                   getEnv("SQLITE_PATH", "testbor.db"),
		SupportContact:               getEnv("SUPPORT_CONTACT", ""),
		FreeTestLimit:                getInt("FREE_TEST_LIMIT", 30),
		FreeMaxQuestions:             getInt("FREE_MAX_QUESTIONS", 30),
		PremiumMaxQuestions:          getInt("PREMIUM_MAX_QUESTIONS", 100),
		QuestionsPerChunk:            getInt("QUESTIONS_PER_CHUNK", 20),
		ThrottleInterval:             time.Millisecond * time.Duration(getInt("THROTTLE_INTERVAL_MS", 1000)),
		PremiumStarCost:              getInt("PREMIUM_STAR_COST", 100),
		PremiumPlusBonusStars:        getInt("PREMIUM_PLUS_BONUS_STARS", 50),
		StarsPrice:                   getInt("STARS_PRICE", 250),
		StarsPlusPrice:               getInt("STARS_PLUS_PRICE", 400),
		TelegramPaymentProviderToken: os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN"),
		PaymentCurrency:              getEnv("PAYMENT_CURRENCY", "UZS"),
		PaymentPriceMinorUnits:       getInt("PAYMENT_PRICE_MINOR_UNITS", 2000000),
		PaymentPlusPriceMinorUnits:   getInt("PAYMENT_PLUS_PRICE_MINOR_UNITS", 3000000),
		CryptoPayToken:               os.Getenv("CRYPTO_PAY_TOKEN"),
		CryptoPayBaseURL:             normalizeBaseURL(getEnv("CRYPTO_PAY_BASE_URL", defaultCryptoPayURL), defaultCryptoPayURL),
		CryptoAsset:                  strings.ToUpper(getEnv("CRYPTO_ASSET", "USDT")),
		CryptoPrice:                  getEnv("CRYPTO_PRICE", "1.5"),
		CryptoPlusPrice:              getEnv("CRYPTO_PLUS_PRICE", "2.5"),
		CryptoWebhookPath:            "/" + strings.Trim(getEnv("CRYPTO_WEBHOOK_PATH", "/cryptopay/webhook"), "/"),
		ProcessorRetries:             getInt("PROCESSOR_RETRIES", 3),
		ProcessorBackoff:             time.Millisecond * time.Duration(getInt("PROCESSOR_BACKOFF_MS", 1000)),
		RequestTimeout:               time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 10)),
		IntentTTL:                    time.Hour * time.Duration(getInt("INTENT_TTL_HOURS", 24)),
		LLMAPIKey:                    os.Getenv("LLM_API_KEY"),
		LLMBaseURL:                   normalizeBaseURL(getEnv("LLM_BASE_URL", "https://api.openai.com"), "https://api.openai.com"),
		LLMModel:                     getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:                   time.Second * time.Duration(getInt("LLM_TIMEOUT_SECONDS", 120)),
		LLMLanguage:                  getEnv("LLM_LANGUAGE", "Uzbek"),
		AdminListenAddr:              getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:                getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:                getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:                   getEnv("S3_ENDPOINT", ""),
		S3Region:                     os.Getenv("S3_REGION"),
		S3AccessKey:                  os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:                  os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                     os.Getenv("S3_BUCKET"),
		S3UsePathStyle:               getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                     getEnv("S3_PREFIX", "receipts"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		LogFormat:                    getEnv("LOG_FORMAT", "json"),
		LogFile:                      os.Getenv("LOG_FILE"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")

	adminIDs, err := parseIDList(os.Getenv("ADMIN_IDS"))
	if err != nil {
		return Config{}, fmt.Errorf("parse ADMIN_IDS: %w", err)
	}
	cfg.AdminIDs = adminIDs

	channels, err := parseChannels(os.Getenv("REQUIRED_CHANNELS"))
	if err != nil {
		return Config{}, fmt.Errorf("parse REQUIRED_CHANNELS: %w", err)
	}
	cfg.RequiredChannels = channels

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	switch cfg.DBDriver {
	case "mysql":
		if cfg.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return Config{}, fmt.Errorf("unsupported DB_DRIVER: %s", cfg.DBDriver)
	}
	if cfg.LLMAPIKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}
	if len(cfg.AdminIDs) == 0 {
		missing = append(missing, "ADMIN_IDS")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.FreeMaxQuestions <= 0 || cfg.PremiumMaxQuestions < cfg.FreeMaxQuestions {
		return Config{}, fmt.Errorf("invalid question limits: free=%d premium=%d", cfg.FreeMaxQuestions, cfg.PremiumMaxQuestions)
	}
	if cfg.QuestionsPerChunk <= 0 {
		cfg.QuestionsPerChunk = 20
	}
	if cfg.ProcessorRetries <= 0 {
		cfg.ProcessorRetries = 1
	}
	if cfg.PremiumStarCost <= 0 {
		return Config{}, fmt.Errorf("PREMIUM_STAR_COST must be positive")
	}

	return cfg, nil
}

func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	return strings.TrimRight(parsed.String(), "/")
}

// parseIDList accepts "1, 2,3".
func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseChannels accepts "@name:Title,-1001234:Other title". The title is optional.
func parseChannels(raw string) ([]Channel, error) {
	var channels []Channel
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ref, title, _ := strings.Cut(part, ":")
		ref = strings.TrimSpace(ref)
		title = strings.TrimSpace(title)

		ch := Channel{Title: title}
		if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
			ch.ID = id
		} else {
			ch.Username = extractChannelUsername(ref)
		}
		if ch.ID == 0 && ch.Username == "" {
			return nil, fmt.Errorf("invalid channel %q", part)
		}
		if ch.Title == "" {
			ch.Title = ref
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile applies the first env file found. Running purely on process env is fine.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func normalizeChannelUsername(username string) string {
	username = strings.TrimSpace(username)
	username = strings.TrimPrefix(username, "@")
	return username
}

func extractChannelUsername(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if parsed, err := url.Parse(raw); err == nil {
			path := strings.Trim(parsed.Path, "/")
			if path != "" {
				return normalizeChannelUsername(path)
			}
		}
	}
	raw = strings.TrimPrefix(raw, "t.me/")
	return normalizeChannelUsername(raw)
}
