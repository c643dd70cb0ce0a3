package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	HTTPPort    int
	APIKey      string

	FinnhubAPIKey   string
	CoinGeckoAPIKey string
	ProvidersFile   string

	QuoteFreshSecs    int
	ProviderTimeout   time.Duration
	CacheOpTimeout    time.Duration
	BatchConcurrency  int
	WarmQuotaFraction float64
	WarmIntervalSecs  int
	Watchlist         []string
	UsageAuditSecs    int

	StreamMaxReconnects int
	StreamBackoffBase   time.Duration
	StreamBackoffCap    time.Duration
	StreamIdleTimeout   time.Duration

	NATSURL     string
	NATSSubject string

	TelegramBotToken    string
	TelegramAlertChatID int64

	SSHPort           int
	SSHHostKeyPath    string
	SSHAuthorizedKeys string
	APIBaseURL        string

	MCPTransport          string
	MCPHTTPEnabled        bool
	MCPHTTPBind           string
	MCPHTTPPort           int
	MCPAuthToken          string
	MCPRequestTimeoutSecs int
}

var defaultWatchlist = []string{"AAPL", "MSFT", "NVDA", "SPY", "QQQ", "BTC", "ETH"}

func Load() *Config {
	cfg := &Config{
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		APIKey:            os.Getenv("API_KEY"),
		FinnhubAPIKey:     os.Getenv("FINNHUB_API_KEY"),
		CoinGeckoAPIKey:   os.Getenv("COINGECKO_API_KEY"),
		ProvidersFile:     strings.TrimSpace(os.Getenv("PROVIDERS_FILE")),
		NATSURL:           strings.TrimSpace(os.Getenv("NATS_URL")),
		SSHHostKeyPath:    strings.TrimSpace(os.Getenv("SSH_HOST_KEY_PATH")),
		SSHAuthorizedKeys: strings.TrimSpace(os.Getenv("SSH_AUTHORIZED_KEYS")),
		MCPAuthToken:      os.Getenv("MCP_AUTH_TOKEN"),
	}

	if cfg.TelegramBotToken == "" {
		log.Println("Warning: TELEGRAM_BOT_TOKEN not set")
	}
	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set, history archive disabled")
	}
	if cfg.RedisURL == "" {
		log.Println("Warning: REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}
	if cfg.APIKey == "" {
		log.Println("Warning: API_KEY not set, admin routes will reject every request")
	}
	if cfg.FinnhubAPIKey == "" {
		log.Println("Warning: FINNHUB_API_KEY not set, finnhub provider disabled")
	}

	cfg.HTTPPort = positiveInt("HTTP_PORT", 8080)
	cfg.QuoteFreshSecs = positiveInt("QUOTE_FRESH_SECS", 60)
	cfg.ProviderTimeout = time.Duration(positiveInt("PROVIDER_TIMEOUT_MS", 4000)) * time.Millisecond
	cfg.CacheOpTimeout = time.Duration(positiveInt("CACHE_OP_TIMEOUT_MS", 250)) * time.Millisecond
	cfg.BatchConcurrency = positiveInt("BATCH_CONCURRENCY", 4)
	cfg.WarmIntervalSecs = positiveInt("WARM_INTERVAL_SECS", 300)
	cfg.UsageAuditSecs = positiveInt("USAGE_AUDIT_SECS", 60)

	cfg.WarmQuotaFraction = 0.25
	if v := strings.TrimSpace(os.Getenv("WARM_QUOTA_FRACTION")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 && n <= 1 {
			cfg.WarmQuotaFraction = n
		}
	}

	cfg.Watchlist = defaultWatchlist
	if v := strings.TrimSpace(os.Getenv("WATCHLIST")); v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				symbols = append(symbols, s)
			}
		}
		cfg.Watchlist = symbols
	}

	cfg.StreamMaxReconnects = positiveInt("STREAM_MAX_RECONNECTS", 8)
	cfg.StreamBackoffBase = time.Duration(positiveInt("STREAM_BACKOFF_BASE_MS", 500)) * time.Millisecond
	cfg.StreamBackoffCap = time.Duration(positiveInt("STREAM_BACKOFF_CAP_MS", 30000)) * time.Millisecond
	if cfg.StreamBackoffCap < cfg.StreamBackoffBase {
		log.Printf("Warning: STREAM_BACKOFF_CAP_MS below base, using %v", cfg.StreamBackoffBase)
		cfg.StreamBackoffCap = cfg.StreamBackoffBase
	}
	cfg.StreamIdleTimeout = time.Duration(positiveInt("STREAM_IDLE_TIMEOUT_SECS", 60)) * time.Second

	cfg.NATSSubject = strings.TrimSpace(os.Getenv("NATS_SUBJECT"))
	if cfg.NATSSubject == "" {
		cfg.NATSSubject = "ticks"
	}

	if v := strings.TrimSpace(os.Getenv("TELEGRAM_ALERT_CHAT_ID")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TelegramAlertChatID = n
		} else {
			log.Printf("Warning: invalid TELEGRAM_ALERT_CHAT_ID=%q, alerts disabled", v)
		}
	}

	cfg.SSHPort = positiveInt("SSH_PORT", 23234)
	if cfg.SSHHostKeyPath == "" {
		cfg.SSHHostKeyPath = ".ssh/alfalyzer_ed25519"
	}
	cfg.APIBaseURL = strings.TrimSpace(os.Getenv("API_BASE_URL"))
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)
	}

	cfg.MCPTransport = strings.ToLower(strings.TrimSpace(os.Getenv("MCP_TRANSPORT")))
	if cfg.MCPTransport == "" {
		cfg.MCPTransport = "stdio"
	}
	if cfg.MCPTransport != "stdio" && cfg.MCPTransport != "http" {
		log.Printf("Warning: unsupported MCP_TRANSPORT=%q, defaulting to stdio", cfg.MCPTransport)
		cfg.MCPTransport = "stdio"
	}

	cfg.MCPHTTPEnabled = strings.EqualFold(strings.TrimSpace(os.Getenv("MCP_HTTP_ENABLED")), "true")

	cfg.MCPHTTPBind = strings.TrimSpace(os.Getenv("MCP_HTTP_BIND"))
	if cfg.MCPHTTPBind == "" {
		cfg.MCPHTTPBind = "127.0.0.1"
	}

	cfg.MCPHTTPPort = positiveInt("MCP_HTTP_PORT", 8090)
	cfg.MCPRequestTimeoutSecs = positiveInt("MCP_REQUEST_TIMEOUT_SECS", 5)

	return cfg
}

// positiveInt reads an integer env var, falling back to def when unset or
// not a positive number.
func positiveInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("Warning: invalid %s=%q, using %d", key, v, def)
	}
	return def
}
