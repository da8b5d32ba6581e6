package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	UploadsPath string
	AuthSecret  string
	TokenExpiry time.Duration

	LogLevel  string
	LogFormat string

	SendBuffer         int
	MaxMessageLength   int
	EditWindow         time.Duration
	MembershipCacheTTL time.Duration
	PresenceScope      string
	RateLimit          float64
	RateBurst          int
	PingInterval       time.Duration
	PongWait           time.Duration
	AllowedOrigins     []string
	MaxUploadBytes     int64

	RedisURL string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first without overriding variables that are
// already set.
func Load(cliMode bool) (*Config, error) {
	_ = godotenv.Load(".env")

	var p parser
	cfg := &Config{
		DBFile:      getEnv("CHATLINE_DB", "chatline.db"),
		AdminAddr:   getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:     getEnv("API_ADDR", ":8080"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath: getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:  os.Getenv("AUTH_SECRET"),
		TokenExpiry: p.duration("TOKEN_EXPIRY", "24h"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		SendBuffer:         p.integer("SEND_BUFFER", "256"),
		MaxMessageLength:   p.integer("MAX_MESSAGE_LENGTH", "1000"),
		EditWindow:         p.duration("EDIT_WINDOW", "24h"),
		MembershipCacheTTL: p.duration("MEMBERSHIP_CACHE_TTL", "1m"),
		PresenceScope:      strings.ToLower(getEnv("PRESENCE_SCOPE", "all")),
		RateLimit:          p.decimal("RATE_LIMIT_RPS", "10"),
		RateBurst:          p.integer("RATE_LIMIT_BURST", "20"),
		PingInterval:       p.duration("PING_INTERVAL", "54s"),
		PongWait:           p.duration("PONG_WAIT", "60s"),
		AllowedOrigins:     splitList(os.Getenv("ALLOWED_ORIGINS")),
		MaxUploadBytes:     int64(p.integer("MAX_UPLOAD_BYTES", strconv.Itoa(10<<20))),

		RedisURL: os.Getenv("REDIS_URL"),

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: getEnv("VAPID_SUBSCRIBER", "admin@localhost"),
	}
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}

	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be greater than 0")
	}

	if c.PresenceScope != "all" && c.PresenceScope != "members" {
		return fmt.Errorf("PRESENCE_SCOPE must be all or members, got %q", c.PresenceScope)
	}

	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be greater than 0")
	}

	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		return fmt.Errorf("PONG_WAIT must be greater than PING_INTERVAL")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

// PushEnabled reports whether web push notifications are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) duration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return d
}

func (p *parser) integer(key, fallback string) int {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return n
}

func (p *parser) decimal(key, fallback string) float64 {
	f, err := strconv.ParseFloat(getEnv(key, fallback), 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
