package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"livechat-ws/internal/chat"
	"livechat-ws/internal/ratelimit"
)

type Config struct {
	Port             string
	AllowedOrigins   []string
	AllowCredentials bool
	Environment      string
	InstanceID       string

	DBDriver       string
	DBDSN          string
	DBMaxOpenConns int
	TxMaxAttempts  int

	RedisHost     string
	RedisPort     string
	RedisPassword string

	KafkaBrokers     []string
	KafkaEventsTopic string
	KafkaGroupID     string

	AMQPURL         string
	TranscriptQueue string

	JWTSecret string

	ResponderAPIKey string
	ResponderURL    string
	ResponderModel  string

	WaitingTimeout          time.Duration
	OperatorResponseTimeout time.Duration
	UserInactivityWarning   time.Duration
	UserInactivityFinal     time.Duration
	AIInactivityTimeout     time.Duration
	OperatorDisconnectGrace time.Duration
	UserDisconnectTimeout   time.Duration
	ReopenWindow            time.Duration
	SessionMaxAge           time.Duration

	RateWindow        time.Duration
	RateMaxMessages   int
	RateSpamThreshold int
}

func LoadConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "livechat-ws"
	}
	instance := getEnv("INSTANCE_ID", hostname)

	return &Config{
		Port:             getEnv("PORT", "8082"),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		AllowCredentials: getEnv("ALLOW_CREDENTIALS", "false") == "true",
		Environment:      getEnv("ENVIRONMENT", "development"),
		InstanceID:       instance,

		DBDriver:       getEnv("DB_DRIVER", "memory"),
		DBDSN:          getEnv("DB_DSN", ""),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 20),
		TxMaxAttempts:  getEnvInt("TX_MAX_ATTEMPTS", 3),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		KafkaBrokers:     getEnvList("KAFKA_BROKERS", nil),
		KafkaEventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "livechat-events"),
		// every instance needs its own group to see every event
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "livechat-ws-"+instance),

		AMQPURL:         getEnv("AMQP_URL", ""),
		TranscriptQueue: getEnv("TRANSCRIPT_QUEUE", "chat-transcripts"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		ResponderAPIKey: getEnv("RESPONDER_API_KEY", ""),
		ResponderURL:    getEnv("RESPONDER_URL", "https://api.openai.com/v1/chat/completions"),
		ResponderModel:  getEnv("RESPONDER_MODEL", "gpt-4o-mini"),

		WaitingTimeout:          getEnvDuration("WAITING_TIMEOUT", 5*time.Minute),
		OperatorResponseTimeout: getEnvDuration("OPERATOR_RESPONSE_TIMEOUT", 10*time.Minute),
		UserInactivityWarning:   getEnvDuration("USER_INACTIVITY_WARNING", 5*time.Minute),
		UserInactivityFinal:     getEnvDuration("USER_INACTIVITY_FINAL", 5*time.Minute),
		AIInactivityTimeout:     getEnvDuration("AI_INACTIVITY_TIMEOUT", 15*time.Minute),
		OperatorDisconnectGrace: getEnvDuration("OPERATOR_DISCONNECT_GRACE", 10*time.Second),
		UserDisconnectTimeout:   getEnvDuration("USER_DISCONNECT_TIMEOUT", 5*time.Minute),
		ReopenWindow:            getEnvDuration("REOPEN_WINDOW", 5*time.Minute),
		SessionMaxAge:           getEnvDuration("SESSION_MAX_AGE", 7*24*time.Hour),

		RateWindow:        getEnvDuration("RATE_WINDOW", time.Minute),
		RateMaxMessages:   getEnvInt("RATE_MAX_MESSAGES", 10),
		RateSpamThreshold: getEnvInt("RATE_SPAM_THRESHOLD", 20),
	}
}

// Chat returns the session service settings.
func (c *Config) Chat() chat.Config {
	cc := chat.DefaultConfig()
	cc.WaitingTimeout = c.WaitingTimeout
	cc.OperatorResponseTimeout = c.OperatorResponseTimeout
	cc.UserInactivityWarning = c.UserInactivityWarning
	cc.UserInactivityFinal = c.UserInactivityFinal
	cc.AIInactivityTimeout = c.AIInactivityTimeout
	cc.OperatorDisconnectGrace = c.OperatorDisconnectGrace
	cc.UserDisconnectTimeout = c.UserDisconnectTimeout
	cc.ReopenWindow = c.ReopenWindow
	cc.SessionMaxAge = c.SessionMaxAge
	cc.TxMaxAttempts = c.TxMaxAttempts
	return cc
}

func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Window:        c.RateWindow,
		MaxMessages:   c.RateMaxMessages,
		SpamThreshold: c.RateSpamThreshold,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

// getEnvDuration reads a Go duration string such as "90s" or "5m".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.IsProduction() && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
