package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendFirestore = "firestore"
	BackendRealtime  = "realtime"
	BackendMemory    = "memory"
)

type Config struct {
	StoreBackend               string
	FirebaseDbUrl              string
	FirebaseServiceAccountJSON string
	FirebaseProjectID          string
	SessionsCollection         string
	TokensCollection           string

	TelegramBotToken string
	TelegramChatID   string

	RabbitMQURL       string
	RabbitMQExchange  string
	RabbitMQScanQueue string

	MQTTBroker   string
	MQTTUser     string
	MQTTPass     string
	MQTTFixTopic string

	// Reporting device
	UserID                string
	StateDBPath           string
	HeartbeatInterval     time.Duration
	LocationTimeout       time.Duration
	LocationMaxAge        time.Duration
	HeartbeatFailureAlert int
	FixedLatitude         float64
	FixedLongitude        float64

	// Watchdog
	StalenessThreshold time.Duration
	ScanInterval       time.Duration
	HTTPAddr           string
	AlertWebhookURL    string

	// Proximity and disaster feed
	HazardAPIURL     string
	HazardAPIKey     string
	DefaultLatitude  float64
	DefaultLongitude float64
	NearbyRadiusKm   float64
}

// fileValues holds keys read from CONFIG_FILE; env vars take precedence
var fileValues map[string]string

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	fileValues = nil
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		values, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		fileValues = values
	}

	config := &Config{
		StoreBackend:               getEnv("STORE_BACKEND", BackendFirestore),
		FirebaseDbUrl:              getEnv("FIREBASE_DB_URL", ""),
		FirebaseServiceAccountJSON: getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),
		FirebaseProjectID:          getEnv("FIREBASE_PROJECT_ID", ""),
		SessionsCollection:         getEnv("SESSIONS_COLLECTION", "sos_sessions"),
		TokensCollection:           getEnv("TOKENS_COLLECTION", "fcmTokens"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		RabbitMQURL:       getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:  getEnv("RABBITMQ_EXCHANGE", "lifeline.events"),
		RabbitMQScanQueue: getEnv("RABBITMQ_SCAN_QUEUE", "staleness_scan_queue"),

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTUser:     getEnv("MQTT_USER", ""),
		MQTTPass:     getEnv("MQTT_PASS", ""),
		MQTTFixTopic: getEnv("MQTT_FIX_TOPIC", "lifeline/fix"),

		UserID:                getEnv("USER_ID", ""),
		StateDBPath:           getEnv("STATE_DB_PATH", "lifeline-state.db"),
		HeartbeatInterval:     getEnvDuration("HEARTBEAT_INTERVAL", 60*time.Second),
		LocationTimeout:       getEnvDuration("LOCATION_TIMEOUT", 15*time.Second),
		LocationMaxAge:        getEnvDuration("LOCATION_MAX_AGE", 2*time.Minute),
		HeartbeatFailureAlert: getEnvInt("HEARTBEAT_FAILURE_ALERT", 3),
		FixedLatitude:         getEnvFloat("FIXED_LATITUDE", 0),
		FixedLongitude:        getEnvFloat("FIXED_LONGITUDE", 0),

		StalenessThreshold: getEnvDuration("STALENESS_THRESHOLD", 30*time.Second),
		ScanInterval:       getEnvDuration("SCAN_INTERVAL", 15*time.Second),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		AlertWebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),

		HazardAPIURL:     getEnv("HAZARD_API_URL", "https://api.ambeedata.com"),
		HazardAPIKey:     getEnv("HAZARD_API_KEY", ""),
		DefaultLatitude:  getEnvFloat("DEFAULT_LATITUDE", 28.6139),
		DefaultLongitude: getEnvFloat("DEFAULT_LONGITUDE", 77.2090),
		NearbyRadiusKm:   getEnvFloat("NEARBY_RADIUS_KM", 50),
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LogSummary logs the effective configuration with secrets masked
func (c *Config) LogSummary(logger *zap.Logger) {
	logger.Info("Configuration loaded",
		zap.String("store_backend", c.StoreBackend),
		zap.String("firebase_db_url", c.FirebaseDbUrl),
		zap.String("firebase_service_account_json", mask(c.FirebaseServiceAccountJSON)),
		zap.String("sessions_collection", c.SessionsCollection),
		zap.String("telegram_bot_token", mask(c.TelegramBotToken)),
		zap.String("telegram_chat_id", c.TelegramChatID),
		zap.String("rabbitmq_exchange", c.RabbitMQExchange),
		zap.String("mqtt_broker", c.MQTTBroker),
		zap.Duration("heartbeat_interval", c.HeartbeatInterval),
		zap.Duration("staleness_threshold", c.StalenessThreshold),
		zap.Duration("scan_interval", c.ScanInterval),
		zap.String("hazard_api_key", mask(c.HazardAPIKey)),
	)
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendFirestore, BackendRealtime, BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.StoreBackend == BackendRealtime && c.FirebaseDbUrl == "" {
		return fmt.Errorf("FIREBASE_DB_URL is required for the realtime backend")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.StalenessThreshold <= 0 {
		return fmt.Errorf("STALENESS_THRESHOLD must be positive")
	}
	if c.DefaultLatitude < -90 || c.DefaultLatitude > 90 || c.DefaultLongitude < -180 || c.DefaultLongitude > 180 {
		return fmt.Errorf("default location out of range")
	}
	return nil
}

// readConfigFile parses a flat YAML map of the same keys as the env vars
func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := fileValues[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := getEnv(key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}
