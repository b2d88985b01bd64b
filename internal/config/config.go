package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Redis       RedisConfig               `json:"redis"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	WhatsApp    WhatsAppConfig            `json:"whatsapp"`
	Backoffice  BackofficeConfig          `json:"backoffice"`
	Recognition RecognitionConfig         `json:"recognition"`
	GRN         GRNConfig                 `json:"grn"`
	Media       MediaConfig               `json:"media"`
	Log         LogConfig                 `json:"log"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// Database selects an entry of Databases.
	Database string `json:"database"`
	// SessionTTL is the sliding session expiry in seconds.
	SessionTTL        int  `json:"session_ttl"`
	MaxImagesPerBatch int  `json:"max_images_per_batch"`
	DedupeDeliveries  bool `json:"dedupe_deliveries"`

	MinWorkers        int `json:"min_workers"`
	MaxWorkers        int `json:"max_workers"`
	QueueSize         int `json:"queue_size"`
	WorkerIdleTimeout int `json:"worker_idle_timeout"` // seconds

	// Task timeouts in seconds.
	BatchTimeout  int `json:"batch_timeout"`
	CommitTimeout int `json:"commit_timeout"`
	GRNTimeout    int `json:"grn_timeout"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type WhatsAppConfig struct {
	BaseURL       string `json:"base_url"`
	PhoneNumberID string `json:"phone_number_id"`
	Token         string `json:"token"`
	VerifyToken   string `json:"verify_token"`
	Timeout       int    `json:"timeout"` // seconds
}

type BackofficeConfig struct {
	BaseURL string `json:"base_url"`
	Timeout int    `json:"timeout"` // seconds
}

type RecognitionConfig struct {
	// Provider picks the chat model used for structured extraction: openai, claude or gemini.
	Provider    string `json:"provider"`
	BaseURL     string `json:"base_url"`
	Model       string `json:"model"`
	APIKey      string `json:"api_key"`
	OCRBaseURL  string `json:"ocr_base_url"`
	OCRModel    string `json:"ocr_model"`
	OCRAPIKey   string `json:"ocr_api_key"`
	Concurrency int    `json:"concurrency"`
	Timeout     int    `json:"timeout"` // seconds
}

type GRNConfig struct {
	URL            string `json:"url"`
	ConnectTimeout int    `json:"connect_timeout"` // seconds
	ReadTimeout    int    `json:"read_timeout"`    // seconds
}

type MediaConfig struct {
	// Backend is "local" or "s3".
	Backend       string `json:"backend"`
	Dir           string `json:"dir"`
	Bucket        string `json:"bucket"`
	Prefix        string `json:"prefix"`
	Region        string `json:"region"`
	Endpoint      string `json:"endpoint"`
	TTL           int    `json:"ttl"`            // minutes
	CleanInterval int    `json:"clean_interval"` // minutes
}

type LogConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

const (
	DefaultSessionTTL        = 900
	DefaultMaxImagesPerBatch = 10
	defaultWhatsAppBaseURL   = "https://graph.facebook.com/v19.0"
	defaultOCRBaseURL        = "https://api.mistral.ai/v1"
	defaultOCRModel          = "mistral-ocr-latest"
	defaultExtractModel      = "mistral-large-latest"
)

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.Media.Backend == "local" && !filepath.IsAbs(cfg.Media.Dir) {
		cfg.Media.Dir = filepath.Join(filepath.Dir(absPath), cfg.Media.Dir)
	}
	for name, db := range cfg.Databases {
		if (name == "sqlite" || name == "sqlite3") && db.DSN != "" && !strings.HasPrefix(db.DSN, "file:") &&
			db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if c.WhatsApp.PhoneNumberID == "" {
		return fmt.Errorf("whatsapp.phone_number_id must be configured")
	}
	if c.Backoffice.BaseURL == "" {
		return fmt.Errorf("backoffice.base_url must be configured")
	}
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	switch c.Media.Backend {
	case "local":
	case "s3":
		if c.Media.Bucket == "" {
			return fmt.Errorf("media.bucket must be configured for s3 backend")
		}
	default:
		return fmt.Errorf("unsupported media backend: %s", c.Media.Backend)
	}
	switch c.Recognition.Provider {
	case "openai", "claude", "gemini":
	default:
		return fmt.Errorf("unsupported recognition provider: %s", c.Recognition.Provider)
	}
	return nil
}

// applyEnv lets deployments keep secrets out of the config file.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.WhatsApp.Token, "WHATSAPP_TOKEN")
	setString(&c.WhatsApp.PhoneNumberID, "WHATSAPP_PHONE_NUMBER_ID")
	setString(&c.WhatsApp.VerifyToken, "WHATSAPP_VERIFY_TOKEN")
	setString(&c.WhatsApp.BaseURL, "WHATSAPP_BASE_URL")
	setString(&c.Backoffice.BaseURL, "CLAIMS_API_BASE")
	setString(&c.Recognition.OCRAPIKey, "MISTRAL_API_KEY")
	setString(&c.Recognition.APIKey, "RECOGNITION_API_KEY")
	setString(&c.GRN.URL, "GRN_EXTRACTOR_URL")
	setString(&c.Redis.Host, "REDIS_HOST")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Log.Level, "WA_LOG_LEVEL")
	setString(&c.BasicConfig.Database, "WA_DB")
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.SessionTTL <= 0 {
		b.SessionTTL = DefaultSessionTTL
	}
	if b.MaxImagesPerBatch <= 0 {
		b.MaxImagesPerBatch = DefaultMaxImagesPerBatch
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 256
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 30
	}
	if b.BatchTimeout <= 0 {
		b.BatchTimeout = 300
	}
	if b.CommitTimeout <= 0 {
		b.CommitTimeout = 120
	}
	if b.GRNTimeout <= 0 {
		b.GRNTimeout = 900
	}
	if c.WhatsApp.BaseURL == "" {
		c.WhatsApp.BaseURL = defaultWhatsAppBaseURL
	}
	if c.WhatsApp.Timeout <= 0 {
		c.WhatsApp.Timeout = 30
	}
	if c.Backoffice.Timeout <= 0 {
		c.Backoffice.Timeout = 60
	}
	r := &c.Recognition
	if r.Provider == "" {
		r.Provider = "openai"
	}
	if r.OCRBaseURL == "" {
		r.OCRBaseURL = defaultOCRBaseURL
	}
	if r.OCRModel == "" {
		r.OCRModel = defaultOCRModel
	}
	if r.Provider == "openai" && r.BaseURL == "" {
		r.BaseURL = defaultOCRBaseURL
	}
	if r.Model == "" {
		r.Model = defaultExtractModel
	}
	if r.APIKey == "" {
		r.APIKey = r.OCRAPIKey
	}
	if r.Concurrency <= 0 {
		r.Concurrency = 3
	}
	if r.Timeout <= 0 {
		r.Timeout = 120
	}
	if c.GRN.ConnectTimeout <= 0 {
		c.GRN.ConnectTimeout = 10
	}
	if c.GRN.ReadTimeout <= 0 {
		c.GRN.ReadTimeout = 900
	}
	if c.Media.Backend == "" {
		c.Media.Backend = "local"
	}
	if c.Media.Dir == "" {
		c.Media.Dir = "./data/media"
	}
	if c.Media.TTL <= 0 {
		c.Media.TTL = 60
	}
	if c.Media.CleanInterval <= 0 {
		c.Media.CleanInterval = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if db, ok := c.Databases["mysql"]; ok && db.Params == "" {
		db.Params = "parseTime=true&charset=utf8mb4"
		c.Databases["mysql"] = db
	}
}

// SessionTTL returns the sliding session expiry.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.BasicConfig.SessionTTL) * time.Second
}

func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
