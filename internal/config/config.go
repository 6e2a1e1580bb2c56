package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        int
	GinMode     string
	TLSCertFile string
	TLSKeyFile  string

	JWTSecret   string
	TokenExpiry time.Duration
	JWTIssuer   string
	JWTLeeway   time.Duration

	DBDialect       string
	DatabaseURL     string
	CredentialTable string
	AutoMigrate     bool
	WAStoreDSN      string

	PredictionBaseURL string
	PredictionTimeout time.Duration
	PredictionAPIKey  string

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxRetries   int

	ActivationConcurrency int

	NATSURL           string
	NATSSubjectPrefix string

	LogLevel  string
	LogFormat string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:                  3000,
		GinMode:               "release",
		TokenExpiry:           7 * 24 * time.Hour,
		DBDialect:             "mysql",
		CredentialTable:       "wa_auth_state",
		AutoMigrate:           true,
		PredictionBaseURL:     "http://localhost:3000",
		PredictionTimeout:     120 * time.Second,
		ReconnectMaxDelay:     time.Minute,
		ActivationConcurrency: 4,
		NATSSubjectPrefix:     "whatsapp.notify",
		LogLevel:              "info",
		LogFormat:             "auto",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	cfg.JWTSecret = env.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	// An empty issuer leaves the iss claim unchecked.
	cfg.JWTIssuer = env.Getenv("JWT_ISSUER")
	if raw := env.Getenv("JWT_LEEWAY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return Config{}, fmt.Errorf("invalid JWT_LEEWAY_SECONDS")
		}
		cfg.JWTLeeway = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("DB_DIALECT"); raw != "" {
		if raw != "mysql" && raw != "postgres" {
			return Config{}, fmt.Errorf("invalid DB_DIALECT")
		}
		cfg.DBDialect = raw
	}
	cfg.DatabaseURL = env.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if raw := env.Getenv("CREDENTIAL_TABLE"); raw != "" {
		cfg.CredentialTable = raw
	}
	if raw := env.Getenv("AUTO_MIGRATE"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid AUTO_MIGRATE")
		}
		cfg.AutoMigrate = v
	}
	cfg.WAStoreDSN = env.Getenv("WA_STORE_DSN")
	if cfg.WAStoreDSN == "" && cfg.DBDialect == "postgres" {
		cfg.WAStoreDSN = cfg.DatabaseURL
	}

	if raw := env.Getenv("PREDICTION_BASE_URL"); raw != "" {
		cfg.PredictionBaseURL = raw
	}
	if raw := env.Getenv("PREDICTION_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid PREDICTION_TIMEOUT_SECONDS")
		}
		cfg.PredictionTimeout = time.Duration(seconds) * time.Second
	}
	cfg.PredictionAPIKey = env.Getenv("PREDICTION_API_KEY")

	if raw := env.Getenv("RECONNECT_INITIAL_DELAY_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return Config{}, fmt.Errorf("invalid RECONNECT_INITIAL_DELAY_MS")
		}
		cfg.ReconnectInitialDelay = time.Duration(ms) * time.Millisecond
	}
	if raw := env.Getenv("RECONNECT_MAX_DELAY_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return Config{}, fmt.Errorf("invalid RECONNECT_MAX_DELAY_MS")
		}
		cfg.ReconnectMaxDelay = time.Duration(ms) * time.Millisecond
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectInitialDelay {
		return Config{}, fmt.Errorf("invalid RECONNECT_MAX_DELAY_MS")
	}
	if raw := env.Getenv("RECONNECT_MAX_RETRIES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid RECONNECT_MAX_RETRIES")
		}
		cfg.ReconnectMaxRetries = n
	}

	if raw := env.Getenv("ACTIVATION_CONCURRENCY"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid ACTIVATION_CONCURRENCY")
		}
		cfg.ActivationConcurrency = n
	}

	cfg.NATSURL = env.Getenv("NATS_URL")
	if raw := env.Getenv("NATS_SUBJECT_PREFIX"); raw != "" {
		cfg.NATSSubjectPrefix = raw
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		if raw != "auto" && raw != "text" && raw != "json" {
			return Config{}, fmt.Errorf("invalid LOG_FORMAT")
		}
		cfg.LogFormat = raw
	}

	return cfg, nil
}
