package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "LECTERN"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "lectern.db"
	defaultLogLevel     = "info"
	defaultPlansDir     = "plans"
	defaultLogMaxSizeMB = 100
	defaultLogBackups   = 10
	defaultLogAgeDays   = 30

	defaultTokenTTL      = 30 * 24 * time.Hour
	defaultLockTTL       = 5 * time.Minute
	defaultLockRefresh   = 60 * time.Second
	defaultSaveDebounce  = time.Second
	defaultSavedHold     = 2 * time.Second
	defaultLinkQuiesce   = 500 * time.Millisecond
	defaultLinkSettle    = time.Second
	defaultLinkTopBandPt = 50.0
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	CORSOrigins    []string
	DatabasePath   string
	LogLevel       string
	LogFile        string
	LogMaxSizeMB   int
	LogMaxBackups  int
	LogMaxAgeDays  int
	LogCompress    bool
	AuthSigningKey string
	AuthTokenTTL   time.Duration
	AppleBundleID  string

	NoteLockTTL      time.Duration
	NoteLockRefresh  time.Duration
	NoteSaveDebounce time.Duration
	NoteSavedHold    time.Duration

	LinkQuiescence time.Duration
	LinkSettle     time.Duration
	LinkTopBand    float64

	PlansDir string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogBackups)
	configViper.SetDefault("log.max_age_days", defaultLogAgeDays)
	configViper.SetDefault("log.compress", true)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)

	configViper.SetDefault("notes.lock_ttl", defaultLockTTL)
	configViper.SetDefault("notes.lock_refresh", defaultLockRefresh)
	configViper.SetDefault("notes.save_debounce", defaultSaveDebounce)
	configViper.SetDefault("notes.saved_hold", defaultSavedHold)

	configViper.SetDefault("link.quiescence", defaultLinkQuiesce)
	configViper.SetDefault("link.settle", defaultLinkSettle)
	configViper.SetDefault("link.top_band", defaultLinkTopBandPt)

	configViper.SetDefault("plans.dir", defaultPlansDir)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		CORSOrigins:    configViper.GetStringSlice("http.cors_origins"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFile:        configViper.GetString("log.file"),
		LogMaxSizeMB:   configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:  configViper.GetInt("log.max_backups"),
		LogMaxAgeDays:  configViper.GetInt("log.max_age_days"),
		LogCompress:    configViper.GetBool("log.compress"),
		AuthSigningKey: configViper.GetString("auth.signing_secret"),
		AuthTokenTTL:   configViper.GetDuration("auth.token_ttl"),
		AppleBundleID:  configViper.GetString("apple.bundle_id"),

		NoteLockTTL:      configViper.GetDuration("notes.lock_ttl"),
		NoteLockRefresh:  configViper.GetDuration("notes.lock_refresh"),
		NoteSaveDebounce: configViper.GetDuration("notes.save_debounce"),
		NoteSavedHold:    configViper.GetDuration("notes.saved_hold"),

		LinkQuiescence: configViper.GetDuration("link.quiescence"),
		LinkSettle:     configViper.GetDuration("link.settle"),
		LinkTopBand:    configViper.GetFloat64("link.top_band"),

		PlansDir: configViper.GetString("plans.dir"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AppleBundleID) == "" {
		return fmt.Errorf("apple.bundle_id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	for key, value := range map[string]time.Duration{
		"auth.token_ttl":      c.AuthTokenTTL,
		"notes.lock_ttl":      c.NoteLockTTL,
		"notes.lock_refresh":  c.NoteLockRefresh,
		"notes.save_debounce": c.NoteSaveDebounce,
		"notes.saved_hold":    c.NoteSavedHold,
		"link.quiescence":     c.LinkQuiescence,
		"link.settle":         c.LinkSettle,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.LinkTopBand <= 0 {
		return fmt.Errorf("link.top_band must be positive")
	}
	return nil
}
