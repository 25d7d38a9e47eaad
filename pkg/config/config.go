package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xaenox/schedule-bot/internal/bot"
	"github.com/xaenox/schedule-bot/internal/browser"
	"github.com/xaenox/schedule-bot/internal/cache"
	"github.com/xaenox/schedule-bot/internal/capture"
	"github.com/xaenox/schedule-bot/internal/dispatch"
	"github.com/xaenox/schedule-bot/internal/resolver"
	"github.com/xaenox/schedule-bot/internal/scheduler"
	"github.com/xaenox/schedule-bot/internal/storage"
)

type Config struct {
	Telegram  bot.Config       `mapstructure:"telegram"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Browser   browser.Config   `mapstructure:"browser"`
	Capture   capture.Config   `mapstructure:"capture"`
	Cache     cache.Config     `mapstructure:"cache"`
	Scheduler scheduler.Config `mapstructure:"scheduler"`
	Delivery  dispatch.Config  `mapstructure:"delivery"`
	Session   SessionConfig    `mapstructure:"session"`
	Resolver  resolver.Config  `mapstructure:"resolver"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Log       LogConfig        `mapstructure:"log"`

	v *viper.Viper
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// Storage converts the section into the storage package's settings.
func (d DatabaseConfig) Storage() storage.DatabaseConfig {
	return storage.DatabaseConfig{
		Driver:   d.Driver,
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		DBName:   d.DBName,
		SSLMode:  d.SSLMode,
		Path:     d.Path,
	}
}

type SessionConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if port, err = strconv.Atoi(u.Port()); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", u.Port())
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.admin_ids", []int64{})
	v.SetDefault("telegram.update_timeout", 60)
	v.SetDefault("telegram.request_timeout", 3*time.Minute)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "schedule")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "data/schedule.db")

	b := browser.DefaultConfig()
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.allow_download", b.AllowDownload)
	v.SetDefault("browser.headless", b.Headless)
	v.SetDefault("browser.viewport_width", b.ViewportWidth)
	v.SetDefault("browser.viewport_height", b.ViewportHeight)
	v.SetDefault("browser.device_scale_factor", b.DeviceScaleFactor)
	v.SetDefault("browser.user_agent", b.UserAgent)
	v.SetDefault("browser.accept_language", b.AcceptLanguage)
	v.SetDefault("browser.navigation_timeout", b.NavigationTimeout)
	v.SetDefault("browser.ready_timeout", b.ReadyTimeout)
	v.SetDefault("browser.settle_delay", b.SettleDelay)
	v.SetDefault("browser.jpeg_quality", b.JPEGQuality)
	v.SetDefault("browser.hide_selectors", b.HideSelectors)
	v.SetDefault("browser.hide_markers", b.HideMarkers)

	c := capture.DefaultConfig()
	v.SetDefault("capture.dir", c.Dir)
	v.SetDefault("capture.max_attempts", c.MaxAttempts)
	v.SetDefault("capture.base_delay", c.BaseDelay)
	v.SetDefault("capture.max_delay", c.MaxDelay)

	cc := cache.DefaultConfig()
	v.SetDefault("cache.freshness_window", cc.FreshnessWindow)
	v.SetDefault("cache.max_file_age", cc.MaxFileAge)

	s := scheduler.DefaultConfig()
	v.SetDefault("scheduler.timezone", "")
	v.SetDefault("scheduler.tick_spec", s.TickSpec)
	v.SetDefault("scheduler.sweep_spec", s.SweepSpec)

	d := dispatch.DefaultConfig()
	v.SetDefault("delivery.concurrency", d.Concurrency)
	v.SetDefault("delivery.rate_per_sec", d.RatePerSec)
	v.SetDefault("delivery.burst", d.Burst)

	v.SetDefault("session.size", 10000)
	v.SetDefault("session.ttl", 30*time.Minute)

	v.SetDefault("resolver.url_template", "")
	v.SetDefault("resolver.categories", []string{"bakalavr", "magistr"})
	v.SetDefault("resolver.faculty_required", []string{"bakalavr"})

	v.SetDefault("metrics.listen", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads path (optional) and applies environment overrides. Every
// key can be set from the environment with dots replaced by underscores,
// e.g. CACHE_FRESHNESS_WINDOW=2h.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	config.v = v

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if config.Telegram.Token == "" {
		config.Telegram.Token = v.GetString("BOT_TOKEN")
	}
	if ids := v.GetString("ADMIN_IDS"); ids != "" {
		parsed, err := parseIDs(ids)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ADMIN_IDS: %w", err)
		}
		config.Telegram.AdminIDs = parsed
	}
	if dir := v.GetString("CACHE_DIR"); dir != "" {
		config.Capture.Dir = dir
	}

	return &config, nil
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate checks the settings needed to run the bot.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram token is required (TELEGRAM_TOKEN or BOT_TOKEN)")
	}
	if c.Resolver.URLTemplate == "" {
		return errors.New("resolver.url_template is required")
	}
	return nil
}
