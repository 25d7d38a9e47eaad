package browser

import "time"

// Config holds browser configuration.
type Config struct {
	Bin               string        `mapstructure:"bin"`
	AllowDownload     bool          `mapstructure:"allow_download"`
	Headless          bool          `mapstructure:"headless"`
	ViewportWidth     int           `mapstructure:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height"`
	DeviceScaleFactor float64       `mapstructure:"device_scale_factor"`
	UserAgent         string        `mapstructure:"user_agent"`
	AcceptLanguage    string        `mapstructure:"accept_language"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	JPEGQuality       int           `mapstructure:"jpeg_quality"`
	HideSelectors     []string      `mapstructure:"hide_selectors"`
	HideMarkers       []string      `mapstructure:"hide_markers"`
}

func DefaultConfig() Config {
	return Config{
		Headless:          true,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		DeviceScaleFactor: 2,
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		AcceptLanguage:    "en-US,en;q=0.9,uz;q=0.8,ru;q=0.7",
		NavigationTimeout: 60 * time.Second,
		ReadyTimeout:      10 * time.Second,
		SettleDelay:       2 * time.Second,
		JPEGQuality:       90,
		HideSelectors:     []string{"footer", ".footer", "#footer", ".contacts", "#contacts"},
		HideMarkers:       []string{"Contact", "Kontakt", "Telefon", "Phone", "\u00a9"},
	}
}

// withDefaults fills zero values so a partially populated Config still works.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ViewportWidth == 0 {
		c.ViewportWidth = d.ViewportWidth
	}
	if c.ViewportHeight == 0 {
		c.ViewportHeight = d.ViewportHeight
	}
	if c.DeviceScaleFactor == 0 {
		c.DeviceScaleFactor = d.DeviceScaleFactor
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = d.AcceptLanguage
	}
	if c.NavigationTimeout == 0 {
		c.NavigationTimeout = d.NavigationTimeout
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = d.JPEGQuality
	}
	return c
}
