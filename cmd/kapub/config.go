package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"kapub/internal/configutil"
	"kapub/internal/notify"
	"kapub/internal/telemetry"
)

type PortalConfig struct {
	LoginUrl      string `json:"login_url"`
	OverviewUrl   string `json:"overview_url"`
	LinkHost      string `json:"link_host"`
	LoginRedirect string `json:"login_redirect"`
	SessionCookie string `json:"session_cookie"`
	UserAgent     string `json:"user_agent"`
	// Parser is "marker" (default) or "selector".
	Parser string `json:"parser"`
	// LinkPattern is the marker or css selector, empty for the default.
	LinkPattern        string  `json:"link_pattern"`
	Username           string  `json:"username"`
	Password           string  `json:"password"`
	LoginTimeout       string  `json:"login_timeout"`
	RelayHeaderTimeout string  `json:"relay_header_timeout"`
	RequestsPerSecond  float64 `json:"requests_per_second"`
	BypassCloudflare   bool    `json:"bypass_cloudflare"`
}

type Config struct {
	Listen   string `json:"listen"`
	CacheDir string `json:"cache_dir"`
	Title    string `json:"title"`
	// Timezone of the warm-up schedule, empty for the machine's.
	Timezone     string `json:"timezone"`
	WarmSchedule string `json:"warm_schedule"`
	IssueTtl     string `json:"issue_ttl"`
	ChunkSize    int    `json:"chunk_size"`
	EnforceToken bool   `json:"enforce_token"`

	Portal    PortalConfig      `json:"portal"`
	Smtp      notify.SmtpConfig `json:"smtp"`
	Telemetry telemetry.Config  `json:"telemetry"`
}

// Durations are the parsed duration settings of a Config.
type Durations struct {
	LoginTimeout       time.Duration
	RelayHeaderTimeout time.Duration
	IssueTtl           time.Duration
}

func loadConfig(path string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("no config at %s", path)
	}
	if err != nil {
		return Config{}, err
	}

	username, ok := os.LookupEnv("KAPUB_USERNAME")
	if ok {
		cfg.Portal.Username = username
	}
	password, ok := os.LookupEnv("KAPUB_PASSWORD")
	if ok {
		cfg.Portal.Password = password
	}

	if cfg.Listen == "" {
		cfg.Listen = ":9999"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "./cache"
	}
	if cfg.Title == "" {
		cfg.Title = "Kreis-Anzeiger"
	}
	if cfg.IssueTtl == "" {
		cfg.IssueTtl = "10m"
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Portal.LoginUrl == "" || c.Portal.OverviewUrl == "" || c.Portal.LinkHost == "" {
		return fmt.Errorf("portal.login_url, portal.overview_url and portal.link_host are required")
	}
	if c.Portal.Username == "" {
		return fmt.Errorf("portal.username (or KAPUB_USERNAME) is required")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must not be negative")
	}
	_, err := c.durations()
	return err
}

func (c Config) durations() (Durations, error) {
	var out Durations
	fields := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"portal.login_timeout", c.Portal.LoginTimeout, &out.LoginTimeout},
		{"portal.relay_header_timeout", c.Portal.RelayHeaderTimeout, &out.RelayHeaderTimeout},
		{"issue_ttl", c.IssueTtl, &out.IssueTtl},
	}
	for _, field := range fields {
		if field.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(field.value)
		if err != nil {
			return Durations{}, fmt.Errorf("%s: %w", field.name, err)
		}
		if parsed < 0 {
			return Durations{}, fmt.Errorf("%s must not be negative", field.name)
		}
		*field.dest = parsed
	}
	return out, nil
}
