package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds process settings from the environment and the tracking
// configuration from the YAML file.
type Config struct {
	ConfigPath  string
	DBPath      string
	DatabaseURL string
	RedisURL    string
	LogPath     string
	LogMaxBytes int
	LogBackups  int
	APIAddr     string

	Scraper   ScraperConfig
	Auth      AuthConfig
	Telegram  TelegramConfig
	S3        S3Config
	Scheduler SchedulerConfig

	File *File
}

type ScraperConfig struct {
	Proxy          string
	RequestEvery   time.Duration
	Renderer       string
	ChromePath     string
	CatalogAPIBase string
	OffersAPIURL   string
}

type AuthConfig struct {
	AppKey          string
	OAuthClientAuth string
}

type TelegramConfig struct {
	Token  string
	ChatID int64
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

// File is the YAML tracking configuration.
type File struct {
	Accounts        []Account      `yaml:"accounts"`
	CruiseWatchlist []CruiseEntry  `yaml:"cruise_watchlist"`
	AddonTracking   AddonTracking  `yaml:"addon_tracking"`
	CasinoTracking  CasinoTracking `yaml:"casino_tracking"`
	Schedule        Schedule       `yaml:"schedule"`
	Notifications   Notifications  `yaml:"notifications"`
	Settings        Settings       `yaml:"settings"`
}

type Account struct {
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	CruiseLine   string   `yaml:"cruise_line"`
	Reservations []string `yaml:"reservations"`
}

type CruiseEntry struct {
	URL       string `yaml:"url"`
	Label     string `yaml:"label"`
	PaidPrice string `yaml:"paid_price"`
	Currency  string `yaml:"currency"`
	Enabled   *bool  `yaml:"enabled"`
}

type AddonTracking struct {
	Enabled           *bool    `yaml:"enabled"`
	Categories        []string `yaml:"categories"`
	CatalogCategories []string `yaml:"catalog_categories"`
}

type CasinoTracking struct {
	Enabled *bool  `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type Schedule struct {
	Times    []string `yaml:"times"`
	Timezone string   `yaml:"timezone"`
	Cron     string   `yaml:"cron"`
}

type Notifications struct {
	Telegram *TelegramTarget     `yaml:"telegram"`
	Webhooks []WebhookTarget     `yaml:"webhooks"`
	Log      *bool               `yaml:"log"`
	Routes   map[string][]string `yaml:"routes"`
}

type TelegramTarget struct {
	ChatID int64 `yaml:"chat_id"`
}

type WebhookTarget struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type Settings struct {
	Currency            string `yaml:"currency"`
	MinSavingsThreshold string `yaml:"min_savings_threshold"`
	NotifyOnRise        bool   `yaml:"notify_on_rise"`
	PriceHistoryDays    *int   `yaml:"price_history_days"`
	MaxConcurrency      int    `yaml:"max_concurrency"`
	FetchTimeout        string `yaml:"fetch_timeout"`
}

// DefaultCatalogCategories are scanned for products not yet purchased:
// beverage, internet and dining.
var DefaultCatalogCategories = []string{"1000000002", "1000000003", "1000000004"}

var requiredSections = []string{
	"accounts",
	"cruise_watchlist",
	"addon_tracking",
	"casino_tracking",
	"schedule",
	"notifications",
	"settings",
}

func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	if configPath == "" {
		configPath = getEnv("CONFIG_PATH", "config.yaml")
	}

	cfg := &Config{
		ConfigPath:  configPath,
		DBPath:      getEnv("DB_PATH", "tracker.db"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		LogPath:     getEnv("LOG_PATH", "tracker.log"),
		LogMaxBytes: getEnvInt("LOG_MAX_BYTES", 2*1024*1024),
		LogBackups:  getEnvInt("LOG_BACKUPS", 1),
		APIAddr:     getEnv("API_ADDR", ":8080"),
		Scraper: ScraperConfig{
			Proxy:          os.Getenv("PROXY_URL"),
			RequestEvery:   getEnvDuration("REQUEST_INTERVAL", 500*time.Millisecond),
			Renderer:       getEnv("RENDERER", "playwright"),
			ChromePath:     os.Getenv("CHROME_PATH"),
			CatalogAPIBase: os.Getenv("RC_API_BASE"),
			OffersAPIURL:   os.Getenv("RC_OFFERS_API_URL"),
		},
		Auth: AuthConfig{
			AppKey:          os.Getenv("RC_APP_KEY"),
			OAuthClientAuth: os.Getenv("RC_OAUTH_CLIENT_AUTH"),
		},
		Telegram: TelegramConfig{
			Token: os.Getenv("TELEGRAM_BOT_TOKEN"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			Prefix:          getEnv("S3_PREFIX", "runs"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Scheduler: SchedulerConfig{
			Interval: getEnvDuration("SCRAPE_INTERVAL", 0),
			Cron:     os.Getenv("SCRAPE_CRON"),
		},
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, err
	}
	file, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	cfg.File = file

	if file.Notifications.Telegram != nil {
		cfg.Telegram.ChatID = file.Notifications.Telegram.ChatID
	}
	if chat := getEnvInt64("TELEGRAM_CHAT_ID", 0); chat != 0 {
		cfg.Telegram.ChatID = chat
	}
	if file.Schedule.Cron != "" && cfg.Scheduler.Cron == "" {
		cfg.Scheduler.Cron = file.Schedule.Cron
	}

	return cfg, nil
}

// Parse decodes and validates a YAML tracking configuration, filling in
// defaults for omitted settings.
func Parse(data []byte) (*File, error) {
	var sections map[string]yaml.Node
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	var missing []string
	for _, key := range requiredSections {
		if _, ok := sections[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config missing required keys: %s", strings.Join(missing, ", "))
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	s := &f.Settings
	if s.Currency == "" {
		s.Currency = "USD"
	}
	if s.MinSavingsThreshold == "" {
		s.MinSavingsThreshold = "5.00"
	}
	if s.PriceHistoryDays == nil {
		days := 90
		s.PriceHistoryDays = &days
	}
	if s.MaxConcurrency == 0 {
		s.MaxConcurrency = 4
	}
	if s.FetchTimeout == "" {
		s.FetchTimeout = "45s"
	}
	if f.Schedule.Timezone == "" {
		f.Schedule.Timezone = "America/New_York"
	}
	if len(f.Schedule.Times) == 0 && f.Schedule.Cron == "" {
		f.Schedule.Times = []string{"07:00", "19:00"}
	}
	if f.AddonTracking.CatalogCategories == nil {
		f.AddonTracking.CatalogCategories = DefaultCatalogCategories
	}
	for i := range f.Accounts {
		if f.Accounts[i].CruiseLine == "" {
			f.Accounts[i].CruiseLine = "royal"
		}
		f.Accounts[i].CruiseLine = strings.ToLower(f.Accounts[i].CruiseLine)
	}
}

func (f *File) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	seen := make(map[string]bool)
	for i, a := range f.Accounts {
		if a.Username == "" || a.Password == "" {
			add("accounts[%d]: username and password are required", i)
		}
		if a.CruiseLine != "royal" && a.CruiseLine != "celebrity" {
			add("accounts[%d]: cruise_line must be royal or celebrity", i)
		}
		if seen[a.Username] {
			add("accounts[%d]: duplicate username %s", i, a.Username)
		}
		seen[a.Username] = true
	}

	urls := make(map[string]bool)
	for i, c := range f.CruiseWatchlist {
		u, err := url.Parse(c.URL)
		if c.URL == "" || err != nil || u.Host == "" {
			add("cruise_watchlist[%d]: url must be an absolute URL", i)
		}
		if urls[c.URL] {
			add("cruise_watchlist[%d]: duplicate url", i)
		}
		urls[c.URL] = true
		if c.PaidPrice != "" {
			if _, err := decimal.NewFromString(c.PaidPrice); err != nil {
				add("cruise_watchlist[%d]: paid_price %q is not a number", i, c.PaidPrice)
			}
		}
	}

	if _, err := time.LoadLocation(f.Schedule.Timezone); err != nil {
		add("schedule: unknown timezone %q", f.Schedule.Timezone)
	}
	for _, t := range f.Schedule.Times {
		if _, _, err := ParseClock(t); err != nil {
			add("schedule: %v", err)
		}
	}

	for i, w := range f.Notifications.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("notifications.webhooks[%d]: url must be http or https", i)
		}
	}
	for category := range f.Notifications.Routes {
		switch category {
		case "cruise", "addons", "offers":
		default:
			add("notifications.routes: unknown category %q", category)
		}
	}

	s := f.Settings
	if d, err := decimal.NewFromString(s.MinSavingsThreshold); err != nil || d.IsNegative() {
		add("settings: min_savings_threshold must be a non-negative number")
	}
	if len(s.Currency) != 3 {
		add("settings: currency must be a 3 letter code")
	}
	if s.PriceHistoryDays != nil && *s.PriceHistoryDays < 0 {
		add("settings: price_history_days must not be negative")
	}
	if s.MaxConcurrency < 1 {
		add("settings: max_concurrency must be at least 1")
	}
	if d, err := time.ParseDuration(s.FetchTimeout); err != nil || d <= 0 {
		add("settings: fetch_timeout must be a positive duration")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseClock parses an HH:MM schedule time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

func (s Settings) Threshold() decimal.Decimal {
	d, err := decimal.NewFromString(s.MinSavingsThreshold)
	if err != nil {
		return decimal.NewFromInt(5)
	}
	return d
}

func (s Settings) FetchTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.FetchTimeout)
	if err != nil {
		return 45 * time.Second
	}
	return d
}

func (s Settings) HistoryDays() int {
	if s.PriceHistoryDays == nil {
		return 90
	}
	return *s.PriceHistoryDays
}

// Enabled treats a missing flag as on.
func Enabled(flag *bool) bool {
	return flag == nil || *flag
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
