package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	keyEnv               = "APP_ENV"
	keyLogLevel          = "LOG_LEVEL"
	keyProductAPIURL     = "STORESYNC_PRODUCT_API_URL"
	keyWarehouseAPIURL   = "STORESYNC_WAREHOUSE_API_URL"
	keyOrderAPIURL       = "STORESYNC_ORDER_API_URL"
	keyPushURL           = "STORESYNC_PUSH_URL"
	keyToken             = "STORESYNC_TOKEN"
	keyPageSize          = "STORESYNC_PAGE_SIZE"
	keyFetchTimeout      = "STORESYNC_FETCH_TIMEOUT"
	keyReconnectDelay    = "STORESYNC_RECONNECT_DELAY"
	keySessionDSN        = "STORESYNC_SESSION_DSN"
	keyRequestsPerSecond = "STORESYNC_REQUESTS_PER_SECOND"

	defaultAPIURL = "http://localhost:8080"
	pushPath      = "/ws/websocket"
)

// Config is read from the environment, optionally layered over a dotenv or
// YAML file. Environment variables win.
type Config struct {
	Env      string
	LogLevel string

	ProductAPIURL   string
	WarehouseAPIURL string
	OrderAPIURL     string
	// PushURL is the websocket endpoint of the push channel. It defaults to
	// the order service on the ws scheme.
	PushURL string
	Token   string

	PageSize          int
	FetchTimeout      time.Duration
	ReconnectDelay    time.Duration
	SessionDSN        string
	RequestsPerSecond float64
}

// Load reads the configuration. path is optional; when set the file must
// exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if strings.HasSuffix(path, ".env") {
			v.SetConfigType("env")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{
		Env:               strings.TrimSpace(v.GetString(keyEnv)),
		LogLevel:          strings.TrimSpace(v.GetString(keyLogLevel)),
		ProductAPIURL:     strings.TrimSpace(v.GetString(keyProductAPIURL)),
		WarehouseAPIURL:   strings.TrimSpace(v.GetString(keyWarehouseAPIURL)),
		OrderAPIURL:       strings.TrimSpace(v.GetString(keyOrderAPIURL)),
		PushURL:           strings.TrimSpace(v.GetString(keyPushURL)),
		Token:             strings.TrimSpace(v.GetString(keyToken)),
		PageSize:          v.GetInt(keyPageSize),
		FetchTimeout:      v.GetDuration(keyFetchTimeout),
		ReconnectDelay:    v.GetDuration(keyReconnectDelay),
		SessionDSN:        strings.TrimSpace(v.GetString(keySessionDSN)),
		RequestsPerSecond: v.GetFloat64(keyRequestsPerSecond),
	}
	if cfg.PushURL == "" {
		push, err := PushURLFor(cfg.OrderAPIURL)
		if err != nil {
			return nil, err
		}
		cfg.PushURL = push
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyEnv, "production")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyProductAPIURL, defaultAPIURL)
	v.SetDefault(keyWarehouseAPIURL, defaultAPIURL)
	v.SetDefault(keyOrderAPIURL, defaultAPIURL)
	v.SetDefault(keyPageSize, 10)
	v.SetDefault(keyFetchTimeout, 15*time.Second)
	v.SetDefault(keyReconnectDelay, 5*time.Second)
	v.SetDefault(keySessionDSN, "memory://")
	v.SetDefault(keyRequestsPerSecond, 20)
}

func (c *Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{
		keyProductAPIURL:   c.ProductAPIURL,
		keyWarehouseAPIURL: c.WarehouseAPIURL,
		keyOrderAPIURL:     c.OrderAPIURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an http(s) url, got %q", name, raw))
		}
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", keyPageSize))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", keyFetchTimeout))
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", keyReconnectDelay))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", keyRequestsPerSecond))
	}
	return errors.Join(errs...)
}

// PushURLFor maps an order service base URL onto its websocket endpoint.
func PushURLFor(orderAPIURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(orderAPIURL))
	if err != nil {
		return "", fmt.Errorf("parse order api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("order api url must be http(s), got %q", orderAPIURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + pushPath
	return u.String(), nil
}
