package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vorpalengineering/x402-gateway/resource/middleware"
	"github.com/vorpalengineering/x402-gateway/types"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = 4021
	defaultFacilitatorURL = "http://localhost:8080"
	defaultWeatherURL     = "http://api.weatherapi.com/v1/forecast.json"
)

type GatewayConfig struct {
	Server            ServerConfig           `yaml:"server"`
	PayTo             string                 `yaml:"pay_to"`
	Network           types.Network          `yaml:"network"`
	BaseURL           string                 `yaml:"base_url"`
	FacilitatorURL    string                 `yaml:"facilitator_url"`
	FacilitatorAPIKey string                 `yaml:"facilitator_api_key"`
	Routes            map[string]RouteConfig `yaml:"routes"`
	Weather           UpstreamConfig         `yaml:"weather"`
	CarReport         UpstreamConfig         `yaml:"car_report"`
	Log               LogConfig              `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type RouteConfig struct {
	Price       string `yaml:"price"`
	Description string `yaml:"description"`
	MimeType    string `yaml:"mime_type"`
}

type UpstreamConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"-"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var defaultRoutes = map[string]RouteConfig{
	"/weather": {
		Price:       "$0.01",
		Description: "Returns the 7 day forecast for weather in a city. Pass the city as the url-escaped query parameter city (ex: /weather?city=London)",
		MimeType:    "application/json",
	},
	"/car-report": {
		Price:       "$0.02",
		Description: "Returns the car report for a given VIN. Pass the VIN as the url-escaped query parameter vin (ex: /car-report?vin=1234567890)",
		MimeType:    "application/json",
	},
}

func LoadConfig(configPath string) (*GatewayConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	loadEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML and applies defaults. It does not validate.
func ParseConfig(data []byte) (*GatewayConfig, error) {
	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *GatewayConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Network == "" {
		c.Network = types.NetworkBaseSepolia
	}
	if c.FacilitatorURL == "" {
		c.FacilitatorURL = defaultFacilitatorURL
	}
	if c.BaseURL == "" {
		host := c.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		c.BaseURL = fmt.Sprintf("http://%s:%d", host, c.Server.Port)
	}
	if len(c.Routes) == 0 {
		c.Routes = make(map[string]RouteConfig, len(defaultRoutes))
		for pattern, route := range defaultRoutes {
			c.Routes[pattern] = route
		}
	}
	if c.Weather.URL == "" {
		c.Weather.URL = defaultWeatherURL
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// ex: export X402_PAY_TO=0xabc...
func loadEnvVars(c *GatewayConfig) {
	if payTo := os.Getenv("X402_PAY_TO"); payTo != "" {
		c.PayTo = payTo
	}
	if apiKey := os.Getenv("X402_FACILITATOR_API_KEY"); apiKey != "" {
		c.FacilitatorAPIKey = apiKey
	}
	if apiKey := os.Getenv("WEATHER_API_KEY"); apiKey != "" {
		c.Weather.APIKey = apiKey
	}
}

func (c *GatewayConfig) Validate() error {
	if c.PayTo == "" {
		return errors.New("pay_to is required (or set X402_PAY_TO)")
	}
	if !common.IsHexAddress(c.PayTo) {
		return fmt.Errorf("invalid pay_to address: %s", c.PayTo)
	}
	if _, err := types.LookupNetwork(c.Network); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if err := validateURL("facilitator_url", c.FacilitatorURL); err != nil {
		return err
	}
	if err := validateURL("base_url", c.BaseURL); err != nil {
		return err
	}
	if err := validateURL("weather.url", c.Weather.URL); err != nil {
		return err
	}
	if c.CarReport.URL != "" {
		if err := validateURL("car_report.url", c.CarReport.URL); err != nil {
			return err
		}
	}
	for pattern := range c.Routes {
		if !strings.HasPrefix(pattern, "/") {
			return fmt.Errorf("route %q must start with /", pattern)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	return c.MiddlewareConfig().Validate()
}

// MiddlewareConfig maps the priced routes onto the payment middleware.
func (c *GatewayConfig) MiddlewareConfig() *middleware.MiddlewareConfig {
	routes := make(map[string]middleware.RoutePolicy, len(c.Routes))
	for pattern, route := range c.Routes {
		routes[pattern] = middleware.RoutePolicy{
			Price:       route.Price,
			Description: route.Description,
			MimeType:    route.MimeType,
		}
	}
	return &middleware.MiddlewareConfig{
		PayTo:           c.PayTo,
		Network:         c.Network,
		ResourceBaseURL: c.BaseURL,
		Routes:          routes,
	}
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s: %q", name, raw)
	}
	return nil
}
