// Package config loads the gateway's startup configuration: the mqtt.json
// file (LiveKit credentials, broker connection parameters, debug flag) and
// the five recognized environment variables. Load reads the file through
// viper, binds the environment variables, and validates the result into the
// typed view the rest of the gateway consumes.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// ErrConfigMissing is returned when a required setting (CEREBRIUM_API_TOKEN,
// or the LiveKit credentials) is absent. The caller treats this as fatal.
var ErrConfigMissing = errors.New("config: required setting missing")

// LiveKitConfig carries the room-service connection triple.
type LiveKitConfig struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// MQTTBrokerConfig carries the broker dial parameters recognized by mqtt.json.
type MQTTBrokerConfig struct {
	Protocol         string `mapstructure:"protocol"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	KeepAlive        int    `mapstructure:"keepalive"`
	Clean            bool   `mapstructure:"clean"`
	ReconnectPeriod  int    `mapstructure:"reconnectPeriod"`
	ConnectTimeoutMs int    `mapstructure:"connectTimeout"`
}

// Config is the fully resolved, validated gateway configuration.
type Config struct {
	LiveKit        LiveKitConfig    `mapstructure:"livekit"`
	MQTTBroker     MQTTBrokerConfig `mapstructure:"mqtt_broker"`
	Debug          bool             `mapstructure:"debug"`
	UDPPort        int
	PublicIP       string
	ManagerAPIURL  string
	MediaAPIBase   string
	CerebriumToken string
}

// Load reads mqtt.json (searched in the given paths, defaulting to the
// working directory) and layers the five recognized environment variables on
// top, then validates required fields.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("mqtt")
	v.SetConfigType("json")
	if len(configPaths) == 0 {
		v.AddConfigPath(".")
	}
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("udp_port", 1883)
	v.SetDefault("public_ip", "127.0.0.1")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading mqtt.json: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling mqtt.json: %w", err)
	}

	cfg.UDPPort = v.GetInt("UDP_PORT")
	if cfg.UDPPort == 0 {
		cfg.UDPPort = 1883
	}
	cfg.PublicIP = v.GetString("PUBLIC_IP")
	if cfg.PublicIP == "" {
		cfg.PublicIP = "127.0.0.1"
	}
	cfg.ManagerAPIURL = v.GetString("MANAGER_API_URL")
	cfg.MediaAPIBase = v.GetString("MEDIA_API_BASE")
	cfg.CerebriumToken = v.GetString("CEREBRIUM_API_TOKEN")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the fatal-at-startup requirements from spec.md §6/§7:
// a missing CEREBRIUM_API_TOKEN or LiveKit credentials is ConfigMissing.
func (c *Config) Validate() error {
	if c.CerebriumToken == "" {
		return fmt.Errorf("%w: CEREBRIUM_API_TOKEN", ErrConfigMissing)
	}
	if c.LiveKit.URL == "" || c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
		return fmt.Errorf("%w: livekit.{url,api_key,api_secret}", ErrConfigMissing)
	}
	return nil
}
