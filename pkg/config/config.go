// Package config loads and validates the application configuration from a
// JSON file with environment variable overrides for secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Observer  ObserverConfig  `json:"observer"`
	Feeds     []FeedConfig    `json:"feeds"`
	Fusion    FusionConfig    `json:"fusion"`
	Display   DisplayConfig   `json:"display"`
	TAK       TAKConfig       `json:"tak"`
	MQTT      MQTTConfig      `json:"mqtt"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// ServerConfig contains HTTP status API configuration.
type ServerConfig struct {
	// Port is the HTTP server port (default: 8080)
	Port string `json:"port"`

	// Host is the server bind address (default: "0.0.0.0")
	Host string `json:"host"`

	// JWTSecret signs session tokens (override with SKYBRIDGE_JWT_SECRET)
	JWTSecret string `json:"jwt_secret"`

	// AdminPasswordHash is the bcrypt hash for the admin user
	AdminPasswordHash string `json:"admin_password_hash"`

	// ViewerPasswordHash is the bcrypt hash for the read-only viewer user
	ViewerPasswordHash string `json:"viewer_password_hash"`
}

// ObserverConfig contains the observer's geographic location, used for
// distance filtering and nearest-first ranking.
type ObserverConfig struct {
	// Name is a friendly identifier for this observer location
	Name string `json:"name"`

	// Latitude in decimal degrees (-90 to +90)
	Latitude float64 `json:"latitude"`

	// Longitude in decimal degrees (-180 to +180)
	Longitude float64 `json:"longitude"`

	// Enabled determines whether distance filtering/ranking applies
	Enabled bool `json:"enabled"`
}

// FeedConfig describes one upstream telemetry source.
type FeedConfig struct {
	// Name is a friendly identifier for this feed
	Name string `json:"name"`

	// Type is the upstream schema: "aircraftlist" (flat JSON object per
	// aircraft) or "columnar" (array-of-arrays state vectors)
	Type string `json:"type"`

	// URL is the full endpoint URL
	URL string `json:"url"`

	// Enabled determines if this feed should be polled
	Enabled bool `json:"enabled"`

	// IntervalSeconds is the poll cadence
	IntervalSeconds int `json:"interval_seconds"`

	// TimeoutSeconds bounds each request
	TimeoutSeconds int `json:"timeout_seconds"`

	// Username and Password are optional basic auth credentials for
	// columnar sources
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// CenterLat, CenterLon, and RadiusKm define an optional circular
	// query region
	CenterLat float64 `json:"center_lat,omitempty"`
	CenterLon float64 `json:"center_lon,omitempty"`
	RadiusKm  float64 `json:"radius_km,omitempty"`

	// MaxResults caps the records taken per poll, 0 for unlimited
	MaxResults int `json:"max_results,omitempty"`
}

// FusionConfig tunes the track store.
type FusionConfig struct {
	// EntityRetentionSeconds is how long an unseen entity survives
	EntityRetentionSeconds int `json:"entity_retention_seconds"`

	// HistoryRetentionSeconds bounds per-entity history age
	HistoryRetentionSeconds int `json:"history_retention_seconds"`

	// MaxEntities caps the store size
	MaxEntities int `json:"max_entities"`

	// MinPointDistanceMeters is the history jitter-collapse threshold
	MinPointDistanceMeters float64 `json:"min_point_distance_meters"`
}

// DisplayConfig narrows the published track set. Zero disables a filter.
type DisplayConfig struct {
	// AltitudeMinFt and AltitudeMaxFt bound the altitude band
	AltitudeMinFt float64 `json:"altitude_min_ft"`
	AltitudeMaxFt float64 `json:"altitude_max_ft"`

	// MaxDistanceKm drops tracks farther than this from the observer
	MaxDistanceKm float64 `json:"max_distance_km"`

	// AirborneOnly drops tracks reporting on-ground
	AirborneOnly bool `json:"airborne_only"`

	// DisplayCap truncates the ranked set
	DisplayCap int `json:"display_cap"`
}

// TAKConfig contains the Cursor on Target streaming destination.
type TAKConfig struct {
	// Enabled determines if the TAK publisher runs
	Enabled bool `json:"enabled"`

	// Host and Port locate the TAK server
	Host string `json:"host"`
	Port int    `json:"port"`

	// Transport is "tcp", "udp", or "tls"
	Transport string `json:"transport"`

	// CertFile, KeyFile, and CAFile hold TLS client credentials
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`

	// InsecureSkipVerify disables server certificate verification
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`

	// EventType overrides the CoT type attribute
	EventType string `json:"event_type,omitempty"`

	// StaleSeconds sets how far ahead event stale times are placed
	StaleSeconds int `json:"stale_seconds"`

	// QueueCapacity bounds the disconnect queue
	QueueCapacity int `json:"queue_capacity"`
}

// MQTTConfig contains the broker destination.
type MQTTConfig struct {
	// Enabled determines if the MQTT publisher runs
	Enabled bool `json:"enabled"`

	// BrokerURL is the full broker address, e.g. tcp://broker.local:1883
	BrokerURL string `json:"broker_url"`

	// ClientID identifies this session to the broker
	ClientID string `json:"client_id"`

	// Username and Password are optional broker credentials
	// (override password with SKYBRIDGE_MQTT_PASSWORD)
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// BaseTopic prefixes every topic
	BaseTopic string `json:"base_topic"`

	// DiscoveryPrefix roots discovery announcements
	DiscoveryPrefix string `json:"discovery_prefix"`

	// DisableDiscovery suppresses discovery announcements
	DisableDiscovery bool `json:"disable_discovery,omitempty"`

	// QoS applies to all published messages (0, 1, or 2)
	QoS int `json:"qos"`

	// QueueCapacity bounds the disconnect queue
	QueueCapacity int `json:"queue_capacity"`
}

// RateLimitConfig bounds outbound publish rates. The same limits apply to
// each sink independently.
type RateLimitConfig struct {
	// PerEntityIntervalMS is the minimum gap between publishes of the
	// same identifier, in milliseconds
	PerEntityIntervalMS int `json:"per_entity_interval_ms"`

	// MaxPerMinute caps publishes per minute across all entities
	MaxPerMinute int `json:"max_per_minute"`

	// SinkPerSecond is the steady-state per-sink rate
	SinkPerSecond float64 `json:"sink_per_second"`

	// SinkBurst is the per-sink burst allowance
	SinkBurst int `json:"sink_burst"`
}

// Load reads configuration from a JSON file.
// If the file doesn't exist, returns a default configuration.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvironmentOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Host: "0.0.0.0",
		},
		Observer: ObserverConfig{
			Name:    "Primary Observer",
			Enabled: false,
		},
		Feeds: []FeedConfig{
			{
				Name:            "local",
				Type:            "aircraftlist",
				URL:             "http://localhost:8080/data/aircraft.json",
				Enabled:         true,
				IntervalSeconds: 2,
				TimeoutSeconds:  5,
			},
		},
		Fusion: FusionConfig{
			EntityRetentionSeconds:  120,
			HistoryRetentionSeconds: 600,
			MaxEntities:             5000,
			MinPointDistanceMeters:  10,
		},
		Display: DisplayConfig{
			AirborneOnly: false,
		},
		TAK: TAKConfig{
			Enabled:       false,
			Port:          8087,
			Transport:     "tcp",
			StaleSeconds:  30,
			QueueCapacity: 250,
		},
		MQTT: MQTTConfig{
			Enabled:         false,
			ClientID:        "skybridge",
			BaseTopic:       "skybridge",
			DiscoveryPrefix: "homeassistant",
			QoS:             0,
			QueueCapacity:   250,
		},
		RateLimit: RateLimitConfig{
			PerEntityIntervalMS: 1000,
			MaxPerMinute:        600,
			SinkPerSecond:       10,
			SinkBurst:           20,
		},
	}
}

// Validate checks cross-field constraints that JSON decoding cannot.
func (c *Config) Validate() error {
	for i, f := range c.Feeds {
		if !f.Enabled {
			continue
		}
		if f.Name == "" {
			return fmt.Errorf("feed %d: name is required", i)
		}
		if f.URL == "" {
			return fmt.Errorf("feed %q: url is required", f.Name)
		}
		switch f.Type {
		case "aircraftlist", "columnar":
		default:
			return fmt.Errorf("feed %q: unknown type %q", f.Name, f.Type)
		}
		if f.IntervalSeconds <= 0 {
			return fmt.Errorf("feed %q: interval_seconds must be positive", f.Name)
		}
	}

	if c.Observer.Enabled {
		if c.Observer.Latitude < -90 || c.Observer.Latitude > 90 {
			return fmt.Errorf("observer latitude %f out of range", c.Observer.Latitude)
		}
		if c.Observer.Longitude < -180 || c.Observer.Longitude > 180 {
			return fmt.Errorf("observer longitude %f out of range", c.Observer.Longitude)
		}
	}

	if c.TAK.Enabled {
		if c.TAK.Host == "" {
			return fmt.Errorf("tak: host is required when enabled")
		}
		if c.TAK.Port <= 0 || c.TAK.Port > 65535 {
			return fmt.Errorf("tak: invalid port %d", c.TAK.Port)
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt: broker_url is required when enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt: invalid qos %d", c.MQTT.QoS)
		}
	}

	return nil
}

// applyEnvironmentOverrides applies environment variable overrides.
// This allows secrets to be kept out of config files.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv("SKYBRIDGE_PORT"); port != "" {
		c.Server.Port = port
	}
	if secret := os.Getenv("SKYBRIDGE_JWT_SECRET"); secret != "" {
		c.Server.JWTSecret = secret
	}
	if pass := os.Getenv("SKYBRIDGE_MQTT_PASSWORD"); pass != "" {
		c.MQTT.Password = pass
	}
	if broker := os.Getenv("SKYBRIDGE_MQTT_BROKER"); broker != "" {
		c.MQTT.BrokerURL = broker
	}
	if host := os.Getenv("SKYBRIDGE_TAK_HOST"); host != "" {
		c.TAK.Host = host
	}
	// Feed credentials apply to every configured feed.
	if pass := os.Getenv("SKYBRIDGE_FEED_PASSWORD"); pass != "" {
		for i := range c.Feeds {
			c.Feeds[i].Password = pass
		}
	}
}
