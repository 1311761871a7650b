// Package config handles configuration loading, validation, and persistence
// for the kafra client.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir    = "config"
	DefaultConfigFile   = "config.json"
	DefaultAPIPort      = 5000
	DefaultLoginAddress = "127.0.0.1:6900"
	DefaultClientHash   = "82D12C914F5AD48FD96FCF7EF4CC492D"
	DefaultClientVer    = 0x80000001
	DefaultClientType   = 2
)

// Config is the root configuration structure for kafra.
type Config struct {
	mu   sync.RWMutex
	path string

	ClientData      ClientData      `json:"client_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ClientData contains everything the protocol phases need.
type ClientData struct {
	// Login server
	LoginAddress  string `json:"login_address"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	ClientHash    string `json:"client_hash"`
	ClientVersion uint32 `json:"client_version"`
	ClientType    uint8  `json:"client_type"`

	// Selection
	CharServerIndex int `json:"char_server_index"`
	CharacterSlot   int `json:"character_slot"`

	// Map server
	EffectsOption uint32 `json:"effects_option"`

	// Runtime
	WorkerThreads        int `json:"worker_threads"`
	ConnectTimeoutSec    int `json:"connect_timeout_sec"`
	ReadTimeoutSec       int `json:"read_timeout_sec"`
	KeepAliveIntervalSec int `json:"keepalive_interval_sec"`
}

// ConnectTimeout returns the dial timeout for every tier.
func (d ClientData) ConnectTimeout() time.Duration {
	return time.Duration(d.ConnectTimeoutSec) * time.Second
}

// ReadTimeout returns the idle read limit. Zero disables it.
func (d ClientData) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutSec) * time.Second
}

// KeepAliveInterval returns the client tick period on the map server.
func (d ClientData) KeepAliveInterval() time.Duration {
	return time.Duration(d.KeepAliveIntervalSec) * time.Second
}

// ClientHashBytes decodes the hex client hash sent by UDPCLHASH.
func (d ClientData) ClientHashBytes() ([16]byte, error) {
	var out [16]byte
	raw, err := hex.DecodeString(d.ClientHash)
	if err != nil {
		return out, fmt.Errorf("invalid client hash: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("invalid client hash: %d bytes, want %d", len(raw), len(out))
	}
	copy(out[:], raw)
	return out, nil
}

// ApplicationData contains the settings of the components around the client.
type ApplicationData struct {
	Logging LoggingConfig `json:"logging"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Journal JournalConfig `json:"journal"`
	Metrics MetricsConfig `json:"metrics"`
	Timers  TimersConfig  `json:"timers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// APIConfig holds the status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	Token          string   `json:"token"` // bearer token for control routes; empty disables them
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// JournalConfig holds the packet journal settings.
type JournalConfig struct {
	Enabled      bool   `json:"enabled"`
	Path         string `json:"path"` // empty keeps the journal in memory
	MaxRows      int    `json:"max_rows"`
	StorePayload bool   `json:"store_payload"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TimersConfig holds the intervals of the periodic checks, in seconds.
// Zero disables a check.
type TimersConfig struct {
	HeartbeatInterval    int `json:"heartbeat_interval"`
	StaleCheckInterval   int `json:"stale_check_interval"`
	JournalPruneInterval int `json:"journal_prune_interval"`
	ProcessCheckInterval int `json:"process_check_interval"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ClientData: ClientData{
			LoginAddress:         DefaultLoginAddress,
			ClientHash:           DefaultClientHash,
			ClientVersion:        DefaultClientVer,
			ClientType:           DefaultClientType,
			ConnectTimeoutSec:    10,
			ReadTimeoutSec:       120,
			KeepAliveIntervalSec: 12,
		},
		ApplicationData: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
				Console:    true,
			},
			API: APIConfig{
				Enabled:      true,
				Host:         "127.0.0.1",
				Port:         DefaultAPIPort,
				TLSCertFile:  "config/tls/status.crt",
				TLSKeyFile:   "config/tls/status.key",
				RateLimitRPS: 20,
			},
			MQTT: MQTTConfig{
				Port:        1883,
				ClientID:    "kafra",
				TopicPrefix: "kafra",
			},
			Journal: JournalConfig{
				Enabled: true,
				MaxRows: 50000,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Timers: TimersConfig{
				HeartbeatInterval:    60,
				StaleCheckInterval:   30,
				JournalPruneInterval: 600,
				ProcessCheckInterval: 300,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file always lists every option.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// credentials live in this file
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetClientData returns a copy of the client configuration.
func (c *Config) GetClientData() ClientData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ClientData
}

// SetClientData updates the client configuration.
func (c *Config) SetClientData(data ClientData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ClientData = data
}

// GetApplicationData returns a copy of the application configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data := c.ApplicationData
	data.API.AllowedOrigins = append([]string(nil), c.ApplicationData.API.AllowedOrigins...)
	return data
}

// SetApplicationData updates the application configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateClientField updates a single client_data field by its JSON key.
func (c *Config) UpdateClientField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.ClientData)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown client_data field %s", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var next ClientData
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.ClientData = next

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration has no credentials yet.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ClientData.Username == "" || c.ClientData.Password == ""
}
