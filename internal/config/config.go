package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidConfig  = errors.New("invalid config")
)

// DefaultPort is the daemon listen port when the config does not set one.
const DefaultPort = 9847

// Config represents the daemon configuration stored at ~/.termlink/config.json.
type Config struct {
	Port             int      `json:"port"`
	DaemonName       string   `json:"daemon_name"`
	AuthToken        string   `json:"auth_token,omitempty"`
	MinClientVersion string   `json:"min_client_version,omitempty"`
	AllowedOrigins   []string `json:"allowed_origins,omitempty"`
	DeviceID         string   `json:"device_id"`
	PushEnabled      bool     `json:"push_enabled"`
	mu               sync.RWMutex
}

// Dir returns the termlink config directory (~/.termlink), creating it if needed.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".termlink")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load loads the configuration from ~/.termlink/config.json.
func Load() (*Config, error) {
	configPath, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads and validates a config from an explicit path.
func LoadFrom(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configPath)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Port)
	}
	if cfg.DaemonName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "termlink"
		}
		cfg.DaemonName = hostname
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrInvalidConfig)
	}

	return &cfg, nil
}

// EnsureExists checks for the config file and offers to create a default one
// when missing. Returns false if the user declined.
func EnsureExists() (bool, error) {
	configPath, err := Path()
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(configPath); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to check config: %w", err)
	}

	create := true
	confirm := huh.NewConfirm().
		Title(fmt.Sprintf("No config found at %s. Create a default one?", configPath)).
		Value(&create)
	if err := confirm.Run(); err != nil {
		// Non-interactive environment: create the default silently.
		if !errors.Is(err, huh.ErrUserAborted) {
			return true, writeDefault(configPath)
		}
		return false, nil
	}
	if !create {
		return false, nil
	}
	return true, writeDefault(configPath)
}

func writeDefault(configPath string) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "termlink"
	}
	cfg := Config{
		Port:        DefaultPort,
		DaemonName:  hostname,
		DeviceID:    uuid.NewString(),
		PushEnabled: true,
	}
	data, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(configPath, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// GetPort returns the daemon listen port.
func (c *Config) GetPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Port
}

// GetDaemonName returns the advertised daemon name.
func (c *Config) GetDaemonName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DaemonName
}

// GetAuthToken returns the shared auth token, empty when auth is disabled.
func (c *Config) GetAuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AuthToken
}

// GetMinClientVersion returns the minimum accepted client version, empty
// when no gate is configured.
func (c *Config) GetMinClientVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MinClientVersion
}

// GetAllowedOrigins returns the websocket origin allowlist.
func (c *Config) GetAllowedOrigins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AllowedOrigins
}

// GetDeviceID returns this daemon's stable device identifier.
func (c *Config) GetDeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DeviceID
}

// GetPushEnabled reports whether push notifications are enabled.
func (c *Config) GetPushEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.PushEnabled
}
