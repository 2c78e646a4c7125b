package service

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bleota-org/bleota/ota"
	"github.com/bleota-org/bleota/transport/ble"
)

// Config carries the deployable settings of an update service. The GATT
// identity and frame sizing are consumed by whoever builds the transport
// adapter; the timing and progress fields feed the transfer session.
type Config struct {
	DeviceName      string `yaml:"device_name"`
	ServiceUUID     string `yaml:"service_uuid"`
	OTACharUUID     string `yaml:"ota_char_uuid"`
	CommandCharUUID string `yaml:"command_char_uuid"`
	StatusCharUUID  string `yaml:"status_char_uuid"`

	// MaxFrameSize is the largest inbound payload a transport should
	// accept; BufferSize is the staging write buffer for file-backed
	// flash.
	MaxFrameSize int `yaml:"max_frame_size"`
	BufferSize   int `yaml:"buffer_size"`

	RestartDelay time.Duration `yaml:"restart_delay"`
	StallTimeout time.Duration `yaml:"stall_timeout"`

	ProgressPerSecond float64 `yaml:"progress_per_second"`
	ProgressBurst     int     `yaml:"progress_burst"`
}

// DefaultConfig returns the stock device settings.
func DefaultConfig() Config {
	return Config{
		DeviceName:        ble.DefaultDeviceName,
		ServiceUUID:       ble.DefaultServiceUUID,
		OTACharUUID:       ble.DefaultOTACharUUID,
		CommandCharUUID:   ble.DefaultCommandCharUUID,
		StatusCharUUID:    ble.DefaultStatusCharUUID,
		MaxFrameSize:      512,
		BufferSize:        4096,
		RestartDelay:      ota.DefaultRestartDelay,
		StallTimeout:      0,
		ProgressPerSecond: ota.DefaultProgressPerSecond,
		ProgressBurst:     ota.DefaultProgressBurst,
	}
}

// Load reads a YAML config from path. Fields the file leaves out keep
// their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path if it exists and quietly falls back to the
// defaults when it does not.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// Validate rejects settings no deployment can run with.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if c.ServiceUUID == "" || c.OTACharUUID == "" || c.CommandCharUUID == "" || c.StatusCharUUID == "" {
		return errors.New("service and characteristic uuids are required")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive, got %d", c.MaxFrameSize)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("restart_delay cannot be negative, got %s", c.RestartDelay)
	}
	if c.StallTimeout < 0 {
		return fmt.Errorf("stall_timeout cannot be negative, got %s", c.StallTimeout)
	}
	if c.ProgressPerSecond < 0 {
		return fmt.Errorf("progress_per_second cannot be negative, got %g", c.ProgressPerSecond)
	}
	if c.ProgressBurst < 0 {
		return fmt.Errorf("progress_burst cannot be negative, got %d", c.ProgressBurst)
	}
	return nil
}
