// Package config handles fieldnode configuration loading.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MaxSharedAttributes bounds the shared attribute list.
const MaxSharedAttributes = 16

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/fieldnode/config.yaml, /etc/fieldnode/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fieldnode", "config.yaml"))
	}

	paths = append(paths, "/etc/fieldnode/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all fieldnode configuration.
type Config struct {
	DeviceName  string            `yaml:"device_name"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"`
	Network     NetworkConfig     `yaml:"network"`
	ThingsBoard ThingsBoardConfig `yaml:"thingsboard"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Firmware    FirmwareConfig    `yaml:"firmware"`
	Status      StatusConfig      `yaml:"status"`
}

// NetworkConfig defines how the node brings up and watches its link.
type NetworkConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
	// Interface is the wireless interface used for signal strength
	// readings (e.g., wlan0).
	Interface string `yaml:"interface"`
	// ConnectCommand is run to (re-)associate the link. SSID and
	// password are passed as FIELDNODE_SSID and FIELDNODE_PASSWORD.
	// Empty means the link is managed externally.
	ConnectCommand []string `yaml:"connect_command"`
	// ProbeAddress is dialed to decide whether the link is up.
	// Defaults to the ThingsBoard server and port.
	ProbeAddress     string        `yaml:"probe_address"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	AssociateTimeout time.Duration `yaml:"associate_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// ThingsBoardConfig defines the broker session.
type ThingsBoardConfig struct {
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`
	Token  string `yaml:"token"`
	// Protocol selects the MQTT backend: "mqtt311" or "mqtt5".
	Protocol              string        `yaml:"protocol"`
	TLS                   bool          `yaml:"tls"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	MaxMessageSendSize    int           `yaml:"max_message_send_size"`
	MaxMessageReceiveSize int           `yaml:"max_message_receive_size"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay"`
	IdleDelay             time.Duration `yaml:"idle_delay"`
	PumpInterval          time.Duration `yaml:"pump_interval"`
	HoldTimeout           time.Duration `yaml:"hold_timeout"`
	SharedAttributes      []string      `yaml:"shared_attributes"`
}

// Address returns the host:port of the broker.
func (c ThingsBoardConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}

// TelemetryConfig defines sensor sampling and reporting cadence.
type TelemetryConfig struct {
	Interval       time.Duration `yaml:"interval"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	SensorDir      string        `yaml:"sensor_dir"`
	TemperatureKey string        `yaml:"temperature_key"`
	HumidityKey    string        `yaml:"humidity_key"`
}

// FirmwareConfig defines the over-the-air update policy.
type FirmwareConfig struct {
	Title           string        `yaml:"title"`
	Version         string        `yaml:"version"`
	ChunkSize       int           `yaml:"chunk_size"`
	MaxChunkRetries int           `yaml:"max_chunk_retries"`
	ChunkTimeout    time.Duration `yaml:"chunk_timeout"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	// ImagePath is the file replaced by a downloaded image and then
	// re-executed. Empty means the running executable.
	ImagePath string `yaml:"image_path"`
}

// StatusConfig defines the optional local status server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file. A .env file in the same
// directory, if present, is loaded into the environment first; values
// already set in the environment take precedence.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration. The values are the ones the
// node shipped with: the RTOTA image, version 2, 4 KiB chunks with 12
// retries, and the POWER/ledState shared attributes.
func Default() *Config {
	return &Config{
		DeviceName: "fieldnode",
		DataDir:    "./data",
		Network: NetworkConfig{
			Interface:        "wlan0",
			RetryDelay:       500 * time.Millisecond,
			AssociateTimeout: 15 * time.Second,
			PollInterval:     10 * time.Second,
		},
		ThingsBoard: ThingsBoardConfig{
			Server:                "app.coreiot.io",
			Port:                  1883,
			Protocol:              "mqtt311",
			ConnectTimeout:        10 * time.Second,
			MaxMessageSendSize:    512,
			MaxMessageReceiveSize: 512,
			RequestTimeout:        10 * time.Second,
			ReconnectDelay:        5 * time.Second,
			IdleDelay:             1 * time.Second,
			PumpInterval:          100 * time.Millisecond,
			HoldTimeout:           15 * time.Second,
			SharedAttributes:      []string{"POWER", "ledState"},
		},
		Telemetry: TelemetryConfig{
			Interval:       5 * time.Second,
			PollInterval:   1 * time.Second,
			SensorDir:      "/sys/bus/iio/devices/iio:device0",
			TemperatureKey: "temperature",
			HumidityKey:    "humidity",
		},
		Firmware: FirmwareConfig{
			Title:           "RTOTA",
			Version:         "2",
			ChunkSize:       4096,
			MaxChunkRetries: 12,
			ChunkTimeout:    5 * time.Second,
			CheckInterval:   10 * time.Second,
		},
		Status: StatusConfig{
			Address: "127.0.0.1",
			Port:    8090,
		},
	}
}

// applyDefaults fills fields that depend on other fields.
func (c *Config) applyDefaults() {
	if c.Network.ProbeAddress == "" {
		c.Network.ProbeAddress = c.ThingsBoard.Address()
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	tb := c.ThingsBoard
	if tb.Server == "" {
		errs = append(errs, errors.New("thingsboard.server is required"))
	}
	if tb.Token == "" {
		errs = append(errs, errors.New("thingsboard.token is required"))
	}
	if tb.Port <= 0 || tb.Port > 65535 {
		errs = append(errs, fmt.Errorf("thingsboard.port %d out of range", tb.Port))
	}
	switch tb.Protocol {
	case "mqtt311", "mqtt5":
	default:
		errs = append(errs, fmt.Errorf("unknown thingsboard.protocol %q (valid: mqtt311, mqtt5)", tb.Protocol))
	}
	if len(tb.SharedAttributes) == 0 {
		errs = append(errs, errors.New("thingsboard.shared_attributes must not be empty"))
	}
	if len(tb.SharedAttributes) > MaxSharedAttributes {
		errs = append(errs, fmt.Errorf("thingsboard.shared_attributes has %d entries, max %d",
			len(tb.SharedAttributes), MaxSharedAttributes))
	}
	if tb.MaxMessageSendSize <= 0 || tb.MaxMessageReceiveSize <= 0 {
		errs = append(errs, errors.New("thingsboard message size limits must be positive"))
	}

	fw := c.Firmware
	if fw.Title == "" || fw.Version == "" {
		errs = append(errs, errors.New("firmware.title and firmware.version are required"))
	}
	if fw.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("firmware.chunk_size must be positive, got %d", fw.ChunkSize))
	}
	if fw.MaxChunkRetries <= 0 {
		errs = append(errs, fmt.Errorf("firmware.max_chunk_retries must be positive, got %d", fw.MaxChunkRetries))
	}

	durations := map[string]time.Duration{
		"network.retry_delay":         c.Network.RetryDelay,
		"network.associate_timeout":   c.Network.AssociateTimeout,
		"network.poll_interval":       c.Network.PollInterval,
		"thingsboard.connect_timeout": tb.ConnectTimeout,
		"thingsboard.request_timeout": tb.RequestTimeout,
		"thingsboard.reconnect_delay": tb.ReconnectDelay,
		"thingsboard.idle_delay":      tb.IdleDelay,
		"thingsboard.pump_interval":   tb.PumpInterval,
		"thingsboard.hold_timeout":    tb.HoldTimeout,
		"telemetry.interval":          c.Telemetry.Interval,
		"telemetry.poll_interval":     c.Telemetry.PollInterval,
		"firmware.chunk_timeout":      fw.ChunkTimeout,
		"firmware.check_interval":     fw.CheckInterval,
	}
	for _, name := range slices.Sorted(maps.Keys(durations)) {
		if durations[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, durations[name]))
		}
	}

	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		errs = append(errs, fmt.Errorf("status.port %d out of range", c.Status.Port))
	}

	return errors.Join(errs...)
}
