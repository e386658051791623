// Package config loads and validates the service's enumerated
// configuration from a YAML or JSON file with environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Serial describes the nozzle controller's transport.
type Serial struct {
	Path string `koanf:"path"`
	Baud int    `koanf:"baud"`
}

// Redis describes the status/event-bus connection.
type Redis struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// Store describes the local transaction database.
type Store struct {
	Path string `koanf:"path"`
}

// Directory describes the remote fleet directory client.
type Directory struct {
	BaseURL  string `koanf:"base_url"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// Auth describes the operator `/api/auth` shared-secret challenge.
type Auth struct {
	SharedSecret string `koanf:"shared_secret"`
}

// HTTP describes the operator HTTP surface.
type HTTP struct {
	ListenAddress string `koanf:"listen_address"`
	UploadDir     string `koanf:"upload_dir"`
}

// Config is the full enumerated configuration set from spec.md §6.
type Config struct {
	NozzleID              string        `koanf:"nozzle_id"`
	TankID                int           `koanf:"tank_id"`
	Serial                Serial        `koanf:"serial"`
	Redis                 Redis         `koanf:"redis"`
	Store                 Store         `koanf:"store"`
	Directory             Directory     `koanf:"directory"`
	Auth                  Auth          `koanf:"auth"`
	HTTP                  HTTP          `koanf:"http"`
	UARTResponseTimeout   time.Duration `koanf:"uart_response_timeout"`
	RFIDRetryInterval     time.Duration `koanf:"rfid_retry_interval"`
	RFIDTotalBudget       time.Duration `koanf:"rfid_total_budget"`
	DRFSubmitTimeout      time.Duration `koanf:"drf_submit_timeout"`
	NozzleHeartbeatBudget time.Duration `koanf:"nozzle_heartbeat_budget"`
	AppCommBudget         time.Duration `koanf:"app_comm_budget"`
	AppInformTimeout      time.Duration `koanf:"app_inform_timeout"`
	MeterReadTimeout      time.Duration `koanf:"meter_read_timeout"`
	MeterStabilityWindow  int           `koanf:"meter_stability_window"`
	MeterStabilityMinGap  time.Duration `koanf:"meter_stability_min_gap"`
	PersistStepLiters     float64       `koanf:"persist_step_liters"`
	MaxRFIDRetries        int           `koanf:"max_rfid_retries"`
	TickInterval          time.Duration `koanf:"tick_interval"`
}

// Default returns the configuration with every default from spec.md §6
// applied. Load starts from this before overlaying file/env values.
func Default() Config {
	return Config{
		NozzleID:              "0076",
		Serial:                Serial{Path: "/dev/ttyUSB0", Baud: 460800},
		Redis:                 Redis{Address: "127.0.0.1:6379"},
		Store:                 Store{Path: "fascb.sqlite3"},
		HTTP:                  HTTP{ListenAddress: ":8080", UploadDir: "uploads"},
		UARTResponseTimeout:   5 * time.Second,
		RFIDRetryInterval:     5 * time.Second,
		RFIDTotalBudget:       3 * time.Minute,
		DRFSubmitTimeout:      2 * time.Minute,
		NozzleHeartbeatBudget: 40 * time.Second,
		AppCommBudget:         10 * time.Minute,
		AppInformTimeout:      10 * time.Second,
		MeterReadTimeout:      5 * time.Second,
		MeterStabilityWindow:  2,
		MeterStabilityMinGap:  5 * time.Second,
		PersistStepLiters:     1.0,
		MaxRFIDRetries:        100,
		TickInterval:          1 * time.Second,
	}
}

// Load reads path (".yaml", ".yml" or ".json"), overlays FASCB_-prefixed
// environment variables, and validates the result. An empty path loads
// defaults with only environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: seed defaults: %w", err)
	}

	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("config: unsupported format %q", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("FASCB_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "fascb_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}

	var out Config
	if err := k.UnmarshalWithConf("", &out, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if len(c.NozzleID) != 4 {
		return fmt.Errorf("config: nozzle_id must be 4 digits, got %q", c.NozzleID)
	}
	if c.TankID <= 0 {
		return fmt.Errorf("config: tank_id must be positive")
	}
	if c.Serial.Path == "" {
		return fmt.Errorf("config: serial.path is required")
	}
	if c.MeterStabilityWindow < 1 {
		return fmt.Errorf("config: meter_stability_window must be >= 1")
	}
	if c.MaxRFIDRetries < 1 {
		return fmt.Errorf("config: max_rfid_retries must be >= 1")
	}
	if c.Auth.SharedSecret == "" {
		return fmt.Errorf("config: auth.shared_secret is required")
	}
	return nil
}
