package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"BatteryManager6813/balancing"
	"BatteryManager6813/bms"
	"BatteryManager6813/canbus"
	"BatteryManager6813/contactor"
	"BatteryManager6813/faults"
	"BatteryManager6813/fsm"
	"BatteryManager6813/ltc6813"
	"BatteryManager6813/pack"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string           `yaml:"log_level"`
	Syslog    bool             `yaml:"syslog"`
	Chain     ChainConfig      `yaml:"chain"`
	Control   ControlConfig    `yaml:"control"`
	Limits    pack.Limits      `yaml:"limits"`
	Precharge fsm.Config       `yaml:"precharge"`
	Faults    FaultsConfig     `yaml:"faults"`
	Balancing balancing.Config `yaml:"balancing"`
	Contactor contactor.Config `yaml:"contactor"`
	CAN       CANConfig        `yaml:"can"`
	Store     StoreConfig      `yaml:"store"`
	Database  DatabaseConfig   `yaml:"database"`
	Web       WebConfig        `yaml:"web"`
}

// ---- CHAIN ----

type ChainConfig struct {
	SPIPort        string        `yaml:"spi_port"`
	Speed          string        `yaml:"speed"` // e.g. 1MHz
	ChipSelect     string        `yaml:"chip_select"`
	Devices        int           `yaml:"devices"`
	CellsPerDevice int           `yaml:"cells_per_device"`
	BCoefficient   float64       `yaml:"b_coefficient"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// ---- CONTROL LOOP ----

type ControlConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	BalanceInterval    time.Duration `yaml:"balance_interval"`
	BalancingEnabled   bool          `yaml:"balancing_enabled"`
	Mode               string        `yaml:"mode"`
	AuxMode            string        `yaml:"aux_mode"`
	DischargePermitted bool          `yaml:"discharge_permitted"`
	ConversionTimeout  time.Duration `yaml:"conversion_timeout"`
}

// ---- FAULT POLICY OVERRIDES ----

type PolicyConfig struct {
	Count   uint32        `yaml:"count"`
	Timeout time.Duration `yaml:"timeout"`
}

// FaultsConfig overrides the escalation policy of individual kinds, keyed by kind name.
type FaultsConfig map[string]PolicyConfig

// ---- OUTER SURFACES ----

type CANConfig struct {
	Interface string     `yaml:"interface"` // empty disables CAN
	IDs       canbus.IDs `yaml:"ids"`
}

type StoreConfig struct {
	Backend   string `yaml:"backend"` // mysql, redis or none
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Name        string        `yaml:"name"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	LogInterval time.Duration `yaml:"log_interval"`
}

type WebConfig struct {
	Listen     string `yaml:"listen"` // empty disables the web server
	StaticPath string `yaml:"static_path"`
}

func Default() Config {
	acq := pack.DefaultAcquireConfig()
	ctl := bms.DefaultConfig()
	return Config{
		LogLevel: "info",
		Syslog:   true,
		Chain: ChainConfig{
			SPIPort:        "/dev/spidev0.0",
			Speed:          "1MHz",
			Devices:        2,
			CellsPerDevice: ltc6813.MaxCellsPerDevice,
			BCoefficient:   ltc6813.DefaultBCoefficient,
			PollInterval:   time.Millisecond,
		},
		Control: ControlConfig{
			TickInterval:       ctl.TickInterval,
			BalanceInterval:    ctl.BalanceInterval,
			BalancingEnabled:   ctl.BalancingEnabled,
			Mode:               acq.Mode.String(),
			AuxMode:            acq.AuxMode.String(),
			DischargePermitted: acq.DischargePermitted,
			ConversionTimeout:  acq.ConversionTimeout,
		},
		Limits:    pack.DefaultLimits(),
		Precharge: fsm.DefaultConfig(),
		Balancing: balancing.DefaultConfig(),
		Contactor: contactor.DefaultConfig(),
		CAN:       CANConfig{Interface: "can0", IDs: canbus.DefaultIDs()},
		Store:     StoreConfig{Backend: "mysql", RedisAddr: "localhost:6379"},
		Database: DatabaseConfig{
			Host:        "localhost:3306",
			Name:        "battery",
			User:        "pi",
			LogInterval: 10 * time.Second,
		},
		Web: WebConfig{Listen: ":8080", StaticPath: "/var/www/html"},
	}
}

// Load reads a YAML file over the defaults and validates the result. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(&cfg)
}

// Parse decodes YAML into cfg, leaving fields the document does not mention untouched.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Validate checks the configuration without changing it and names the offending key.
func Validate(cfg *Config) error {
	if cfg.Chain.Devices < 1 {
		return fmt.Errorf("config: chain.devices must be at least 1")
	}
	if cfg.Chain.CellsPerDevice < 1 || cfg.Chain.CellsPerDevice > ltc6813.MaxCellsPerDevice {
		return fmt.Errorf("config: chain.cells_per_device must be between 1 and %d", ltc6813.MaxCellsPerDevice)
	}
	if cfg.Chain.SPIPort == "" {
		return fmt.Errorf("config: chain.spi_port is required")
	}
	if cfg.Control.TickInterval <= 0 {
		return fmt.Errorf("config: control.tick_interval must be positive")
	}
	if cfg.Control.BalanceInterval < cfg.Control.TickInterval {
		return fmt.Errorf("config: control.balance_interval must not be shorter than the tick")
	}
	if _, ok := ltc6813.ParseMode(cfg.Control.Mode); !ok {
		return fmt.Errorf("config: control.mode %q is not a known ADC mode", cfg.Control.Mode)
	}
	if _, ok := ltc6813.ParseMode(cfg.Control.AuxMode); !ok {
		return fmt.Errorf("config: control.aux_mode %q is not a known ADC mode", cfg.Control.AuxMode)
	}
	if cfg.Control.ConversionTimeout <= 0 {
		return fmt.Errorf("config: control.conversion_timeout must be positive")
	}
	if err := cfg.Limits.Validate(); err != nil {
		return fmt.Errorf("config: limits: %w", err)
	}
	if err := cfg.Precharge.Validate(); err != nil {
		return fmt.Errorf("config: precharge: %w", err)
	}
	for name, p := range cfg.Faults {
		if _, err := faults.ParseKind(name); err != nil {
			return fmt.Errorf("config: faults.%s: %w", name, err)
		}
		if p.Count > 0 && p.Timeout > 0 {
			return fmt.Errorf("config: faults.%s: count and timeout are exclusive", name)
		}
	}
	if err := cfg.Balancing.Validate(); err != nil {
		return fmt.Errorf("config: balancing: %w", err)
	}
	if err := cfg.Contactor.Validate(); err != nil {
		return fmt.Errorf("config: contactor: %w", err)
	}
	switch cfg.Store.Backend {
	case "mysql", "none":
	case "redis":
		if cfg.Store.RedisAddr == "" {
			return fmt.Errorf("config: store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: store.backend %q must be mysql, redis or none", cfg.Store.Backend)
	}
	if cfg.Database.LogInterval < 0 {
		return fmt.Errorf("config: database.log_interval must not be negative")
	}
	return nil
}

// Policies converts the fault overrides. Validate must have accepted the configuration.
func (cfg *Config) Policies() map[faults.Kind]faults.Policy {
	policies := make(map[faults.Kind]faults.Policy)
	for name, p := range cfg.Faults {
		kind, err := faults.ParseKind(name)
		if err != nil {
			continue
		}
		policies[kind] = faults.Policy{CountLimit: p.Count, Timeout: p.Timeout}
	}
	return policies
}

// Controller builds the control loop configuration.
func (cfg *Config) Controller() bms.Config {
	mode, _ := ltc6813.ParseMode(cfg.Control.Mode)
	aux, _ := ltc6813.ParseMode(cfg.Control.AuxMode)
	return bms.Config{
		TickInterval:     cfg.Control.TickInterval,
		BalanceInterval:  cfg.Control.BalanceInterval,
		BalancingEnabled: cfg.Control.BalancingEnabled,
		Limits:           cfg.Limits,
		Acquire: pack.AcquireConfig{
			Mode:               mode,
			AuxMode:            aux,
			DischargePermitted: cfg.Control.DischargePermitted,
			ConversionTimeout:  cfg.Control.ConversionTimeout,
		},
		FSM:      cfg.Precharge,
		Policies: cfg.Policies(),
	}
}
