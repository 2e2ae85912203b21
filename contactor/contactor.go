package contactor

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"BatteryManager6813/fsm"
	"github.com/goburrow/modbus"
	log "github.com/sirupsen/logrus"
)

// Config describes the Modbus relay and measurement module that switches the traction contactors.
type Config struct {
	Address       string        `yaml:"address"` // serial device for RTU or tcp://host:port
	BaudRate      int           `yaml:"baud_rate"`
	DataBits      int           `yaml:"data_bits"`
	StopBits      int           `yaml:"stop_bits"`
	Parity        string        `yaml:"parity"`
	SlaveID       uint8         `yaml:"slave_id"`
	Timeout       time.Duration `yaml:"timeout"`
	NegativeCoil  uint16        `yaml:"negative_coil"`
	PositiveCoil  uint16        `yaml:"positive_coil"`
	PrechargeCoil uint16        `yaml:"precharge_coil"`
	BusVoltageReg uint16        `yaml:"bus_voltage_register"` // 0.1V
	CurrentReg    uint16        `yaml:"current_register"`     // 0.01A signed, positive discharging
}

func DefaultConfig() Config {
	return Config{
		Address:       "/dev/ttyUSB0",
		BaudRate:      19200,
		DataBits:      8,
		StopBits:      1,
		Parity:        "N",
		SlaveID:       1,
		Timeout:       200 * time.Millisecond,
		NegativeCoil:  0,
		PositiveCoil:  1,
		PrechargeCoil: 2,
		BusVoltageReg: 0,
		CurrentReg:    1,
	}
}

func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("contactor: address is required")
	}
	if c.NegativeCoil == c.PositiveCoil || c.NegativeCoil == c.PrechargeCoil || c.PositiveCoil == c.PrechargeCoil {
		return fmt.Errorf("contactor: coils must be distinct")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("contactor: timeout must be positive")
	}
	return nil
}

// Client is the subset of modbus.Client used here.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

type handler interface {
	Connect() error
	Close() error
}

/*
Controller drives the AIR-, AIR+ and precharge relays and reads the bus voltage and pack current
from the same Modbus slave. Calls are serialised; one request is on the wire at a time.
*/
type Controller struct {
	cfg     Config
	handler handler
	client  Client
	mu      sync.Mutex
}

/*
New sets up a controller using the parameters given. No attempt is made to connect at this time.
*/
func New(cfg Config) *Controller {
	c := &Controller{cfg: cfg}
	if strings.HasPrefix(cfg.Address, "tcp://") {
		h := modbus.NewTCPClientHandler(strings.TrimPrefix(cfg.Address, "tcp://"))
		h.Timeout = cfg.Timeout
		h.SlaveId = cfg.SlaveID
		c.handler = h
		c.client = modbus.NewClient(h)
	} else {
		h := modbus.NewRTUClientHandler(cfg.Address)
		h.BaudRate = cfg.BaudRate
		h.DataBits = cfg.DataBits
		h.StopBits = cfg.StopBits
		h.Parity = cfg.Parity
		h.Timeout = cfg.Timeout
		h.SlaveId = cfg.SlaveID
		c.handler = h
		c.client = modbus.NewClient(h)
	}
	return c
}

// NewWithClient wraps an already connected client.
func NewWithClient(cfg Config, client Client) *Controller {
	return &Controller{cfg: cfg, client: client}
}

func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		return nil
	}
	if err := c.handler.Connect(); err != nil {
		return fmt.Errorf("contactor: connect %s: %w", c.cfg.Address, err)
	}
	return nil
}

func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		if err := c.handler.Close(); err != nil {
			log.WithError(err).Warn("Closing the contactor controller")
		}
	}
}

func (c *Controller) writeCoil(coil uint16, value bool) error {
	v := uint16(0x0000)
	if value {
		v = 0xFF00
	}
	if _, err := c.client.WriteSingleCoil(coil, v); err != nil {
		return fmt.Errorf("contactor: write coil %d: %w", coil, err)
	}
	return nil
}

/*
Apply drives the relays to the requested image. Relays being closed are switched before relays
being opened, so AIR+ is in before the precharge relay drops out. Opening goes AIR+, precharge,
AIR- so the negative side is always the last to break.
*/
func (c *Controller) Apply(want fsm.Contactors) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	coils := []struct {
		coil uint16
		on   bool
	}{
		{c.cfg.NegativeCoil, want.Negative},
		{c.cfg.PrechargeCoil, want.Precharge},
		{c.cfg.PositiveCoil, want.Positive},
	}
	for _, k := range coils {
		if k.on {
			if err := c.writeCoil(k.coil, true); err != nil {
				return err
			}
		}
	}
	for i := len(coils) - 1; i >= 0; i-- {
		if !coils[i].on {
			if err := c.writeCoil(coils[i].coil, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) readCoil(coil uint16) (bool, error) {
	data, err := c.client.ReadCoils(coil, 1)
	if err != nil {
		return false, fmt.Errorf("contactor: read coil %d: %w", coil, err)
	}
	if len(data) != 1 {
		return false, fmt.Errorf("contactor: read coil %d returned %d bytes when 1 was expected", coil, len(data))
	}
	return data[0]&1 != 0, nil
}

// Contactors reads back the relay outputs.
func (c *Controller) Contactors() (fsm.Contactors, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var state fsm.Contactors
	var err error
	if state.Negative, err = c.readCoil(c.cfg.NegativeCoil); err != nil {
		return state, err
	}
	if state.Positive, err = c.readCoil(c.cfg.PositiveCoil); err != nil {
		return state, err
	}
	state.Precharge, err = c.readCoil(c.cfg.PrechargeCoil)
	return state, err
}

func (c *Controller) readInputRegister(register uint16) (uint16, error) {
	data, err := c.client.ReadInputRegisters(register, 1)
	if err != nil {
		return 0, fmt.Errorf("contactor: read input register %d: %w", register, err)
	}
	if len(data) != 2 {
		return 0, fmt.Errorf("contactor: read input register %d returned %d bytes when 2 were expected", register, len(data))
	}
	return binary.BigEndian.Uint16(data), nil
}

// BusVoltage returns the traction bus voltage in mV.
func (c *Controller) BusVoltage() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.readInputRegister(c.cfg.BusVoltageReg)
	if err != nil {
		return 0, err
	}
	return uint32(v) * 100, nil
}

// Current returns the pack current in mA, positive when discharging.
func (c *Controller) Current() (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.readInputRegister(c.cfg.CurrentReg)
	if err != nil {
		return 0, err
	}
	return int32(int16(v)) * 10, nil
}
