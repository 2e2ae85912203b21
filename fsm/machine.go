package fsm

import (
	"fmt"
	"sync"
	"time"

	"BatteryManager6813/faults"
	log "github.com/sirupsen/logrus"
)

// Contactors is the requested state of the traction system relays.
type Contactors struct {
	Negative  bool `json:"negative"`  // AIR-
	Positive  bool `json:"positive"`  // AIR+
	Precharge bool `json:"precharge"` // precharge relay
}

func (c Contactors) String() string {
	return fmt.Sprintf("AIR-=%t AIR+=%t PRE=%t", c.Negative, c.Positive, c.Precharge)
}

// Actuator drives the contactor outputs.
type Actuator interface {
	Apply(c Contactors) error
}

// BusSensor measures the traction bus voltage behind the contactors in mV.
type BusSensor interface {
	BusVoltage() (uint32, error)
}

// Faults is the part of the fault registry the machine consults.
type Faults interface {
	AnyFatal() bool
	LastFatal() (faults.Instance, bool)
	Set(kind faults.Kind, subject int, now time.Time) faults.Instance
	Unset(kind faults.Kind, subject int, now time.Time)
}

type Emitter interface {
	Emit(o Outbound)
}

// EmitterFunc adapts a function to an Emitter.
type EmitterFunc func(o Outbound)

func (f EmitterFunc) Emit(o Outbound) {
	f(o)
}

type Config struct {
	PrechargeTimeout time.Duration `yaml:"precharge_timeout" json:"precharge_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval" json:"poll_interval"`
	PrechargePercent uint32        `yaml:"precharge_percent" json:"precharge_percent"`
}

func DefaultConfig() Config {
	return Config{
		PrechargeTimeout: 5 * time.Second,
		PollInterval:     50 * time.Millisecond,
		PrechargePercent: 95,
	}
}

func (c Config) Validate() error {
	if c.PrechargeTimeout <= 0 {
		return fmt.Errorf("fsm: precharge timeout must be positive")
	}
	if c.PollInterval <= 0 || c.PollInterval > c.PrechargeTimeout {
		return fmt.Errorf("fsm: poll interval must be positive and shorter than the precharge timeout")
	}
	if c.PrechargePercent == 0 || c.PrechargePercent > 100 {
		return fmt.Errorf("fsm: precharge percent must be between 1 and 100")
	}
	return nil
}

// Inputs are the measurements the periodic actions need for one step.
type Inputs struct {
	PackMillivolts uint32
}

/*
Machine is the supervisory state machine. Transitions only change the requested contactor image;
the relays are driven and the bus is measured by the periodic action of the current state when
Step runs. A fatal fault takes the machine to HALT ahead of any pending event.
*/
type Machine struct {
	cfg      Config
	act      Actuator
	bus      BusSensor
	faults   Faults
	emitter  Emitter
	mu       sync.Mutex
	state    State
	since    time.Time
	now      time.Time
	pending  []Event
	bypass   bool
	request  Contactors
	applied  Contactors
	dirty    bool
	started  time.Time // precharge start
	lastPoll time.Time
	busMv    uint32
}

type Option func(*Machine)

func WithEmitter(e Emitter) Option {
	return func(m *Machine) { m.emitter = e }
}

func WithBusSensor(b BusSensor) Option {
	return func(m *Machine) { m.bus = b }
}

func New(cfg Config, act Actuator, f Faults, opts ...Option) *Machine {
	m := &Machine{cfg: cfg, act: act, faults: f, state: Init, dirty: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Requested returns the contactor image the current state wants.
func (m *Machine) Requested() Contactors {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.request
}

// Applied returns the last contactor image successfully written to the outputs.
func (m *Machine) Applied() Contactors {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// BusMillivolts returns the last bus voltage read during precharge.
func (m *Machine) BusMillivolts() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busMv
}

// Fire queues an event for the next Step.
func (m *Machine) Fire(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, e)
}

// Step applies pending events, runs the periodic action of the resulting state and drives the outputs.
func (m *Machine) Step(now time.Time, in Inputs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	if m.since.IsZero() {
		m.since = now
	}
	pending := m.pending
	m.pending = nil
	if m.state != Halt && m.faults.AnyFatal() {
		m.apply(Fatal)
	} else {
		for _, e := range pending {
			m.apply(e)
		}
	}
	if m.state == Precharge {
		m.precharge(in)
	}
	return m.drive()
}

// apply runs one transition. Undefined events are dropped.
func (m *Machine) apply(e Event) bool {
	if e == Fatal && m.state == Halt {
		return false
	}
	t := table[m.state][e]
	if t == nil {
		log.WithFields(log.Fields{"state": m.state, "event": e}).Debug("Event ignored")
		return false
	}
	from := m.state
	if t.exit != nil {
		t.exit(m)
	}
	m.state = t.to
	m.since = m.now
	if t.entry != nil {
		t.entry(m)
	}
	out := Outbound{Name: t.out, From: from, To: t.to}
	if e == Fatal {
		if inst, ok := m.faults.LastFatal(); ok {
			out.Kind = inst.Kind
			out.Subject = inst.Subject
		}
	}
	log.WithFields(log.Fields{"from": from, "to": t.to, "event": e}).Info("State transition")
	if m.emitter != nil {
		m.emitter.Emit(out)
	}
	return true
}

func (m *Machine) precharge(in Inputs) {
	if m.bypass {
		m.apply(PrechargeBypass)
		return
	}
	if m.now.Sub(m.started) > m.cfg.PrechargeTimeout {
		m.apply(PrechargeTimedOut)
		return
	}
	if m.bus == nil || m.now.Sub(m.lastPoll) < m.cfg.PollInterval {
		return
	}
	m.lastPoll = m.now
	mv, err := m.bus.BusVoltage()
	if err != nil {
		log.WithError(err).Warn("Bus voltage read failed during precharge")
		return
	}
	m.busMv = mv
	if in.PackMillivolts > 0 && uint64(mv)*100 >= uint64(in.PackMillivolts)*uint64(m.cfg.PrechargePercent) {
		m.apply(PrechargeDone)
	}
}

// drive writes the requested contactor image when it differs from what was last applied.
func (m *Machine) drive() error {
	if !m.dirty && m.request == m.applied {
		return nil
	}
	if err := m.act.Apply(m.request); err != nil {
		m.dirty = true
		return fmt.Errorf("fsm: apply %s: %w", m.request, err)
	}
	m.applied = m.request
	m.dirty = false
	return nil
}

func (m *Machine) openAll() {
	m.request = Contactors{}
}

func (m *Machine) closeMain() {
	m.request = Contactors{Negative: true, Positive: true}
}

func (m *Machine) enterPrecharge() {
	m.bypass = false
	m.startPrecharge()
}

func (m *Machine) enterPrechargeBypass() {
	m.bypass = true
	m.startPrecharge()
}

func (m *Machine) startPrecharge() {
	m.faults.Unset(faults.PrechargeTimeout, 0, m.now)
	m.request = Contactors{Negative: true, Precharge: true}
	m.started = m.now
	m.lastPoll = time.Time{}
	m.busMv = 0
}

func (m *Machine) exitPrecharge() {
	m.started = time.Time{}
}

func (m *Machine) exitCharge() {
	m.bypass = false
}

func (m *Machine) prechargeFailed() {
	m.openAll()
	m.faults.Set(faults.PrechargeTimeout, 0, m.now)
}

func (m *Machine) enterInit() {
	m.openAll()
	m.bypass = false
}
