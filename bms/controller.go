package bms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"BatteryManager6813/balancing"
	"BatteryManager6813/faults"
	"BatteryManager6813/fsm"
	"BatteryManager6813/pack"
	log "github.com/sirupsen/logrus"
)

// Monitor is the cell monitor chain as used by the control loop.
type Monitor interface {
	pack.Monitor
	Initialise() error
	ProgramBalancing(sel []bool, slot uint8) error
}

// CurrentSensor measures the pack current in mA, positive when discharging.
type CurrentSensor interface {
	Current() (int32, error)
}

// ConfigStore persists the balancing configuration.
type ConfigStore interface {
	Save(ctx context.Context, cfg balancing.Config) error
}

type Config struct {
	TickInterval     time.Duration
	BalanceInterval  time.Duration
	BalancingEnabled bool
	Limits           pack.Limits
	Acquire          pack.AcquireConfig
	FSM              fsm.Config
	Policies         map[faults.Kind]faults.Policy
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     50 * time.Millisecond,
		BalanceInterval:  10 * time.Second,
		BalancingEnabled: true,
		Limits:           pack.DefaultLimits(),
		Acquire:          pack.DefaultAcquireConfig(),
		FSM:              fsm.DefaultConfig(),
	}
}

var ErrQueueFull = errors.New("bms: command queue full")

/*
Context is everything one pack needs between ticks. It is owned by the controller goroutine and
only read elsewhere through Status copies.
*/
type Context struct {
	Snapshot *pack.Snapshot
	Faults   *faults.Registry
	Balancer *balancing.Engine
	Machine  *fsm.Machine
}

// Status is an immutable copy of the pack state published after every tick.
type Status struct {
	Tick             uint64              `json:"tick"`
	State            fsm.State           `json:"state"`
	Since            time.Time           `json:"since"`
	Snapshot         pack.Snapshot       `json:"snapshot"`
	Faults           []faults.Instance   `json:"faults"`
	Warnings         []faults.Warning    `json:"warnings"`
	Fatal            bool                `json:"fatal"`
	LastFatal        *faults.Instance    `json:"last_fatal,omitempty"`
	Balancing        balancing.Selection `json:"balancing"`
	BalancingStatus  balancing.Status    `json:"balancing_status"`
	BalancingEnabled bool                `json:"balancing_enabled"`
	BalancingConfig  balancing.Config    `json:"balancing_config"`
	Target           uint16              `json:"target,omitempty"` // 100uV, zero when following the pack minimum
	Requested        fsm.Contactors      `json:"requested"`
	Applied          fsm.Contactors      `json:"applied"`
	BusMillivolts    uint32              `json:"bus_millivolts"`
}

type commandKind int

const (
	cmdEvent commandKind = iota
	cmdBalancing
	cmdTarget
	cmdClearTarget
	cmdEnable
)

type command struct {
	kind    commandKind
	event   fsm.Event
	cfg     balancing.Config
	target  uint16
	enabled bool
}

/*
Controller runs the cooperative control loop. Acquisition, fault evaluation, balancing and the
state machine run one after the other in Tick; commands from other goroutines are queued and
applied at the start of the next tick.
*/
type Controller struct {
	cfg         Config
	mon         Monitor
	act         fsm.Actuator
	current     CurrentSensor
	store       ConfigStore
	pc          Context
	acq         *pack.Acquirer
	commands    chan command
	observers   []func(Status)
	emitters    []fsm.Emitter
	listeners   []func(faults.Event)
	bus         fsm.BusSensor
	initialised bool
	enabled     bool
	discharging bool
	lastBalance time.Time
	selection   balancing.Selection
	tick        uint64
	mu          sync.RWMutex
	status      Status
}

type Option func(*Controller)

func WithCurrentSensor(s CurrentSensor) Option {
	return func(c *Controller) { c.current = s }
}

func WithBusSensor(s fsm.BusSensor) Option {
	return func(c *Controller) { c.bus = s }
}

// WithEmitter adds a receiver for state machine transitions.
func WithEmitter(e fsm.Emitter) Option {
	return func(c *Controller) { c.emitters = append(c.emitters, e) }
}

// WithObserver adds a function called with the new status after every tick.
func WithObserver(fn func(Status)) Option {
	return func(c *Controller) { c.observers = append(c.observers, fn) }
}

// WithFaultListener adds a function called whenever a fault is raised, escalated or cleared.
func WithFaultListener(fn func(faults.Event)) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, fn) }
}

func WithConfigStore(s ConfigStore) Option {
	return func(c *Controller) { c.store = s }
}

func New(cfg Config, mon Monitor, act fsm.Actuator, balance balancing.Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		mon:      mon,
		act:      act,
		commands: make(chan command, 32),
		enabled:  cfg.BalancingEnabled,
	}
	for _, opt := range opts {
		opt(c)
	}
	regOpts := []faults.Option{faults.WithListener(c.faultEvent)}
	for k, p := range cfg.Policies {
		regOpts = append(regOpts, faults.WithPolicy(k, p))
	}
	c.pc.Faults = faults.New(faults.Capacity{Cells: mon.Cells(), Devices: mon.Devices()}, regOpts...)
	c.pc.Snapshot = pack.NewSnapshot(mon.Cells())
	c.pc.Balancer = balancing.NewEngine(balance)
	fsmOpts := []fsm.Option{fsm.WithEmitter(fsm.EmitterFunc(c.emit))}
	if c.bus != nil {
		fsmOpts = append(fsmOpts, fsm.WithBusSensor(c.bus))
	}
	c.pc.Machine = fsm.New(cfg.FSM, act, c.pc.Faults, fsmOpts...)
	c.acq = pack.NewAcquirer(mon, c.pc.Faults, cfg.Acquire)
	c.status = c.buildStatus()
	return c
}

// Context exposes the pack context. It must only be used from the goroutine calling Tick.
func (c *Controller) Context() *Context {
	return &c.pc
}

func (c *Controller) emit(o fsm.Outbound) {
	for _, e := range c.emitters {
		e.Emit(o)
	}
}

func (c *Controller) faultEvent(e faults.Event) {
	fields := log.Fields{"kind": e.Instance.Kind, "subject": e.Instance.Subject, "count": e.Instance.Count}
	switch e.Change {
	case faults.Escalated:
		log.WithFields(fields).Error("Fault is fatal")
	case faults.Raised:
		log.WithFields(fields).Warn("Fault raised")
	default:
		log.WithFields(fields).Info("Fault cleared")
	}
	for _, fn := range c.listeners {
		fn(e)
	}
}

func (c *Controller) submit(cmd command) error {
	select {
	case c.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Fire queues a state machine event such as CloseTS or Reinit.
func (c *Controller) Fire(e fsm.Event) error {
	return c.submit(command{kind: cmdEvent, event: e})
}

/*
SetBalancing validates and persists a new balancing configuration and queues it for the next
tick. An invalid configuration is rejected without being stored.
*/
func (c *Controller) SetBalancing(ctx context.Context, cfg balancing.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.Save(ctx, cfg); err != nil {
			return fmt.Errorf("bms: saving balancing config: %w", err)
		}
	}
	return c.submit(command{kind: cmdBalancing, cfg: cfg})
}

// SetTarget fixes the balancing target in mV.
func (c *Controller) SetTarget(mv uint16) error {
	if mv == 0 || mv > 6553 {
		return fmt.Errorf("bms: target %dmV out of range", mv)
	}
	return c.submit(command{kind: cmdTarget, target: mv * 10})
}

// ClearTarget makes balancing follow the lowest cell again.
func (c *Controller) ClearTarget() error {
	return c.submit(command{kind: cmdClearTarget})
}

func (c *Controller) EnableBalancing(on bool) error {
	return c.submit(command{kind: cmdEnable, enabled: on})
}

// Status returns the state published by the last tick.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Controller) drainCommands() {
	for {
		select {
		case cmd := <-c.commands:
			c.apply(cmd)
		default:
			return
		}
	}
}

func (c *Controller) apply(cmd command) {
	switch cmd.kind {
	case cmdEvent:
		if cmd.event == fsm.Reinit {
			state := c.pc.Machine.State()
			if state != fsm.Halt && state != fsm.Idle {
				log.WithField("state", state).Warn("Reinit refused while the traction system is live")
				return
			}
			c.reinit()
		}
		c.pc.Machine.Fire(cmd.event)
	case cmdBalancing:
		c.pc.Balancer.SetConfig(cmd.cfg)
		log.WithFields(log.Fields{"threshold": cmd.cfg.Threshold, "slot": cmd.cfg.SlotTime}).Info("Balancing config changed")
	case cmdTarget:
		c.pc.Balancer.SetTarget(cmd.target)
	case cmdClearTarget:
		c.pc.Balancer.ClearTarget()
	case cmdEnable:
		c.enabled = cmd.enabled
	}
}

func (c *Controller) reinit() {
	log.Info("Reinitialising")
	c.pc.Faults.Reset()
	c.pc.Balancer.Reset()
	c.acq.Reset()
	c.initialised = false
	c.lastBalance = time.Time{}
	c.selection = balancing.Selection{}
}

// excluded reports cells that must not discharge or set the pack minimum.
func (c *Controller) excluded(i int) bool {
	return c.pc.Faults.VoltageFaulted(i) || c.pc.Snapshot.Cells[i].Stale
}

/*
Tick runs one control cycle at now. Partial failures are recorded as faults and the cycle always
completes; the returned error only reports a contactor output failure.
*/
func (c *Controller) Tick(ctx context.Context, now time.Time) error {
	c.drainCommands()
	c.tick++
	if !c.initialised && c.pc.Machine.State() == fsm.Init {
		c.initialise(now)
	}
	if c.initialised {
		c.measure(ctx, now)
		c.balance(now)
	}
	err := c.pc.Machine.Step(now, fsm.Inputs{PackMillivolts: c.pc.Snapshot.PackMillivolts()})
	if err != nil {
		log.WithError(err).Error("Contactor output failed")
	}
	c.publish()
	return err
}

func (c *Controller) initialise(now time.Time) {
	if err := c.mon.Initialise(); err != nil {
		log.WithError(err).Warn("Chain initialisation failed")
		c.pc.Faults.Set(faults.CommTransport, 0, now)
		c.pc.Faults.CheckAll(now)
		return
	}
	c.pc.Faults.Unset(faults.CommTransport, 0, now)
	c.initialised = true
	c.pc.Machine.Fire(fsm.Initialised)
}

func (c *Controller) measure(ctx context.Context, now time.Time) {
	if err := c.acq.Acquire(ctx, c.pc.Snapshot, now); err != nil {
		log.WithError(err).Debug("Acquisition incomplete")
	}
	if c.current != nil {
		if ma, err := c.current.Current(); err != nil {
			log.WithError(err).Warn("Current read failed")
		} else {
			c.pc.Snapshot.Current = ma
		}
	}
	pack.Evaluate(c.pc.Snapshot, c.pc.Faults, c.cfg.Limits, now)
	c.pc.Snapshot.Recompute(c.pc.Faults.VoltageFaulted)
	c.pc.Faults.CheckAll(now)
}

/*
balance reprograms the discharge switches every BalanceInterval while the pack is idle or charging.
In any other situation the switches are turned off once.
*/
func (c *Controller) balance(now time.Time) {
	state := c.pc.Machine.State()
	allowed := c.enabled && (state == fsm.Idle || state == fsm.Charge) && !c.pc.Faults.AnyFatal()
	if !allowed {
		c.stopDischarge()
		return
	}
	if !c.lastBalance.IsZero() && now.Sub(c.lastBalance) < c.cfg.BalanceInterval {
		return
	}
	c.lastBalance = now
	sel := c.pc.Balancer.Step(c.pc.Snapshot.Voltages(nil), c.excluded)
	c.selection = sel
	if sel.Count() == 0 {
		c.stopDischarge()
		return
	}
	if err := c.mon.ProgramBalancing(sel.Cells, c.pc.Balancer.Config().SlotTime); err != nil {
		log.WithError(err).Warn("Programming the discharge switches failed")
		c.pc.Faults.Set(faults.CommTransport, 0, now)
		return
	}
	c.discharging = true
	log.Debug(sel.Report())
}

func (c *Controller) stopDischarge() {
	if !c.discharging {
		return
	}
	if err := c.mon.ProgramBalancing(make([]bool, c.mon.Cells()), c.pc.Balancer.Config().SlotTime); err != nil {
		log.WithError(err).Warn("Turning the discharge switches off failed")
		return
	}
	c.discharging = false
	c.selection.Cells = make([]bool, c.mon.Cells())
}

func (c *Controller) buildStatus() Status {
	s := Status{
		Tick:             c.tick,
		State:            c.pc.Machine.State(),
		Since:            c.pc.Machine.Since(),
		Snapshot:         c.pc.Snapshot.Clone(),
		Faults:           c.pc.Faults.Active(),
		Warnings:         c.pc.Faults.Warnings(),
		Fatal:            c.pc.Faults.AnyFatal(),
		Balancing:        c.selection,
		BalancingStatus:  c.pc.Balancer.Status(),
		BalancingEnabled: c.enabled,
		BalancingConfig:  c.pc.Balancer.Config(),
		Requested:        c.pc.Machine.Requested(),
		Applied:          c.pc.Machine.Applied(),
		BusMillivolts:    c.pc.Machine.BusMillivolts(),
	}
	if target, ok := c.pc.Balancer.Target(); ok {
		s.Target = target
	}
	if inst, ok := c.pc.Faults.LastFatal(); ok {
		s.LastFatal = &inst
	}
	s.Balancing.Cells = append([]bool(nil), c.selection.Cells...)
	return s
}

func (c *Controller) publish() {
	s := c.buildStatus()
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	for _, fn := range c.observers {
		fn(s)
	}
}

// Run ticks the controller every TickInterval until ctx is cancelled, then opens everything.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case now := <-ticker.C:
			_ = c.Tick(ctx, now)
		}
	}
}

func (c *Controller) shutdown() {
	log.Info("Shutting down: opening contactors and discharge switches")
	if err := c.act.Apply(fsm.Contactors{}); err != nil {
		log.WithError(err).Error("Opening contactors on shutdown failed")
	}
	if c.discharging {
		c.stopDischarge()
	}
}
