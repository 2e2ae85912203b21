package balancing

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the runtime balancing policy. It is persisted and can be changed between ticks.
type Config struct {
	Threshold uint16 `json:"threshold" yaml:"threshold" cbor:"1,keyasint"` // mV above target
	SlotTime  uint8  `json:"slot_time" yaml:"slot_time" cbor:"2,keyasint"` // discharge timer code
}

const (
	DefaultThreshold = 10
	DefaultSlotTime  = 2
	MaxThreshold     = 1000
	MaxSlotTime      = 15
)

var (
	ErrThreshold = errors.New("balancing: threshold must be between 1 and 1000 mV")
	ErrSlotTime  = errors.New("balancing: slot time must be between 1 and 15")
)

func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, SlotTime: DefaultSlotTime}
}

func (c Config) Validate() error {
	if c.Threshold == 0 || c.Threshold > MaxThreshold {
		return ErrThreshold
	}
	if c.SlotTime == 0 || c.SlotTime > MaxSlotTime {
		return ErrSlotTime
	}
	return nil
}

// Phase selects which half of the string may discharge in a cycle.
type Phase int

const (
	Even Phase = iota
	Odd
)

func (p Phase) String() string {
	if p == Odd {
		return "odd"
	}
	return "even"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p Phase) next() Phase {
	return 1 - p
}

type Status int

const (
	Idle Status = iota
	Active
	Complete
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Complete:
		return "complete"
	}
	return "idle"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Selection is the discharge set for one cycle.
type Selection struct {
	Cells      []bool `json:"cells"`
	Phase      Phase  `json:"phase"`
	Target     uint16 `json:"target"` // 100uV
	Candidates int    `json:"candidates"`
}

// Count returns the number of cells selected.
func (s Selection) Count() int {
	n := 0
	for _, on := range s.Cells {
		if on {
			n++
		}
	}
	return n
}

// Report is a human readable summary of the selection.
func (s Selection) Report() string {
	var cells []string
	for i, on := range s.Cells {
		if on {
			cells = append(cells, fmt.Sprint(i))
		}
	}
	if len(cells) == 0 {
		return fmt.Sprintf("%s phase, target %.4fV, no cells discharging", s.Phase, float64(s.Target)/10000)
	}
	return fmt.Sprintf("%s phase, target %.4fV, discharging cells %s", s.Phase, float64(s.Target)/10000, strings.Join(cells, ","))
}

/*
Engine decides each cycle which cells to discharge. Cells more than the threshold above the
target are candidates; only cells of the current phase are eligible and no two neighbours are
ever chosen together. The phase alternates every cycle.
*/
type Engine struct {
	cfg       Config
	target    uint16
	hasTarget bool
	phase     Phase
	status    Status
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) SetConfig(cfg Config) {
	e.cfg = cfg
}

// SetTarget fixes the balancing target in units of 100uV instead of following the pack minimum.
func (e *Engine) SetTarget(target uint16) {
	e.target = target
	e.hasTarget = true
	e.status = Idle
}

func (e *Engine) ClearTarget() {
	e.hasTarget = false
	e.status = Idle
}

func (e *Engine) Target() (uint16, bool) {
	return e.target, e.hasTarget
}

func (e *Engine) Phase() Phase {
	return e.phase
}

func (e *Engine) Status() Status {
	return e.status
}

// Reset returns the engine to idle on the even phase.
func (e *Engine) Reset() {
	e.phase = Even
	e.status = Idle
}

// thresholdCode converts the threshold from mV into 100uV units.
func (e *Engine) thresholdCode() uint16 {
	t := uint32(e.cfg.Threshold) * 10
	if t > 0xFFFF {
		t = 0xFFFF
	}
	return uint16(t)
}

/*
Step computes the selection for one cycle. volts are in 100uV units; cells for which excluded
returns true never discharge and are ignored when finding the pack minimum. When no cell in the
whole string is above target+threshold the engine reports Complete and selects nothing.
*/
func (e *Engine) Step(volts []uint16, excluded func(int) bool) Selection {
	usable := make([]uint16, len(volts))
	var min uint16
	found := false
	for i, v := range volts {
		if excluded != nil && excluded(i) {
			continue
		}
		usable[i] = v
		if !found || v < min {
			min = v
			found = true
		}
	}
	sel := Selection{Cells: make([]bool, len(volts)), Phase: e.phase}
	if !found {
		e.status = Complete
		return sel
	}
	target := min
	if e.hasTarget {
		target = e.target
	}
	sel.Target = target

	excess, count := ComputeImbalance(usable, e.thresholdCode(), target)
	sel.Candidates = count
	if count == 0 {
		e.status = Complete
		return sel
	}
	for i := range excess {
		if Phase(i%2) != e.phase {
			excess[i] = 0
		}
	}
	sel.Cells = ExcludeNeighbors(excess)
	e.phase = e.phase.next()
	e.status = Active
	return sel
}
