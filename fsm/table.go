package fsm

import (
	"fmt"
	"strings"

	"BatteryManager6813/faults"
)

// State is the supervisory state of the traction system.
type State int

const (
	Init State = iota
	Idle
	Precharge
	On
	Charge
	Halt
	numStates
)

var stateNames = [numStates]string{"INIT", "IDLE", "PRECHARGE", "ON", "CHARGE", "HALT"}

func (s State) String() string {
	if s < 0 || s >= numStates {
		return fmt.Sprintf("STATE(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event drives the transitions of the machine.
type Event int

const (
	Initialised Event = iota
	CloseTS
	CloseTSCharge
	OpenTS
	PrechargeDone
	PrechargeBypass
	PrechargeTimedOut
	Fatal
	Reinit
	numEvents
)

var eventNames = [numEvents]string{
	"initialised",
	"close_ts",
	"close_ts_charge",
	"open_ts",
	"precharge_done",
	"precharge_bypass",
	"precharge_timeout",
	"fatal",
	"reinit",
}

func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// ParseEvent accepts the names used on the command interfaces.
func ParseEvent(s string) (Event, error) {
	for e, name := range eventNames {
		if strings.EqualFold(name, s) {
			return Event(e), nil
		}
	}
	return 0, fmt.Errorf("fsm: unknown event %q", s)
}

// Names of the outbound transition messages
const (
	OutTSOn      = "TS_ON"
	OutTSCharge  = "TS_CHARGE"
	OutTSOff     = "TS_OFF"
	OutPrecharge = "PRECHARGE"
	OutFault     = "FAULT"
	OutInit      = "INIT"
)

/*
Outbound is the message published for a transition. Kind and Subject are only meaningful for
FAULT, which names the fault that forced the halt.
*/
type Outbound struct {
	Name    string      `json:"name"`
	From    State       `json:"from"`
	To      State       `json:"to"`
	Kind    faults.Kind `json:"kind,omitempty"`
	Subject int         `json:"subject,omitempty"`
}

func (o Outbound) IsFault() bool {
	return o.Name == OutFault
}

type transition struct {
	to    State
	out   string
	exit  func(*Machine)
	entry func(*Machine)
}

var table [numStates][numEvents]*transition

func init() {
	toIdle := &transition{to: Idle, out: OutTSOff, entry: (*Machine).openAll}
	toHalt := &transition{to: Halt, out: OutFault, entry: (*Machine).openAll}

	table[Init][Initialised] = toIdle
	table[Idle][CloseTS] = &transition{to: Precharge, out: OutPrecharge, entry: (*Machine).enterPrecharge}
	table[Idle][CloseTSCharge] = &transition{to: Precharge, out: OutPrecharge, entry: (*Machine).enterPrechargeBypass}
	table[Idle][Reinit] = &transition{to: Init, out: OutInit, entry: (*Machine).enterInit}
	table[Precharge][PrechargeDone] = &transition{to: On, out: OutTSOn, exit: (*Machine).exitPrecharge, entry: (*Machine).closeMain}
	table[Precharge][PrechargeBypass] = &transition{to: Charge, out: OutTSCharge, exit: (*Machine).exitPrecharge, entry: (*Machine).closeMain}
	table[Precharge][PrechargeTimedOut] = &transition{to: Idle, out: OutTSOff, exit: (*Machine).exitPrecharge, entry: (*Machine).prechargeFailed}
	table[Precharge][OpenTS] = &transition{to: Idle, out: OutTSOff, exit: (*Machine).exitPrecharge, entry: (*Machine).openAll}
	table[On][OpenTS] = toIdle
	table[Charge][OpenTS] = &transition{to: Idle, out: OutTSOff, exit: (*Machine).exitCharge, entry: (*Machine).openAll}
	for s := Init; s < Halt; s++ {
		table[s][Fatal] = toHalt
	}
	table[Precharge][Fatal] = &transition{to: Halt, out: OutFault, exit: (*Machine).exitPrecharge, entry: (*Machine).openAll}
	table[Charge][Fatal] = &transition{to: Halt, out: OutFault, exit: (*Machine).exitCharge, entry: (*Machine).openAll}
	table[Halt][Reinit] = &transition{to: Init, out: OutInit, entry: (*Machine).enterInit}
}

/*
Next is the transition table lookup. It reports false when the event is not defined for the state,
in which case the event is ignored.
*/
func Next(s State, e Event) (State, Outbound, bool) {
	if s < 0 || s >= numStates || e < 0 || e >= numEvents {
		return s, Outbound{}, false
	}
	t := table[s][e]
	if t == nil {
		return s, Outbound{}, false
	}
	return t.to, Outbound{Name: t.out, From: s, To: t.to}, true
}
