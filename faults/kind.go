package faults

import (
	"fmt"
	"time"
)

// Kind identifies a class of fault. The subject of a fault is a cell, a device or the whole pack.
type Kind int

const (
	CellUnderVoltage Kind = iota
	CellOverVoltage
	CellOverTemperature
	CellUnderTemperature
	OverCurrent
	CommCRC
	CommTransport
	ConversionTimeout
	PrechargeTimeout
	ConfigInvalid
	numKinds
)

var kindNames = [numKinds]string{
	"cell_under_voltage",
	"cell_over_voltage",
	"cell_over_temperature",
	"cell_under_temperature",
	"over_current",
	"comm_crc",
	"comm_transport",
	"conversion_timeout",
	"precharge_timeout",
	"config_invalid",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds returns every fault kind in table order.
func Kinds() []Kind {
	kinds := make([]Kind, numKinds)
	for k := range kinds {
		kinds[k] = Kind(k)
	}
	return kinds
}

// Scope says what a fault's subject index refers to.
type Scope int

const (
	ScopePack Scope = iota
	ScopeCell
	ScopeDevice
)

func (k Kind) Scope() Scope {
	switch k {
	case CellUnderVoltage, CellOverVoltage, CellOverTemperature, CellUnderTemperature:
		return ScopeCell
	case CommCRC:
		return ScopeDevice
	}
	return ScopePack
}

// IsVoltage reports whether the kind marks a cell reading as untrustworthy for pack statistics.
func (k Kind) IsVoltage() bool {
	return k == CellUnderVoltage || k == CellOverVoltage
}

// Soft is the timeout sentinel for kinds that never escalate by time.
const Soft time.Duration = 0

/*
Policy is the static escalation rule for a kind. Exactly one of CountLimit or Timeout is used:
a fault escalates once its count exceeds CountLimit, or once it has been active for longer than
Timeout. A policy with neither set is soft and never escalates.
*/
type Policy struct {
	CountLimit uint32
	Timeout    time.Duration
}

func (p Policy) IsSoft() bool {
	return p.CountLimit == 0 && p.Timeout == Soft
}

func (p Policy) String() string {
	switch {
	case p.CountLimit > 0:
		return fmt.Sprintf("count>%d", p.CountLimit)
	case p.Timeout != Soft:
		return fmt.Sprintf("after %s", p.Timeout)
	}
	return "soft"
}

// DefaultPolicies is the escalation table used unless overridden.
var DefaultPolicies = [numKinds]Policy{
	CellUnderVoltage:     {Timeout: 500 * time.Millisecond},
	CellOverVoltage:      {Timeout: 500 * time.Millisecond},
	CellOverTemperature:  {Timeout: 1000 * time.Millisecond},
	CellUnderTemperature: {Timeout: 1000 * time.Millisecond},
	OverCurrent:          {Timeout: 500 * time.Millisecond},
	CommCRC:              {CountLimit: 10},
	CommTransport:        {Timeout: 250 * time.Millisecond},
	ConversionTimeout:    {CountLimit: 5},
	PrechargeTimeout:     {},
	ConfigInvalid:        {},
}

// ParseKind maps a kind name as produced by String back onto the Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("faults: unknown kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
