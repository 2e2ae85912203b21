package pack

import (
	"fmt"
	"time"

	"BatteryManager6813/faults"
)

// Limits are the safety thresholds applied to every acquisition.
type Limits struct {
	UnderVoltage           uint16 `yaml:"under_voltage_mv" json:"under_voltage_mv"`
	OverVoltage            uint16 `yaml:"over_voltage_mv" json:"over_voltage_mv"`
	LowVoltageWarning      uint16 `yaml:"low_voltage_warning_mv" json:"low_voltage_warning_mv"`
	HighVoltageWarning     uint16 `yaml:"high_voltage_warning_mv" json:"high_voltage_warning_mv"`
	OverTemperature        int16  `yaml:"over_temperature_centi_c" json:"over_temperature_centi_c"`
	UnderTemperature       int16  `yaml:"under_temperature_centi_c" json:"under_temperature_centi_c"`
	HighTemperatureWarning int16  `yaml:"high_temperature_warning_centi_c" json:"high_temperature_warning_centi_c"`
	MaxCurrent             int32  `yaml:"max_current_ma" json:"max_current_ma"`
}

func DefaultLimits() Limits {
	return Limits{
		UnderVoltage:           2800,
		OverVoltage:            4200,
		LowVoltageWarning:      3000,
		HighVoltageWarning:     4150,
		OverTemperature:        6000,
		UnderTemperature:       -2000,
		HighTemperatureWarning: 5000,
		MaxCurrent:             300000,
	}
}

func (l Limits) Validate() error {
	if l.UnderVoltage >= l.OverVoltage {
		return fmt.Errorf("pack: under voltage %dmV must be below over voltage %dmV", l.UnderVoltage, l.OverVoltage)
	}
	if l.LowVoltageWarning < l.UnderVoltage || l.HighVoltageWarning > l.OverVoltage {
		return fmt.Errorf("pack: voltage warnings must sit inside the fault limits")
	}
	if l.UnderTemperature >= l.OverTemperature {
		return fmt.Errorf("pack: under temperature must be below over temperature")
	}
	if l.MaxCurrent <= 0 {
		return fmt.Errorf("pack: max current must be positive")
	}
	return nil
}

/*
Evaluate checks every cell against the limits, raising or clearing the out of range faults and
the warnings. Stale cells keep their fault state since their reading says nothing new.
*/
func Evaluate(s *Snapshot, r *faults.Registry, l Limits, now time.Time) {
	for i, c := range s.Cells {
		if c.Stale {
			r.Warn(faults.CellDataStale, i)
		} else {
			r.ClearWarning(faults.CellDataStale, i)
			mv := c.Voltage / 10
			check(r, faults.CellUnderVoltage, i, mv < l.UnderVoltage, now)
			check(r, faults.CellOverVoltage, i, mv > l.OverVoltage, now)
			warn(r, faults.CellVoltageLow, i, mv >= l.UnderVoltage && mv < l.LowVoltageWarning)
			warn(r, faults.CellVoltageHigh, i, mv <= l.OverVoltage && mv > l.HighVoltageWarning)
		}
		if c.HasTemperature {
			check(r, faults.CellOverTemperature, i, c.Temperature > l.OverTemperature, now)
			check(r, faults.CellUnderTemperature, i, c.Temperature < l.UnderTemperature, now)
			warn(r, faults.CellTemperatureHigh, i, c.Temperature > l.HighTemperatureWarning && c.Temperature <= l.OverTemperature)
		}
	}
	current := s.Current
	if current < 0 {
		current = -current
	}
	check(r, faults.OverCurrent, 0, current > l.MaxCurrent, now)
}

func check(r *faults.Registry, kind faults.Kind, subject int, bad bool, now time.Time) {
	if bad {
		r.Set(kind, subject, now)
	} else {
		r.Unset(kind, subject, now)
	}
}

func warn(r *faults.Registry, w faults.WarningKind, cell int, on bool) {
	if on {
		r.Warn(w, cell)
	} else {
		r.ClearWarning(w, cell)
	}
}
