package pack

import "time"

// CellReading is the latest measurement of one series cell.
type CellReading struct {
	Voltage        uint16 `json:"voltage"`     // 100uV
	Temperature    int16  `json:"temperature"` // 0.01 C
	HasTemperature bool   `json:"has_temperature"`
	Stale          bool   `json:"stale"`
}

/*
Snapshot holds the cell vector and the statistics derived from it. The statistics are only ever
written by Recompute.
*/
type Snapshot struct {
	Cells          []CellReading `json:"cells"`
	TotalVoltage   uint32        `json:"total_voltage"` // 100uV
	MaxVoltage     uint16        `json:"max_voltage"`
	MinVoltage     uint16        `json:"min_voltage"`
	MaxCell        int           `json:"max_cell"`
	MinCell        int           `json:"min_cell"`
	AvgTemperature int16         `json:"avg_temperature"`
	MaxTemperature int16         `json:"max_temperature"`
	MinTemperature int16         `json:"min_temperature"`
	Current        int32         `json:"current"` // mA, positive discharging
	Updated        time.Time     `json:"updated"`
}

func NewSnapshot(cells int) *Snapshot {
	return &Snapshot{Cells: make([]CellReading, cells), MaxCell: -1, MinCell: -1}
}

/*
Recompute derives the aggregates from the cell vector. The total covers every cell. Maximum and
minimum skip cells for which excluded returns true; when every cell is excluded both are zero.
Temperature statistics cover populated sensors only.
*/
func (s *Snapshot) Recompute(excluded func(int) bool) {
	s.TotalVoltage = 0
	s.MaxVoltage, s.MinVoltage = 0, 0
	s.MaxCell, s.MinCell = -1, -1
	var tSum int64
	tCount := 0
	s.AvgTemperature, s.MaxTemperature, s.MinTemperature = 0, 0, 0
	for i, c := range s.Cells {
		s.TotalVoltage += uint32(c.Voltage)
		if excluded == nil || !excluded(i) {
			if s.MaxCell < 0 || c.Voltage > s.MaxVoltage {
				s.MaxVoltage = c.Voltage
				s.MaxCell = i
			}
			if s.MinCell < 0 || c.Voltage < s.MinVoltage {
				s.MinVoltage = c.Voltage
				s.MinCell = i
			}
		}
		if c.HasTemperature {
			if tCount == 0 || c.Temperature > s.MaxTemperature {
				s.MaxTemperature = c.Temperature
			}
			if tCount == 0 || c.Temperature < s.MinTemperature {
				s.MinTemperature = c.Temperature
			}
			tSum += int64(c.Temperature)
			tCount++
		}
	}
	if tCount > 0 {
		s.AvgTemperature = int16(tSum / int64(tCount))
	}
}

// Voltages copies the cell voltages into dst, growing it if needed.
func (s *Snapshot) Voltages(dst []uint16) []uint16 {
	if cap(dst) < len(s.Cells) {
		dst = make([]uint16, len(s.Cells))
	}
	dst = dst[:len(s.Cells)]
	for i, c := range s.Cells {
		dst[i] = c.Voltage
	}
	return dst
}

// PackMillivolts returns the total voltage in mV.
func (s *Snapshot) PackMillivolts() uint32 {
	return s.TotalVoltage / 10
}

// Clone returns a deep copy that can be handed to other goroutines.
func (s *Snapshot) Clone() Snapshot {
	c := *s
	c.Cells = append([]CellReading(nil), s.Cells...)
	return c
}
