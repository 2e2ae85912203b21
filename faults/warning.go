package faults

// WarningKind classifies conditions worth reporting that never affect the active or fatal state.
type WarningKind int

const (
	CellVoltageLow WarningKind = iota
	CellVoltageHigh
	CellTemperatureHigh
	CellDataStale
	numWarnings
)

var warningNames = [numWarnings]string{
	"cell_voltage_low",
	"cell_voltage_high",
	"cell_temperature_high",
	"cell_data_stale",
}

func (w WarningKind) String() string {
	if w < 0 || w >= numWarnings {
		return "warning"
	}
	return warningNames[w]
}

// Warning is one raised warning on a cell.
type Warning struct {
	Kind WarningKind `json:"kind"`
	Cell int         `json:"cell"`
}

func (r *Registry) Warn(w WarningKind, cell int) {
	r.setWarning(w, cell, true)
}

func (r *Registry) ClearWarning(w WarningKind, cell int) {
	r.setWarning(w, cell, false)
}

func (r *Registry) setWarning(w WarningKind, cell int, on bool) {
	if w < 0 || w >= numWarnings {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cell >= 0 && cell < len(r.warnings[w]) {
		r.warnings[w][cell] = on
	}
}

func (r *Registry) Warned(w WarningKind, cell int) bool {
	if w < 0 || w >= numWarnings {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cell >= 0 && cell < len(r.warnings[w]) && r.warnings[w][cell]
}

// Warnings returns every raised warning ordered by kind then cell.
func (r *Registry) Warnings() []Warning {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []Warning
	for w := range r.warnings {
		for cell, on := range r.warnings[w] {
			if on {
				list = append(list, Warning{Kind: WarningKind(w), Cell: cell})
			}
		}
	}
	return list
}

func (w WarningKind) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}
