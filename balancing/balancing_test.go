package balancing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeImbalance(t *testing.T) {
	excess, count := ComputeImbalance([]uint16{36000, 36150, 36100, 36101, 35000}, 100, 36000)
	assert.Equal(t, []uint16{0, 50, 0, 1, 0}, excess)
	assert.Equal(t, 2, count)
}

func TestComputeImbalanceNoOverflow(t *testing.T) {
	excess, count := ComputeImbalance([]uint16{0xFFFF, 100}, 0xFFFF, 0xFFFF)
	assert.Equal(t, []uint16{0, 0}, excess)
	assert.Zero(t, count)
}

func TestExcludeNeighborsOptimal(t *testing.T) {
	excess := []uint16{5, 1, 8, 2, 6}
	sel := ExcludeNeighbors(excess)
	assert.Equal(t, []bool{true, false, true, false, true}, sel)
	assert.Equal(t, uint32(19), Total(excess, sel))
}

func TestExcludeNeighborsSmallCases(t *testing.T) {
	tests := []struct {
		name   string
		excess []uint16
		want   []bool
	}{
		{"empty", []uint16{}, []bool{}},
		{"single", []uint16{4}, []bool{true}},
		{"single zero", []uint16{0}, []bool{false}},
		{"pair picks larger", []uint16{3, 7}, []bool{false, true}},
		{"middle beats ends", []uint16{1, 10, 1}, []bool{false, true, false}},
		{"ends beat middle", []uint16{6, 10, 6}, []bool{true, false, true}},
		{"zeros", []uint16{0, 0, 0, 0}, []bool{false, false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExcludeNeighbors(tt.excess))
		})
	}
}

// bruteForce returns the best non adjacent total by trying every subset.
func bruteForce(excess []uint16) uint32 {
	var best uint32
	n := len(excess)
	for mask := 0; mask < 1<<n; mask++ {
		if mask&(mask>>1) != 0 {
			continue
		}
		var total uint32
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				total += uint32(excess[i])
			}
		}
		if total > best {
			best = total
		}
	}
	return best
}

func TestExcludeNeighborsRandom(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 300; round++ {
		excess := make([]uint16, 1+r.Intn(14))
		for i := range excess {
			if r.Intn(3) > 0 {
				excess[i] = uint16(r.Intn(500))
			}
		}
		sel := ExcludeNeighbors(excess)
		require.Len(t, sel, len(excess))
		for i := 1; i < len(sel); i++ {
			assert.False(t, sel[i] && sel[i-1], "adjacent %d,%d in %v", i-1, i, excess)
		}
		for i, on := range sel {
			if on {
				assert.NotZero(t, excess[i])
			}
		}
		assert.Equal(t, bruteForce(excess), Total(excess, sel), "excess %v", excess)
	}
}

func TestEngineAlternatesPhase(t *testing.T) {
	e := NewEngine(Config{Threshold: 5, SlotTime: 2})
	volts := []uint16{36200, 36000, 36300, 36400, 36250, 36010}

	first := e.Step(volts, nil)
	assert.Equal(t, Even, first.Phase)
	assert.Equal(t, uint16(36000), first.Target)
	assert.Equal(t, 4, first.Candidates)
	assert.Equal(t, []bool{true, false, true, false, true, false}, first.Cells)
	assert.Equal(t, Active, e.Status())
	assert.Equal(t, Odd, e.Phase())

	second := e.Step(volts, nil)
	assert.Equal(t, Odd, second.Phase)
	assert.Equal(t, []bool{false, false, false, true, false, false}, second.Cells)
	assert.Equal(t, Even, e.Phase())
}

func TestEngineSelectionNeverAdjacent(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := rand.New(rand.NewSource(3))
	volts := make([]uint16, 36)
	for round := 0; round < 50; round++ {
		for i := range volts {
			volts[i] = uint16(35000 + r.Intn(2000))
		}
		sel := e.Step(volts, nil)
		for i := 1; i < len(sel.Cells); i++ {
			assert.False(t, sel.Cells[i] && sel.Cells[i-1])
		}
		for i, on := range sel.Cells {
			if on {
				assert.Equal(t, int(sel.Phase), i%2)
			}
		}
	}
}

func TestEngineCompletes(t *testing.T) {
	e := NewEngine(Config{Threshold: 10, SlotTime: 1})
	sel := e.Step([]uint16{36000, 36050, 36100, 36099}, nil)
	assert.Zero(t, sel.Candidates)
	assert.Zero(t, sel.Count())
	assert.Equal(t, Complete, e.Status())
	assert.Equal(t, Even, e.Phase(), "phase holds when nothing is selected")
}

func TestEngineExplicitTarget(t *testing.T) {
	e := NewEngine(Config{Threshold: 1, SlotTime: 1})
	e.SetTarget(36000)
	sel := e.Step([]uint16{37000, 37000, 37000}, nil)
	assert.Equal(t, uint16(36000), sel.Target)
	assert.Equal(t, 3, sel.Candidates)
	assert.Equal(t, []bool{true, false, true}, sel.Cells)

	e.ClearTarget()
	sel = e.Step([]uint16{37000, 37000, 37000}, nil)
	assert.Zero(t, sel.Candidates)
	assert.Equal(t, Complete, e.Status())
}

func TestEngineSkipsExcludedCells(t *testing.T) {
	e := NewEngine(Config{Threshold: 1, SlotTime: 1})
	volts := []uint16{30000, 36000, 36500, 36000, 36800}
	excluded := func(i int) bool { return i == 0 || i == 4 }

	sel := e.Step(volts, excluded)
	assert.Equal(t, uint16(36000), sel.Target, "faulted cell 0 does not set the target")
	assert.Equal(t, []bool{false, false, true, false, false}, sel.Cells)
}

func TestEngineAllExcluded(t *testing.T) {
	e := NewEngine(DefaultConfig())
	sel := e.Step([]uint16{36000, 37000}, func(int) bool { return true })
	assert.Equal(t, Complete, e.Status())
	assert.Zero(t, sel.Count())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{Threshold: 0, SlotTime: 1}.Validate(), ErrThreshold)
	assert.ErrorIs(t, Config{Threshold: 1001, SlotTime: 1}.Validate(), ErrThreshold)
	assert.ErrorIs(t, Config{Threshold: 5, SlotTime: 0}.Validate(), ErrSlotTime)
	assert.ErrorIs(t, Config{Threshold: 5, SlotTime: 16}.Validate(), ErrSlotTime)
}

func TestSelectionReport(t *testing.T) {
	s := Selection{Cells: []bool{true, false, true}, Phase: Even, Target: 36000}
	assert.Equal(t, "even phase, target 3.6000V, discharging cells 0,2", s.Report())
	s.Cells = []bool{false, false}
	assert.Equal(t, "even phase, target 3.6000V, no cells discharging", s.Report())
}
