package fsm

import (
	"errors"
	"testing"
	"time"

	"BatteryManager6813/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeActuator struct {
	images []Contactors
	err    error
}

func (f *fakeActuator) Apply(c Contactors) error {
	if f.err != nil {
		return f.err
	}
	f.images = append(f.images, c)
	return nil
}

func (f *fakeActuator) last() Contactors {
	if len(f.images) == 0 {
		return Contactors{}
	}
	return f.images[len(f.images)-1]
}

type fakeBus struct {
	mv    uint32
	reads int
	err   error
}

func (f *fakeBus) BusVoltage() (uint32, error) {
	f.reads++
	return f.mv, f.err
}

type harness struct {
	m    *Machine
	act  *fakeActuator
	bus  *fakeBus
	reg  *faults.Registry
	outs []Outbound
	now  time.Time
}

func newHarness(t *testing.T) *harness {
	h := &harness{act: &fakeActuator{}, bus: &fakeBus{}, now: time.Unix(1000, 0)}
	h.reg = faults.New(faults.Capacity{Cells: 4, Devices: 1})
	h.m = New(DefaultConfig(), h.act, h.reg,
		WithBusSensor(h.bus),
		WithEmitter(EmitterFunc(func(o Outbound) { h.outs = append(h.outs, o) })))
	return h
}

func (h *harness) step(t *testing.T, d time.Duration, packMv uint32) {
	h.now = h.now.Add(d)
	require.NoError(t, h.m.Step(h.now, Inputs{PackMillivolts: packMv}))
}

func (h *harness) toIdle(t *testing.T) {
	h.m.Fire(Initialised)
	h.step(t, 0, 0)
	require.Equal(t, Idle, h.m.State())
	h.outs = nil
}

func TestNextTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		to   State
		out  string
		ok   bool
	}{
		{Init, Initialised, Idle, OutTSOff, true},
		{Idle, CloseTS, Precharge, OutPrecharge, true},
		{Idle, CloseTSCharge, Precharge, OutPrecharge, true},
		{Precharge, PrechargeDone, On, OutTSOn, true},
		{Precharge, PrechargeBypass, Charge, OutTSCharge, true},
		{Precharge, PrechargeTimedOut, Idle, OutTSOff, true},
		{On, OpenTS, Idle, OutTSOff, true},
		{Charge, OpenTS, Idle, OutTSOff, true},
		{On, Fatal, Halt, OutFault, true},
		{Idle, Fatal, Halt, OutFault, true},
		{Init, Fatal, Halt, OutFault, true},
		{Halt, Reinit, Init, OutInit, true},
		{Idle, OpenTS, Idle, "", false},
		{On, CloseTS, On, "", false},
		{Idle, PrechargeDone, Idle, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			to, out, ok := Next(tt.from, tt.ev)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.out, out.Name)
		})
	}
}

func TestHaltOnlyAcceptsReinit(t *testing.T) {
	for e := Event(0); e < numEvents; e++ {
		to, _, ok := Next(Halt, e)
		if e == Reinit {
			assert.True(t, ok)
			assert.Equal(t, Init, to)
			continue
		}
		assert.False(t, ok, "HALT accepted %s", e)
		assert.Equal(t, Halt, to)
	}
}

func TestEveryLiveStateHaltsOnFatal(t *testing.T) {
	for s := Init; s < Halt; s++ {
		to, out, ok := Next(s, Fatal)
		assert.True(t, ok)
		assert.Equal(t, Halt, to)
		assert.True(t, out.IsFault())
	}
}

func TestCloseFromIdleStartsPrecharge(t *testing.T) {
	h := newHarness(t)
	h.toIdle(t)
	h.m.Fire(CloseTS)
	h.step(t, 5*time.Millisecond, 400000)

	assert.Equal(t, Precharge, h.m.State())
	assert.Equal(t, Contactors{Negative: true, Precharge: true}, h.act.last())
	require.Len(t, h.outs, 1)
	assert.Equal(t, OutPrecharge, h.outs[0].Name)
}

func TestPrechargeCompletesAtNinetyFivePercent(t *testing.T) {
	h := newHarness(t)
	h.toIdle(t)
	h.m.Fire(CloseTS)
	h.bus.mv = 379000
	h.step(t, 5*time.Millisecond, 400000)
	assert.Equal(t, Precharge, h.m.State(), "94.75% is not enough")

	h.bus.mv = 380000
	h.step(t, 10*time.Millisecond, 400000)
	assert.Equal(t, Precharge, h.m.State(), "bus is not polled before the poll interval")

	h.step(t, 50*time.Millisecond, 400000)
	assert.Equal(t, On, h.m.State())
	assert.Equal(t, Contactors{Negative: true, Positive: true}, h.act.last())
	assert.Equal(t, uint32(380000), h.m.BusMillivolts())
	assert.Equal(t, []string{OutPrecharge, OutTSOn}, names(h.outs))
}

func TestPrechargeWaitsForPackData(t *testing.T) {
	h := newHarness(t)
	h.toIdle(t)
	h.m.Fire(CloseTS)
	h.step(t, 5*time.Millisecond, 0)
	assert.Equal(t, Precharge, h.m.State())
}

func TestPrechargeTimeoutReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.toIdle(t)
	h.m.Fire(CloseTS)
	h.step(t, 0, 400000)
	h.step(t, 5*time.Second, 400000)
	assert.Equal(t, Precharge, h.m.State(), "limit is exclusive")

	h.step(t, time.Millisecond, 400000)
	assert.Equal(t, Idle, h.m.State())
	assert.Equal(t, Contactors{}, h.act.last())
	inst := h.reg.Get(faults.PrechargeTimeout, 0)
	assert.True(t, inst.Active)
	assert.False(t, inst.Fatal)
	assert.False(t, h.reg.AnyFatal())

	h.m.Fire(CloseTS)
	h.step(t, time.Millisecond, 400000)
	assert.False(t, h.reg.IsActive(faults.PrechargeTimeout, 0), "a new attempt clears the old timeout")
}

func TestChargeBypassSkipsVoltageCheck(t *testing.T) {
	h := newHarness(t)
	h.toIdle(t)
	h.m.Fire(CloseTSCharge)
	h.step(t, time.Millisecond, 400000)
	assert.Equal(t, Charge, h.m.State())
	assert.Equal(t, Contactors{Negative: true, Positive: true}, h.act.last())
	assert.Zero(t, h.bus.reads)
	assert.Equal(t, []string{OutPrecharge, OutTSCharge}, names(h.outs))

	h.m.Fire(OpenTS)
	h.step(t, time.Millisecond, 400000)
	assert.Equal(t, Idle, h.m.State())
	assert.Equal(t, Contactors{}, h.act.last())
}

func TestFatalPreemptsPendingEvents(t *testing.T) {
	h := newHarness(t)
	h.reg = faults.New(faults.Capacity{Cells: 4, Devices: 1}, faults.WithPolicy(faults.CommCRC, faults.Policy{CountLimit: 1}))
	h.m = New(DefaultConfig(), h.act, h.reg, WithEmitter(EmitterFunc(func(o Outbound) { h.outs = append(h.outs, o) })))
	h.toIdle(t)

	h.reg.Set(faults.CommCRC, 0, h.now)
	h.reg.Set(faults.CommCRC, 0, h.now)
	require.True(t, h.reg.AnyFatal())
	h.m.Fire(CloseTS)
	h.step(t, time.Millisecond, 400000)

	assert.Equal(t, Halt, h.m.State())
	require.Len(t, h.outs, 1, "one transition, one message")
	assert.Equal(t, OutFault, h.outs[0].Name)
	assert.Equal(t, faults.CommCRC, h.outs[0].Kind)
	assert.Equal(t, 0, h.outs[0].Subject)
	assert.Equal(t, Contactors{}, h.act.last())
}

func TestHaltIgnoresEverythingButReinit(t *testing.T) {
	h := newHarness(t)
	h.toIdle(t)
	h.reg.Set(faults.CellOverVoltage, 2, h.now)
	h.reg.CheckAll(h.now.Add(time.Second))
	h.step(t, time.Second, 400000)
	require.Equal(t, Halt, h.m.State())
	h.outs = nil

	for _, e := range []Event{CloseTS, CloseTSCharge, OpenTS, Initialised, PrechargeDone} {
		h.m.Fire(e)
	}
	h.step(t, time.Millisecond, 400000)
	assert.Equal(t, Halt, h.m.State())
	assert.Empty(t, h.outs)

	h.reg.Reset()
	h.m.Fire(Reinit)
	h.step(t, time.Millisecond, 400000)
	assert.Equal(t, Init, h.m.State())
	assert.Equal(t, []string{OutInit}, names(h.outs))
}

func TestOpenFromOn(t *testing.T) {
	h := newHarness(t)
	h.toIdle(t)
	h.bus.mv = 400000
	h.m.Fire(CloseTS)
	h.step(t, time.Millisecond, 400000)
	require.Equal(t, On, h.m.State())

	h.m.Fire(OpenTS)
	h.step(t, time.Millisecond, 400000)
	assert.Equal(t, Idle, h.m.State())
	assert.Equal(t, Contactors{}, h.act.last())
}

func TestActuatorErrorIsRetried(t *testing.T) {
	h := newHarness(t)
	h.toIdle(t)
	h.act.err = errors.New("modbus timeout")
	h.m.Fire(CloseTS)
	h.now = h.now.Add(time.Millisecond)
	assert.Error(t, h.m.Step(h.now, Inputs{PackMillivolts: 400000}))
	assert.Equal(t, Contactors{Negative: true, Precharge: true}, h.m.Requested())
	assert.Equal(t, Contactors{}, h.m.Applied())

	h.act.err = nil
	h.step(t, time.Millisecond, 400000)
	assert.Equal(t, Contactors{Negative: true, Precharge: true}, h.m.Applied())
}

func TestParseEvent(t *testing.T) {
	e, err := ParseEvent("CLOSE_TS")
	require.NoError(t, err)
	assert.Equal(t, CloseTS, e)
	_, err = ParseEvent("explode")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	c := DefaultConfig()
	c.PrechargePercent = 101
	assert.Error(t, c.Validate())
	c = DefaultConfig()
	c.PollInterval = 0
	assert.Error(t, c.Validate())
}

func names(outs []Outbound) []string {
	var n []string
	for _, o := range outs {
		n = append(n, o.Name)
	}
	return n
}
