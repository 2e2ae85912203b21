package pack

import (
	"context"
	"errors"
	"time"

	"BatteryManager6813/faults"
	"BatteryManager6813/ltc6813"
	log "github.com/sirupsen/logrus"
)

// Monitor is the part of the cell monitor chain the acquisition cycle needs.
type Monitor interface {
	Cells() int
	Devices() int
	CellsPerDevice() int
	StartConversion(mode ltc6813.Mode, dischargePermitted bool) error
	StartAuxConversion(mode ltc6813.Mode) error
	WaitConversion(ctx context.Context, timeout time.Duration) error
	ReadCellVoltages(dst []uint16) (*ltc6813.CRCMismatch, error)
	SelectMux(channel uint8) error
	ReadTemperatures(dst []int16, populated []bool) (*ltc6813.CRCMismatch, error)
}

type AcquireConfig struct {
	Mode               ltc6813.Mode
	AuxMode            ltc6813.Mode
	DischargePermitted bool
	ConversionTimeout  time.Duration
}

func DefaultAcquireConfig() AcquireConfig {
	return AcquireConfig{
		Mode:               ltc6813.ModeNormal,
		AuxMode:            ltc6813.ModeNormal,
		DischargePermitted: true,
		ConversionTimeout:  20 * time.Millisecond,
	}
}

// muxOrder visits the even multiplexer channels and then the odd ones.
var muxOrder = []uint8{0, 2, 4, 6, 1, 3, 5, 7}

/*
Acquirer runs one acquisition per tick: a full cell voltage conversion followed by a single
thermistor multiplexer channel. Every failure is recorded in the registry instead of being
passed up, so a tick always completes with whatever data could be read.
*/
type Acquirer struct {
	mon       Monitor
	reg       *faults.Registry
	cfg       AcquireConfig
	volts     []uint16
	temps     []int16
	populated []bool
	crcFailed []bool
	next      int
}

func NewAcquirer(mon Monitor, reg *faults.Registry, cfg AcquireConfig) *Acquirer {
	return &Acquirer{
		mon:       mon,
		reg:       reg,
		cfg:       cfg,
		volts:     make([]uint16, mon.Cells()),
		temps:     make([]int16, mon.Cells()),
		populated: make([]bool, mon.Cells()),
		crcFailed: make([]bool, mon.Devices()),
	}
}

// NextChannel returns the multiplexer channel the next acquisition will read.
func (a *Acquirer) NextChannel() uint8 {
	return muxOrder[a.next]
}

// Reset forgets the temperatures read so far and restarts the multiplexer sequence.
func (a *Acquirer) Reset() {
	a.next = 0
	for i := range a.populated {
		a.populated[i] = false
		a.temps[i] = 0
	}
}

/*
Acquire refreshes snap. Cells on a device whose voltage registers failed their PEC keep their
previous value and are flagged Stale. The returned error is for logging only; the registry has
already been updated.
*/
func (a *Acquirer) Acquire(ctx context.Context, snap *Snapshot, now time.Time) error {
	for d := range a.crcFailed {
		a.crcFailed[d] = false
	}
	if err := a.voltages(ctx, snap, now); err != nil {
		a.markStale(snap, nil)
		return err
	}
	if err := a.temperatures(ctx, snap, now); err != nil {
		a.settleCRC(now)
		return err
	}
	a.settleCRC(now)
	// Both conversions must complete before a timeout counts as gone.
	a.reg.Unset(faults.ConversionTimeout, 0, now)
	a.reg.Unset(faults.CommTransport, 0, now)
	snap.Updated = now
	return nil
}

func (a *Acquirer) voltages(ctx context.Context, snap *Snapshot, now time.Time) error {
	if err := a.mon.StartConversion(a.cfg.Mode, a.cfg.DischargePermitted); err != nil {
		return a.failed(err, now)
	}
	if err := a.mon.WaitConversion(ctx, a.cfg.ConversionTimeout); err != nil {
		return a.failed(err, now)
	}
	mismatch, err := a.mon.ReadCellVoltages(a.volts)
	if err != nil {
		return a.failed(err, now)
	}
	a.noteCRC(mismatch)
	for i := range snap.Cells {
		if i < len(a.volts) {
			snap.Cells[i].Voltage = a.volts[i]
		}
	}
	a.markStale(snap, a.crcFailed)
	return nil
}

func (a *Acquirer) temperatures(ctx context.Context, snap *Snapshot, now time.Time) error {
	channel := muxOrder[a.next]
	if err := a.mon.SelectMux(channel); err != nil {
		return a.failed(err, now)
	}
	if err := a.mon.StartAuxConversion(a.cfg.AuxMode); err != nil {
		return a.failed(err, now)
	}
	if err := a.mon.WaitConversion(ctx, a.cfg.ConversionTimeout); err != nil {
		return a.failed(err, now)
	}
	mismatch, err := a.mon.ReadTemperatures(a.temps, a.populated)
	if err != nil {
		return a.failed(err, now)
	}
	a.noteCRC(mismatch)
	a.next = (a.next + 1) % len(muxOrder)
	for i := range snap.Cells {
		if i < len(a.temps) {
			snap.Cells[i].Temperature = a.temps[i]
			snap.Cells[i].HasTemperature = a.populated[i]
		}
	}
	return nil
}

// failed records err against the matching fault kind and hands it back.
func (a *Acquirer) failed(err error, now time.Time) error {
	var transport *ltc6813.TransportError
	switch {
	case errors.Is(err, ltc6813.ErrTimeout):
		a.reg.Set(faults.ConversionTimeout, 0, now)
	case errors.As(err, &transport):
		a.reg.Set(faults.CommTransport, 0, now)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		log.WithError(err).Warn("Unexpected acquisition error")
		a.reg.Set(faults.CommTransport, 0, now)
	}
	return err
}

func (a *Acquirer) noteCRC(mismatch *ltc6813.CRCMismatch) {
	if mismatch == nil {
		return
	}
	log.WithField("failures", mismatch.Error()).Debug("PEC mismatch")
	for _, d := range mismatch.Devices() {
		if d < len(a.crcFailed) {
			a.crcFailed[d] = true
		}
	}
}

// settleCRC raises CommCRC on every device that failed this tick and clears it on the rest.
func (a *Acquirer) settleCRC(now time.Time) {
	for d, bad := range a.crcFailed {
		if bad {
			a.reg.Set(faults.CommCRC, d, now)
		} else {
			a.reg.Unset(faults.CommCRC, d, now)
		}
	}
}

// markStale flags the cells of failed devices. A nil slice marks every cell.
func (a *Acquirer) markStale(snap *Snapshot, failed []bool) {
	per := a.mon.CellsPerDevice()
	for i := range snap.Cells {
		stale := true
		if failed != nil && per > 0 {
			d := i / per
			stale = d < len(failed) && failed[d]
		}
		snap.Cells[i].Stale = stale
	}
}
