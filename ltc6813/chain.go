package ltc6813

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/periph/conn/gpio"
)

// MaxCellsPerDevice is the number of cell inputs on one LTC6813.
const MaxCellsPerDevice = 18

// GPIOsPerDevice is the number of auxiliary inputs on one LTC6813.
const GPIOsPerDevice = 9

// MuxChannels is the number of thermistor multiplexer addresses driven from GPIO7..9.
const MuxChannels = 8

// DefaultBCoefficient is the B value of the NTC thermistors on the cell taps.
const DefaultBCoefficient = 6000.0

// Bus is a full duplex transfer. A periph spi.Conn satisfies it and drives chip select itself.
type Bus interface {
	Tx(w, r []byte) error
}

// ChipSelect is an optional chip select line held low for the duration of each frame.
type ChipSelect interface {
	Out(l gpio.Level) error
}

/*
Chain drives a daisy chain of LTC6813 devices. Every exported method is one atomic transaction on
the bus: the chain is woken, the frames are exchanged and chip select is released before the lock
is dropped, whatever the outcome.
*/
type Chain struct {
	bus            Bus
	cs             ChipSelect
	devices        int
	cellsPerDevice int
	frame          *Frame
	mu             sync.Mutex
	cfgA           []Register // Shadow images of the configuration registers
	cfgB           []Register
	mux            uint8
	pollInterval   time.Duration
	bCoefficient   float64
	wakeByte       []byte
}

type Option func(*Chain)

func WithChipSelect(cs ChipSelect) Option {
	return func(c *Chain) { c.cs = cs }
}

// WithCellsPerDevice limits the number of cell inputs used on each device.
func WithCellsPerDevice(n int) Option {
	return func(c *Chain) {
		if n > 0 && n <= MaxCellsPerDevice {
			c.cellsPerDevice = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Chain) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithBCoefficient(b float64) Option {
	return func(c *Chain) {
		if b > 0 {
			c.bCoefficient = b
		}
	}
}

func New(bus Bus, devices int, opts ...Option) *Chain {
	c := &Chain{
		bus:            bus,
		devices:        devices,
		cellsPerDevice: MaxCellsPerDevice,
		frame:          NewFrame(devices),
		cfgA:           make([]Register, devices),
		cfgB:           make([]Register, devices),
		pollInterval:   time.Millisecond,
		bCoefficient:   DefaultBCoefficient,
		wakeByte:       make([]byte, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resetShadows()
	return c
}

// Devices returns the number of LTC6813s in the chain.
func (c *Chain) Devices() int {
	return c.devices
}

func (c *Chain) CellsPerDevice() int {
	return c.cellsPerDevice
}

// Cells returns the number of series cells monitored by the whole chain.
func (c *Chain) Cells() int {
	return c.devices * c.cellsPerDevice
}

// Mux returns the thermistor multiplexer channel currently selected.
func (c *Chain) Mux() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mux
}

func (c *Chain) resetShadows() {
	for d := 0; d < c.devices; d++ {
		c.cfgA[d] = Register{adcOption0 | refOn | gpio1to5PullDownOff}
		c.cfgB[d] = Register{gpio6PullDownOff | c.mux<<1}
	}
}

func (c *Chain) transfer(op string, w, r []byte) (err error) {
	if c.cs != nil {
		if err := c.cs.Out(gpio.Low); err != nil {
			return &TransportError{Op: op, Err: err}
		}
		defer func() {
			if csErr := c.cs.Out(gpio.High); csErr != nil && err == nil {
				err = &TransportError{Op: op, Err: csErr}
			}
		}()
	}
	if err := c.bus.Tx(w, r); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

// wake clocks a dummy byte per device so each isoSPI port leaves its idle state.
func (c *Chain) wake() error {
	for device := 0; device < c.devices; device++ {
		c.wakeByte[0] = 0xFF
		if err := c.transfer("wake", c.wakeByte, c.wakeByte); err != nil {
			return err
		}
	}
	return nil
}

// WakeChain brings every device in the chain out of its low power state.
func (c *Chain) WakeChain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wake()
}

func (c *Chain) command(op string, code uint16) error {
	tx, rx := c.frame.Command(NewCommand(code))
	return c.transfer(op, tx, rx)
}

func (c *Chain) write(op string, code uint16, regs []Register) error {
	tx, rx := c.frame.Write(NewCommand(code), regs)
	return c.transfer(op, tx, rx)
}

func (c *Chain) read(g group) error {
	tx, rx := c.frame.Read(NewCommand(g.code))
	return c.transfer("read "+g.name, tx, rx)
}

/*
Initialise writes the default configuration to every device: reference on, GPIO pull-downs off,
no cells discharging and the multiplexer on channel 0.
*/
func (c *Chain) Initialise() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mux = 0
	c.resetShadows()
	if err := c.wake(); err != nil {
		return err
	}
	if err := c.write("write CFGA", WRCFGA, c.cfgA); err != nil {
		return err
	}
	return c.write("write CFGB", WRCFGB, c.cfgB)
}

// StartConversion starts a cell voltage conversion on every device.
func (c *Chain) StartConversion(mode Mode, dischargePermitted bool) error {
	code := ADCV | uint16(mode)
	if dischargePermitted {
		code |= dischargePermittedBit
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wake(); err != nil {
		return err
	}
	return c.command("start conversion", code)
}

// StartAuxConversion starts a conversion of all GPIO inputs.
func (c *Chain) StartAuxConversion(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wake(); err != nil {
		return err
	}
	return c.command("start aux conversion", ADAX|uint16(mode))
}

func (c *Chain) converted() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wake(); err != nil {
		return false, err
	}
	tx, rx := c.frame.Poll(NewCommand(PLADC))
	if err := c.transfer("poll", tx, rx); err != nil {
		return false, err
	}
	return c.frame.Status() != 0, nil
}

/*
WaitConversion polls the chain until the running conversion completes. The devices hold SDO low
while converting so a zero status byte means busy. It gives up with ErrTimeout once timeout has
elapsed.
*/
func (c *Chain) WaitConversion(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		done, err := c.converted()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

/*
ReadCellVoltages reads cell voltage groups A to F into dst, indexed across the whole string as
device*CellsPerDevice()+cell, in units of 100uV. A device whose block fails its PEC keeps the
previous contents of dst for the cells of that group and is listed in the returned mismatch.
*/
func (c *Chain) ReadCellVoltages(dst []uint16) (*CRCMismatch, error) {
	if len(dst) < c.Cells() {
		return nil, ErrShortBuffer
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wake(); err != nil {
		return nil, err
	}
	var mismatch *CRCMismatch
	for g, grp := range cellGroups {
		if g*3 >= c.cellsPerDevice {
			break
		}
		if err := c.read(grp); err != nil {
			return mismatch, err
		}
		for device := 0; device < c.devices; device++ {
			blk := c.frame.Response(device)
			if !blk.Valid() {
				mismatch = mismatch.add(device, grp.name)
				continue
			}
			reg := blk.Register()
			for k := 0; k < 3; k++ {
				cell := g*3 + k
				if cell >= c.cellsPerDevice {
					break
				}
				dst[device*c.cellsPerDevice+cell] = reg.Word(k)
			}
		}
	}
	return mismatch, nil
}

// auxLayout maps the words of auxiliary groups A to D onto GPIO numbers; -1 words are not GPIOs.
var auxLayout = [4][3]int{{0, 1, 2}, {3, 4, -1}, {5, 6, 7}, {8, -1, -1}}

// ReadAux reads auxiliary groups A to D into dst indexed as device*GPIOsPerDevice+gpio.
func (c *Chain) ReadAux(dst []uint16) (*CRCMismatch, error) {
	if len(dst) < c.devices*GPIOsPerDevice {
		return nil, ErrShortBuffer
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wake(); err != nil {
		return nil, err
	}
	var mismatch *CRCMismatch
	for g, grp := range auxGroups {
		if err := c.read(grp); err != nil {
			return mismatch, err
		}
		for device := 0; device < c.devices; device++ {
			blk := c.frame.Response(device)
			if !blk.Valid() {
				mismatch = mismatch.add(device, grp.name)
				continue
			}
			reg := blk.Register()
			for k, pin := range auxLayout[g] {
				if pin >= 0 {
					dst[device*GPIOsPerDevice+pin] = reg.Word(k)
				}
			}
		}
	}
	return mismatch, nil
}

/*
ReadTemperatures reads GPIO1 and GPIO2 for the currently selected multiplexer channel m. GPIO1
carries thermistor m and GPIO2 thermistor m+8 of each device; thermistor s belongs to cell s of
that device. Temperatures are written to dst in hundredths of a degree and flagged in populated.
A zero or out of window code means no usable sensor: the cell loses its populated flag and its
temperature is zeroed, so a thermistor that fails after a good reading is not reported forever.
*/
func (c *Chain) ReadTemperatures(dst []int16, populated []bool) (*CRCMismatch, error) {
	if len(dst) < c.Cells() || len(populated) < c.Cells() {
		return nil, ErrShortBuffer
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wake(); err != nil {
		return nil, err
	}
	if err := c.read(auxGroups[0]); err != nil {
		return nil, err
	}
	var mismatch *CRCMismatch
	for device := 0; device < c.devices; device++ {
		blk := c.frame.Response(device)
		if !blk.Valid() {
			mismatch = mismatch.add(device, auxGroups[0].name)
			continue
		}
		reg := blk.Register()
		for input := 0; input < 2; input++ {
			sensor := int(c.mux) + input*MuxChannels
			if sensor >= c.cellsPerDevice {
				continue
			}
			cell := device*c.cellsPerDevice + sensor
			t, ok := c.temperature(reg.Word(input))
			dst[cell] = t
			populated[cell] = ok
		}
	}
	return mismatch, nil
}

// temperature converts a GPIO code into hundredths of a degree C using the thermistor B value.
func (c *Chain) temperature(code uint16) (int16, bool) {
	if code == 0 || code > 28000 || code < 100 {
		return 0, false
	}
	kelvin := 1.0 / ((math.Log(1/((30000.0/float64(code))-1)) / c.bCoefficient) + 0.003354)
	return int16(math.Round((kelvin - 273.15) * 100)), true
}

// SelectMux sets the thermistor multiplexer address on GPIO7..9 without touching the discharge bits.
func (c *Chain) SelectMux(channel uint8) error {
	if channel >= MuxChannels {
		return fmt.Errorf("ltc6813: multiplexer channel %d out of range", channel)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mux = channel
	for d := range c.cfgB {
		c.cfgB[d][0] = c.cfgB[d][0]&0xF0 | gpio6PullDownOff | channel<<1
	}
	if err := c.wake(); err != nil {
		return err
	}
	return c.write("write CFGB", WRCFGB, c.cfgB)
}

/*
ProgramBalancing turns on the discharge switch of every selected cell and off for all others.
sel is indexed across the whole string. slot is the discharge timeout code written to DCTO.
Both configuration groups are written back to back after a single wake so the switches never
pass through a half written state.
*/
func (c *Chain) ProgramBalancing(sel []bool, slot uint8) error {
	if len(sel) != c.Cells() {
		return ErrSelectionLength
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for d := 0; d < c.devices; d++ {
		var dcc uint32
		for cell := 0; cell < c.cellsPerDevice; cell++ {
			if sel[d*c.cellsPerDevice+cell] {
				dcc |= 1 << cell
			}
		}
		a := &c.cfgA[d]
		b := &c.cfgB[d]
		a[0] &^= dischargeEnabled
		if dcc != 0 {
			a[0] |= dischargeEnabled
		}
		a[4] = byte(dcc)
		a[5] = (slot&0x0F)<<4 | byte(dcc>>8)&0x0F
		b[0] = b[0]&0x0F | byte(dcc>>12)&0x0F<<4
		b[1] = b[1]&^(dischargeTimerMonitor|0x03) | byte(dcc>>16)&0x03
		if dcc != 0 {
			b[1] |= dischargeTimerMonitor
		}
	}
	if err := c.wake(); err != nil {
		return err
	}
	if err := c.write("write CFGA", WRCFGA, c.cfgA); err != nil {
		return err
	}
	return c.write("write CFGB", WRCFGB, c.cfgB)
}

// ReadConfig reads configuration group A back from every device.
func (c *Chain) ReadConfig() ([]Register, *CRCMismatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wake(); err != nil {
		return nil, nil, err
	}
	if err := c.read(group{"CFGA", RDCFGA}); err != nil {
		return nil, nil, err
	}
	regs := make([]Register, c.devices)
	var mismatch *CRCMismatch
	for device := range regs {
		blk := c.frame.Response(device)
		if !blk.Valid() {
			mismatch = mismatch.add(device, "CFGA")
			continue
		}
		regs[device] = blk.Register()
	}
	return regs, mismatch, nil
}

// ReadSumOfCells reads the sum of cells measurement of each device in units of 100uV.
func (c *Chain) ReadSumOfCells(dst []uint32) (*CRCMismatch, error) {
	if len(dst) < c.devices {
		return nil, ErrShortBuffer
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wake(); err != nil {
		return nil, err
	}
	if err := c.read(group{"STATA", RDSTATA}); err != nil {
		return nil, err
	}
	var mismatch *CRCMismatch
	for device := 0; device < c.devices; device++ {
		blk := c.frame.Response(device)
		if !blk.Valid() {
			mismatch = mismatch.add(device, "STATA")
			continue
		}
		dst[device] = uint32(binary.LittleEndian.Uint16(blk[0:2])) * 30
	}
	return mismatch, nil
}
