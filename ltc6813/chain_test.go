package ltc6813

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/gpio"
)

// fakeChain answers frames the way a chain of devices would.
type fakeChain struct {
	devices   int
	regs      map[uint16][]Register
	corrupt   map[uint16]int
	writes    map[uint16][]Register
	commands  []uint16
	frames    [][]byte
	busyPolls int
	badPEC    bool
	err       error
}

func newFakeChain(devices int) *fakeChain {
	return &fakeChain{
		devices: devices,
		regs:    make(map[uint16][]Register),
		corrupt: make(map[uint16]int),
		writes:  make(map[uint16][]Register),
	}
}

func (f *fakeChain) Tx(w, r []byte) error {
	f.frames = append(f.frames, append([]byte(nil), w...))
	if f.err != nil {
		return f.err
	}
	if len(w) < commandSize {
		return nil
	}
	var cmd Command
	copy(cmd[:], w)
	if !cmd.Valid() {
		f.badPEC = true
	}
	code := cmd.Code()
	f.commands = append(f.commands, code)
	switch {
	case code == PLADC:
		if f.busyPolls > 0 {
			f.busyPolls--
			r[commandSize] = 0x00
		} else {
			r[commandSize] = 0xFF
		}
	case len(w) == commandSize:
	case code == WRCFGA || code == WRCFGB:
		regs := make([]Register, f.devices)
		for k := 0; k < f.devices; k++ {
			var b Block
			copy(b[:], w[commandSize+k*blockSize:])
			if !b.Valid() {
				f.badPEC = true
			}
			regs[f.devices-1-k] = b.Register()
		}
		f.writes[code] = regs
	default:
		for d := 0; d < f.devices; d++ {
			var reg Register
			if rs, ok := f.regs[code]; ok {
				reg = rs[d]
			}
			b := NewBlock(reg)
			if dev, ok := f.corrupt[code]; ok && dev == d {
				b[7] ^= 0x02
			}
			copy(r[commandSize+d*blockSize:], b[:])
		}
	}
	return nil
}

func cellRegister(v0, v1, v2 uint16) Register {
	var r Register
	binary.LittleEndian.PutUint16(r[0:], v0)
	binary.LittleEndian.PutUint16(r[2:], v1)
	binary.LittleEndian.PutUint16(r[4:], v2)
	return r
}

// loadCells fills the cell groups so cell c of device d reads 30000+100*d+c.
func (f *fakeChain) loadCells() {
	for g, grp := range cellGroups {
		regs := make([]Register, f.devices)
		for d := range regs {
			base := uint16(30000 + 100*d + g*3)
			regs[d] = cellRegister(base, base+1, base+2)
		}
		f.regs[grp.code] = regs
	}
}

type fakeChipSelect struct {
	levels []gpio.Level
}

func (cs *fakeChipSelect) Out(l gpio.Level) error {
	cs.levels = append(cs.levels, l)
	return nil
}

func TestReadCellVoltagesDecodesChainOrder(t *testing.T) {
	bus := newFakeChain(2)
	bus.loadCells()
	c := New(bus, 2)

	volts := make([]uint16, c.Cells())
	mismatch, err := c.ReadCellVoltages(volts)
	require.NoError(t, err)
	assert.Nil(t, mismatch)
	assert.False(t, bus.badPEC)

	for d := 0; d < 2; d++ {
		for cell := 0; cell < MaxCellsPerDevice; cell++ {
			assert.Equal(t, uint16(30000+100*d+cell), volts[d*MaxCellsPerDevice+cell], "device %d cell %d", d, cell)
		}
	}
	assert.Equal(t, []uint16{RDCVA, RDCVB, RDCVC, RDCVD, RDCVE, RDCVF}, bus.commands)
}

func TestReadCellVoltagesCellsPerDevice(t *testing.T) {
	bus := newFakeChain(2)
	bus.loadCells()
	c := New(bus, 2, WithCellsPerDevice(7))
	require.Equal(t, 14, c.Cells())

	volts := make([]uint16, c.Cells())
	_, err := c.ReadCellVoltages(volts)
	require.NoError(t, err)
	assert.Equal(t, uint16(30006), volts[6])
	assert.Equal(t, uint16(30100), volts[7])
	assert.Equal(t, uint16(30106), volts[13])
	assert.Equal(t, []uint16{RDCVA, RDCVB, RDCVC}, bus.commands)
}

func TestReadCellVoltagesCRCMismatchKeepsPreviousValues(t *testing.T) {
	bus := newFakeChain(2)
	bus.loadCells()
	bus.corrupt[RDCVB] = 1
	c := New(bus, 2)

	volts := make([]uint16, c.Cells())
	for i := range volts {
		volts[i] = 7
	}
	mismatch, err := c.ReadCellVoltages(volts)
	require.NoError(t, err)
	require.NotNil(t, mismatch)
	assert.Equal(t, []int{1}, mismatch.Devices())
	assert.Equal(t, []DeviceFailure{{Device: 1, Group: "CVB"}}, mismatch.Failures)
	assert.Contains(t, mismatch.Error(), "CVB@1")

	for cell := 3; cell < 6; cell++ {
		assert.Equal(t, uint16(7), volts[MaxCellsPerDevice+cell])
		assert.Equal(t, uint16(30000+cell), volts[cell])
	}
	assert.Equal(t, uint16(30102), volts[MaxCellsPerDevice+2])
	assert.Equal(t, uint16(30106), volts[MaxCellsPerDevice+6])
}

func TestReadCellVoltagesTransportError(t *testing.T) {
	bus := newFakeChain(1)
	bus.err = errors.New("spi gone")
	c := New(bus, 1)

	_, err := c.ReadCellVoltages(make([]uint16, c.Cells()))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "wake", te.Op)
	assert.EqualError(t, errors.Unwrap(err), "spi gone")
}

func TestReadCellVoltagesShortBuffer(t *testing.T) {
	c := New(newFakeChain(1), 1)
	_, err := c.ReadCellVoltages(make([]uint16, 3))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestEveryCommandIsPrecededByWake(t *testing.T) {
	bus := newFakeChain(3)
	c := New(bus, 3)
	require.NoError(t, c.StartConversion(ModeNormal, true))

	require.Len(t, bus.frames, 4)
	for i := 0; i < 3; i++ {
		assert.Len(t, bus.frames[i], 1)
	}
	assert.Equal(t, []uint16{ADCV | uint16(ModeNormal) | dischargePermittedBit}, bus.commands)
}

func TestStartConversionWithoutDischarge(t *testing.T) {
	bus := newFakeChain(1)
	c := New(bus, 1)
	require.NoError(t, c.StartConversion(ModeFiltered, false))
	assert.Equal(t, []uint16{0x03E0}, bus.commands)
}

func TestWaitConversionPolls(t *testing.T) {
	bus := newFakeChain(1)
	bus.busyPolls = 3
	c := New(bus, 1, WithPollInterval(time.Millisecond))

	require.NoError(t, c.WaitConversion(context.Background(), time.Second))
	assert.Equal(t, []uint16{PLADC, PLADC, PLADC, PLADC}, bus.commands)
}

func TestWaitConversionTimeout(t *testing.T) {
	bus := newFakeChain(1)
	bus.busyPolls = 1 << 30
	c := New(bus, 1, WithPollInterval(time.Millisecond))

	err := c.WaitConversion(context.Background(), 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitConversionCancelled(t *testing.T) {
	bus := newFakeChain(1)
	bus.busyPolls = 1 << 30
	c := New(bus, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.WaitConversion(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProgramBalancingLayout(t *testing.T) {
	bus := newFakeChain(1)
	c := New(bus, 1)
	sel := make([]bool, c.Cells())
	for _, cell := range []int{0, 2, 9, 13, 16, 17} {
		sel[cell] = true
	}

	require.NoError(t, c.ProgramBalancing(sel, 2))
	require.False(t, bus.badPEC)

	a := bus.writes[WRCFGA][0]
	b := bus.writes[WRCFGB][0]
	assert.Equal(t, byte(0xFE), a[0], "reference, pull-downs and discharge enable")
	assert.Equal(t, byte(0x05), a[4], "DCC1..8")
	assert.Equal(t, byte(0x22), a[5], "DCTO and DCC9..12")
	assert.Equal(t, byte(0x21), b[0], "DCC13..16 and GPIO6..9")
	assert.Equal(t, byte(0x0B), b[1], "DTMEN and DCC17..18")
}

func TestProgramBalancingWritesBothGroupsBackToBack(t *testing.T) {
	bus := newFakeChain(2)
	c := New(bus, 2)
	sel := make([]bool, c.Cells())
	sel[0] = true

	require.NoError(t, c.ProgramBalancing(sel, 1))
	require.Len(t, bus.frames, 4)
	assert.Len(t, bus.frames[0], 1)
	assert.Len(t, bus.frames[1], 1)
	assert.Equal(t, []uint16{WRCFGA, WRCFGB}, bus.commands)

	assert.Equal(t, byte(0x01), bus.writes[WRCFGA][0][4])
	assert.Equal(t, byte(0x00), bus.writes[WRCFGA][1][4])
	assert.Equal(t, byte(0xFC), bus.writes[WRCFGA][1][0])
	// device 1's block is shifted out first
	assert.Equal(t, byte(0x00), bus.frames[2][4+4])
	assert.Equal(t, byte(0x01), bus.frames[2][4+8+4])
}

func TestProgramBalancingClearAll(t *testing.T) {
	bus := newFakeChain(1)
	c := New(bus, 1)
	sel := make([]bool, c.Cells())
	sel[5] = true
	require.NoError(t, c.ProgramBalancing(sel, 3))
	require.NoError(t, c.ProgramBalancing(make([]bool, c.Cells()), 3))

	a := bus.writes[WRCFGA][0]
	assert.Equal(t, byte(0xFC), a[0])
	assert.Equal(t, byte(0x00), a[4])
	assert.Equal(t, byte(0x30), a[5])
	assert.Zero(t, bus.writes[WRCFGB][0][1], "DTMEN drops with the last switch")
}

func TestProgramBalancingSelectionLength(t *testing.T) {
	c := New(newFakeChain(1), 1)
	assert.ErrorIs(t, c.ProgramBalancing(make([]bool, 3), 1), ErrSelectionLength)
}

func TestSelectMuxKeepsDischargeBits(t *testing.T) {
	bus := newFakeChain(1)
	c := New(bus, 1)
	sel := make([]bool, c.Cells())
	sel[14] = true
	require.NoError(t, c.ProgramBalancing(sel, 1))

	require.NoError(t, c.SelectMux(5))
	assert.Equal(t, uint8(5), c.Mux())
	assert.Equal(t, byte(0x40|0x0A|0x01), bus.writes[WRCFGB][0][0])
	assert.Error(t, c.SelectMux(MuxChannels))
}

func TestReadTemperaturesSkipsUnpopulated(t *testing.T) {
	bus := newFakeChain(2)
	bus.regs[RDAUXA] = []Register{
		cellRegister(15000, 0, 0),
		cellRegister(20000, 10000, 0),
	}
	c := New(bus, 2)
	require.NoError(t, c.SelectMux(3))

	temps := make([]int16, c.Cells())
	populated := make([]bool, c.Cells())
	mismatch, err := c.ReadTemperatures(temps, populated)
	require.NoError(t, err)
	assert.Nil(t, mismatch)

	assert.True(t, populated[3])
	assert.Equal(t, int16(2500), temps[3])
	assert.False(t, populated[11], "zero code is an empty sensor position")
	assert.True(t, populated[MaxCellsPerDevice+3])
	assert.Equal(t, int16(1507), temps[MaxCellsPerDevice+3])
	assert.True(t, populated[MaxCellsPerDevice+11])
	assert.Equal(t, int16(3564), temps[MaxCellsPerDevice+11])
}

func TestReadTemperaturesRejectsOpenAndShort(t *testing.T) {
	bus := newFakeChain(1)
	bus.regs[RDAUXA] = []Register{cellRegister(29000, 50, 0)}
	c := New(bus, 1)

	temps := make([]int16, c.Cells())
	populated := make([]bool, c.Cells())
	_, err := c.ReadTemperatures(temps, populated)
	require.NoError(t, err)
	assert.False(t, populated[0])
	assert.False(t, populated[8])
}

func TestReadTemperaturesDropsFailedSensor(t *testing.T) {
	bus := newFakeChain(1)
	bus.regs[RDAUXA] = []Register{cellRegister(15000, 15000, 0)}
	c := New(bus, 1)

	temps := make([]int16, c.Cells())
	populated := make([]bool, c.Cells())
	_, err := c.ReadTemperatures(temps, populated)
	require.NoError(t, err)
	require.True(t, populated[0])
	require.True(t, populated[8])

	bus.regs[RDAUXA] = []Register{cellRegister(0, 29500, 0)}
	_, err = c.ReadTemperatures(temps, populated)
	require.NoError(t, err)
	assert.False(t, populated[0], "sensor reads zero")
	assert.Zero(t, temps[0])
	assert.False(t, populated[8], "sensor open")
	assert.Zero(t, temps[8])
}

func TestReadAuxLayout(t *testing.T) {
	bus := newFakeChain(1)
	bus.regs[RDAUXA] = []Register{cellRegister(1, 2, 3)}
	bus.regs[RDAUXB] = []Register{cellRegister(4, 5, 30000)}
	bus.regs[RDAUXC] = []Register{cellRegister(6, 7, 8)}
	bus.regs[RDAUXD] = []Register{cellRegister(9, 0xFFFF, 0xFFFF)}
	c := New(bus, 1)

	gpios := make([]uint16, GPIOsPerDevice)
	_, err := c.ReadAux(gpios)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9}, gpios)
}

func TestReadSumOfCells(t *testing.T) {
	bus := newFakeChain(2)
	bus.regs[RDSTATA] = []Register{cellRegister(2000, 0, 0), cellRegister(2100, 0, 0)}
	c := New(bus, 2)

	sums := make([]uint32, 2)
	_, err := c.ReadSumOfCells(sums)
	require.NoError(t, err)
	assert.Equal(t, []uint32{60000, 63000}, sums)
}

func TestReadConfigReportsMismatch(t *testing.T) {
	bus := newFakeChain(2)
	bus.regs[RDCFGA] = []Register{{0xFC}, {0xFC}}
	bus.corrupt[RDCFGA] = 0
	c := New(bus, 2)

	regs, mismatch, err := c.ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, mismatch.Devices())
	assert.Equal(t, byte(0xFC), regs[1][0])
}

func TestChipSelectReleasedOnError(t *testing.T) {
	bus := newFakeChain(1)
	bus.err = errors.New("nak")
	cs := &fakeChipSelect{}
	c := New(bus, 1, WithChipSelect(cs))

	assert.Error(t, c.WakeChain())
	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High}, cs.levels)
}

func TestInitialiseWritesDefaults(t *testing.T) {
	bus := newFakeChain(2)
	c := New(bus, 2)
	require.NoError(t, c.Initialise())
	assert.Equal(t, Register{0xFC}, bus.writes[WRCFGA][1])
	assert.Equal(t, Register{0x01}, bus.writes[WRCFGB][0])
}
