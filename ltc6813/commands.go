package ltc6813

import "time"

// Command codes
const (
	WRCFGA  = 0x001 // Write Configuration Register Group A
	WRCFGB  = 0x024 // Write Configuration Register Group B
	RDCFGA  = 0x002 // Read Configuration Register Group A
	RDCFGB  = 0x026 // Read Configuration Register Group B
	RDCVA   = 0x004 // Read Cell Voltage Register Group A
	RDCVB   = 0x006 // Read Cell Voltage Register Group B
	RDCVC   = 0x008 // Read Cell Voltage Register Group C
	RDCVD   = 0x00A // Read Cell Voltage Register Group D
	RDCVE   = 0x009 // Read Cell Voltage Register Group E
	RDCVF   = 0x00B // Read Cell Voltage Register Group F
	RDAUXA  = 0x00C // Read Auxiliary Register Group A
	RDAUXB  = 0x00E // Read Auxiliary Register Group B
	RDAUXC  = 0x00D // Read Auxiliary Register Group C
	RDAUXD  = 0x00F // Read Auxiliary Register Group D
	RDSTATA = 0x010 // Read Status Register Group A
	ADCV    = 0x260 // Start Cell Voltage ADC Conversion and Poll Status
	ADAX    = 0x460 // Start GPIOs ADC Conversion and Poll Status
	CLRCELL = 0x711 // Clear Cell Voltage Register Group
	PLADC   = 0x714 // Poll ADC Conversion Status
)

// Configuration register A, byte 0
const (
	adcOption0          = 0x00
	dischargeEnabled    = 0x02
	refOn               = 0x04
	gpio1to5PullDownOff = 0xF8
)

// Configuration register B, byte 0 low nibble: GPIO6 pull-down off, GPIO7..9 carry the mux address.
const gpio6PullDownOff = 0x01

// Configuration register B, byte 1: discharge timer monitor enable.
const dischargeTimerMonitor = 0x08

// DCP bit of ADCV
const dischargePermittedBit = 0x10

// Mode selects the ADC speed used by the conversion commands. The names follow ADCOPT = 0.
type Mode uint16

const (
	ModeSlow     Mode = 0x000 // 422Hz
	ModeFast     Mode = 0x080 // 27kHz
	ModeNormal   Mode = 0x100 // 7kHz
	ModeFiltered Mode = 0x180 // 26Hz
)

func (m Mode) String() string {
	switch m {
	case ModeSlow:
		return "slow"
	case ModeFast:
		return "fast"
	case ModeNormal:
		return "normal"
	case ModeFiltered:
		return "filtered"
	}
	return "unknown"
}

// ParseMode maps a configuration name onto a Mode.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeSlow, ModeFast, ModeNormal, ModeFiltered} {
		if m.String() == s {
			return m, true
		}
	}
	return ModeNormal, false
}

// ConversionTime is the worst case time for a full cell conversion of all 18 channels in the given mode.
func ConversionTime(m Mode) time.Duration {
	switch m {
	case ModeFast:
		return 2 * time.Millisecond
	case ModeNormal:
		return 4 * time.Millisecond
	case ModeSlow:
		return 16 * time.Millisecond
	default:
		return 300 * time.Millisecond
	}
}

type group struct {
	name string
	code uint16
}

var cellGroups = [...]group{
	{"CVA", RDCVA}, {"CVB", RDCVB}, {"CVC", RDCVC},
	{"CVD", RDCVD}, {"CVE", RDCVE}, {"CVF", RDCVF},
}

var auxGroups = [...]group{
	{"AUXA", RDAUXA}, {"AUXB", RDAUXB}, {"AUXC", RDAUXC}, {"AUXD", RDAUXD},
}
