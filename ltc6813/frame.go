package ltc6813

import "encoding/binary"

const (
	commandSize  = 4
	registerSize = 6
	blockSize    = registerSize + 2
)

// Register holds the six data bytes of one register group on one device.
type Register [registerSize]byte

// Word returns the little endian 16 bit value at word index i (0..2).
func (r Register) Word(i int) uint16 {
	return binary.LittleEndian.Uint16(r[2*i:])
}

// Command is a two byte command code followed by its PEC, both big endian.
type Command [commandSize]byte

// NewCommand encodes code and appends the PEC.
func NewCommand(code uint16) Command {
	var c Command
	binary.BigEndian.PutUint16(c[0:2], code)
	binary.BigEndian.PutUint16(c[2:4], PEC15(c[0:2]))
	return c
}

func (c Command) Code() uint16 {
	return binary.BigEndian.Uint16(c[0:2])
}

// Valid reports whether the trailing PEC matches the command code.
func (c Command) Valid() bool {
	return binary.BigEndian.Uint16(c[2:4]) == PEC15(c[0:2])
}

// Block is the per device payload: a register image followed by its PEC.
type Block [blockSize]byte

func NewBlock(r Register) Block {
	var b Block
	copy(b[:registerSize], r[:])
	binary.BigEndian.PutUint16(b[registerSize:], PEC15(r[:]))
	return b
}

func (b Block) Register() Register {
	var r Register
	copy(r[:], b[:registerSize])
	return r
}

func (b Block) PEC() uint16 {
	return binary.BigEndian.Uint16(b[registerSize:])
}

func (b Block) Valid() bool {
	return b.PEC() == PEC15(b[:registerSize])
}

/*
Frame holds the transmit and receive buffers for one exchange with the chain: a command followed
by one block per device. The buffers are allocated once and reused for every exchange.
*/
type Frame struct {
	devices int
	tx      []byte
	rx      []byte
}

func NewFrame(devices int) *Frame {
	size := commandSize + devices*blockSize
	return &Frame{
		devices: devices,
		tx:      make([]byte, size),
		rx:      make([]byte, size),
	}
}

// Command prepares a bare command with no payload and returns the tx and rx slices to exchange.
func (f *Frame) Command(cmd Command) (tx, rx []byte) {
	copy(f.tx, cmd[:])
	return f.tx[:commandSize], f.rx[:commandSize]
}

// Poll prepares a command followed by a single status byte.
func (f *Frame) Poll(cmd Command) (tx, rx []byte) {
	copy(f.tx, cmd[:])
	f.tx[commandSize] = 0xFF
	f.rx[commandSize] = 0
	return f.tx[:commandSize+1], f.rx[:commandSize+1]
}

// Read prepares a read command. The payload is clocked out as all ones while the devices answer.
func (f *Frame) Read(cmd Command) (tx, rx []byte) {
	copy(f.tx, cmd[:])
	for i := commandSize; i < len(f.tx); i++ {
		f.tx[i] = 0xFF
	}
	for i := range f.rx {
		f.rx[i] = 0
	}
	return f.tx, f.rx
}

/*
Write prepares a write command carrying one register image per device. regs is indexed by chain
position; the first block shifted out ends up in the device furthest down the chain so the blocks
go out last device first.
*/
func (f *Frame) Write(cmd Command, regs []Register) (tx, rx []byte) {
	copy(f.tx, cmd[:])
	for k := 0; k < f.devices; k++ {
		blk := NewBlock(regs[f.devices-1-k])
		copy(f.tx[commandSize+k*blockSize:], blk[:])
	}
	return f.tx, f.rx
}

// Response returns the block received from the device at chain position device.
func (f *Frame) Response(device int) Block {
	var b Block
	copy(b[:], f.rx[commandSize+device*blockSize:])
	return b
}

// Status returns the byte received after a polled command.
func (f *Frame) Status() byte {
	return f.rx[commandSize]
}
