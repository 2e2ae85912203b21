package canbus

import (
	"context"
	"encoding/binary"
	"time"

	"BatteryManager6813/fsm"
	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"
)

// IDs are the CAN identifiers used by the BMS.
type IDs struct {
	Event   uint32 `yaml:"event"`
	Status  uint32 `yaml:"status"`
	Cells   uint32 `yaml:"cells"`
	Command uint32 `yaml:"command"`
}

func DefaultIDs() IDs {
	return IDs{Event: 0x620, Status: 0x621, Cells: 0x622, Command: 0x628}
}

// Publisher is satisfied by *can.Bus.
type Publisher interface {
	Publish(frame can.Frame) error
}

// Event codes in byte 0 of the event frame
var eventCodes = map[string]byte{
	fsm.OutInit:      1,
	fsm.OutTSOff:     2,
	fsm.OutPrecharge: 3,
	fsm.OutTSOn:      4,
	fsm.OutTSCharge:  5,
	fsm.OutFault:     6,
}

// Command codes in byte 0 of the command frame
const (
	CmdCloseTS       = 1
	CmdOpenTS        = 2
	CmdCloseTSCharge = 3
	CmdReinit        = 4
)

var commands = map[byte]fsm.Event{
	CmdCloseTS:       fsm.CloseTS,
	CmdOpenTS:        fsm.OpenTS,
	CmdCloseTSCharge: fsm.CloseTSCharge,
	CmdReinit:        fsm.Reinit,
}

// Status is the content of the periodic status frames.
type Status struct {
	PackMillivolts uint32
	Current        int32 // mA
	MaxTemperature int16 // 0.01 C
	MinVoltage     uint16
	MaxVoltage     uint16 // 100uV
	MinCell        int
	MaxCell        int
	State          fsm.State
	Fatal          bool
	Balancing      bool
}

func packFrame(id uint32, data []byte) can.Frame {
	var frameData [8]byte
	copy(frameData[:], data)
	return can.Frame{
		ID:     id,
		Length: uint8(len(data)),
		Data:   frameData,
	}
}

/*
EventFrame encodes a transition: event code, from state, to state, fault kind and the faulting
subject big endian. The fault fields are 0xFF and zero for transitions that are not faults.
*/
func EventFrame(id uint32, o fsm.Outbound) can.Frame {
	data := make([]byte, 6)
	data[0] = eventCodes[o.Name]
	data[1] = byte(o.From)
	data[2] = byte(o.To)
	data[3] = 0xFF
	if o.IsFault() {
		data[3] = byte(o.Kind)
		binary.BigEndian.PutUint16(data[4:], uint16(o.Subject))
	}
	return packFrame(id, data)
}

/*
StatusFrame carries the pack voltage in 0.1V, current in 0.1A and the hottest cell in 0.1C, all big
endian, then the state and a flag byte (bit 0 fatal, bit 1 balancing).
*/
func StatusFrame(id uint32, s Status) can.Frame {
	data := make([]byte, 8)
	binary.BigEndian.PutUint16(data[0:], uint16(s.PackMillivolts/100))
	binary.BigEndian.PutUint16(data[2:], uint16(int16(s.Current/100)))
	binary.BigEndian.PutUint16(data[4:], uint16(s.MaxTemperature/10))
	data[6] = byte(s.State)
	if s.Fatal {
		data[7] |= 0x01
	}
	if s.Balancing {
		data[7] |= 0x02
	}
	return packFrame(id, data)
}

// CellsFrame carries the lowest and highest cell in mV and their indices.
func CellsFrame(id uint32, s Status) can.Frame {
	data := make([]byte, 6)
	binary.BigEndian.PutUint16(data[0:], s.MinVoltage/10)
	binary.BigEndian.PutUint16(data[2:], s.MaxVoltage/10)
	data[4] = cellIndex(s.MinCell)
	data[5] = cellIndex(s.MaxCell)
	return packFrame(id, data)
}

func cellIndex(i int) byte {
	if i < 0 || i > 0xFE {
		return 0xFF
	}
	return byte(i)
}

// ParseCommand decodes an inbound command frame.
func ParseCommand(frm can.Frame) (fsm.Event, bool) {
	if frm.Length < 1 {
		return 0, false
	}
	e, ok := commands[frm.Data[0]]
	return e, ok
}

// payload is the used part of the frame data. Length is not trusted beyond the data array.
func payload(frm can.Frame) []byte {
	n := int(frm.Length)
	if n > len(frm.Data) {
		n = len(frm.Data)
	}
	return frm.Data[:n]
}

/*
Node publishes transition events and the status heartbeat and turns command frames into state
machine events. Events are queued so the control loop never waits on the bus.
*/
type Node struct {
	pub     Publisher
	ids     IDs
	events  chan fsm.Outbound
	onEvent func(fsm.Event)
}

func NewNode(pub Publisher, ids IDs, onCommand func(fsm.Event)) *Node {
	return &Node{pub: pub, ids: ids, events: make(chan fsm.Outbound, 16), onEvent: onCommand}
}

// Emit queues a transition for publishing. It drops the event if the queue is full.
func (n *Node) Emit(o fsm.Outbound) {
	select {
	case n.events <- o:
	default:
		log.WithField("event", o.Name).Warn("CAN event queue full, dropping")
	}
}

// HandleFrame is subscribed to the bus for inbound frames.
func (n *Node) HandleFrame(frm can.Frame) {
	if frm.ID != n.ids.Command {
		return
	}
	e, ok := ParseCommand(frm)
	if !ok {
		log.WithField("data", payload(frm)).Warn("Unknown CAN command")
		return
	}
	log.WithField("event", e).Info("CAN command")
	if n.onEvent != nil {
		n.onEvent(e)
	}
}

func (n *Node) publish(frm can.Frame) {
	if err := n.pub.Publish(frm); err != nil {
		log.WithFields(log.Fields{"id": frm.ID, "error": err}).Warn("CAN publish failed")
	}
}

// PublishStatus sends the status and cell frames.
func (n *Node) PublishStatus(s Status) {
	n.publish(StatusFrame(n.ids.Status, s))
	n.publish(CellsFrame(n.ids.Cells, s))
}

/*
Run publishes queued events as they arrive and the status frames once a second until ctx is
done.
*/
func (n *Node) Run(ctx context.Context, status func() Status) {
	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-n.events:
			n.publish(EventFrame(n.ids.Event, o))
		case <-heartbeat.C:
			if status != nil {
				n.PublishStatus(status())
			}
		}
	}
}
