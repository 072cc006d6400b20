package driver

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/SimonCahill/isotpp/tp"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var slcanBitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

// SLCAN drives a Lawicel/CANable style adapter over a serial line.
type SLCAN struct {
	mu      sync.Mutex
	port    io.ReadWriteCloser
	bitrate int
	rxChan  chan Message
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	log     *logrus.Entry
}

// OpenSLCAN opens a serial port and wraps it as an SLCAN driver.
func OpenSLCAN(portName string, baudrate, bitrate int, log *logrus.Entry) (*SLCAN, error) {
	if _, ok := slcanBitrates[bitrate]; !ok {
		return nil, fmt.Errorf("unsupported CAN bitrate %d", bitrate)
	}
	mode := &serial.Mode{
		BaudRate: baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open com port %q: %w", portName, err)
	}
	if err := p.SetReadTimeout(10 * time.Millisecond); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	_ = p.ResetInputBuffer()
	_ = p.ResetOutputBuffer()
	return NewSLCAN(p, bitrate, log), nil
}

// NewSLCAN wraps an already open port.
func NewSLCAN(port io.ReadWriteCloser, bitrate int, log *logrus.Entry) *SLCAN {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SLCAN{
		port:    port,
		bitrate: bitrate,
		rxChan:  make(chan Message, RxChannelBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     log.WithField("driver", "slcan"),
	}
}

// Init closes any open channel, sets the bitrate and opens the channel.
func (sl *SLCAN) Init() error {
	cmd, ok := slcanBitrates[sl.bitrate]
	if !ok {
		return fmt.Errorf("unsupported CAN bitrate %d", sl.bitrate)
	}
	for _, c := range []string{"C", cmd, "O"} {
		if err := sl.command(c); err != nil {
			return err
		}
	}
	return nil
}

func (sl *SLCAN) command(c string) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if _, err := sl.port.Write([]byte(c + "\r")); err != nil {
		return fmt.Errorf("failed to write %q to com port: %w", c, err)
	}
	return nil
}

func (sl *SLCAN) Start() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.running || sl.ctx.Err() != nil {
		return
	}
	sl.running = true
	go sl.recvManager()
}

func (sl *SLCAN) Stop() {
	sl.mu.Lock()
	if !sl.running {
		sl.mu.Unlock()
		return
	}
	sl.running = false
	sl.cancel()
	if _, err := sl.port.Write([]byte("C\r")); err != nil {
		sl.log.WithError(err).Debug("close command failed")
	}
	sl.mu.Unlock()

	if err := sl.port.Close(); err != nil {
		sl.log.WithError(err).Debug("port close failed")
	}
	<-sl.done
}

func (sl *SLCAN) Write(id tp.CanID, data []byte) error {
	line, err := EncodeSLCANFrame(id, data)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.running {
		return ErrNotRunning
	}
	if _, err := sl.port.Write(line); err != nil {
		return fmt.Errorf("failed to write to com port: %w", err)
	}
	sl.log.Trace(">> " + string(bytes.TrimSuffix(line, []byte("\r"))))
	return nil
}

func (sl *SLCAN) RxChan() <-chan Message { return sl.rxChan }

func (sl *SLCAN) Context() context.Context { return sl.ctx }

func (sl *SLCAN) recvManager() {
	defer close(sl.done)
	defer close(sl.rxChan)

	buff := bytes.NewBuffer(nil)
	readBuffer := make([]byte, 64)
	for {
		n, err := sl.port.Read(readBuffer)
		if sl.ctx.Err() != nil {
			return
		}
		if err != nil {
			sl.log.WithError(err).Error("failed to read com port")
			return
		}
		for _, b := range readBuffer[:n] {
			if b != '\r' {
				buff.WriteByte(b)
				continue
			}
			sl.handleLine(buff.Bytes())
			buff.Reset()
		}
	}
}

func (sl *SLCAN) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}
	switch line[0] {
	case 't', 'T':
		msg, err := DecodeSLCANFrame(line)
		if err != nil {
			sl.log.WithError(err).Warnf("failed to decode frame %q", line)
			return
		}
		select {
		case sl.rxChan <- msg:
		default:
			sl.log.Warn(ErrDroppedFrame.Error())
		}
	case 'z', 'Z':
		// transmit acknowledgement
	case 0x07:
		sl.log.Warn("adapter rejected last command")
	default:
		sl.log.Debugf("<< %q", line)
	}
}

// EncodeSLCANFrame renders a data frame as an SLCAN transmit command.
func EncodeSLCANFrame(id tp.CanID, data []byte) ([]byte, error) {
	if len(data) > 8 {
		return nil, fmt.Errorf("%w: DLC %d", ErrInvalidFrame, len(data))
	}
	var line string
	if id.IsExtended() {
		line = fmt.Sprintf("T%08X%d", id.Extended(), len(data))
	} else {
		line = fmt.Sprintf("t%03X%d", id.Standard(), len(data))
	}
	return []byte(line + fmt.Sprintf("%X", data) + "\r"), nil
}

// DecodeSLCANFrame parses a received t/T line without its terminator.
func DecodeSLCANFrame(line []byte) (Message, error) {
	if len(line) == 0 {
		return Message{}, ErrInvalidFrame
	}
	idLen := 3
	if line[0] == 'T' {
		idLen = 8
	} else if line[0] != 't' {
		return Message{}, fmt.Errorf("%w: not a data frame", ErrInvalidFrame)
	}
	if len(line) < 1+idLen+1 {
		return Message{}, fmt.Errorf("%w: line too short", ErrInvalidFrame)
	}
	raw, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return Message{}, fmt.Errorf("failed to decode identifier: %w", err)
	}
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > 8 {
		return Message{}, fmt.Errorf("%w: DLC %q", ErrInvalidFrame, line[1+idLen])
	}
	body := line[2+idLen:]
	if len(body) < dlc*2 {
		return Message{}, fmt.Errorf("%w: expected %d data bytes", ErrInvalidFrame, dlc)
	}
	// some adapters append a timestamp after the data
	data, err := hex.DecodeString(string(body[:dlc*2]))
	if err != nil {
		return Message{}, fmt.Errorf("failed to decode frame body: %w", err)
	}

	id := tp.StandardID(uint32(raw))
	if idLen == 8 {
		id = tp.ExtendedID(uint32(raw))
	}
	return NewMessage(id, data)
}
