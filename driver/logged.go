package driver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/SimonCahill/isotpp/tp"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

var (
	idColor   = color.New(color.FgHiBlue).SprintfFunc()
	txColor   = color.New(color.FgYellow).SprintfFunc()
	rxColor   = color.New(color.FgGreen).SprintfFunc()
	failColor = color.New(color.FgRed).SprintfFunc()
)

// FormatFrame renders one CAN frame with its decoded ISO-TP meaning.
func FormatFrame(dir tp.Direction, id tp.CanID, data []byte) string {
	var out strings.Builder
	if dir == tp.Outbound {
		out.WriteString(txColor("%s", dir))
	} else {
		out.WriteString(rxColor("%s", dir))
	}
	out.WriteString(" " + idColor("%s", id))
	out.WriteString(fmt.Sprintf(" [%d] % X", len(data), data))

	f, err := tp.DecodeBytes(data)
	if err != nil {
		out.WriteString(" " + failColor("%v", err))
		return out.String()
	}
	out.WriteString(fmt.Sprintf(" %v", f))
	return out.String()
}

// LoggedDriver logs every frame passing through the wrapped driver.
type LoggedDriver struct {
	CANDriver
	log   *logrus.Entry
	level logrus.Level
	rx    chan Message
	once  sync.Once
}

func NewLoggedDriver(d CANDriver, log *logrus.Entry, level logrus.Level) *LoggedDriver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LoggedDriver{
		CANDriver: d,
		log:       log,
		level:     level,
		rx:        make(chan Message, RxChannelBufferSize),
	}
}

func (l *LoggedDriver) Start() {
	l.CANDriver.Start()
	l.once.Do(func() {
		go l.forward(l.CANDriver.RxChan())
	})
}

func (l *LoggedDriver) forward(in <-chan Message) {
	defer close(l.rx)
	for msg := range in {
		l.log.Log(l.level, FormatFrame(tp.Inbound, msg.ID, msg.Payload()))
		l.rx <- msg
	}
}

func (l *LoggedDriver) Write(id tp.CanID, data []byte) error {
	if err := l.CANDriver.Write(id, data); err != nil {
		l.log.WithError(err).Warn(FormatFrame(tp.Outbound, id, data))
		return err
	}
	l.log.Log(l.level, FormatFrame(tp.Outbound, id, data))
	return nil
}

func (l *LoggedDriver) RxChan() <-chan Message { return l.rx }
