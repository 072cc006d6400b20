package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/SimonCahill/isotpp/tp"
)

var (
	ErrNotRunning   = errors.New("设备未启动")
	ErrDroppedFrame = errors.New("接收通道已满, 丢弃报文")
	ErrDriverClosed = errors.New("driver receive channel closed")
	ErrInvalidFrame = errors.New("invalid CAN frame")
)

// Message 是在 channel 中传递的经典 CAN 报文
type Message struct {
	ID   tp.CanID
	DLC  byte
	Data [8]byte
}

// NewMessage 复制 data, 最多 8 字节
func NewMessage(id tp.CanID, data []byte) (Message, error) {
	if len(data) > 8 {
		return Message{}, fmt.Errorf("%w: DLC %d", ErrInvalidFrame, len(data))
	}
	m := Message{ID: id, DLC: byte(len(data))}
	copy(m.Data[:], data)
	return m, nil
}

// Payload 返回按 DLC 截取的数据
func (m Message) Payload() []byte {
	n := int(m.DLC)
	if n > len(m.Data) {
		n = len(m.Data)
	}
	return m.Data[:n]
}

func (m Message) String() string {
	return fmt.Sprintf("%s [%d] % X", m.ID, m.DLC, m.Payload())
}

// CANDriver 定义了 CAN 驱动的统一接口
type CANDriver interface {
	Init() error
	Start()
	Stop()
	Write(id tp.CanID, data []byte) error
	RxChan() <-chan Message
	Context() context.Context
}
