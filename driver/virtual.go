package driver

import (
	"context"
	"sync"

	"github.com/SimonCahill/isotpp/tp"
	"github.com/sirupsen/logrus"
)

// VirtualBus 是内存中的 CAN 总线, 每个节点写入的报文会送达其它所有节点
type VirtualBus struct {
	mu    sync.Mutex
	nodes []*VirtualNode
	log   *logrus.Entry
}

func NewVirtualBus(log *logrus.Entry) *VirtualBus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &VirtualBus{log: log.WithField("driver", "virtual")}
}

// Node attaches a new CANDriver to the bus.
func (b *VirtualBus) Node(name string) *VirtualNode {
	ctx, cancel := context.WithCancel(context.Background())
	n := &VirtualNode{
		bus:    b,
		name:   name,
		rxChan: make(chan Message, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

func (b *VirtualBus) broadcast(from *VirtualNode, msg Message) {
	b.mu.Lock()
	nodes := append([]*VirtualNode(nil), b.nodes...)
	b.mu.Unlock()

	for _, n := range nodes {
		if n == from {
			continue
		}
		if err := n.deliver(msg); err != nil && err != ErrNotRunning {
			b.log.WithField("node", n.name).WithError(err).Warn("报文丢弃")
		}
	}
}

// VirtualNode is one endpoint on a VirtualBus.
type VirtualNode struct {
	bus     *VirtualBus
	name    string
	mu      sync.Mutex
	rxChan  chan Message
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

func (n *VirtualNode) Name() string { return n.name }

func (n *VirtualNode) Init() error { return nil }

func (n *VirtualNode) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx.Err() == nil {
		n.running = true
	}
}

func (n *VirtualNode) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false
	n.cancel()
	close(n.rxChan)
}

func (n *VirtualNode) Write(id tp.CanID, data []byte) error {
	msg, err := NewMessage(id, data)
	if err != nil {
		return err
	}
	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	n.bus.broadcast(n, msg)
	return nil
}

func (n *VirtualNode) deliver(msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return ErrNotRunning
	}
	select {
	case n.rxChan <- msg:
		return nil
	default:
		return ErrDroppedFrame
	}
}

func (n *VirtualNode) RxChan() <-chan Message { return n.rxChan }

func (n *VirtualNode) Context() context.Context { return n.ctx }
