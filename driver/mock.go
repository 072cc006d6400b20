package driver

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/SimonCahill/isotpp/tp"
	"github.com/sirupsen/logrus"
)

// 缓冲区配置常量
const (
	RxChannelBufferSize = 1024
	PollingInterval     = time.Millisecond
)

// MockCAN 是虚拟 CAN 驱动实现
// 用于开发和测试，不依赖实际硬件
type MockCAN struct {
	mu        sync.Mutex
	rxChan    chan Message
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	log       *logrus.Entry
	writeLog  []WriteRecord  // 记录写入的数据
	responses []MockResponse // 预设的自动响应
}

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	ID        tp.CanID
	Data      []byte
	Timestamp time.Time
}

// MockResponse 定义预设的自动响应
type MockResponse struct {
	TriggerID   tp.CanID      // 触发响应的请求 ID
	ResponseID  tp.CanID      // 响应的 ID
	TriggerData []byte        // 触发响应的数据前缀 (可选)
	Response    []byte        // 响应数据
	Delay       time.Duration // 响应延迟
}

// NewMockCAN 创建一个新的虚拟 CAN 设备实例
func NewMockCAN(log *logrus.Entry) *MockCAN {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MockCAN{
		rxChan: make(chan Message, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
		log:    log.WithField("driver", "mock"),
	}
}

// Init 初始化虚拟设备 (总是成功)
func (c *MockCAN) Init() error {
	c.log.Debug("CAN 设备初始化成功 (虚拟模式)")
	return nil
}

func (c *MockCAN) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.ctx.Err() != nil {
		return
	}
	c.running = true
	c.log.Debug("CAN 设备已启动 (虚拟模式)")
}

func (c *MockCAN) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	c.cancel()
	close(c.rxChan)
	c.log.Debug("CAN 设备已停止")
}

// Write 写入数据到虚拟设备, 命中预设响应时异步注入应答
func (c *MockCAN) Write(id tp.CanID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return ErrNotRunning
	}
	if len(data) > 8 {
		return ErrInvalidFrame
	}

	c.writeLog = append(c.writeLog, WriteRecord{
		ID:        id,
		Data:      append([]byte{}, data...),
		Timestamp: time.Now(),
	})
	c.log.Debugf("TX CAN: ID=%s, DLC=%02d, Data=% 02X", id, len(data), data)

	for _, resp := range c.responses {
		if !resp.TriggerID.Matches(id) || !bytes.HasPrefix(data, resp.TriggerData) {
			continue
		}
		go func(r MockResponse) {
			time.Sleep(r.Delay)
			if err := c.InjectMessage(r.ResponseID, r.Response); err != nil {
				c.log.WithError(err).Warn("自动响应注入失败")
			}
		}(resp)
	}
	return nil
}

func (c *MockCAN) RxChan() <-chan Message {
	return c.rxChan
}

func (c *MockCAN) Context() context.Context {
	return c.ctx
}

// InjectMessage 向接收通道注入一条消息 (模拟接收)
func (c *MockCAN) InjectMessage(id tp.CanID, data []byte) error {
	msg, err := NewMessage(id, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	select {
	case c.rxChan <- msg:
		c.log.Debugf("RX CAN: ID=%s, DLC=%02d, Data=% 02X", id, len(data), data)
		return nil
	default:
		return ErrDroppedFrame
	}
}

// AddResponse 添加一个预设响应
func (c *MockCAN) AddResponse(r MockResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, r)
}

func (c *MockCAN) ClearResponses() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = nil
}

// WriteLog 获取写入日志
func (c *MockCAN) WriteLog() []WriteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WriteRecord{}, c.writeLog...)
}

func (c *MockCAN) ClearWriteLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLog = nil
}

func (c *MockCAN) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
