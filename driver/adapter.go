package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SimonCahill/isotpp/tp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Adapter 连接 tp.Link 与 CAN 硬件
type Adapter struct {
	driver CANDriver
	log    *logrus.Entry
}

// NewAdapter initialises and starts dev.
func NewAdapter(dev CANDriver, log *logrus.Entry) (*Adapter, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize CAN device: %w", err)
	}
	dev.Start()
	log.Debug("adapter created and device started")
	return &Adapter{driver: dev, log: log}, nil
}

// Close 用于停止驱动并释放资源
func (a *Adapter) Close() {
	a.log.Debug("closing adapter")
	a.driver.Stop()
}

// SendFunc 符合 tp.SendFunc 签名, 总是发送完整 8 字节
func (a *Adapter) SendFunc() tp.SendFunc {
	return func(id tp.CanID, p tp.Payload) error {
		return a.driver.Write(id, p[:])
	}
}

// Serve feeds frames from the device into link and ticks it every
// pollInterval until ctx is cancelled or the device stops.
func (a *Adapter) Serve(ctx context.Context, link *tp.Link, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = PollingInterval
	}
	g, ctx := errgroup.WithContext(ctx)
	rx := a.driver.RxChan()

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-rx:
				if !ok {
					return ErrDriverClosed
				}
				if err := link.ReceiveFrom(msg.ID, msg.Payload()); err != nil {
					a.log.WithError(err).WithField("frame", msg.String()).Debug("frame not accepted")
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				link.Tick()
			}
		}
	})

	return g.Wait()
}
