package tp

import (
	"context"
	"time"
)

// Poller ticks a Link in the background until stopped.
type Poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPolling ticks the Link every interval on its own goroutine. The task
// ends when ctx is cancelled or Stop is called.
func (l *Link) StartPolling(ctx context.Context, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		l.logLocked(LogDebug, "polling started")
		for {
			select {
			case <-ctx.Done():
				l.logLocked(LogDebug, "polling stopped")
				return
			case <-ticker.C:
				l.Tick()
			}
		}
	}()
	return p
}

// Stop cancels the task and waits for it to exit.
func (p *Poller) Stop() {
	p.cancel()
	<-p.done
}

// Done is closed once the task has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (l *Link) logLocked(level LogLevel, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log(level, msg)
}
