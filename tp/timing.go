package tp

import "time"

// Timer tracks a deadline against caller-supplied timestamps. It never reads
// the wall clock itself.
type Timer struct {
	deadline time.Time
	timeout  time.Duration
	running  bool
}

func NewTimer(timeout time.Duration) *Timer {
	return &Timer{timeout: timeout}
}

func (t *Timer) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}

// Start arms the timer at now.
func (t *Timer) Start(now time.Time) {
	t.deadline = now.Add(t.timeout)
	t.running = true
}

func (t *Timer) Stop() {
	t.running = false
	t.deadline = time.Time{}
}

func (t *Timer) IsStopped() bool {
	return !t.running
}

// IsTimedOut reports whether now is past the deadline of a running timer.
func (t *Timer) IsTimedOut(now time.Time) bool {
	if !t.running {
		return false
	}
	return now.After(t.deadline)
}

func (t *Timer) Remaining(now time.Time) time.Duration {
	if !t.running {
		return 0
	}
	if d := t.deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// pacer enforces the minimum separation between consecutive frames.
type pacer struct {
	interval time.Duration
	last     time.Time
	armed    bool
}

func (p *pacer) setInterval(d time.Duration) {
	p.interval = d
}

// mark records that a frame went out at now.
func (p *pacer) mark(now time.Time) {
	p.last = now
	p.armed = true
}

func (p *pacer) reset() {
	p.armed = false
	p.last = time.Time{}
}

// ready reports whether the next frame may be sent at now.
func (p *pacer) ready(now time.Time) bool {
	if !p.armed || p.interval <= 0 {
		return true
	}
	return !now.Before(p.last.Add(p.interval))
}

// blockCounter counts frames left in the current block. Size 0 is unlimited.
type blockCounter struct {
	size      uint8
	remaining int
}

func (b *blockCounter) load(size uint8) {
	b.size = size
	b.remaining = int(size)
}

func (b *blockCounter) reload() {
	b.remaining = int(b.size)
}

func (b *blockCounter) consume() {
	if b.size != 0 && b.remaining > 0 {
		b.remaining--
	}
}

func (b *blockCounter) exhausted() bool {
	return b.size != 0 && b.remaining == 0
}

// nextSequenceNumber advances a sequence number through 1..15, never 0.
func nextSequenceNumber(sn uint8) uint8 {
	return sn%15 + 1
}
