package tp

import (
	"fmt"
	"sync"
	"time"
)

// SendFunc puts one CAN payload on the bus.
type SendFunc func(id CanID, payload Payload) error

// Clock returns the current monotonic time.
type Clock func() time.Time

// Direction tells a FrameObserver which way a frame travelled.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "TX"
	}
	return "RX"
}

// Handlers and observers run outside the Link lock, one at a time and in the
// order their events happened, whichever goroutine drove the Link.
type (
	// ReceiveHandler is called with every fully reassembled payload.
	ReceiveHandler func(data []byte)
	// TransmitHandler is called when a transfer ends; err is nil on success.
	TransmitHandler func(err error)
	// ErrorHandler is called when a receive session is abandoned.
	ErrorHandler func(err error)
	// FrameObserver sees every frame emitted or accepted by the Link.
	FrameObserver func(dir Direction, id CanID, f Frame)
)

type Option func(l *Link) error

func WithConfig(cfg Config) Option {
	return func(l *Link) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		l.cfg = cfg
		return nil
	}
}

func WithClock(clock Clock) Option {
	return func(l *Link) error {
		if clock == nil {
			return InvalidConfigError{NewIsoTpError("clock must not be nil")}
		}
		l.clock = clock
		return nil
	}
}

func WithLogger(log LogFunc) Option {
	return func(l *Link) error {
		if log != nil {
			l.log = log
		}
		return nil
	}
}

func WithReceiveHandler(h ReceiveHandler) Option {
	return func(l *Link) error {
		l.onReceive = h
		return nil
	}
}

func WithTransmitHandler(h TransmitHandler) Option {
	return func(l *Link) error {
		l.onTransmit = h
		return nil
	}
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(l *Link) error {
		l.onError = h
		return nil
	}
}

func WithFrameObserver(o FrameObserver) Option {
	return func(l *Link) error {
		l.observer = o
		return nil
	}
}

// Link binds one transmit and one receive session to a pair of CAN
// identifiers. All methods are safe for concurrent use.
type Link struct {
	mu sync.Mutex

	txID CanID
	rxID CanID

	cfg   Config
	codec Codec
	send  SendFunc
	clock Clock
	log   LogFunc

	onReceive  ReceiveHandler
	onTransmit TransmitHandler
	onError    ErrorHandler
	observer   FrameObserver

	tx *txSession
	rx *rxSession

	// callbacks run after mu is released, by one goroutine at a time
	pending  *SafeQueue[func()]
	draining sync.Mutex
	stats   Statistics
}

// NewLink creates a Link transmitting on txID and accepting frames on rxID.
func NewLink(txID, rxID CanID, send SendFunc, opts ...Option) (*Link, error) {
	if send == nil {
		return nil, InvalidConfigError{NewIsoTpError("send function must not be nil")}
	}
	l := &Link{
		txID:    txID,
		rxID:    rxID,
		cfg:     DefaultConfig(),
		send:    send,
		clock:   time.Now,
		log:     discardLog,
		pending: NewSafeQueue[func()](),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	l.codec = NewCodec(l.cfg.Padding)
	l.tx = newTxSession(&l.cfg, l.emit, l.transmitDone)
	l.rx = newRxSession(&l.cfg, txID, l.emit, l.received, l.receiveFailed)
	return l, nil
}

func (l *Link) TxID() CanID    { return l.txID }
func (l *Link) RxID() CanID    { return l.rxID }
func (l *Link) Config() Config { return l.cfg }

// Accepts reports whether frames with this identifier belong to the Link.
func (l *Link) Accepts(id CanID) bool {
	return l.rxID.Matches(id)
}

// Send starts transmitting payload on the Link's transmit identifier.
func (l *Link) Send(payload []byte) error {
	return l.SendTo(l.txID, payload)
}

// SendTo transmits payload on id instead of the bound transmit identifier.
func (l *Link) SendTo(id CanID, payload []byte) error {
	l.mu.Lock()
	err := l.tx.start(id, payload, l.clock())
	if err != nil {
		l.stats.rejected.Add(1)
		l.log(LogWarning, fmt.Sprintf("send of %d bytes to %s rejected: %v", len(payload), id, err))
	} else {
		l.log(LogDebug, fmt.Sprintf("send of %d bytes to %s started", len(payload), id))
	}
	l.mu.Unlock()
	l.flush()
	return err
}

// Receive feeds one CAN data field of 1 to 8 bytes to the Link. The number of
// bytes present is taken as the frame's DLC.
func (l *Link) Receive(data []byte) error {
	return l.receiveFrom(l.rxID, data)
}

// ReceiveFrom is Receive for frames read off a shared bus. Frames addressed
// elsewhere are ignored.
func (l *Link) ReceiveFrom(id CanID, data []byte) error {
	if !l.Accepts(id) {
		return nil
	}
	return l.receiveFrom(id, data)
}

func (l *Link) receiveFrom(id CanID, data []byte) error {
	l.mu.Lock()
	err := l.receive(id, data, l.clock())
	l.mu.Unlock()
	l.flush()
	return err
}

func (l *Link) receive(id CanID, data []byte, now time.Time) error {
	frame, err := DecodeBytes(data)
	if err != nil {
		l.stats.rejected.Add(1)
		l.log(LogWarning, fmt.Sprintf("dropping frame [% X]: %v", data, err))
		return err
	}
	l.stats.rxFrames.Add(1)
	l.observe(Inbound, id, frame)

	switch f := frame.(type) {
	case FlowControlFrame:
		err = l.tx.onFlowControl(f, now)
	case SingleFrame:
		err = l.rx.onSingleFrame(f)
	case FirstFrame:
		err = l.rx.onFirstFrame(f, now)
	case ConsecutiveFrame:
		err = l.rx.onConsecutiveFrame(f, now)
	}
	if err != nil {
		switch CodeOf(err) {
		case BufferFull:
			l.stats.overflows.Add(1)
		case InvalidLength:
			l.stats.rejected.Add(1)
		}
		l.log(LogWarning, fmt.Sprintf("%s not accepted: %v", frame.Type(), err))
	}
	return err
}

// Poll advances timeouts and pacing for both sessions to now.
func (l *Link) Poll(now time.Time) {
	l.mu.Lock()
	l.tx.poll(now)
	l.rx.poll(now)
	l.mu.Unlock()
	l.flush()
}

// Tick polls with the Link's clock.
func (l *Link) Tick() {
	l.Poll(l.clock())
}

// AbortTransmit cancels the active transfer. It reports false if there was none.
func (l *Link) AbortTransmit() bool {
	l.mu.Lock()
	ok := l.tx.abort()
	l.mu.Unlock()
	l.flush()
	return ok
}

func (l *Link) TxState() TxState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tx.state
}

func (l *Link) RxState() RxState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rx.state
}

// Busy reports whether a transmission is in flight.
func (l *Link) Busy() bool {
	return l.TxState().Active()
}

func (l *Link) Stats() StatsSnapshot {
	return l.stats.Snapshot()
}

func (l *Link) ResetStats() {
	l.stats.Reset()
}

// emit encodes f and hands it to the send function. Called with mu held.
func (l *Link) emit(id CanID, f Frame) error {
	p, err := l.codec.Encode(f)
	if err != nil {
		return err
	}
	if err := l.send(id, p); err != nil {
		l.log(LogError, fmt.Sprintf("send of %s to %s failed: %v", f.Type(), id, err))
		return err
	}
	l.stats.txFrames.Add(1)
	l.observe(Outbound, id, f)
	return nil
}

func (l *Link) observe(dir Direction, id CanID, f Frame) {
	if l.observer == nil {
		return
	}
	o := l.observer
	l.pending.Push(func() { o(dir, id, f) })
}

func (l *Link) transmitDone(err error) {
	if err != nil {
		l.stats.recordFailure(err)
		l.log(LogError, fmt.Sprintf("transmission %s: %v", CodeOf(err), err))
	} else {
		l.stats.txMessages.Add(1)
		l.log(LogOkay, "transmission complete")
	}
	if h := l.onTransmit; h != nil {
		l.pending.Push(func() { h(err) })
	}
}

func (l *Link) received(data []byte) {
	l.stats.rxMessages.Add(1)
	l.log(LogInfo, fmt.Sprintf("received %d bytes", len(data)))
	if h := l.onReceive; h != nil {
		l.pending.Push(func() { h(data) })
	}
}

func (l *Link) receiveFailed(err error) {
	l.stats.recordFailure(err)
	l.log(LogError, fmt.Sprintf("reception %s: %v", CodeOf(err), err))
	if h := l.onError; h != nil {
		l.pending.Push(func() { h(err) })
	}
}

// flush runs queued callbacks outside the lock so handlers may call back
// into the Link. Only one goroutine drains at a time; the others leave their
// callbacks to it. A call made from inside a handler returns at once and its
// callbacks run when the handler returns.
func (l *Link) flush() {
	for l.pending.Len() > 0 {
		if !l.draining.TryLock() {
			return
		}
		for {
			fn, ok := l.pending.Pop()
			if !ok {
				break
			}
			fn()
		}
		l.draining.Unlock()
	}
}
