package tp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type wireFrame struct {
	ID      CanID
	Payload Payload
}

// wire queues frames so a Link never re-enters another Link while locked.
type wire struct {
	mu      sync.Mutex
	pending []wireFrame
	log     []wireFrame
	fail    error
}

func (w *wire) send(id CanID, p Payload) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.pending = append(w.pending, wireFrame{id, p})
	w.log = append(w.log, wireFrame{id, p})
	return nil
}

func (w *wire) pop() (wireFrame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return wireFrame{}, false
	}
	f := w.pending[0]
	w.pending = w.pending[1:]
	return f, true
}

// drain delivers queued frames to every link accepting them.
func (w *wire) drain(t *testing.T, links ...*Link) {
	t.Helper()
	for {
		f, ok := w.pop()
		if !ok {
			return
		}
		for _, l := range links {
			if l.Accepts(f.ID) {
				require.NoError(t, l.Receive(f.Payload[:]))
			}
		}
	}
}

func (w *wire) frames() []wireFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]wireFrame, len(w.log))
	copy(out, w.log)
	return out
}

// takePending removes queued frames without delivering them.
func (w *wire) takePending() []wireFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}

type recorder struct {
	mu       sync.Mutex
	received [][]byte
	txDone   []error
	rxErrors []error
}

func (r *recorder) options() []Option {
	return []Option{
		WithReceiveHandler(func(data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.received = append(r.received, data)
		}),
		WithTransmitHandler(func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.txDone = append(r.txDone, err)
		}),
		WithErrorHandler(func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rxErrors = append(r.rxErrors, err)
		}),
	}
}

func newLink(t *testing.T, txID, rxID CanID, w *wire, clock *fakeClock, cfg Config, rec *recorder) *Link {
	t.Helper()
	opts := append([]Option{WithConfig(cfg), WithClock(clock.Now)}, rec.options()...)
	l, err := NewLink(txID, rxID, w.send, opts...)
	require.NoError(t, err)
	return l
}

// newPair returns a tester link (0x7E0 -> 0x7E8) and an ECU link answering it.
func newPair(t *testing.T, senderCfg, receiverCfg Config) (*wire, *fakeClock, *Link, *recorder, *Link, *recorder) {
	w := &wire{}
	clock := newFakeClock()
	ra, rb := &recorder{}, &recorder{}
	a := newLink(t, 0x7E0, 0x7E8, w, clock, senderCfg, ra)
	b := newLink(t, 0x7E8, 0x7E0, w, clock, receiverCfg, rb)
	return w, clock, a, ra, b, rb
}

func sequence(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i + 1)
	}
	return out
}

func TestLink_NineByteExample(t *testing.T) {
	w := &wire{}
	clock := newFakeClock()
	ra, rb := &recorder{}, &recorder{}
	a := newLink(t, 0x123, 0x321, w, clock, DefaultConfig(), ra)
	b := newLink(t, 0x321, 0x123, w, clock, DefaultConfig(), rb)

	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}
	require.NoError(t, a.Send(payload))
	w.drain(t, a, b)

	assert.Equal(t, []wireFrame{
		{0x123, Payload{0x10, 0x09, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}},
		{0x321, pad(0x30, 0x00, 0x00)},
		{0x123, pad(0x21, 0x07, 0x08, 0x09)},
	}, w.frames())
	require.Len(t, rb.received, 1)
	assert.Equal(t, payload, rb.received[0])
	assert.Equal(t, []error{nil}, ra.txDone)
	assert.Equal(t, TxCompleted, a.TxState())
	assert.Equal(t, RxCompleted, b.RxState())
}

func TestLink_RoundTrip(t *testing.T) {
	lengths := []int{1, 2, 6, 7, 8, 13, 14, 20, 62, 63, 100, 255, 1000, 4094, 4095}
	for _, n := range lengths {
		w, _, a, ra, b, rb := newPair(t, DefaultConfig(), DefaultConfig())
		payload := sequence(n)
		require.NoError(t, a.Send(payload))
		w.drain(t, a, b)

		require.Len(t, rb.received, 1, "length %d", n)
		assert.Equal(t, payload, rb.received[0], "length %d", n)
		assert.Equal(t, []error{nil}, ra.txDone, "length %d", n)

		cfs := 0
		for _, f := range w.frames() {
			if f.ID == 0x7E0 && f.Payload[0]>>4 == byte(ConsecutiveFrameType) {
				cfs++
			}
		}
		if n <= 7 {
			assert.Zero(t, cfs)
		} else {
			assert.Equal(t, (n-6+6)/7, cfs, "length %d", n)
		}
	}
}

func TestLink_RoundTripWithBlockSizeAndSeparation(t *testing.T) {
	rcfg := DefaultConfig()
	rcfg.BlockSize = 3
	rcfg.StMin = 5
	w, clock, a, _, b, rb := newPair(t, DefaultConfig(), rcfg)

	payload := sequence(300)
	require.NoError(t, a.Send(payload))
	for i := 0; i < 200 && len(rb.received) == 0; i++ {
		w.drain(t, a, b)
		a.Poll(clock.Advance(5 * time.Millisecond))
	}
	require.Len(t, rb.received, 1)
	assert.Equal(t, payload, rb.received[0])
}

func TestLink_SequenceNumbersWrap(t *testing.T) {
	w, _, a, _, b, rb := newPair(t, DefaultConfig(), DefaultConfig())
	require.NoError(t, a.Send(sequence(4095)))
	w.drain(t, a, b)
	require.Len(t, rb.received, 1)

	var sns []byte
	for _, f := range w.frames() {
		if f.ID == 0x7E0 && f.Payload[0]>>4 == byte(ConsecutiveFrameType) {
			sns = append(sns, f.Payload[0]&0x0F)
		}
	}
	require.Len(t, sns, 585)
	for i, sn := range sns {
		require.NotZero(t, sn)
		require.Equal(t, byte(i%15+1), sn, "frame %d", i)
	}
}

func TestLink_SendWhileBusy(t *testing.T) {
	w, _, a, _, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	assert.False(t, a.Busy())
	require.NoError(t, a.Send(sequence(20)))
	assert.True(t, a.Busy())
	err := a.Send(sequence(3))
	require.Error(t, err)
	assert.Equal(t, InProgress, CodeOf(err))
	assert.Len(t, w.frames(), 1)
	assert.Equal(t, TxAwaitingFlowControl, a.TxState())
}

func TestLink_SendInvalidLength(t *testing.T) {
	_, _, a, _, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	for _, n := range []int{0, 4096} {
		err := a.Send(make([]byte, n))
		assert.Equal(t, InvalidLength, CodeOf(err), "length %d", n)
		assert.Equal(t, TxIdle, a.TxState())
	}
}

func TestLink_OutOfOrderConsecutiveFrame(t *testing.T) {
	_, _, _, _, b, rb := newPair(t, DefaultConfig(), DefaultConfig())

	require.NoError(t, b.Receive([]byte{0x10, 0x14, 1, 2, 3, 4, 5, 6}))
	require.NoError(t, b.Receive([]byte{0x21, 7, 8, 9, 10, 11, 12, 13}))
	err := b.Receive([]byte{0x25, 14, 15, 16, 17, 18, 19, 20})
	require.Error(t, err)
	assert.Equal(t, UnexpectedFrame, CodeOf(err))
	assert.Equal(t, RxSequenceError, b.RxState())
	require.Len(t, rb.rxErrors, 1)
	var seq WrongSequenceNumberError
	require.ErrorAs(t, rb.rxErrors[0], &seq)
	assert.Equal(t, uint8(2), seq.Expected)
	assert.Equal(t, uint8(5), seq.Received)

	// partial data is gone: the correct frame is now unexpected
	err = b.Receive([]byte{0x22, 14, 15, 16, 17, 18, 19, 20})
	assert.Equal(t, UnexpectedFrame, CodeOf(err))
	assert.Empty(t, rb.received)
	assert.Equal(t, uint64(1), b.Stats().SequenceErrors)
}

func TestLink_BufferFull(t *testing.T) {
	rcfg := DefaultConfig()
	rcfg.MaxBufferSize = 512
	w, _, _, _, b, rb := newPair(t, DefaultConfig(), rcfg)

	err := b.Receive([]byte{0x1F, 0xFF, 1, 2, 3, 4, 5, 6})
	require.Error(t, err)
	assert.Equal(t, BufferFull, CodeOf(err))
	assert.Equal(t, RxIdle, b.RxState())
	assert.Nil(t, b.rx.buf)
	assert.Empty(t, rb.rxErrors)
	assert.Equal(t, []wireFrame{{0x7E8, pad(0x32, 0x00, 0x00)}}, w.frames())

	// the link stays usable
	require.NoError(t, b.Receive([]byte{0x02, 0xAA, 0xBB}))
	assert.Equal(t, [][]byte{{0xAA, 0xBB}}, rb.received)
}

func TestLink_FirstFrameEdgeLengths(t *testing.T) {
	w, _, _, _, b, rb := newPair(t, DefaultConfig(), DefaultConfig())

	err := b.Receive([]byte{0x10, 0x00, 1, 2, 3, 4, 5, 6})
	assert.Equal(t, InvalidLength, CodeOf(err))
	assert.Equal(t, RxIdle, b.RxState())

	// short first frames are accepted and complete at once
	require.NoError(t, b.Receive([]byte{0x10, 0x04, 1, 2, 3, 4, 0xCC, 0xCC}))
	assert.Equal(t, [][]byte{{1, 2, 3, 4}}, rb.received)
	assert.Equal(t, RxCompleted, b.RxState())
	assert.Empty(t, w.frames())
}

func TestLink_SeparationTimePacing(t *testing.T) {
	w, clock, a, ra, _, _ := newPair(t, DefaultConfig(), DefaultConfig())

	require.NoError(t, a.Send(sequence(30)))
	w.takePending()

	require.NoError(t, a.Receive([]byte{0x30, 0x00, 0x0A}))
	sent := w.takePending()
	require.Len(t, sent, 1, "first consecutive frame goes out immediately")
	assert.Equal(t, byte(0x21), sent[0].Payload[0])
	assert.Equal(t, TxWaitingSeparation, a.TxState())

	a.Poll(clock.Advance(5 * time.Millisecond))
	assert.Empty(t, w.takePending(), "separation time not elapsed")

	a.Poll(clock.Advance(5 * time.Millisecond))
	sent = w.takePending()
	require.Len(t, sent, 1)
	assert.Equal(t, byte(0x22), sent[0].Payload[0])

	a.Poll(clock.Advance(9 * time.Millisecond))
	assert.Empty(t, w.takePending())
	a.Poll(clock.Advance(time.Millisecond))
	require.Len(t, w.takePending(), 1)

	a.Poll(clock.Advance(10 * time.Millisecond))
	sent = w.takePending()
	require.Len(t, sent, 1)
	assert.Equal(t, pad(0x24, 28, 29, 30), sent[0].Payload)
	assert.Equal(t, TxCompleted, a.TxState())
	assert.Equal(t, []error{nil}, ra.txDone)
}

func TestLink_MicrosecondSeparationTime(t *testing.T) {
	w, clock, a, _, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	require.NoError(t, a.Send(sequence(20)))
	w.takePending()

	require.NoError(t, a.Receive([]byte{0x30, 0x00, 0xF5}))
	require.Len(t, w.takePending(), 1)
	a.Poll(clock.Advance(400 * time.Microsecond))
	assert.Empty(t, w.takePending())
	a.Poll(clock.Advance(100 * time.Microsecond))
	assert.Len(t, w.takePending(), 1)
}

func TestLink_OverrideSeparationTime(t *testing.T) {
	cfg := DefaultConfig()
	override := 2 * time.Millisecond
	cfg.OverrideStMin = &override
	w, clock, a, _, _, _ := newPair(t, cfg, DefaultConfig())
	require.NoError(t, a.Send(sequence(20)))
	w.takePending()

	require.NoError(t, a.Receive([]byte{0x30, 0x00, 0x7F}))
	require.Len(t, w.takePending(), 1)
	a.Poll(clock.Advance(2 * time.Millisecond))
	assert.Len(t, w.takePending(), 1)
}

func TestLink_SenderBlockSize(t *testing.T) {
	w, _, a, ra, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	require.NoError(t, a.Send(sequence(50)))
	w.takePending()

	require.NoError(t, a.Receive([]byte{0x30, 0x02, 0x00}))
	sent := w.takePending()
	require.Len(t, sent, 2)
	assert.Equal(t, byte(0x21), sent[0].Payload[0])
	assert.Equal(t, byte(0x22), sent[1].Payload[0])
	assert.Equal(t, TxAwaitingFlowControl, a.TxState())

	require.NoError(t, a.Receive([]byte{0x30, 0x02, 0x00}))
	assert.Len(t, w.takePending(), 2)
	require.NoError(t, a.Receive([]byte{0x30, 0x00, 0x00}))
	sent = w.takePending()
	require.Len(t, sent, 3)
	assert.Equal(t, byte(0x27), sent[2].Payload[0])
	assert.Equal(t, []error{nil}, ra.txDone)
}

func TestLink_ReceiverBlockSizeRefresh(t *testing.T) {
	rcfg := DefaultConfig()
	rcfg.BlockSize = 2
	rcfg.StMin = 0x14
	w, _, _, _, b, rb := newPair(t, DefaultConfig(), rcfg)

	require.NoError(t, b.Receive([]byte{0x10, 0x1B, 1, 2, 3, 4, 5, 6}))
	require.Equal(t, []wireFrame{{0x7E8, pad(0x30, 0x02, 0x14)}}, w.takePending())

	require.NoError(t, b.Receive([]byte{0x21, 7, 8, 9, 10, 11, 12, 13}))
	assert.Empty(t, w.takePending())
	require.NoError(t, b.Receive([]byte{0x22, 14, 15, 16, 17, 18, 19, 20}))
	assert.Equal(t, []wireFrame{{0x7E8, pad(0x30, 0x02, 0x14)}}, w.takePending())

	require.NoError(t, b.Receive([]byte{0x23, 21, 22, 23, 24, 25, 26, 27}))
	assert.Empty(t, w.takePending(), "no flow control once the buffer is full")
	require.Len(t, rb.received, 1)
	assert.Equal(t, sequence(27), rb.received[0])
}

func TestLink_WaitFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWaitFrame = 2
	w, clock, a, ra, _, _ := newPair(t, cfg, DefaultConfig())
	require.NoError(t, a.Send(sequence(20)))
	w.takePending()

	wait := []byte{0x31, 0x00, 0x00, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}
	require.NoError(t, a.Receive(wait))
	a.Poll(clock.Advance(900 * time.Millisecond))
	require.NoError(t, a.Receive(wait))
	a.Poll(clock.Advance(900 * time.Millisecond))
	assert.Equal(t, TxAwaitingFlowControl, a.TxState(), "each wait frame restarts N_Bs")
	assert.Empty(t, ra.txDone)

	require.NoError(t, a.Receive(wait))
	assert.Equal(t, TxAborted, a.TxState())
	assert.Empty(t, w.takePending())
	require.Len(t, ra.txDone, 1)
	assert.Equal(t, UnexpectedFrame, CodeOf(ra.txDone[0]))
	var maxWait MaximumWaitFrameReachedError
	assert.ErrorAs(t, ra.txDone[0], &maxWait)

	require.NoError(t, a.Send([]byte{1, 2}))
}

func TestLink_WaitThenContinue(t *testing.T) {
	w, _, a, ra, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	require.NoError(t, a.Send(sequence(10)))
	w.takePending()

	require.NoError(t, a.Receive([]byte{0x31, 0x00, 0x00}))
	assert.Empty(t, w.takePending())
	require.NoError(t, a.Receive([]byte{0x30, 0x00, 0x00}))
	assert.Equal(t, []wireFrame{{0x7E0, pad(0x21, 7, 8, 9, 10)}}, w.takePending())
	assert.Equal(t, []error{nil}, ra.txDone)
}

func TestLink_FlowControlTimeout(t *testing.T) {
	_, clock, a, ra, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	require.NoError(t, a.Send(sequence(20)))

	a.Poll(clock.Advance(1000 * time.Millisecond))
	assert.Equal(t, TxAwaitingFlowControl, a.TxState())
	a.Poll(clock.Advance(time.Millisecond))
	assert.Equal(t, TxTimedOut, a.TxState())
	require.Len(t, ra.txDone, 1)
	assert.Equal(t, TimeoutOccurred, CodeOf(ra.txDone[0]))
	assert.Equal(t, uint64(1), a.Stats().Timeouts)

	// late flow control is rejected without effect
	err := a.Receive([]byte{0x30, 0x00, 0x00})
	assert.Equal(t, UnexpectedFrame, CodeOf(err))
	assert.Equal(t, TxTimedOut, a.TxState())
}

func TestLink_FlowControlAbort(t *testing.T) {
	w, _, a, ra, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	require.NoError(t, a.Send(sequence(20)))
	w.takePending()

	require.NoError(t, a.Receive([]byte{0x32, 0x00, 0x00}))
	assert.Equal(t, TxAborted, a.TxState())
	assert.Empty(t, w.takePending())
	require.Len(t, ra.txDone, 1)
	assert.Equal(t, Overflow, CodeOf(ra.txDone[0]))
}

func TestLink_ConsecutiveFrameTimeout(t *testing.T) {
	w, clock, _, _, b, rb := newPair(t, DefaultConfig(), DefaultConfig())
	require.NoError(t, b.Receive([]byte{0x10, 0x14, 1, 2, 3, 4, 5, 6}))
	require.Len(t, w.takePending(), 1)

	b.Poll(clock.Advance(600 * time.Millisecond))
	require.NoError(t, b.Receive([]byte{0x21, 7, 8, 9, 10, 11, 12, 13}))
	b.Poll(clock.Advance(600 * time.Millisecond))
	assert.Equal(t, RxReassembling, b.RxState(), "N_Cr restarts on every consecutive frame")

	b.Poll(clock.Advance(401 * time.Millisecond))
	assert.Equal(t, RxTimedOut, b.RxState())
	assert.Empty(t, w.takePending())
	require.Len(t, rb.rxErrors, 1)
	assert.Equal(t, TimeoutOccurred, CodeOf(rb.rxErrors[0]))
	assert.Empty(t, rb.received)
}

func TestLink_InterruptedReception(t *testing.T) {
	w, _, _, _, b, rb := newPair(t, DefaultConfig(), DefaultConfig())

	require.NoError(t, b.Receive([]byte{0x10, 0x14, 1, 2, 3, 4, 5, 6}))
	require.NoError(t, b.Receive([]byte{0x03, 0xA, 0xB, 0xC}))
	require.Len(t, rb.rxErrors, 1)
	var sf ReceptionInterruptedWithSingleFrameError
	assert.ErrorAs(t, rb.rxErrors[0], &sf)
	assert.Equal(t, [][]byte{{0xA, 0xB, 0xC}}, rb.received)

	require.NoError(t, b.Receive([]byte{0x10, 0x08, 1, 2, 3, 4, 5, 6}))
	require.NoError(t, b.Receive([]byte{0x10, 0x09, 9, 8, 7, 6, 5, 4}))
	require.Len(t, rb.rxErrors, 2)
	var ff ReceptionInterruptedWithFirstFrameError
	assert.ErrorAs(t, rb.rxErrors[1], &ff)

	require.NoError(t, b.Receive([]byte{0x21, 3, 2, 1, 0xCC, 0xCC, 0xCC, 0xCC}))
	require.Len(t, rb.received, 2)
	assert.Equal(t, []byte{9, 8, 7, 6, 5, 4, 3, 2, 1}, rb.received[1])
	assert.Len(t, w.takePending(), 3)
}

func TestLink_UnexpectedFramesWhileIdle(t *testing.T) {
	_, _, a, _, b, _ := newPair(t, DefaultConfig(), DefaultConfig())

	err := a.Receive([]byte{0x30, 0x00, 0x00})
	assert.Equal(t, UnexpectedFrame, CodeOf(err))
	assert.Equal(t, TxIdle, a.TxState())

	err = b.Receive([]byte{0x21, 1, 2, 3, 4, 5, 6, 7})
	assert.Equal(t, UnexpectedFrame, CodeOf(err))
	assert.Equal(t, RxIdle, b.RxState())

	err = b.Receive([]byte{0x45, 0, 0, 0, 0, 0, 0, 0})
	assert.Equal(t, Error, CodeOf(err))
	var malformed MalformedFrameError
	assert.ErrorAs(t, err, &malformed)
}

func TestLink_FlowControlDuringBlockIsUnexpected(t *testing.T) {
	w, _, a, _, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	require.NoError(t, a.Send(sequence(40)))
	w.takePending()
	require.NoError(t, a.Receive([]byte{0x30, 0x00, 0x0A}))
	w.takePending()

	err := a.Receive([]byte{0x30, 0x00, 0x00})
	assert.Equal(t, UnexpectedFrame, CodeOf(err))
	assert.Equal(t, TxWaitingSeparation, a.TxState())
}

func TestLink_AbortTransmit(t *testing.T) {
	w, clock, a, ra, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	assert.False(t, a.AbortTransmit())

	require.NoError(t, a.Send(sequence(100)))
	require.NoError(t, a.Receive([]byte{0x30, 0x00, 0x10}))
	w.takePending()

	assert.True(t, a.AbortTransmit())
	assert.Equal(t, TxAborted, a.TxState())
	assert.Nil(t, a.tx.buf)
	require.Len(t, ra.txDone, 1)
	var aborted AbortedError
	assert.ErrorAs(t, ra.txDone[0], &aborted)

	a.Poll(clock.Advance(time.Second))
	assert.Empty(t, w.takePending())
	require.NoError(t, a.Send([]byte{1}))
}

func TestLink_SendFailure(t *testing.T) {
	w, _, a, ra, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	busOff := errors.New("bus off")
	w.fail = busOff

	err := a.Send(sequence(20))
	require.Error(t, err)
	assert.ErrorIs(t, err, busOff)
	assert.Equal(t, Error, CodeOf(err))
	assert.Equal(t, TxIdle, a.TxState())
	assert.Empty(t, ra.txDone)

	w.fail = nil
	require.NoError(t, a.Send(sequence(20)))
	w.fail = busOff
	require.NoError(t, a.Receive([]byte{0x30, 0x00, 0x00}))
	assert.Equal(t, TxAborted, a.TxState())
	require.Len(t, ra.txDone, 1)
	assert.ErrorIs(t, ra.txDone[0], busOff)
}

func TestLink_SendTo(t *testing.T) {
	w, _, a, _, _, _ := newPair(t, DefaultConfig(), DefaultConfig())
	require.NoError(t, a.SendTo(0x7DF, []byte{0x02, 0x10, 0x03}))
	assert.Equal(t, []wireFrame{{0x7DF, pad(0x03, 0x02, 0x10, 0x03)}}, w.frames())
}

func TestLink_ReceiveFromIgnoresOtherIDs(t *testing.T) {
	_, _, _, _, b, rb := newPair(t, DefaultConfig(), DefaultConfig())
	require.NoError(t, b.ReceiveFrom(0x123, []byte{0x01, 0xAA}))
	assert.Empty(t, rb.received)
	require.NoError(t, b.ReceiveFrom(0x7E0, []byte{0x01, 0xAA}))
	assert.Equal(t, [][]byte{{0xAA}}, rb.received)
	assert.False(t, b.Accepts(ExtendedID(0x7E0)))
}

func TestLink_HandlersMayCallBack(t *testing.T) {
	w := &wire{}
	clock := newFakeClock()
	var b *Link
	var err error
	b, err = NewLink(0x7E8, 0x7E0, w.send,
		WithClock(clock.Now),
		WithReceiveHandler(func(data []byte) {
			// answer every request from inside the handler
			assert.NoError(t, b.Send(append([]byte{data[0] + 0x40}, data[1:]...)))
		}))
	require.NoError(t, err)

	require.NoError(t, b.Receive([]byte{0x02, 0x10, 0x03}))
	assert.Equal(t, []wireFrame{{0x7E8, pad(0x02, 0x50, 0x03)}}, w.frames())
}

func TestLink_FrameObserverAndStats(t *testing.T) {
	w := &wire{}
	clock := newFakeClock()
	var seen []string
	a, err := NewLink(0x7E0, 0x7E8, w.send, WithClock(clock.Now), WithFrameObserver(func(dir Direction, id CanID, f Frame) {
		seen = append(seen, dir.String()+" "+id.String()+" "+f.Type().String())
	}))
	require.NoError(t, err)
	b, err := NewLink(0x7E8, 0x7E0, w.send, WithClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, a.Send(sequence(10)))
	w.drain(t, a, b)

	assert.Equal(t, []string{"TX 0x7E0 FF", "RX 0x7E8 FC", "TX 0x7E0 CF"}, seen)
	stats := a.Stats()
	assert.Equal(t, uint64(2), stats.TxFrames)
	assert.Equal(t, uint64(1), stats.RxFrames)
	assert.Equal(t, uint64(1), stats.TxMessages)
	assert.Equal(t, uint64(1), b.Stats().RxMessages)

	a.ResetStats()
	assert.Equal(t, StatsSnapshot{}, a.Stats())
}

func TestLink_Logging(t *testing.T) {
	w := &wire{}
	var levels []LogLevel
	a, err := NewLink(0x7E0, 0x7E8, w.send, WithLogger(func(level LogLevel, msg string) {
		levels = append(levels, level)
	}))
	require.NoError(t, err)
	require.NoError(t, a.Send([]byte{1, 2, 3}))
	assert.Contains(t, levels, LogOkay)

	_ = a.Send(nil)
	assert.Contains(t, levels, LogWarning)
}

func TestNewLink_InvalidOptions(t *testing.T) {
	w := &wire{}
	_, err := NewLink(0x7E0, 0x7E8, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.StMin = 0x80
	_, err = NewLink(0x7E0, 0x7E8, w.send, WithConfig(cfg))
	var invalid InvalidConfigError
	assert.ErrorAs(t, err, &invalid)

	_, err = NewLink(0x7E0, 0x7E8, w.send, WithClock(nil))
	assert.Error(t, err)
}

func TestLink_ConcurrentUse(t *testing.T) {
	w := &wire{}
	a, err := NewLink(0x7E0, 0x7E8, w.send)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = a.Send(sequence(i%40 + 1))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = a.Receive([]byte{0x30, 0x00, 0x00})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			a.Tick()
			_ = a.TxState()
		}
	}()
	wg.Wait()
}

func TestLink_InvalidFirstFrameKeepsReassembly(t *testing.T) {
	rcfg := DefaultConfig()
	rcfg.MaxBufferSize = 512
	w, _, _, _, b, rb := newPair(t, DefaultConfig(), rcfg)
	data := sequence(20)

	require.NoError(t, b.Receive(append([]byte{0x10, 0x14}, data[:6]...)))
	require.Equal(t, RxReassembling, b.RxState())

	err := b.Receive([]byte{0x10, 0x00, 1, 2, 3, 4, 5, 6})
	assert.Equal(t, InvalidLength, CodeOf(err))
	assert.Equal(t, RxReassembling, b.RxState())

	err = b.Receive([]byte{0x13, 0x00, 1, 2, 3, 4, 5, 6})
	assert.Equal(t, BufferFull, CodeOf(err))
	assert.Equal(t, RxReassembling, b.RxState())

	require.NoError(t, b.Receive(append([]byte{0x21}, data[6:13]...)))
	require.NoError(t, b.Receive(append([]byte{0x22}, data[13:20]...)))

	assert.Empty(t, rb.rxErrors)
	assert.Equal(t, [][]byte{data}, rb.received)
	// FC Continue for the transfer, FC Abort for the oversized frame
	assert.Equal(t, []wireFrame{
		{0x7E8, pad(0x30, 0x00, 0x00)},
		{0x7E8, pad(0x32, 0x00, 0x00)},
	}, w.takePending())
}

func TestLink_ConsecutiveFrameAfterCompletion(t *testing.T) {
	_, _, _, _, b, rb := newPair(t, DefaultConfig(), DefaultConfig())

	require.NoError(t, b.Receive([]byte{0x10, 0x08, 1, 2, 3, 4, 5, 6}))
	require.NoError(t, b.Receive([]byte{0x21, 7, 8, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}))
	require.Len(t, rb.received, 1)
	assert.Equal(t, RxCompleted, b.RxState())

	err := b.Receive([]byte{0x22, 9, 9, 9, 9, 9, 9, 9})
	var unexpected UnexpectedConsecutiveFrameError
	assert.ErrorAs(t, err, &unexpected)
	assert.Empty(t, rb.rxErrors)
	assert.Len(t, rb.received, 1)
}

func TestLink_HandlersRunOneAtATime(t *testing.T) {
	w := &wire{}
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}
	started := make(chan struct{})
	release := make(chan struct{})
	l, err := NewLink(0x7E8, 0x7E0, w.send, WithReceiveHandler(func(data []byte) {
		n := string(rune('0' + data[0]))
		record("start" + n)
		if data[0] == 1 {
			close(started)
			<-release
		}
		record("end" + n)
	}))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, l.Receive([]byte{0x01, 1}))
	}()
	<-started

	// the first handler is still running, so this one is left queued
	require.NoError(t, l.Receive([]byte{0x01, 2}))
	assert.Equal(t, 1, l.pending.Len())
	mu.Lock()
	assert.Equal(t, []string{"start1"}, events)
	mu.Unlock()

	close(release)
	<-done
	assert.Equal(t, 0, l.pending.Len())
	assert.Equal(t, []string{"start1", "end1", "start2", "end2"}, events)
}

func TestLink_ObserverSeesReceivedID(t *testing.T) {
	w := &wire{}
	var ids []CanID
	l, err := NewLink(0x7E8, 0x7E0, w.send, WithFrameObserver(func(dir Direction, id CanID, f Frame) {
		if dir == Inbound {
			ids = append(ids, id)
		}
	}))
	require.NoError(t, err)

	remote := StandardID(0x7E0).WithRemote(true)
	require.NoError(t, l.ReceiveFrom(remote, []byte{0x01, 0xAA}))
	require.NoError(t, l.Receive([]byte{0x01, 0xBB}))
	assert.Equal(t, []CanID{remote, StandardID(0x7E0)}, ids)
	assert.True(t, ids[0].IsRemote())
}

func TestStartPolling_LogsWithLinkLocked(t *testing.T) {
	w := &wire{}
	var l *Link
	var (
		mu     sync.Mutex
		locked []bool
	)
	l, err := NewLink(0x7E0, 0x7E8, w.send, WithLogger(func(level LogLevel, msg string) {
		if msg != "polling started" && msg != "polling stopped" {
			return
		}
		// TryLock succeeding would mean the logger ran unlocked
		ok := l.mu.TryLock()
		if ok {
			l.mu.Unlock()
		}
		mu.Lock()
		locked = append(locked, !ok)
		mu.Unlock()
	}))
	require.NoError(t, err)

	p := l.StartPolling(context.Background(), time.Millisecond)
	p.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, true}, locked)
}
