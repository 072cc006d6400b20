package tp

import (
	"fmt"
	"time"
)

// TxState is the state of a transmit session.
type TxState int

const (
	TxIdle TxState = iota
	TxSegmenting
	TxAwaitingFlowControl
	TxSendingBlock
	TxWaitingSeparation
	TxCompleted
	TxAborted
	TxTimedOut
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "Idle"
	case TxSegmenting:
		return "Segmenting"
	case TxAwaitingFlowControl:
		return "AwaitingFlowControl"
	case TxSendingBlock:
		return "SendingBlock"
	case TxWaitingSeparation:
		return "WaitingSeparation"
	case TxCompleted:
		return "Completed"
	case TxAborted:
		return "Aborted"
	case TxTimedOut:
		return "TimedOut"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// Active reports whether a transfer is in flight.
func (s TxState) Active() bool {
	switch s {
	case TxSegmenting, TxAwaitingFlowControl, TxSendingBlock, TxWaitingSeparation:
		return true
	}
	return false
}

// emitFunc hands an outbound frame to the Link.
type emitFunc func(id CanID, f Frame) error

// txSession segments one outbound payload.
type txSession struct {
	cfg  *Config
	emit emitFunc
	// done is called once for every transfer that reaches a terminal state.
	// nil means success.
	done func(err error)

	state     TxState
	id        CanID
	buf       []byte
	bytesSent int
	sn        uint8
	waitCount int

	blocks  blockCounter
	pacer   pacer
	fcTimer Timer
}

func newTxSession(cfg *Config, emit emitFunc, done func(error)) *txSession {
	return &txSession{
		cfg:     cfg,
		emit:    emit,
		done:    done,
		fcTimer: Timer{timeout: cfg.TimeoutN_Bs},
	}
}

// start begins a transfer. Errors returned here leave no session behind.
func (s *txSession) start(id CanID, payload []byte, now time.Time) error {
	if s.state.Active() {
		return InProgressError{}
	}
	if len(payload) == 0 {
		return InvalidLengthError{NewIsoTpError("cannot send an empty payload")}
	}
	if len(payload) > MaxMessageLength {
		return InvalidLengthError{NewIsoTpError(fmt.Sprintf("payload of %d bytes exceeds %d", len(payload), MaxMessageLength))}
	}

	s.reset()
	s.id = id
	s.buf = clone(payload)
	s.state = TxSegmenting

	if len(payload) <= MaxSingleFrameData {
		if err := s.emit(id, SingleFrame{Data: s.buf}); err != nil {
			s.reset()
			return SendFailedError{Err: err}
		}
		s.bytesSent = len(s.buf)
		s.complete()
		return nil
	}

	first := s.buf[:MaxFirstFrameData]
	if err := s.emit(id, FirstFrame{Length: uint16(len(s.buf)), Data: first}); err != nil {
		s.reset()
		return SendFailedError{Err: err}
	}
	s.bytesSent = len(first)
	s.sn = 1
	s.waitCount = 0
	s.state = TxAwaitingFlowControl
	s.fcTimer.SetTimeout(s.cfg.TimeoutN_Bs)
	s.fcTimer.Start(now)
	return nil
}

// onFlowControl advances the session on a flow control frame from the peer.
func (s *txSession) onFlowControl(fc FlowControlFrame, now time.Time) error {
	if s.state != TxAwaitingFlowControl {
		return UnexpectedFlowControlError{}
	}

	switch fc.Status {
	case FlowStatusContinue:
		s.fcTimer.Stop()
		s.waitCount = 0
		s.blocks.load(fc.BlockSize)
		st := fc.SeparationTime.Duration()
		if s.cfg.OverrideStMin != nil {
			st = *s.cfg.OverrideStMin
		}
		s.pacer.setInterval(st)
		s.pacer.reset()
		s.state = TxSendingBlock
		s.pump(now)

	case FlowStatusWait:
		s.waitCount++
		if s.waitCount > s.cfg.MaxWaitFrame {
			s.fail(TxAborted, MaximumWaitFrameReachedError{NewIsoTpError(
				fmt.Sprintf("received %d wait frames, limit is %d", s.waitCount, s.cfg.MaxWaitFrame))})
			return nil
		}
		s.fcTimer.Start(now)

	case FlowStatusAbort:
		s.fail(TxAborted, OverflowError{})
	}
	return nil
}

// poll drives the N_Bs deadline and the separation time.
func (s *txSession) poll(now time.Time) {
	switch s.state {
	case TxAwaitingFlowControl:
		if s.fcTimer.IsTimedOut(now) {
			s.fail(TxTimedOut, FlowControlTimeoutError{})
		}
	case TxSendingBlock, TxWaitingSeparation:
		s.pump(now)
	}
}

// pump emits consecutive frames for as long as the block and the separation
// time allow.
func (s *txSession) pump(now time.Time) {
	for s.state == TxSendingBlock || (s.state == TxWaitingSeparation && s.pacer.ready(now)) {
		s.state = TxSendingBlock

		end := s.bytesSent + MaxConsecutiveFrameData
		if end > len(s.buf) {
			end = len(s.buf)
		}
		if err := s.emit(s.id, ConsecutiveFrame{SequenceNumber: s.sn, Data: s.buf[s.bytesSent:end]}); err != nil {
			s.fail(TxAborted, SendFailedError{Err: err})
			return
		}
		s.bytesSent = end
		s.sn = nextSequenceNumber(s.sn)
		s.blocks.consume()
		s.pacer.mark(now)

		switch {
		case s.bytesSent >= len(s.buf):
			s.complete()
			return
		case s.blocks.exhausted():
			s.state = TxAwaitingFlowControl
			s.fcTimer.Start(now)
			return
		default:
			s.state = TxWaitingSeparation
		}
	}
}

// abort cancels an in-flight transfer. It reports false if none was active.
func (s *txSession) abort() bool {
	if !s.state.Active() {
		return false
	}
	s.fail(TxAborted, AbortedError{})
	return true
}

func (s *txSession) complete() {
	s.state = TxCompleted
	s.release()
	if s.done != nil {
		s.done(nil)
	}
}

func (s *txSession) fail(state TxState, err error) {
	s.state = state
	s.release()
	if s.done != nil {
		s.done(err)
	}
}

func (s *txSession) release() {
	s.buf = nil
	s.fcTimer.Stop()
	s.pacer.reset()
}

func (s *txSession) reset() {
	s.release()
	s.state = TxIdle
	s.bytesSent = 0
	s.sn = 0
	s.waitCount = 0
	s.blocks = blockCounter{}
}
