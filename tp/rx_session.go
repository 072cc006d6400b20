package tp

import (
	"fmt"
	"time"
)

// RxState is the state of a receive session.
type RxState int

const (
	RxIdle RxState = iota
	RxReassembling
	RxCompleted
	RxAborted
	RxTimedOut
	RxSequenceError
)

func (s RxState) String() string {
	switch s {
	case RxIdle:
		return "Idle"
	case RxReassembling:
		return "Reassembling"
	case RxCompleted:
		return "Completed"
	case RxAborted:
		return "Aborted"
	case RxTimedOut:
		return "TimedOut"
	case RxSequenceError:
		return "SequenceError"
	default:
		return fmt.Sprintf("RxState(%d)", int(s))
	}
}

// rxSession reassembles one inbound payload.
type rxSession struct {
	cfg  *Config
	emit emitFunc
	// fcID is where our flow control frames go.
	fcID CanID

	deliver func(data []byte)
	// failed is called when a reassembly already under way is abandoned.
	failed func(err error)

	state    RxState
	buf      []byte
	length   int
	expected uint8
	lastCF   time.Time

	// advertised flow control parameters
	blockSize uint8
	stMin     SeparationTime
	blocks    blockCounter

	crTimer Timer
}

func newRxSession(cfg *Config, fcID CanID, emit emitFunc, deliver func([]byte), failed func(error)) *rxSession {
	return &rxSession{
		cfg:     cfg,
		emit:    emit,
		fcID:    fcID,
		deliver: deliver,
		failed:  failed,
		crTimer: Timer{timeout: cfg.TimeoutN_Cr},
	}
}

func (s *rxSession) onSingleFrame(f SingleFrame) error {
	if s.state == RxReassembling {
		s.fail(RxAborted, ReceptionInterruptedWithSingleFrameError{})
	}
	s.reset()
	s.state = RxCompleted
	s.deliver(clone(f.Data))
	return nil
}

// onFirstFrame starts a new reassembly. A frame rejected for its declared
// length leaves any reassembly under way untouched.
func (s *rxSession) onFirstFrame(f FirstFrame, now time.Time) error {
	length := int(f.Length)
	if length == 0 {
		return InvalidLengthError{NewIsoTpError("first frame declares a length of 0")}
	}
	if length > MaxMessageLength {
		return InvalidLengthError{NewIsoTpError(fmt.Sprintf("first frame declares %d bytes", length))}
	}
	if length > s.cfg.MaxBufferSize {
		// Best effort: the rejection stands even if the peer cannot be told.
		_ = s.emit(s.fcID, FlowControlFrame{Status: FlowStatusAbort})
		return FrameTooLongError{NewIsoTpError(
			fmt.Sprintf("first frame declares %d bytes, buffer holds %d", length, s.cfg.MaxBufferSize))}
	}

	if s.state == RxReassembling {
		s.fail(RxAborted, ReceptionInterruptedWithFirstFrameError{})
	}
	s.reset()

	data := f.Data
	if len(data) > length {
		data = data[:length]
	}
	if len(data) == length {
		s.state = RxCompleted
		s.deliver(clone(data))
		return nil
	}

	s.buf = make([]byte, 0, length)
	s.buf = append(s.buf, data...)
	s.length = length
	s.expected = 1
	s.blockSize = s.cfg.BlockSize
	s.stMin = s.cfg.StMin
	s.blocks.load(s.blockSize)

	if err := s.sendContinue(); err != nil {
		s.reset()
		return SendFailedError{Err: err}
	}
	s.state = RxReassembling
	s.lastCF = now
	s.crTimer.SetTimeout(s.cfg.TimeoutN_Cr)
	s.crTimer.Start(now)
	return nil
}

func (s *rxSession) onConsecutiveFrame(f ConsecutiveFrame, now time.Time) error {
	if s.state != RxReassembling {
		return UnexpectedConsecutiveFrameError{}
	}

	if f.SequenceNumber != s.expected {
		err := WrongSequenceNumberError{Expected: s.expected, Received: f.SequenceNumber}
		s.fail(RxSequenceError, err)
		return err
	}

	// a completed reassembly leaves RxReassembling, so there is always room
	remaining := s.length - len(s.buf)
	data := f.Data
	if len(data) > remaining {
		data = data[:remaining]
	}
	s.buf = append(s.buf, data...)
	s.expected = nextSequenceNumber(s.expected)
	s.lastCF = now
	s.crTimer.Start(now)

	if len(s.buf) == s.length {
		payload := s.buf
		s.reset()
		s.state = RxCompleted
		s.deliver(payload)
		return nil
	}

	s.blocks.consume()
	if s.blocks.exhausted() {
		if err := s.sendContinue(); err != nil {
			s.fail(RxAborted, SendFailedError{Err: err})
			return err
		}
		s.blocks.reload()
	}
	return nil
}

// poll enforces N_Cr. An expired session is dropped without telling the peer.
func (s *rxSession) poll(now time.Time) {
	if s.state == RxReassembling && s.crTimer.IsTimedOut(now) {
		s.fail(RxTimedOut, ConsecutiveFrameTimeoutError{NewIsoTpError(
			fmt.Sprintf("no consecutive frame since %s, %d of %d bytes received",
				s.lastCF.Format("15:04:05.000"), len(s.buf), s.length))})
	}
}

func (s *rxSession) sendContinue() error {
	return s.emit(s.fcID, FlowControlFrame{
		Status:         FlowStatusContinue,
		BlockSize:      s.blockSize,
		SeparationTime: s.stMin,
	})
}

func (s *rxSession) fail(state RxState, err error) {
	s.reset()
	s.state = state
	if s.failed != nil {
		s.failed(err)
	}
}

func (s *rxSession) reset() {
	s.state = RxIdle
	s.buf = nil
	s.length = 0
	s.expected = 0
	s.blocks = blockCounter{}
	s.crTimer.Stop()
}
