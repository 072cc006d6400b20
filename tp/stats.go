package tp

import (
	"errors"
	"sync/atomic"
)

// Statistics tracks transport layer metrics for one Link.
type Statistics struct {
	txFrames   atomic.Uint64
	rxFrames   atomic.Uint64
	txMessages atomic.Uint64
	rxMessages atomic.Uint64

	sequenceErrors atomic.Uint64
	timeouts       atomic.Uint64
	overflows      atomic.Uint64
	aborted        atomic.Uint64
	rejected       atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Statistics.
type StatsSnapshot struct {
	TxFrames   uint64
	RxFrames   uint64
	TxMessages uint64
	RxMessages uint64

	SequenceErrors uint64
	Timeouts       uint64
	Overflows      uint64
	Aborted        uint64
	Rejected       uint64
}

func (s *Statistics) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TxFrames:       s.txFrames.Load(),
		RxFrames:       s.rxFrames.Load(),
		TxMessages:     s.txMessages.Load(),
		RxMessages:     s.rxMessages.Load(),
		SequenceErrors: s.sequenceErrors.Load(),
		Timeouts:       s.timeouts.Load(),
		Overflows:      s.overflows.Load(),
		Aborted:        s.aborted.Load(),
		Rejected:       s.rejected.Load(),
	}
}

func (s *Statistics) Reset() {
	s.txFrames.Store(0)
	s.rxFrames.Store(0)
	s.txMessages.Store(0)
	s.rxMessages.Store(0)
	s.sequenceErrors.Store(0)
	s.timeouts.Store(0)
	s.overflows.Store(0)
	s.aborted.Store(0)
	s.rejected.Store(0)
}

// recordFailure files a terminal session error under its counter.
func (s *Statistics) recordFailure(err error) {
	switch CodeOf(err) {
	case TimeoutOccurred:
		s.timeouts.Add(1)
	case Overflow, BufferFull:
		s.overflows.Add(1)
	case UnexpectedFrame:
		var seq WrongSequenceNumberError
		if errors.As(err, &seq) {
			s.sequenceErrors.Add(1)
			return
		}
		s.aborted.Add(1)
	default:
		s.aborted.Add(1)
	}
}
