package tp

import (
	"fmt"
	"time"
)

// FrameType is the top nibble of the first PCI byte.
type FrameType uint8

const (
	SingleFrameType      FrameType = 0x0
	FirstFrameType       FrameType = 0x1
	ConsecutiveFrameType FrameType = 0x2
	FlowControlFrameType FrameType = 0x3
)

func (t FrameType) String() string {
	switch t {
	case SingleFrameType:
		return "SF"
	case FirstFrameType:
		return "FF"
	case ConsecutiveFrameType:
		return "CF"
	case FlowControlFrameType:
		return "FC"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

type FlowStatus uint8

const (
	FlowStatusContinue FlowStatus = 0
	FlowStatusWait     FlowStatus = 1
	FlowStatusAbort    FlowStatus = 2
)

func (s FlowStatus) String() string {
	switch s {
	case FlowStatusContinue:
		return "Continue"
	case FlowStatusWait:
		return "Wait"
	case FlowStatusAbort:
		return "Abort"
	default:
		return fmt.Sprintf("FlowStatus(%d)", uint8(s))
	}
}

// SeparationTime is the encoded STmin byte.
type SeparationTime byte

// Valid reports whether the code is one the standard defines.
func (st SeparationTime) Valid() bool {
	return st <= 0x7F || (st >= 0xF1 && st <= 0xF9)
}

// Duration decodes the STmin byte. Reserved values are treated as the
// maximum of 127 ms.
func (st SeparationTime) Duration() time.Duration {
	if st <= 0x7F {
		return time.Duration(st) * time.Millisecond
	}
	if st >= 0xF1 && st <= 0xF9 {
		return time.Duration(st-0xF0) * 100 * time.Microsecond
	}
	return 127 * time.Millisecond
}

func (st SeparationTime) String() string {
	return st.Duration().String()
}

// SeparationTimeFromDuration returns the smallest code whose interval is
// not shorter than d, saturating at 127 ms.
func SeparationTimeFromDuration(d time.Duration) SeparationTime {
	switch {
	case d <= 0:
		return 0
	case d < time.Millisecond:
		steps := (d + 100*time.Microsecond - 1) / (100 * time.Microsecond)
		if steps > 9 {
			return 0x01
		}
		return SeparationTime(0xF0 + steps)
	case d >= 127*time.Millisecond:
		return 0x7F
	default:
		ms := (d + time.Millisecond - 1) / time.Millisecond
		return SeparationTime(ms)
	}
}

// Frame is one of SingleFrame, FirstFrame, ConsecutiveFrame or FlowControlFrame.
type Frame interface {
	Type() FrameType
	isFrame()
}

type SingleFrame struct {
	Data []byte
}

type FirstFrame struct {
	Length uint16
	Data   []byte
}

type ConsecutiveFrame struct {
	SequenceNumber uint8
	Data           []byte
}

type FlowControlFrame struct {
	Status         FlowStatus
	BlockSize      uint8
	SeparationTime SeparationTime
}

func (SingleFrame) Type() FrameType      { return SingleFrameType }
func (FirstFrame) Type() FrameType       { return FirstFrameType }
func (ConsecutiveFrame) Type() FrameType { return ConsecutiveFrameType }
func (FlowControlFrame) Type() FrameType { return FlowControlFrameType }

func (SingleFrame) isFrame()      {}
func (FirstFrame) isFrame()       {}
func (ConsecutiveFrame) isFrame() {}
func (FlowControlFrame) isFrame() {}

func (f SingleFrame) String() string {
	return fmt.Sprintf("SF{len=%d, data=[% X]}", len(f.Data), f.Data)
}

func (f FirstFrame) String() string {
	return fmt.Sprintf("FF{len=%d, data=[% X]}", f.Length, f.Data)
}

func (f ConsecutiveFrame) String() string {
	return fmt.Sprintf("CF{sn=%d, data=[% X]}", f.SequenceNumber, f.Data)
}

func (f FlowControlFrame) String() string {
	return fmt.Sprintf("FC{%s, bs=%d, st=%s}", f.Status, f.BlockSize, f.SeparationTime)
}
