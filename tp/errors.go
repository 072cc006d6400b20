package tp

import (
	"errors"
	"fmt"
)

// ReturnValue is the result code surfaced to callers for every operation and
// terminal session outcome.
type ReturnValue int

const (
	Success ReturnValue = iota
	Error
	InProgress
	Overflow
	UnexpectedFrame
	BufferFull
	TimeoutOccurred
	InvalidLength
)

func (r ReturnValue) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case Error:
		return "ERROR"
	case InProgress:
		return "IN_PROGRESS"
	case Overflow:
		return "OVERFLOW"
	case UnexpectedFrame:
		return "UNEXPECTED_FRAME"
	case BufferFull:
		return "BUFFER_FULL"
	case TimeoutOccurred:
		return "TIMEOUT_OCCURRED"
	case InvalidLength:
		return "INVALID_LENGTH"
	default:
		return fmt.Sprintf("ReturnValue(%d)", int(r))
	}
}

// Coded is implemented by every error raised by this package.
type Coded interface {
	error
	Code() ReturnValue
}

// CodeOf maps an error to its result code. nil is Success and errors not
// raised by this package are Error.
func CodeOf(err error) ReturnValue {
	if err == nil {
		return Success
	}
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return Error
}

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

func (e IsoTpError) Code() ReturnValue { return Error }

type InvalidLengthError struct {
	IsoTpError
}

func (e InvalidLengthError) Error() string {
	return messageOrDefault(e.msg, "invalid length")
}

func (e InvalidLengthError) Code() ReturnValue { return InvalidLength }

type MalformedFrameError struct {
	IsoTpError
}

func (e MalformedFrameError) Error() string {
	return messageOrDefault(e.msg, "malformed frame")
}

type InProgressError struct {
	IsoTpError
}

func (e InProgressError) Error() string {
	return messageOrDefault(e.msg, "a transmission is already in progress")
}

func (e InProgressError) Code() ReturnValue { return InProgress }

type FlowControlTimeoutError struct {
	IsoTpError
}

func (e FlowControlTimeoutError) Error() string {
	return messageOrDefault(e.msg, "flow control frame not received in time")
}

func (e FlowControlTimeoutError) Code() ReturnValue { return TimeoutOccurred }

type ConsecutiveFrameTimeoutError struct {
	IsoTpError
}

func (e ConsecutiveFrameTimeoutError) Error() string {
	return messageOrDefault(e.msg, "consecutive frame not received in time")
}

func (e ConsecutiveFrameTimeoutError) Code() ReturnValue { return TimeoutOccurred }

type UnexpectedFlowControlError struct {
	IsoTpError
}

func (e UnexpectedFlowControlError) Error() string {
	return messageOrDefault(e.msg, "received a flow control frame while no transfer awaits one")
}

func (e UnexpectedFlowControlError) Code() ReturnValue { return UnexpectedFrame }

type UnexpectedConsecutiveFrameError struct {
	IsoTpError
}

func (e UnexpectedConsecutiveFrameError) Error() string {
	return messageOrDefault(e.msg, "received a consecutive frame while not reassembling")
}

func (e UnexpectedConsecutiveFrameError) Code() ReturnValue { return UnexpectedFrame }

type ReceptionInterruptedWithSingleFrameError struct {
	IsoTpError
}

func (e ReceptionInterruptedWithSingleFrameError) Error() string {
	return messageOrDefault(e.msg, "reception of multi-frame message interrupted by a single frame")
}

func (e ReceptionInterruptedWithSingleFrameError) Code() ReturnValue { return UnexpectedFrame }

type ReceptionInterruptedWithFirstFrameError struct {
	IsoTpError
}

func (e ReceptionInterruptedWithFirstFrameError) Error() string {
	return messageOrDefault(e.msg, "reception of multi-frame message interrupted by a new first frame")
}

func (e ReceptionInterruptedWithFirstFrameError) Code() ReturnValue { return UnexpectedFrame }

type WrongSequenceNumberError struct {
	IsoTpError
	Expected uint8
	Received uint8
}

func (e WrongSequenceNumberError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("wrong sequence number: expected %d, received %d", e.Expected, e.Received))
}

func (e WrongSequenceNumberError) Code() ReturnValue { return UnexpectedFrame }

type MaximumWaitFrameReachedError struct {
	IsoTpError
}

func (e MaximumWaitFrameReachedError) Error() string {
	return messageOrDefault(e.msg, "maximum number of wait frames reached")
}

func (e MaximumWaitFrameReachedError) Code() ReturnValue { return UnexpectedFrame }

type FrameTooLongError struct {
	IsoTpError
}

func (e FrameTooLongError) Error() string {
	return messageOrDefault(e.msg, "declared message length exceeds the receive buffer")
}

func (e FrameTooLongError) Code() ReturnValue { return BufferFull }

type OverflowError struct {
	IsoTpError
}

func (e OverflowError) Error() string {
	return messageOrDefault(e.msg, "remote node reported overflow")
}

func (e OverflowError) Code() ReturnValue { return Overflow }

type AbortedError struct {
	IsoTpError
}

func (e AbortedError) Error() string {
	return messageOrDefault(e.msg, "transmission aborted by caller")
}

type SendFailedError struct {
	IsoTpError
	Err error
}

func (e SendFailedError) Error() string {
	if e.Err != nil {
		return messageOrDefault(e.msg, "send callback failed: "+e.Err.Error())
	}
	return messageOrDefault(e.msg, "send callback failed")
}

func (e SendFailedError) Unwrap() error { return e.Err }

type InvalidConfigError struct {
	IsoTpError
}

func (e InvalidConfigError) Error() string {
	return messageOrDefault(e.msg, "invalid configuration")
}
