package tp

import "fmt"

const (
	// PayloadSize is the CAN 2.0 data field size used for every emitted frame.
	PayloadSize = 8

	MaxSingleFrameData      = 7
	MaxFirstFrameData       = 6
	MaxConsecutiveFrameData = 7
	MaxMessageLength        = 4095

	DefaultPadding byte = 0xCC
)

// Payload is one CAN data field.
type Payload [PayloadSize]byte

// Codec encodes and decodes ISO-TP frames. Padding fills the unused tail of
// every encoded payload.
type Codec struct {
	Padding byte
}

// NewCodec returns a codec using the given padding byte.
func NewCodec(padding byte) Codec {
	return Codec{Padding: padding}
}

func (c Codec) blank() Payload {
	var p Payload
	for i := range p {
		p[i] = c.Padding
	}
	return p
}

func (c Codec) EncodeSingleFrame(data []byte) (Payload, error) {
	if len(data) > MaxSingleFrameData {
		return Payload{}, InvalidLengthError{NewIsoTpError(fmt.Sprintf("single frame cannot carry %d bytes", len(data)))}
	}
	p := c.blank()
	p[0] = byte(SingleFrameType)<<4 | byte(len(data))
	copy(p[1:], data)
	return p, nil
}

func (c Codec) EncodeFirstFrame(totalLength int, firstChunk []byte) (Payload, error) {
	if totalLength > MaxMessageLength || totalLength < 0 {
		return Payload{}, InvalidLengthError{NewIsoTpError(fmt.Sprintf("first frame length %d out of range", totalLength))}
	}
	if len(firstChunk) > MaxFirstFrameData {
		return Payload{}, InvalidLengthError{NewIsoTpError(fmt.Sprintf("first frame cannot carry %d bytes", len(firstChunk)))}
	}
	if totalLength < len(firstChunk) {
		return Payload{}, InvalidLengthError{NewIsoTpError(fmt.Sprintf("declared length %d is shorter than the %d bytes supplied", totalLength, len(firstChunk)))}
	}
	p := c.blank()
	p[0] = byte(FirstFrameType)<<4 | byte(totalLength>>8)&0x0F
	p[1] = byte(totalLength)
	copy(p[2:], firstChunk)
	return p, nil
}

func (c Codec) EncodeConsecutiveFrame(sequenceNumber uint8, data []byte) (Payload, error) {
	if sequenceNumber > 0x0F {
		return Payload{}, MalformedFrameError{NewIsoTpError(fmt.Sprintf("sequence number %d does not fit in a nibble", sequenceNumber))}
	}
	if len(data) > MaxConsecutiveFrameData {
		return Payload{}, InvalidLengthError{NewIsoTpError(fmt.Sprintf("consecutive frame cannot carry %d bytes", len(data)))}
	}
	p := c.blank()
	p[0] = byte(ConsecutiveFrameType)<<4 | sequenceNumber
	copy(p[1:], data)
	return p, nil
}

func (c Codec) EncodeFlowControlFrame(status FlowStatus, blockSize uint8, st SeparationTime) (Payload, error) {
	if status > FlowStatusAbort {
		return Payload{}, MalformedFrameError{NewIsoTpError(fmt.Sprintf("unknown flow status %d", status))}
	}
	p := c.blank()
	p[0] = byte(FlowControlFrameType)<<4 | byte(status)
	p[1] = blockSize
	p[2] = byte(st)
	return p, nil
}

// Encode dispatches on the frame variant.
func (c Codec) Encode(f Frame) (Payload, error) {
	switch f := f.(type) {
	case SingleFrame:
		return c.EncodeSingleFrame(f.Data)
	case FirstFrame:
		return c.EncodeFirstFrame(int(f.Length), f.Data)
	case ConsecutiveFrame:
		return c.EncodeConsecutiveFrame(f.SequenceNumber, f.Data)
	case FlowControlFrame:
		return c.EncodeFlowControlFrame(f.Status, f.BlockSize, f.SeparationTime)
	default:
		return Payload{}, MalformedFrameError{NewIsoTpError(fmt.Sprintf("cannot encode %T", f))}
	}
}

// Decode parses a full 8-byte payload.
func Decode(p Payload) (Frame, error) {
	return decode(p[:])
}

// DecodeBytes parses a CAN data field of 1 to 8 bytes. The number of bytes
// present bounds the data a single frame may declare.
func DecodeBytes(data []byte) (Frame, error) {
	if len(data) == 0 || len(data) > PayloadSize {
		return nil, InvalidLengthError{NewIsoTpError(fmt.Sprintf("CAN data length %d out of range", len(data)))}
	}
	return decode(data)
}

func decode(data []byte) (Frame, error) {
	ft := FrameType(data[0] >> 4)
	low := data[0] & 0x0F

	switch ft {
	case SingleFrameType:
		length := int(low)
		if length == 0 || length > MaxSingleFrameData {
			return nil, InvalidLengthError{NewIsoTpError(fmt.Sprintf("single frame declares %d bytes", length))}
		}
		if length > len(data)-1 {
			return nil, InvalidLengthError{NewIsoTpError(fmt.Sprintf("single frame declares %d bytes but carries %d", length, len(data)-1))}
		}
		return SingleFrame{Data: clone(data[1 : 1+length])}, nil

	case FirstFrameType:
		if len(data) < 2 {
			return nil, InvalidLengthError{NewIsoTpError("first frame shorter than its header")}
		}
		length := uint16(low)<<8 | uint16(data[1])
		if length > MaxMessageLength {
			return nil, MalformedFrameError{NewIsoTpError(fmt.Sprintf("first frame length %d exceeds %d", length, MaxMessageLength))}
		}
		chunk := data[2:]
		if int(length) < len(chunk) {
			chunk = chunk[:length]
		}
		return FirstFrame{Length: length, Data: clone(chunk)}, nil

	case ConsecutiveFrameType:
		return ConsecutiveFrame{SequenceNumber: low, Data: clone(data[1:])}, nil

	case FlowControlFrameType:
		if len(data) < 3 {
			return nil, InvalidLengthError{NewIsoTpError("flow control frame shorter than 3 bytes")}
		}
		if FlowStatus(low) > FlowStatusAbort {
			return nil, MalformedFrameError{NewIsoTpError(fmt.Sprintf("unknown flow status %d", low))}
		}
		return FlowControlFrame{
			Status:         FlowStatus(low),
			BlockSize:      data[1],
			SeparationTime: SeparationTime(data[2]),
		}, nil
	}
	return nil, MalformedFrameError{NewIsoTpError(fmt.Sprintf("unknown PCI type 0x%X", uint8(ft)))}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
