// Package payload builds transport payloads from hex text and Intel HEX images.
package payload

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/SimonCahill/isotpp/tp"
	"github.com/marcinbor85/gohex"
)

// ParseHex decodes hex text such as "22 F1 90", "22F190" or "0x22,0xF1,0x90".
func ParseHex(s string) ([]byte, error) {
	r := strings.NewReplacer(" ", "", ",", "", ":", "", "\t", "", "\n", "", "\r", "", "0x", "", "0X", "")
	clean := r.Replace(s)
	if clean == "" {
		return nil, fmt.Errorf("empty hex string")
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string %q: %w", s, err)
	}
	return data, nil
}

// Split cuts data into chunks of at most size bytes. The last chunk may be shorter.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		return nil
	}
	var chunks [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

// Transfers splits data into pieces that each fit one ISO-TP message.
func Transfers(data []byte) [][]byte {
	return Split(data, tp.MaxMessageLength)
}

// Uint32ToBig encodes num as 4 big-endian bytes.
func Uint32ToBig(num uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, num)
	return buf
}

// BigToUint32 decodes up to 4 big-endian bytes, left-padding short input.
func BigToUint32(buf []byte) uint32 {
	if len(buf) < 4 {
		padded := make([]byte, 4)
		copy(padded[4-len(buf):], buf)
		buf = padded
	}
	return binary.BigEndian.Uint32(buf[len(buf)-4:])
}

// Segment is a contiguous block of an Intel HEX image.
type Segment struct {
	Address uint32
	Data    []byte
}

// LoadIntelHex parses an Intel HEX image into address-ordered segments.
func LoadIntelHex(r io.Reader) ([]Segment, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("failed to parse Intel HEX: %w", err)
	}
	var segs []Segment
	for _, s := range mem.GetDataSegments() {
		segs = append(segs, Segment{Address: s.Address, Data: s.Data})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })
	return segs, nil
}

// DumpIntelHex writes segments back out as an Intel HEX image.
func DumpIntelHex(w io.Writer, segs []Segment) error {
	mem := gohex.NewMemory()
	for _, s := range segs {
		if err := mem.AddBinary(s.Address, s.Data); err != nil {
			return fmt.Errorf("segment at 0x%08X: %w", s.Address, err)
		}
	}
	return mem.DumpIntelHex(w, 16)
}

// Messages turns an image into transfer payloads, each prefixed with the
// 4-byte big-endian address of its first byte.
func Messages(segs []Segment) [][]byte {
	const prefix = 4
	var out [][]byte
	for _, s := range segs {
		for i, chunk := range Split(s.Data, tp.MaxMessageLength-prefix) {
			addr := s.Address + uint32(i*(tp.MaxMessageLength-prefix))
			msg := append(Uint32ToBig(addr), chunk...)
			out = append(out, msg)
		}
	}
	return out
}
