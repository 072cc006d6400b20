// Package secoc authenticates transport payloads with a truncated AES-CMAC,
// in the style of AUTOSAR SecOC: data || freshness || MAC.
package secoc

import (
	"crypto/aes"
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/SimonCahill/isotpp/payload"
	"github.com/SimonCahill/isotpp/tp"
	"github.com/chmike/cmac-go"
)

const (
	FreshnessSize = 4
	MinTagSize    = 4
	MaxTagSize    = 16
)

var (
	ErrAuthentication = errors.New("secoc: MAC verification failed")
	ErrTooShort       = errors.New("secoc: message shorter than freshness and MAC")
	ErrStale          = errors.New("secoc: freshness value not newer than last accepted")
)

// Authenticator protects and verifies payloads under one key. Safe for
// concurrent use.
type Authenticator struct {
	mu      sync.Mutex
	mac     hash.Hash
	tagSize int

	last     uint32
	accepted bool
}

// New returns an Authenticator for a 16, 24 or 32 byte AES key producing
// tagSize byte MACs.
func New(key []byte, tagSize int) (*Authenticator, error) {
	if tagSize < MinTagSize || tagSize > MaxTagSize {
		return nil, fmt.Errorf("secoc: tag size %d outside %d..%d", tagSize, MinTagSize, MaxTagSize)
	}
	mac, err := cmac.New(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("secoc: %w", err)
	}
	return &Authenticator{mac: mac, tagSize: tagSize}, nil
}

// Overhead is the number of bytes Protect adds.
func (a *Authenticator) Overhead() int {
	return FreshnessSize + a.tagSize
}

func (a *Authenticator) sum(data, fv []byte) []byte {
	a.mac.Reset()
	a.mac.Write(data)
	a.mac.Write(fv)
	return a.mac.Sum(nil)[:a.tagSize]
}

// Protect appends the freshness value and MAC to data.
func (a *Authenticator) Protect(data []byte, freshness uint32) ([]byte, error) {
	if len(data)+a.Overhead() > tp.MaxMessageLength {
		return nil, tp.InvalidLengthError{IsoTpError: tp.NewIsoTpError(
			fmt.Sprintf("secoc: %d bytes plus %d bytes overhead exceed one message", len(data), a.Overhead()))}
	}
	fv := payload.Uint32ToBig(freshness)

	a.mu.Lock()
	tag := a.sum(data, fv)
	a.mu.Unlock()

	out := make([]byte, 0, len(data)+a.Overhead())
	out = append(out, data...)
	out = append(out, fv...)
	return append(out, tag...), nil
}

// Verify checks msg and returns the authentic data and its freshness value.
// Replayed or older freshness values are rejected.
func (a *Authenticator) Verify(msg []byte) ([]byte, uint32, error) {
	if len(msg) < a.Overhead() {
		return nil, 0, ErrTooShort
	}
	n := len(msg) - a.Overhead()
	data, fv, tag := msg[:n], msg[n:n+FreshnessSize], msg[n+FreshnessSize:]
	freshness := payload.BigToUint32(fv)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !cmac.Equal(tag, a.sum(data, fv)) {
		return nil, 0, ErrAuthentication
	}
	if a.accepted && freshness <= a.last {
		return nil, freshness, ErrStale
	}
	a.last = freshness
	a.accepted = true
	return append([]byte(nil), data...), freshness, nil
}
