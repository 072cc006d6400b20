package tp

import (
	"fmt"
	"time"
)

// Config defines the configuration for an ISO-TP Link.
type Config struct {
	// Padding fills the unused bytes of every emitted payload.
	Padding byte

	TimeoutN_Bs time.Duration // Time until reception of FlowControl
	TimeoutN_Cr time.Duration // Time until reception of next CF

	// Advertised to the peer in every FlowControl frame we send.
	BlockSize uint8
	StMin     SeparationTime

	// MaxWaitFrame (WFTmax) is the number of consecutive FlowControl Wait
	// frames tolerated. One more aborts the transmission.
	MaxWaitFrame int

	// MaxBufferSize bounds the length a peer may declare in a First Frame.
	MaxBufferSize int

	// OverrideStMin, if set, replaces the separation time requested by the peer.
	OverrideStMin *time.Duration
}

// DefaultConfig returns the ISO 15765-2 recommended values.
func DefaultConfig() Config {
	return Config{
		Padding: DefaultPadding,

		TimeoutN_Bs: 1000 * time.Millisecond,
		TimeoutN_Cr: 1000 * time.Millisecond,

		BlockSize: 0, // unlimited
		StMin:     0,

		MaxWaitFrame:  20,
		MaxBufferSize: MaxMessageLength,
	}
}

// Validate checks if the configuration parameters are valid.
func (c *Config) Validate() error {
	if c.TimeoutN_Bs <= 0 {
		return InvalidConfigError{NewIsoTpError(fmt.Sprintf("N_Bs must be positive, got %s", c.TimeoutN_Bs))}
	}
	if c.TimeoutN_Cr <= 0 {
		return InvalidConfigError{NewIsoTpError(fmt.Sprintf("N_Cr must be positive, got %s", c.TimeoutN_Cr))}
	}
	if !c.StMin.Valid() {
		return InvalidConfigError{NewIsoTpError(fmt.Sprintf("STmin code 0x%02X is reserved", byte(c.StMin)))}
	}
	if c.MaxWaitFrame < 0 {
		return InvalidConfigError{NewIsoTpError(fmt.Sprintf("MaxWaitFrame must not be negative, got %d", c.MaxWaitFrame))}
	}
	if c.MaxBufferSize < 1 || c.MaxBufferSize > MaxMessageLength {
		return InvalidConfigError{NewIsoTpError(fmt.Sprintf("MaxBufferSize must be within 1..%d, got %d", MaxMessageLength, c.MaxBufferSize))}
	}
	if c.OverrideStMin != nil && *c.OverrideStMin < 0 {
		return InvalidConfigError{NewIsoTpError("OverrideStMin must not be negative")}
	}
	return nil
}
