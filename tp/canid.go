package tp

import "fmt"

// CanID is a raw 32-bit CAN identifier carrying the SocketCAN flag bits.
type CanID uint32

const (
	CanIDExtendedFlag CanID = 0x80000000 // EFF
	CanIDRemoteFlag   CanID = 0x40000000 // RTR
	CanIDErrorFlag    CanID = 0x20000000 // ERR

	CanIDStandardMask CanID = 0x000007FF
	CanIDExtendedMask CanID = 0x1FFFFFFF
)

// StandardID builds an 11-bit identifier. Bits above the mask are dropped.
func StandardID(id uint32) CanID {
	return CanID(id) & CanIDStandardMask
}

// ExtendedID builds a 29-bit identifier with the extended flag set.
func ExtendedID(id uint32) CanID {
	return (CanID(id) & CanIDExtendedMask) | CanIDExtendedFlag
}

func (id CanID) IsExtended() bool { return id&CanIDExtendedFlag != 0 }
func (id CanID) IsRemote() bool   { return id&CanIDRemoteFlag != 0 }
func (id CanID) IsError() bool    { return id&CanIDErrorFlag != 0 }

func (id CanID) WithExtended(on bool) CanID { return id.withFlag(CanIDExtendedFlag, on) }
func (id CanID) WithRemote(on bool) CanID   { return id.withFlag(CanIDRemoteFlag, on) }
func (id CanID) WithError(on bool) CanID    { return id.withFlag(CanIDErrorFlag, on) }

func (id CanID) withFlag(flag CanID, on bool) CanID {
	if on {
		return id | flag
	}
	return id &^ flag
}

// Standard returns the 11-bit arbitration field.
func (id CanID) Standard() uint32 { return uint32(id & CanIDStandardMask) }

// Extended returns the 29-bit arbitration field.
func (id CanID) Extended() uint32 { return uint32(id & CanIDExtendedMask) }

// Arbitration returns the arbitration field matching the identifier's format.
func (id CanID) Arbitration() uint32 {
	if id.IsExtended() {
		return id.Extended()
	}
	return id.Standard()
}

// Value returns the raw identifier including flag bits.
func (id CanID) Value() uint32 { return uint32(id) }

// Matches reports whether two identifiers address the same frame,
// ignoring the remote and error flags.
func (id CanID) Matches(other CanID) bool {
	return id.IsExtended() == other.IsExtended() && id.Arbitration() == other.Arbitration()
}

func (id CanID) String() string {
	if id.IsExtended() {
		return fmt.Sprintf("0x%08X", id.Extended())
	}
	return fmt.Sprintf("0x%03X", id.Standard())
}
