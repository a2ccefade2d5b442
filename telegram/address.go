package telegram

import "github.com/ebus-go/ebusgo/sequence"

// Re-exported wire constants so callers of this package rarely need to
// import sequence directly for address checks.
const (
	SYN       = sequence.SYN
	EXT       = sequence.EXT
	ACK       = sequence.ACK
	NAK       = sequence.NAK
	BROADCAST = sequence.BROADCAST
)

// masterNibbles is the set eBUS reserves for master addresses: both the high
// and low nibble of a master address must come from {0,1,3,7,F}.
var masterNibbles = [16]bool{
	0x0: true, 0x1: true, 0x3: true, 0x7: true, 0xF: true,
}

// IsMaster reports whether addr is a valid master address: both nibbles
// drawn from {0,1,3,7,F}.
func IsMaster(addr byte) bool {
	return masterNibbles[addr>>4] && masterNibbles[addr&0x0F]
}

// IsBroadcast reports whether addr is the broadcast destination (0xFE).
func IsBroadcast(addr byte) bool {
	return addr == BROADCAST
}

// IsValidAddress reports whether addr is usable as a ZZ target: either the
// broadcast address, a master, or any other non-SYN, non-EXT byte (a slave
// address).
func IsValidAddress(addr byte) bool {
	if addr == SYN || addr == EXT {
		return false
	}
	return true
}

// SlaveOf returns the paired slave address for a master address: master+5
// (mod 256).
func SlaveOf(master byte) byte {
	return master + 5
}
