package ota

import (
	"encoding/binary"
	"fmt"
)

// Control markers recognized on the update endpoint.
const (
	CmdOpen  = "OPEN"
	CmdDone  = "DONE"
	CmdAbort = "ABORT"
)

// frameKind is what an inbound update-endpoint payload turned out to
// mean once held against the current transfer position.
type frameKind int

const (
	frameIgnore frameKind = iota
	frameOpen
	frameSize
	frameDone
	frameAbort
	frameData
)

// classify decides what an update-endpoint payload means. The stream
// carries no per-frame type tag, so meaning is positional: OPEN is only
// recognized while no transfer runs, the first 4-byte payload after OPEN
// is the declared size, and from then on DONE and ABORT are checked
// before a payload counts as image data.
func classify(state State, sizeKnown bool, p []byte) frameKind {
	if len(p) == 0 {
		return frameIgnore
	}

	if !state.Active() {
		if string(p) == CmdOpen {
			return frameOpen
		}
		return frameIgnore
	}

	if !sizeKnown {
		switch {
		case len(p) == 4:
			return frameSize
		case string(p) == CmdAbort:
			return frameAbort
		default:
			return frameIgnore
		}
	}

	switch {
	case string(p) == CmdDone:
		return frameDone
	case string(p) == CmdAbort:
		return frameAbort
	default:
		return frameData
	}
}

// SizeFrame encodes n as the little-endian size payload a peer sends
// right after OPEN.
func SizeFrame(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

// Percentage reports transfer completion as a whole percent, rounded
// down. A zero total reports zero.
func Percentage(received, total uint32) int {
	if total == 0 {
		return 0
	}
	return int(uint64(received) * 100 / uint64(total))
}

// ProgressText renders the progress notification sent on the status
// endpoint.
func ProgressText(received, total uint32) string {
	return fmt.Sprintf("PROGRESS:%d/%d", received, total)
}
