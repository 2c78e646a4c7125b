package ota

// ErrorKind identifies why a transfer ended in StateFailed or
// StateAborted.
type ErrorKind int

const (
	// KindInsufficientSpace means the flash writer rejected the declared
	// image size.
	KindInsufficientSpace ErrorKind = iota
	// KindSizeMismatch means the peer finished the transfer with fewer
	// bytes delivered than it declared.
	KindSizeMismatch
	// KindWriteFailure means the flash writer refused a chunk, or the
	// peer sent more bytes than it declared.
	KindWriteFailure
	// KindFinalizeFailure means the staged image could not be committed.
	KindFinalizeFailure
	// KindAbortedByPeer means the peer sent an explicit abort.
	KindAbortedByPeer
	// KindAbortedByHost means the host application cancelled the
	// transfer, or the stall watchdog expired.
	KindAbortedByHost
	// KindAbortedByDisconnect means the peer dropped the connection
	// mid-transfer.
	KindAbortedByDisconnect
)

func (k ErrorKind) String() string {
	switch k {
	case KindInsufficientSpace:
		return "insufficient space"
	case KindSizeMismatch:
		return "size mismatch"
	case KindWriteFailure:
		return "write failure"
	case KindFinalizeFailure:
		return "finalize failure"
	case KindAbortedByPeer:
		return "aborted by peer"
	case KindAbortedByHost:
		return "aborted by host"
	case KindAbortedByDisconnect:
		return "aborted by disconnect"
	default:
		return "unknown"
	}
}

// TransferError describes how a transfer ended short of completion. Msg
// carries the text that was reported on the status endpoint; Err, when
// set, carries the underlying cause.
type TransferError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return "ota: " + e.Msg + ": " + e.Err.Error()
	}
	return "ota: " + e.Msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
