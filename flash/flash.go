// Package flash defines the firmware storage contract the update session
// drives. Implementations wrap whatever holds the staged image: a file, a
// memory buffer, a raw partition.
package flash

import "errors"

// ErrBusy is returned by Begin while a transaction is already open.
// The session never double-begins; hitting this means a caller bypassed it.
var ErrBusy = errors.New("flash: transaction already in progress")

// ErrNotBegun is returned by Write and End when no transaction is open.
var ErrNotBegun = errors.New("flash: no transaction in progress")

// ErrInsufficientSpace is returned by Begin when the declared image size
// does not fit the backing storage.
var ErrInsufficientSpace = errors.New("flash: insufficient space")

// ErrInvalidSize is returned by Begin for a zero-byte image.
var ErrInvalidSize = errors.New("flash: invalid image size")

// Writer is a sized write transaction over firmware storage.
//
// The lifecycle is strict: one Begin, any number of Writes, exactly one
// End. End(true) validates and activates the staged image; End(false)
// discards it. Partial writes are legal - callers must account for the
// returned count, not the length they passed in.
type Writer interface {
	// Begin opens a transaction for an image of exactly totalSize bytes.
	// Fails with ErrInsufficientSpace when the image cannot fit.
	Begin(totalSize uint32) error

	// Write appends p to the staged image and returns how many bytes were
	// actually stored. A zero count with a nil error counts as a failure;
	// the session treats it the same as an explicit error.
	Write(p []byte) (int, error)

	// End closes the transaction. commit=true validates the staged image
	// and makes it the active one; commit=false throws it away. Either
	// way the transaction is over and Begin may be called again.
	End(commit bool) error
}
