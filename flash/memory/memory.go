// Package memory provides an in-memory flash.Writer.
// Suitable for tests, examples, and hosts that apply images themselves.
package memory

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/bleota-org/bleota/flash"
)

// Writer stages image bytes in a buffer and keeps the last committed image.
// Safe for concurrent use, though the session serializes all writes anyway.
type Writer struct {
	mu       sync.Mutex
	capacity int

	active bool
	total  uint32
	staged bytes.Buffer

	image []byte
}

// New creates a memory-backed writer.
// capacity bounds the declared image size; zero or negative means unbounded.
func New(capacity int) *Writer {
	return &Writer{capacity: capacity}
}

// Begin opens a transaction for an image of totalSize bytes.
func (w *Writer) Begin(totalSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active {
		return flash.ErrBusy
	}
	if totalSize == 0 {
		return flash.ErrInvalidSize
	}
	if w.capacity > 0 && uint64(totalSize) > uint64(w.capacity) {
		return fmt.Errorf("reserve %d bytes in %d-byte store: %w",
			totalSize, w.capacity, flash.ErrInsufficientSpace)
	}

	w.active = true
	w.total = totalSize
	w.staged.Reset()
	return nil
}

// Write appends p to the staged image.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active {
		return 0, flash.ErrNotBegun
	}
	return w.staged.Write(p)
}

// End closes the transaction. On commit the staged bytes must match the
// declared size exactly; on discard they are dropped.
func (w *Writer) End(commit bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active {
		return flash.ErrNotBegun
	}
	w.active = false

	if !commit {
		w.staged.Reset()
		return nil
	}

	if n := w.staged.Len(); n != int(w.total) {
		w.staged.Reset()
		return fmt.Errorf("staged %d bytes of declared %d", n, w.total)
	}

	w.image = append([]byte(nil), w.staged.Bytes()...)
	w.staged.Reset()
	return nil
}

// Image returns a copy of the last committed image, or nil if none.
func (w *Writer) Image() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.image == nil {
		return nil
	}
	return append([]byte(nil), w.image...)
}

// StagedLen returns how many bytes the open transaction has accepted.
func (w *Writer) StagedLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.staged.Len()
}

// InTransaction reports whether a transaction is currently open.
func (w *Writer) InTransaction() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}
