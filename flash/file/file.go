// Package file provides a file-backed flash.Writer.
//
// The image is staged next to its final path and atomically renamed into
// place on commit, so a crash or abort mid-transfer never corrupts the
// active image. A free-space check at Begin backs the insufficient-space
// failure the update protocol reports to the peer.
package file

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/bleota-org/bleota/flash"
)

// DefaultBufferSize is the write buffer size used when none is configured.
const DefaultBufferSize = 4096

// DefaultHeadroom is how many bytes must remain free beyond the image
// itself before Begin accepts a transfer.
const DefaultHeadroom = 64 * 1024

// Option configures a Writer.
type Option func(*Writer)

// WithBufferSize sets the staging write buffer size in bytes.
func WithBufferSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

// WithHeadroom sets how many bytes of free space must remain after the
// image is written.
func WithHeadroom(n uint64) Option {
	return func(w *Writer) {
		w.headroom = n
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithFreeSpace replaces the free-space probe. The default asks the
// filesystem holding the image directory.
func WithFreeSpace(fn func(dir string) (uint64, error)) Option {
	return func(w *Writer) {
		if fn != nil {
			w.freeSpace = fn
		}
	}
}

// Writer stages a firmware image at <path>.partial and renames it to
// <path> on commit. One transaction at a time.
type Writer struct {
	mu sync.Mutex

	path       string
	staging    string
	bufferSize int
	headroom   uint64
	freeSpace  func(dir string) (uint64, error)
	logger     *slog.Logger

	f     *os.File
	buf   *bufio.Writer
	total uint32
}

// New creates a file-backed writer targeting path.
// The directory holding path must already exist.
func New(path string, opts ...Option) (*Writer, error) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("image directory %s: %w", dir, err)
	}

	w := &Writer{
		path:       path,
		staging:    path + ".partial",
		bufferSize: DefaultBufferSize,
		headroom:   DefaultHeadroom,
		freeSpace:  diskFree,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the final image path.
func (w *Writer) Path() string {
	return w.path
}

// Begin opens a staging file for an image of totalSize bytes.
func (w *Writer) Begin(totalSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f != nil {
		return flash.ErrBusy
	}
	if totalSize == 0 {
		return flash.ErrInvalidSize
	}

	// A failed probe is not a failed transfer; only a confirmed shortfall
	// rejects the image.
	free, err := w.freeSpace(filepath.Dir(w.path))
	if err != nil {
		w.logger.Warn("free space check failed, continuing", "err", err)
	} else if free < uint64(totalSize)+w.headroom {
		return fmt.Errorf("reserve %d bytes with %d free: %w",
			totalSize, free, flash.ErrInsufficientSpace)
	}

	f, err := os.Create(w.staging)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}

	w.f = f
	w.buf = bufio.NewWriterSize(f, w.bufferSize)
	w.total = totalSize
	return nil
}

// Write appends p to the staging file.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, flash.ErrNotBegun
	}
	return w.buf.Write(p)
}

// End closes the transaction. Commit flushes, fsyncs, validates the staged
// size, and renames the staging file over the image path. Discard removes
// the staging file.
func (w *Writer) End(commit bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return flash.ErrNotBegun
	}
	f, buf := w.f, w.buf
	w.f, w.buf = nil, nil

	if !commit {
		f.Close()
		w.removeStaging()
		return nil
	}

	if err := buf.Flush(); err != nil {
		f.Close()
		w.removeStaging()
		return fmt.Errorf("flush staging file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		w.removeStaging()
		return fmt.Errorf("stat staging file: %w", err)
	}
	if info.Size() != int64(w.total) {
		f.Close()
		w.removeStaging()
		return fmt.Errorf("staged %d bytes of declared %d", info.Size(), w.total)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		w.removeStaging()
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		w.removeStaging()
		return fmt.Errorf("close staging file: %w", err)
	}

	// Atomic on the same filesystem. A crash here leaves either the old
	// image or the new one, never a mix.
	if err := os.Rename(w.staging, w.path); err != nil {
		w.removeStaging()
		return fmt.Errorf("activate image: %w", err)
	}

	w.logger.Info("firmware image activated", "path", w.path, "bytes", w.total)
	return nil
}

func (w *Writer) removeStaging() {
	if err := os.Remove(w.staging); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to remove staging file", "path", w.staging, "err", err)
	}
}

// diskFree reports the free bytes on the filesystem holding dir.
func diskFree(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
