// Package transfer pushes a file to a device in bounded chunks.
//
// A Transfer is a step function: each Advance writes at most one chunk and
// returns, so the caller can keep servicing the terminal between chunks.
// Bytes are sent exactly as they are stored; no framing is added.
//
// Known limitation: serial lines are streams, not transactions. When a
// transfer fails part way, whatever was already written stays written and the
// device sees a truncated file.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

// DefaultChunkSize is the number of bytes written per Advance unless Start
// is given another size.
const DefaultChunkSize = 1024

var (
	// ErrFileNotFound is returned by Start when the file does not exist.
	ErrFileNotFound = errors.New("transfer: file not found")
	// ErrIO covers every other failure to read the file or write the device.
	ErrIO = errors.New("transfer: i/o error")
)

// Status is the outcome of one Advance.
type Status int

const (
	InProgress Status = iota
	Complete
	Failed
)

func (s Status) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Sink accepts as many bytes as it can without blocking and reports how many
// it took. Returning 0, nil means "try again later".
type Sink interface {
	TryWrite(p []byte) (int, error)
}

// Transfer is the state of one file push. Offset only grows and never
// exceeds Size.
type Transfer struct {
	path    string
	file    *os.File
	size    int64
	offset  int64
	buf     []byte
	started time.Time
	err     error
	done    bool
}

// Start opens path for a transfer of chunkSize-byte chunks. A chunkSize of
// zero or less selects DefaultChunkSize.
func Start(path string, chunkSize int) (*Transfer, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrIO, path)
	}

	return &Transfer{
		path:    path,
		file:    f,
		size:    info.Size(),
		buf:     make([]byte, chunkSize),
		started: time.Now(),
	}, nil
}

// Path returns the file being sent.
func (t *Transfer) Path() string { return t.path }

// Size returns the file size captured at Start.
func (t *Transfer) Size() int64 { return t.size }

// Offset returns the number of bytes the sink has accepted.
func (t *Transfer) Offset() int64 { return t.offset }

// ChunkSize returns the maximum number of bytes written per Advance.
func (t *Transfer) ChunkSize() int { return len(t.buf) }

// Elapsed returns the time since Start.
func (t *Transfer) Elapsed() time.Duration { return time.Since(t.started) }

// Err returns the reason for a Failed status.
func (t *Transfer) Err() error { return t.err }

// Advance writes the next chunk to sink.
func (t *Transfer) Advance(sink Sink) Status {
	if t.err != nil {
		return Failed
	}
	if t.done {
		return Complete
	}
	if t.offset >= t.size {
		return t.finish()
	}

	n := int64(len(t.buf))
	if remaining := t.size - t.offset; remaining < n {
		n = remaining
	}
	chunk := t.buf[:n]
	if _, err := t.file.ReadAt(chunk, t.offset); err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%s shrank to %d bytes during transfer", t.path, t.offset)
		}
		return t.fail(fmt.Errorf("%w: read: %w", ErrIO, err))
	}

	written, err := sink.TryWrite(chunk)
	if written > 0 {
		t.offset += int64(written)
	}
	if err != nil {
		return t.fail(fmt.Errorf("%w: write: %w", ErrIO, err))
	}
	if t.offset >= t.size {
		return t.finish()
	}
	return InProgress
}

// Abort stops the transfer; later Advance calls report Failed.
func (t *Transfer) Abort(reason error) {
	if t.err == nil && !t.done {
		t.fail(reason)
	}
}

func (t *Transfer) finish() Status {
	t.done = true
	t.file.Close()
	return Complete
}

func (t *Transfer) fail(err error) Status {
	t.err = err
	t.file.Close()
	return Failed
}
