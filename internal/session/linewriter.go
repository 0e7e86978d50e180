package session

import (
	"bytes"
	"io"
	"sync"
)

// LineWriter wraps the stream diagnostics are written to when it shares a
// terminal with the keyboard. While a Session holds the keyboard in raw mode
// the terminal no longer maps "\n" to "\r\n", so LineWriter does it instead.
// Outside a session it passes writes through untouched.
type LineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	raw bool
}

// NewLineWriter returns a LineWriter writing to w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

func (l *LineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.raw {
		return l.w.Write(p)
	}
	out := bytes.ReplaceAll(bytes.ReplaceAll(p, []byte("\r\n"), []byte("\n")), []byte("\n"), []byte("\r\n"))
	if _, err := l.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *LineWriter) setRaw(on bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.raw = on
	l.mu.Unlock()
}
