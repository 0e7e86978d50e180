// Package rawmode switches a terminal into raw, byte-at-a-time mode and
// guarantees the previous settings are put back exactly once.
//
// A Guard is the only owner of a terminal's saved settings. Entering raw mode
// twice on the same descriptor without restoring in between fails with
// ErrAlreadyRaw, so a second caller can never capture the raw settings and
// later "restore" the terminal into raw mode.
//
//	g, err := rawmode.Enter(int(os.Stdin.Fd()))
//	if err != nil {
//	    return err
//	}
//	defer g.Restore()
package rawmode

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

var (
	// ErrNotTerminal is returned by Enter when the descriptor is not a terminal.
	ErrNotTerminal = errors.New("rawmode: not a terminal")
	// ErrAlreadyRaw is returned by Enter when a Guard for the descriptor is still active.
	ErrAlreadyRaw = errors.New("rawmode: terminal already in raw mode")
)

var (
	activeMu sync.Mutex
	active   = map[int]bool{}
)

// Snapshot is a captured copy of a terminal's attributes.
type Snapshot struct {
	fd      int
	termios unix.Termios
}

// Capture reads the current attributes of fd.
func Capture(fd int) (Snapshot, error) {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get termios: %w", err)
	}
	return Snapshot{fd: fd, termios: *t}, nil
}

// Fd returns the descriptor the snapshot was taken from.
func (s Snapshot) Fd() int { return s.fd }

// Termios returns a copy of the captured attributes.
func (s Snapshot) Termios() unix.Termios { return s.termios }

// Equal reports whether two snapshots hold identical attributes.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.termios == o.termios
}

// Guard holds the settings a terminal had before Enter.
type Guard struct {
	saved Snapshot

	once sync.Once
	err  error
}

// Enter captures the attributes of fd and switches it to raw mode.
func Enter(fd int) (*Guard, error) {
	if !term.IsTerminal(fd) {
		return nil, ErrNotTerminal
	}

	activeMu.Lock()
	defer activeMu.Unlock()
	if active[fd] {
		return nil, ErrAlreadyRaw
	}

	saved, err := Capture(fd)
	if err != nil {
		return nil, err
	}
	raw := saved.termios
	MakeRaw(&raw)
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return nil, fmt.Errorf("set termios: %w", err)
	}

	active[fd] = true
	return &Guard{saved: saved}, nil
}

// Snapshot returns the attributes captured by Enter.
func (g *Guard) Snapshot() Snapshot { return g.saved }

// Restore reapplies the attributes captured by Enter. Only the first call
// touches the terminal; later calls return the first call's result.
func (g *Guard) Restore() error {
	g.once.Do(func() {
		fd := g.saved.fd
		t := g.saved.termios
		if err := unix.IoctlSetTermios(fd, unix.TCSETS, &t); err != nil {
			g.err = fmt.Errorf("restore termios: %w", err)
		}
		activeMu.Lock()
		delete(active, fd)
		activeMu.Unlock()
	})
	return g.err
}

// MakeRaw clears input, output and line processing on t the way cfmakeraw
// does and configures reads to return after a single byte.
func MakeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}
