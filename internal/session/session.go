// Package session runs the interactive console: it relays bytes between the
// keyboard and a serial device, interprets prefix-key commands, and pushes
// files to the device without stalling live output.
//
// Everything happens on the goroutine that calls Run. A single poll(2) call
// waits on the keyboard, the device and a wake-up pipe that is written when
// the context is cancelled, so quitting, signals and fatal errors all leave
// through the same path and the terminal is always restored before Run
// returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"github.com/luhtfiimanal/go-serial-console/internal/prefix"
	"github.com/luhtfiimanal/go-serial-console/internal/rawmode"
	"github.com/luhtfiimanal/go-serial-console/internal/transfer"
)

// ErrIO reports a fatal read or write failure on the keyboard, the device or
// the output stream.
var ErrIO = errors.New("session: i/o error")

// Device is the serial side of a session. *serial.Port implements it.
type Device interface {
	Fd() int
	Name() string
	ReadAvailable(buf []byte) (int, error)
	TryWrite(p []byte) (int, error)
}

// Config wires a Session to its streams.
type Config struct {
	Device Device
	// Input is the keyboard. When it is a terminal it is put in raw mode
	// for the lifetime of Run.
	Input *os.File
	// Output receives device bytes and nothing else.
	Output io.Writer
	// Notices receives operator messages and the file prompt.
	Notices io.Writer
	Keymap  prefix.Keymap
	// ChunkSize is the file transfer chunk; zero selects transfer.DefaultChunkSize.
	ChunkSize int
	// Description is shown in the connect banner, e.g. "115200 8N1".
	Description string
	// Logger defaults to the logger carried by the Run context.
	Logger pslog.Logger
	// LogOutput, when set, is the writer behind Logger. It is switched to
	// CRLF line endings while the keyboard is raw.
	LogOutput *LineWriter
}

// State is the orchestrator's view of the session.
type State int

const (
	Running State = iota
	AwaitingCommand
	Prompting
	Transferring
	Terminating
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case AwaitingCommand:
		return "awaiting-command"
	case Prompting:
		return "prompting"
	case Transferring:
		return "transferring"
	case Terminating:
		return "terminating"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type writer int

const (
	writerNone writer = iota
	writerOutbox
	writerTransfer
)

const (
	readChunk    = 4096
	flushTimeout = 500 * time.Millisecond
	// keyboard reads pause while this many keystrokes wait for the device
	maxOutbox = 64 << 10
)

// Session is one console attached to one device.
type Session struct {
	cfg     Config
	inFd    int
	machine *prefix.Machine
	prompt  *pathPrompt
	notice  *notifier
	log     pslog.Logger

	state    State
	outbox   []byte
	transfer *transfer.Transfer
	last     writer
	reason   string
	inBuf    []byte
	devBuf   []byte
}

// New validates cfg and returns a Session ready to Run.
func New(cfg Config) (*Session, error) {
	if cfg.Device == nil {
		return nil, errors.New("session: no device")
	}
	if cfg.Input == nil {
		return nil, errors.New("session: no input")
	}
	if cfg.Output == nil {
		return nil, errors.New("session: no output")
	}
	if cfg.Notices == nil {
		cfg.Notices = io.Discard
	}
	if cfg.Keymap.Commands == nil {
		cfg.Keymap = prefix.DefaultKeymap()
	}
	if err := cfg.Keymap.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = transfer.DefaultChunkSize
	}

	return &Session{
		cfg:     cfg,
		inFd:    int(cfg.Input.Fd()),
		machine: prefix.New(cfg.Keymap),
		prompt:  newPathPrompt(cfg.Notices),
		notice:  newNotifier(cfg.Notices),
		log:     cfg.Logger,
		inBuf:   make([]byte, 512),
		devBuf:  make([]byte, readChunk),
	}, nil
}

// State reports the current session state. It must be called from the
// goroutine running Run, or after Run returned.
func (s *Session) State() State {
	if s.state == Running && s.machine.State() == prefix.PrefixSeen {
		return AwaitingCommand
	}
	return s.state
}

// Run relays bytes until the operator quits, the keyboard reaches EOF, ctx is
// cancelled, or a fatal I/O error occurs. Only the last case returns an
// error. The keyboard's terminal settings are restored before Run returns on
// every path.
func (s *Session) Run(ctx context.Context) (err error) {
	if s.log == nil {
		s.log = pslog.Ctx(ctx)
	}
	log := s.log.With("device", s.cfg.Device.Name())
	log.Info("session start", "settings", s.cfg.Description)
	defer func() {
		if err != nil {
			log.Info("session exit", "reason", "error", "err", err)
			return
		}
		log.Info("session exit", "reason", s.reason)
	}()

	guard, gerr := rawmode.Enter(s.inFd)
	switch {
	case gerr == nil:
		s.cfg.LogOutput.setRaw(true)
		defer func() {
			rerr := guard.Restore()
			s.cfg.LogOutput.setRaw(false)
			if rerr != nil && err == nil {
				err = rerr
			}
		}()
	case errors.Is(gerr, rawmode.ErrNotTerminal):
		log.Debug("keyboard is not a terminal; raw mode skipped")
	default:
		return gerr
	}

	wake, err := newWaker()
	if err != nil {
		return err
	}
	defer wake.close()
	stop := context.AfterFunc(ctx, wake.signal)
	defer stop()

	s.state = Running
	s.notice.info("connected to %s %s; %s %s for help", s.cfg.Device.Name(), s.cfg.Description,
		prefix.KeyName(s.cfg.Keymap.Prefix), keyList(s.cfg.Keymap, prefix.CommandHelp))

	for s.state != Terminating {
		if err := s.step(wake); err != nil {
			s.terminate("error")
			s.notice.error("%v", err)
			return err
		}
	}

	s.flushOutbox()
	s.notice.info("disconnected (%s)", s.reason)
	return nil
}

// step runs one poll cycle.
func (s *Session) step(wake *waker) error {
	fds := s.pollSet(wake.r)
	if _, err := unix.Poll(fds, -1); err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("%w: poll: %w", ErrIO, err)
	}

	if fds[2].Revents != 0 {
		s.terminate("interrupted")
	}
	if fds[0].Revents != 0 && s.state != Terminating {
		if err := s.readKeyboard(); err != nil {
			return err
		}
	}
	if fds[1].Revents&unix.POLLNVAL != 0 {
		return fmt.Errorf("%w: %s: invalid descriptor", ErrIO, s.cfg.Device.Name())
	}
	if fds[1].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		n, err := s.readDevice()
		if err != nil {
			return err
		}
		if n == 0 && fds[1].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			return fmt.Errorf("%w: %s: device error or hang-up", ErrIO, s.cfg.Device.Name())
		}
	}
	if fds[1].Revents&unix.POLLOUT != 0 && s.state != Terminating {
		return s.writeTurn()
	}
	return nil
}

// pollSet lists the keyboard, the device and the wake pipe. The keyboard is
// left out (fd -1) while the outbox is full, so a stalled device pushes back
// on the operator instead of growing the outbox.
func (s *Session) pollSet(wakeFd int) []unix.PollFd {
	fds := []unix.PollFd{
		{Fd: int32(s.inFd), Events: unix.POLLIN},
		{Fd: int32(s.cfg.Device.Fd()), Events: unix.POLLIN},
		{Fd: int32(wakeFd), Events: unix.POLLIN},
	}
	if len(s.outbox) >= maxOutbox {
		fds[0].Fd = -1
	}
	if len(s.outbox) > 0 || s.transfer != nil {
		fds[1].Events |= unix.POLLOUT
	}
	return fds
}

func (s *Session) readKeyboard() error {
	n, err := unix.Read(s.inFd, s.inBuf)
	switch {
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		return nil
	case err != nil:
		return fmt.Errorf("%w: keyboard: %w", ErrIO, err)
	case n == 0:
		s.terminate("end of input")
		return nil
	}

	for _, b := range s.inBuf[:n] {
		if s.state == Terminating {
			break
		}
		if s.state == Prompting {
			s.feedPrompt(b)
			continue
		}
		a := s.machine.Feed(b)
		switch a.Kind {
		case prefix.Forward:
			s.outbox = append(s.outbox, a.Byte)
		case prefix.Execute:
			s.dispatch(a.Command)
		}
	}
	return nil
}

// readDevice copies at most one buffer of device output per cycle so a
// chatty device cannot starve the keyboard.
func (s *Session) readDevice() (int, error) {
	n, err := s.cfg.Device.ReadAvailable(s.devBuf)
	if errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w: %s: device hung up", ErrIO, s.cfg.Device.Name())
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := s.cfg.Output.Write(s.devBuf[:n]); err != nil {
		return n, fmt.Errorf("%w: output: %w", ErrIO, err)
	}
	return n, nil
}

// writeTurn gives the device's write path to exactly one writer. When both
// the keyboard outbox and a transfer are pending they alternate.
func (s *Session) writeTurn() error {
	if len(s.outbox) > 0 && (s.transfer == nil || s.last != writerOutbox) {
		s.last = writerOutbox
		return s.writeOutbox()
	}
	if s.transfer != nil {
		s.last = writerTransfer
		s.advanceTransfer()
	}
	return nil
}

func (s *Session) writeOutbox() error {
	n, err := s.cfg.Device.TryWrite(s.outbox)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	s.outbox = append(s.outbox[:0], s.outbox[n:]...)
	return nil
}

// flushOutbox gives keystrokes typed just before quitting a bounded chance
// to reach the device.
func (s *Session) flushOutbox() {
	deadline := time.Now().Add(flushTimeout)
	for len(s.outbox) > 0 && time.Now().Before(deadline) {
		if err := s.writeOutbox(); err != nil {
			s.log.Debug("outbox flush failed", "err", err, "pending", len(s.outbox))
			return
		}
		if len(s.outbox) == 0 {
			return
		}
		fds := []unix.PollFd{{Fd: int32(s.cfg.Device.Fd()), Events: unix.POLLOUT}}
		if _, err := unix.Poll(fds, pollTimeout(deadline)); err != nil && !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

func (s *Session) dispatch(cmd prefix.Command) {
	switch cmd {
	case prefix.CommandQuit:
		s.terminate("quit")
	case prefix.CommandSendFile:
		if s.transfer != nil {
			s.log.Warn("command rejected", "command", cmd.String(), "reason", "transfer in progress", "path", s.transfer.Path())
			s.notice.warn("transfer of %s already in progress (%d/%d bytes)", s.transfer.Path(), s.transfer.Offset(), s.transfer.Size())
			return
		}
		s.state = Prompting
		s.prompt.begin(sendLabel())
	case prefix.CommandHelp:
		s.notice.info("%s", helpText(s.cfg.Keymap))
	}
}

func (s *Session) feedPrompt(b byte) {
	ev, path := s.prompt.feed(b)
	switch ev {
	case promptCancel:
		s.state = Running
		s.notice.info("send cancelled")
	case promptSubmit:
		s.state = Running
		if path == "" {
			s.notice.info("send cancelled")
			return
		}
		s.startTransfer(path)
	}
}

func (s *Session) startTransfer(path string) {
	t, err := transfer.Start(path, s.cfg.ChunkSize)
	if err != nil {
		s.log.Warn("transfer failed", "path", path, "err", err)
		s.notice.error("send %s: %v", path, err)
		return
	}
	s.transfer = t
	s.state = Transferring
	s.log.Info("transfer start", "path", path, "size", t.Size(), "chunk", t.ChunkSize())
	s.notice.info("sending %s (%d bytes)", path, t.Size())
}

func (s *Session) advanceTransfer() {
	t := s.transfer
	switch t.Advance(s.cfg.Device) {
	case transfer.InProgress:
		return
	case transfer.Complete:
		s.log.Info("transfer complete", "path", t.Path(), "bytes", t.Offset(), "elapsed", t.Elapsed())
		s.notice.info("sent %s (%d bytes in %s)", t.Path(), t.Offset(), t.Elapsed().Round(time.Millisecond))
	case transfer.Failed:
		s.log.Warn("transfer failed", "path", t.Path(), "sent", t.Offset(), "err", t.Err())
		s.notice.error("send %s failed after %d of %d bytes: %v", t.Path(), t.Offset(), t.Size(), t.Err())
	}
	s.transfer = nil
	s.state = Running
}

func (s *Session) terminate(reason string) {
	if s.state == Terminating {
		return
	}
	if t := s.transfer; t != nil {
		t.Abort(errors.New(reason))
		s.log.Warn("transfer aborted", "path", t.Path(), "sent", t.Offset(), "size", t.Size())
		s.notice.warn("send %s aborted after %d of %d bytes", t.Path(), t.Offset(), t.Size())
		s.transfer = nil
	}
	s.machine.Reset()
	s.state = Terminating
	s.reason = reason
}

// pollTimeout converts deadline to a poll(2) timeout. It never returns a
// negative value, which poll treats as "wait forever".
func pollTimeout(deadline time.Time) int {
	ms := time.Until(deadline).Milliseconds()
	if ms < 0 {
		return 0
	}
	return int(ms)
}

// sendLabel names the working directory, which relative paths and Tab
// completion resolve against.
func sendLabel() string {
	wd, err := os.Getwd()
	if err != nil {
		return "send file: "
	}
	return "send file (PWD: " + wd + "): "
}

// waker is a self-pipe that makes poll return when the context is done.
type waker struct {
	mu     sync.Mutex
	r, w   int
	closed bool
}

func newWaker() (*waker, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	return &waker{r: p[0], w: p[1]}, nil
}

func (w *waker) signal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		unix.Write(w.w, []byte{1})
	}
}

func (w *waker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		unix.Close(w.r)
		unix.Close(w.w)
	}
}
