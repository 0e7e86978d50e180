package session

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	serial "github.com/luhtfiimanal/go-serial-console"
	"github.com/luhtfiimanal/go-serial-console/internal/prefix"
	"github.com/luhtfiimanal/go-serial-console/internal/rawmode"
	"github.com/luhtfiimanal/go-serial-console/internal/transfer"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *syncBuffer) String() string { return string(b.Bytes()) }

func quietLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.ErrorLevel})
}

type harness struct {
	keyboard *os.File // master side; writes are keystrokes
	tty      *os.File // slave side handed to the session
	device   *os.File // master side of the serial pty
	port     *serial.Port
	received *syncBuffer // bytes the session wrote to the device
	stdout   *syncBuffer
	notices  *syncBuffer
	before   rawmode.Snapshot
	session  *Session
	done     chan error
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, chunk int) *harness {
	t.Helper()
	kbMaster, kbSlave, err := pty.Open()
	require.NoError(t, err)
	devMaster, devSlave, err := pty.Open()
	require.NoError(t, err)
	port, err := serial.Open(serial.DefaultConfig(devSlave.Name()))
	require.NoError(t, err)
	t.Cleanup(func() {
		port.Close()
		devSlave.Close()
		devMaster.Close()
		kbSlave.Close()
		kbMaster.Close()
	})

	before, err := rawmode.Capture(int(kbSlave.Fd()))
	require.NoError(t, err)

	h := &harness{
		keyboard: kbMaster,
		tty:      kbSlave,
		device:   devMaster,
		port:     port,
		received: &syncBuffer{},
		stdout:   &syncBuffer{},
		notices:  &syncBuffer{},
		before:   before,
		done:     make(chan error, 1),
	}

	h.session, err = New(Config{
		Device:      port,
		Input:       kbSlave,
		Output:      h.stdout,
		Notices:     h.notices,
		ChunkSize:   chunk,
		Description: port.Config().String(),
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	return h
}

// start runs the session and waits until the keyboard is in raw mode, so
// keystrokes written afterwards are delivered byte by byte.
func (h *harness) start(t *testing.T) {
	t.Helper()
	go io.Copy(h.received, h.device)
	h.run(t)
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.done <- h.session.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap, err := rawmode.Capture(int(h.tty.Fd()))
		return err == nil && snap.Termios().Lflag&unix.ICANON == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) press(t *testing.T, keys ...byte) {
	t.Helper()
	_, err := h.keyboard.Write(keys)
	require.NoError(t, err)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not exit")
		return nil
	}
}

func (h *harness) requireRestored(t *testing.T) {
	t.Helper()
	after, err := rawmode.Capture(int(h.tty.Fd()))
	require.NoError(t, err)
	require.True(t, h.before.Equal(after), "keyboard settings were not restored")
}

func TestSession_RelayAndQuit(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	h.press(t, []byte("hello")...)
	require.Eventually(t, func() bool { return h.received.String() == "hello" }, 2*time.Second, 5*time.Millisecond)

	_, err := h.device.Write([]byte("world\x00\xff"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.stdout.String() == "world\x00\xff" }, 2*time.Second, 5*time.Millisecond)

	h.press(t, prefix.CtrlT, prefix.CtrlQ)
	require.NoError(t, h.wait(t))
	require.Equal(t, Terminating, h.session.State())
	h.requireRestored(t)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, "hello", h.received.String())
	require.Equal(t, "world\x00\xff", h.stdout.String(), "notices must not leak into device output")
	require.Contains(t, h.notices.String(), "disconnected (quit)")
}

func TestSession_LiteralPrefix(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	h.press(t, 'a', prefix.CtrlT, prefix.CtrlT, prefix.CtrlT, 'x', 'b')
	require.Eventually(t, func() bool { return h.received.String() == "a\x14b" }, 2*time.Second, 5*time.Millisecond)

	h.press(t, prefix.CtrlT, 'q')
	require.NoError(t, h.wait(t))
}

func TestSession_InterruptRestoresTerminal(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	h.press(t, 'x', prefix.CtrlT)
	require.Eventually(t, func() bool { return h.received.String() == "x" }, 2*time.Second, 5*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))
	h.requireRestored(t)
	require.Contains(t, h.notices.String(), "disconnected (interrupted)")
}

func TestSession_DeviceHangUpIsFatal(t *testing.T) {
	h := newHarness(t, 0)
	// no reader on the master, so Close releases it immediately
	h.run(t)

	require.NoError(t, h.device.Close())
	err := h.wait(t)
	require.ErrorIs(t, err, ErrIO)
	h.requireRestored(t)
}

func TestSession_SendFile(t *testing.T) {
	data := make([]byte, 5000)
	rand.New(rand.NewSource(7)).Read(data)
	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	h := newHarness(t, 512)
	h.start(t)

	h.press(t, prefix.CtrlT, prefix.CtrlS)
	require.Eventually(t, func() bool { return bytes.Contains(h.notices.Bytes(), []byte("send file (PWD: ")) }, 2*time.Second, 5*time.Millisecond)
	h.press(t, append([]byte(path), '\r')...)

	require.Eventually(t, func() bool { return bytes.Equal(h.received.Bytes(), data) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bytes.Contains(h.notices.Bytes(), []byte("sent "+path)) }, 2*time.Second, 5*time.Millisecond)

	h.press(t, 'z')
	require.Eventually(t, func() bool { return bytes.HasSuffix(h.received.Bytes(), []byte("z")) }, 2*time.Second, 5*time.Millisecond)

	h.press(t, prefix.CtrlT, prefix.CtrlQ)
	require.NoError(t, h.wait(t))
	h.requireRestored(t)
	require.Len(t, h.received.Bytes(), len(data)+1)
}

func TestSession_LogLinesKeepCarriageReturnWhileRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	h := newHarness(t, 0)
	var terminal syncBuffer
	go io.Copy(&terminal, h.keyboard)

	logOut := NewLineWriter(h.tty)
	var err error
	h.session, err = New(Config{
		Device:      h.port,
		Input:       h.tty,
		Output:      h.stdout,
		Notices:     h.notices,
		Description: h.port.Config().String(),
		Logger:      pslog.NewWithOptions(logOut, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		LogOutput:   logOut,
	})
	require.NoError(t, err)
	h.start(t)

	h.press(t, prefix.CtrlT, 's')
	h.press(t, append([]byte(path), '\r')...)
	require.Eventually(t, func() bool { return bytes.Contains(terminal.Bytes(), []byte("transfer complete")) }, 3*time.Second, 5*time.Millisecond)

	h.press(t, prefix.CtrlT, 'q')
	require.NoError(t, h.wait(t))
	h.requireRestored(t)
	require.Eventually(t, func() bool { return bytes.Contains(terminal.Bytes(), []byte("session exit")) }, 2*time.Second, 5*time.Millisecond)

	out := terminal.Bytes()
	require.Contains(t, string(out), "session start")
	require.Equal(t, bytes.Count(out, []byte("\n")), bytes.Count(out, []byte("\r\n")), "bare newline in %q", out)
}

func TestSession_SendMissingFileReturnsToRunning(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	missing := filepath.Join(t.TempDir(), "nope.bin")
	h.press(t, prefix.CtrlT, 's')
	h.press(t, append([]byte(missing), '\r')...)
	require.Eventually(t, func() bool { return bytes.Contains(h.notices.Bytes(), []byte("file not found")) }, 2*time.Second, 5*time.Millisecond)

	h.press(t, 'k')
	require.Eventually(t, func() bool { return h.received.String() == "k" }, 2*time.Second, 5*time.Millisecond)

	h.press(t, prefix.CtrlT, 'q')
	require.NoError(t, h.wait(t))
}

func TestSession_PromptCancel(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	h.press(t, prefix.CtrlT, 's')
	h.press(t, 'a', 'b', 0x1b)
	require.Eventually(t, func() bool { return bytes.Contains(h.notices.Bytes(), []byte("send cancelled")) }, 2*time.Second, 5*time.Millisecond)

	h.press(t, 'c')
	require.Eventually(t, func() bool { return h.received.String() == "c" }, 2*time.Second, 5*time.Millisecond)

	h.press(t, prefix.CtrlT, 'q')
	require.NoError(t, h.wait(t))
}

func TestSession_KeyboardEOFEndsCleanly(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	devMaster, devSlave, err := pty.Open()
	require.NoError(t, err)
	port, err := serial.Open(serial.DefaultConfig(devSlave.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { port.Close(); devSlave.Close(); devMaster.Close() })

	s, err := New(Config{Device: port, Input: r, Output: io.Discard, Logger: quietLogger()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.NoError(t, w.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not exit on keyboard EOF")
	}
}

// hungUpDevice polls as hung up but reads as empty, like a tty whose carrier
// dropped.
type hungUpDevice struct{ r *os.File }

func (d hungUpDevice) Fd() int                         { return int(d.r.Fd()) }
func (hungUpDevice) Name() string                      { return "hungup" }
func (hungUpDevice) ReadAvailable([]byte) (int, error) { return 0, nil }
func (hungUpDevice) TryWrite(p []byte) (int, error)    { return len(p), nil }

func TestSession_EmptyReadOnHangUpIsFatal(t *testing.T) {
	kr, kw, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { kr.Close(); kw.Close() })
	dr, dw, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { dr.Close() })
	require.NoError(t, dw.Close())

	s, err := New(Config{Device: hungUpDevice{r: dr}, Input: kr, Output: io.Discard, Logger: quietLogger()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrIO)
		require.ErrorContains(t, err, "hang-up")
	case <-time.After(3 * time.Second):
		t.Fatal("session kept polling a hung-up device")
	}
}

func TestSession_FullOutboxPausesKeyboard(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })
	s, err := New(Config{Device: stalledDevice{}, Input: r, Output: io.Discard, Logger: quietLogger()})
	require.NoError(t, err)

	fds := s.pollSet(0)
	require.Equal(t, int32(r.Fd()), fds[0].Fd)
	require.Zero(t, fds[1].Events&unix.POLLOUT)

	s.outbox = make([]byte, maxOutbox-1)
	fds = s.pollSet(0)
	require.Equal(t, int32(r.Fd()), fds[0].Fd)
	require.NotZero(t, fds[1].Events&unix.POLLOUT)

	s.outbox = append(s.outbox, 'x')
	fds = s.pollSet(0)
	require.Equal(t, int32(-1), fds[0].Fd)
	require.NotZero(t, fds[1].Events&unix.POLLOUT)
}

func TestPollTimeout(t *testing.T) {
	require.Zero(t, pollTimeout(time.Now().Add(-time.Second)))
	ms := pollTimeout(time.Now().Add(time.Second))
	require.Greater(t, ms, 0)
	require.LessOrEqual(t, ms, 1000)
}

func TestSendLabelNamesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.Equal(t, "send file (PWD: "+wd+"): ", sendLabel())
}

type stalledDevice struct{}

func (stalledDevice) Fd() int                           { return -1 }
func (stalledDevice) Name() string                      { return "stalled" }
func (stalledDevice) ReadAvailable([]byte) (int, error) { return 0, nil }
func (stalledDevice) TryWrite([]byte) (int, error)      { return 0, nil }

func TestSession_SendFileRejectedWhileTransferring(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })
	notices := &syncBuffer{}
	s, err := New(Config{Device: stalledDevice{}, Input: r, Output: io.Discard, Notices: notices, Logger: quietLogger()})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))
	s.startTransfer(path)
	require.Equal(t, Transferring, s.State())
	active := s.transfer

	s.dispatch(prefix.CommandSendFile)
	require.Equal(t, Transferring, s.State())
	require.Same(t, active, s.transfer)
	require.Contains(t, notices.String(), "already in progress")

	s.dispatch(prefix.CommandQuit)
	require.Equal(t, Terminating, s.State())
	require.Nil(t, s.transfer)
	require.Equal(t, transfer.Failed, active.Advance(stalledDevice{}))
}

func TestSession_WriterTurnsAlternate(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })
	dev := &recordingDevice{}
	s, err := New(Config{Device: dev, Input: r, Output: io.Discard, ChunkSize: 4, Logger: quietLogger()})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("AAAAAAAA"), 0o600))
	s.startTransfer(path)
	s.outbox = append(s.outbox, 'k')

	for i := 0; i < 3; i++ {
		require.NoError(t, s.writeTurn())
	}
	require.Equal(t, []string{"k", "AAAA", "AAAA"}, dev.writes)
	require.Equal(t, Running, s.State())
}

type recordingDevice struct{ writes []string }

func (*recordingDevice) Fd() int                           { return -1 }
func (*recordingDevice) Name() string                      { return "recorder" }
func (*recordingDevice) ReadAvailable([]byte) (int, error) { return 0, nil }
func (d *recordingDevice) TryWrite(p []byte) (int, error) {
	d.writes = append(d.writes, string(p))
	return len(p), nil
}

func TestStateReportsAwaitingCommand(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })
	s, err := New(Config{Device: stalledDevice{}, Input: r, Output: io.Discard, Logger: quietLogger()})
	require.NoError(t, err)

	require.Equal(t, Running, s.State())
	s.machine.Feed(prefix.CtrlT)
	require.Equal(t, AwaitingCommand, s.State())
	require.Equal(t, "awaiting-command", s.State().String())
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	km := prefix.DefaultKeymap()
	km.Prefix = 'q'
	_, err = New(Config{Device: stalledDevice{}, Input: os.Stdin, Output: io.Discard, Keymap: km})
	require.Error(t, err)
}
