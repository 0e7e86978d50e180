package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/luhtfiimanal/go-serial-console/internal/rawmode"
)

var (
	// ErrDeviceNotFound is returned by Open when the device path does not exist.
	ErrDeviceNotFound = errors.New("serial: device not found")
	// ErrPermissionDenied is returned by Open when the device cannot be opened for read/write.
	ErrPermissionDenied = errors.New("serial: permission denied")
	// ErrConfigurationRejected is returned when the line settings are invalid or the device refuses them.
	ErrConfigurationRejected = errors.New("serial: configuration rejected")
	// ErrClosed is returned by any operation on a closed Port.
	ErrClosed = errors.New("serial: port closed")
	// ErrWriteTimeout is returned by Write when the device stops accepting bytes.
	ErrWriteTimeout = errors.New("serial: write timed out")
)

// Port is an open serial device in raw, non-blocking mode.
// Reads and writes never block except Write, which waits for the driver to
// drain up to Config.WriteTimeout. Close is safe to call from any goroutine.
type Port struct {
	fd        int
	file      *os.File
	config    Config
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Open opens the device named in cfg and configures it for raw operation
// with the requested line settings.
func Open(cfg Config) (*Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, classifyOpenError(cfg.Device, err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: get termios: %w", ErrConfigurationRejected, cfg.Device, err)
	}

	rawmode.MakeRaw(termios)
	// Reads are driven by poll; never let the driver hold a read back.
	termios.Cc[unix.VMIN] = 0
	if err := cfg.apply(termios); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: set termios: %w", ErrConfigurationRejected, cfg.Device, err)
	}

	return &Port{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		config: cfg,
	}, nil
}

func classifyOpenError(device string, err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, device, err)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM), errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%w: %s: %w", ErrPermissionDenied, device, err)
	}
	return fmt.Errorf("open %s: %w", device, err)
}

// Fd returns the underlying descriptor, for use with poll.
func (p *Port) Fd() int { return p.fd }

// Name returns the device path the port was opened with.
func (p *Port) Name() string { return p.config.Device }

// Config returns the settings the port was opened with.
func (p *Port) Config() Config { return p.config }

// ReadAvailable copies whatever bytes are pending into buf without waiting.
// It returns 0, nil when nothing is pending and io.EOF when the device hung up.
func (p *Port) ReadAvailable(buf []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}
	if len(buf) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Read(p.fd, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("read %s: %w", p.config.Device, err)
		case n == 0:
			if p.hungUp() {
				return 0, io.EOF
			}
			return 0, nil
		}
		return n, nil
	}
}

// hungUp distinguishes "VMIN=0 and nothing queued" from a real hang-up,
// both of which make read return 0.
func (p *Port) hungUp() bool {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, 0); err != nil {
		return false
	}
	return fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
}

// TryWrite performs a single non-blocking write and reports how many bytes
// the driver accepted. A full output queue yields 0, nil.
func (p *Port) TryWrite(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Write(p.fd, b)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("write %s: %w", p.config.Device, err)
		}
		return n, nil
	}
}

// Write writes all of b, waiting for the device to become writable between
// partial writes. It fails with ErrWriteTimeout when no progress is made for
// the configured write timeout.
func (p *Port) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := p.TryWrite(b[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n > 0 {
			continue
		}
		if err := p.waitWritable(p.config.writeTimeout()); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (p *Port) waitWritable(timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll %s: %w", p.config.Device, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrWriteTimeout, p.config.Device)
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("write %s: %w", p.config.Device, io.ErrClosedPipe)
		}
		return nil
	}
}

// Drain blocks until all queued output has been transmitted.
func (p *Port) Drain() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return unix.IoctlSetInt(p.fd, unix.TCSBRK, 1)
}

// Flush discards data received but not read and data written but not sent.
func (p *Port) Flush() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIOFLUSH)
}

// Close closes the serial port.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		err = p.file.Close()
	})
	return err
}
