package serial

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device      string
	BaudRate    int
	DataBits    int // 5..8, default 8
	Parity      Parity
	StopBits    StopBits
	FlowControl FlowControl
	// WriteTimeout bounds how long Write waits for the driver to accept
	// bytes. Zero means DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// DefaultWriteTimeout is used when Config.WriteTimeout is zero.
const DefaultWriteTimeout = 2 * time.Second

// DefaultConfig returns 115200 8N1 without flow control for device.
func DefaultConfig(device string) Config {
	return Config{
		Device:   device,
		BaudRate: 115200,
		DataBits: 8,
		Parity:   ParityNone,
		StopBits: StopBitsOne,
	}
}

// String renders the line settings the way they are usually written, e.g. "115200 8N1".
func (c Config) String() string {
	return fmt.Sprintf("%d %d%s%d", c.BaudRate, c.dataBits(), c.Parity.letter(), c.StopBits.count())
}

func (c Config) dataBits() int {
	if c.DataBits == 0 {
		return 8
	}
	return c.DataBits
}

func (c Config) writeTimeout() time.Duration {
	if c.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return c.WriteTimeout
}

// Validate checks the line settings without touching any device.
func (c Config) Validate() error {
	if _, err := baudToUnix(c.BaudRate); err != nil {
		return err
	}
	if _, err := dataBitsToUnix(c.dataBits()); err != nil {
		return err
	}
	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven:
	default:
		return fmt.Errorf("%w: parity %d", ErrConfigurationRejected, c.Parity)
	}
	switch c.StopBits {
	case StopBitsOne, StopBitsTwo:
	default:
		return fmt.Errorf("%w: stop bits %d", ErrConfigurationRejected, c.StopBits)
	}
	switch c.FlowControl {
	case FlowNone, FlowSoftware, FlowHardware:
	default:
		return fmt.Errorf("%w: flow control %d", ErrConfigurationRejected, c.FlowControl)
	}
	return nil
}

// apply writes the line settings into t on top of a raw configuration.
func (c Config) apply(t *unix.Termios) error {
	baud, err := baudToUnix(c.BaudRate)
	if err != nil {
		return err
	}
	size, err := dataBitsToUnix(c.dataBits())
	if err != nil {
		return err
	}

	t.Cflag &^= unix.CBAUD | unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= baud | size | unix.CREAD | unix.CLOCAL
	t.Ispeed = baud
	t.Ospeed = baud

	switch c.Parity {
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		t.Cflag |= unix.PARENB
	}
	if c.StopBits == StopBitsTwo {
		t.Cflag |= unix.CSTOPB
	}

	t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	switch c.FlowControl {
	case FlowSoftware:
		t.Iflag |= unix.IXON | unix.IXOFF
	case FlowHardware:
		t.Cflag |= unix.CRTSCTS
	}
	return nil
}

// Parity is the parity mode of the line.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	}
	return fmt.Sprintf("parity(%d)", int(p))
}

func (p Parity) letter() string {
	switch p {
	case ParityOdd:
		return "O"
	case ParityEven:
		return "E"
	}
	return "N"
}

// Set parses s, implementing pflag.Value.
func (p *Parity) Set(s string) error {
	v, err := ParseParity(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Type implements pflag.Value.
func (*Parity) Type() string { return "parity" }

// ParseParity accepts none, odd, even (or n, o, e).
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "n":
		return ParityNone, nil
	case "odd", "o":
		return ParityOdd, nil
	case "even", "e":
		return ParityEven, nil
	}
	return 0, fmt.Errorf("%w: unknown parity %q", ErrConfigurationRejected, s)
}

// StopBits is the number of stop bits.
type StopBits int

const (
	StopBitsOne StopBits = iota
	StopBitsTwo
)

func (s StopBits) count() int {
	if s == StopBitsTwo {
		return 2
	}
	return 1
}

func (s StopBits) String() string {
	switch s {
	case StopBitsOne:
		return "1"
	case StopBitsTwo:
		return "2"
	}
	return fmt.Sprintf("stopbits(%d)", int(s))
}

// Set parses v, implementing pflag.Value.
func (s *StopBits) Set(v string) error {
	parsed, err := ParseStopBits(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Type implements pflag.Value.
func (*StopBits) Type() string { return "stopbits" }

// ParseStopBits accepts "1" or "2".
func ParseStopBits(v string) (StopBits, error) {
	switch strings.TrimSpace(v) {
	case "", "1":
		return StopBitsOne, nil
	case "2":
		return StopBitsTwo, nil
	}
	return 0, fmt.Errorf("%w: unsupported stop bits %q", ErrConfigurationRejected, v)
}

// FlowControl is the flow control method of the line.
type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowSoftware
	FlowHardware
)

func (f FlowControl) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowSoftware:
		return "software"
	case FlowHardware:
		return "hardware"
	}
	return fmt.Sprintf("flow(%d)", int(f))
}

// Set parses s, implementing pflag.Value.
func (f *FlowControl) Set(s string) error {
	v, err := ParseFlowControl(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Type implements pflag.Value.
func (*FlowControl) Type() string { return "flow" }

// ParseFlowControl accepts none, software (xon/xoff) and hardware (rts/cts).
func ParseFlowControl(s string) (FlowControl, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return FlowNone, nil
	case "software", "xonxoff", "xon/xoff":
		return FlowSoftware, nil
	case "hardware", "rtscts", "rts/cts":
		return FlowHardware, nil
	}
	return 0, fmt.Errorf("%w: unknown flow control %q", ErrConfigurationRejected, s)
}

func dataBitsToUnix(bits int) (uint32, error) {
	switch bits {
	case 5:
		return unix.CS5, nil
	case 6:
		return unix.CS6, nil
	case 7:
		return unix.CS7, nil
	case 8:
		return unix.CS8, nil
	}
	return 0, fmt.Errorf("%w: data bits %d", ErrConfigurationRejected, bits)
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 50:
		return unix.B50, nil
	case 75:
		return unix.B75, nil
	case 110:
		return unix.B110, nil
	case 134:
		return unix.B134, nil
	case 150:
		return unix.B150, nil
	case 200:
		return unix.B200, nil
	case 300:
		return unix.B300, nil
	case 600:
		return unix.B600, nil
	case 1200:
		return unix.B1200, nil
	case 1800:
		return unix.B1800, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 500000:
		return unix.B500000, nil
	case 576000:
		return unix.B576000, nil
	case 921600:
		return unix.B921600, nil
	case 1000000:
		return unix.B1000000, nil
	case 1152000:
		return unix.B1152000, nil
	case 1500000:
		return unix.B1500000, nil
	case 2000000:
		return unix.B2000000, nil
	case 2500000:
		return unix.B2500000, nil
	case 3000000:
		return unix.B3000000, nil
	case 3500000:
		return unix.B3500000, nil
	case 4000000:
		return unix.B4000000, nil
	}
	return 0, fmt.Errorf("%w: baud rate %d", ErrConfigurationRejected, baud)
}
