// Package serial opens Linux serial devices in raw, non-blocking mode for
// interactive consoles.
//
// It is designed to sit under a poll-driven event loop: Fd exposes the
// descriptor, ReadAvailable never waits, and TryWrite reports partial writes
// so the caller decides when to try again. Write is the blocking convenience
// that loops until all bytes are accepted or the write timeout expires.
//
// Features:
//   - Raw syscall-based serial I/O on Linux, no buffering delays
//   - Baud rates 50 to 4000000, 5-8 data bits, none/odd/even parity, 1 or 2 stop bits
//   - Software (XON/XOFF) and hardware (RTS/CTS) flow control
//   - Distinct error kinds for missing devices, permissions and rejected settings
//   - PTY-based tests for reliability
//
// This package does **not** support Windows.
//
// Example usage:
//
//	port, err := serial.Open(serial.Config{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	    DataBits: 8,
//	})
//	switch {
//	case errors.Is(err, serial.ErrDeviceNotFound):
//	    log.Fatal("plug the board in first")
//	case err != nil:
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	if _, err := port.Write([]byte("\r\n")); err != nil {
//	    log.Println("Write failed:", err)
//	}
//
//	buf := make([]byte, 4096)
//	n, err := port.ReadAvailable(buf) // returns 0, nil when nothing is pending
package serial
