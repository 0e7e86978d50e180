// Package prefix implements the escape mechanism that separates keystrokes
// meant for the device from operator commands.
//
// Every byte typed at the console goes through a Machine. Bytes are passed
// through unchanged until the prefix key arrives; the byte after the prefix
// selects a command. Typing the prefix twice sends one literal prefix byte.
// Any other byte after the prefix is dropped together with the prefix, so a
// mistyped command never reaches the device.
package prefix

import (
	"errors"
	"fmt"
	"strings"
)

// Command is an operator action selected after the prefix key.
type Command int

const (
	CommandNone Command = iota
	CommandQuit
	CommandSendFile
	CommandHelp
)

func (c Command) String() string {
	switch c {
	case CommandQuit:
		return "quit"
	case CommandSendFile:
		return "send-file"
	case CommandHelp:
		return "help"
	}
	return "none"
}

// State is the prefix match state.
type State int

const (
	Idle State = iota
	PrefixSeen
)

func (s State) String() string {
	if s == PrefixSeen {
		return "prefix-seen"
	}
	return "idle"
}

// Kind says what to do with the result of feeding one byte.
type Kind int

const (
	// Swallow means the byte was consumed and nothing is emitted.
	Swallow Kind = iota
	// Forward means Action.Byte must be written to the device.
	Forward
	// Execute means Action.Command must be run.
	Execute
)

// Action is the outcome of feeding one byte to a Machine.
type Action struct {
	Kind    Kind
	Byte    byte
	Command Command
}

// Keymap binds the prefix key and the bytes that select each command.
type Keymap struct {
	Prefix   byte
	Commands map[byte]Command
}

const (
	// CtrlT is the default prefix key.
	CtrlT byte = 0x14
	// CtrlQ quits by default.
	CtrlQ byte = 0x11
	// CtrlS sends a file by default.
	CtrlS byte = 0x13
)

// DefaultKeymap returns prefix Ctrl-T with Ctrl-Q/q to quit, Ctrl-S/s to
// send a file and ?/h for help.
func DefaultKeymap() Keymap {
	return Keymap{
		Prefix: CtrlT,
		Commands: map[byte]Command{
			CtrlQ: CommandQuit,
			'q':   CommandQuit,
			CtrlS: CommandSendFile,
			's':   CommandSendFile,
			'?':   CommandHelp,
			'h':   CommandHelp,
		},
	}
}

// Validate rejects keymaps where the prefix also selects a command.
func (k Keymap) Validate() error {
	if cmd, ok := k.Commands[k.Prefix]; ok {
		return fmt.Errorf("prefix %s is also bound to %s", KeyName(k.Prefix), cmd)
	}
	return nil
}

// KeysFor returns the bytes bound to cmd in ascending order.
func (k Keymap) KeysFor(cmd Command) []byte {
	var keys []byte
	for b := 0; b < 256; b++ {
		if c, ok := k.Commands[byte(b)]; ok && c == cmd {
			keys = append(keys, byte(b))
		}
	}
	return keys
}

// Machine is the prefix-key state machine. It is not safe for concurrent use.
type Machine struct {
	keys  Keymap
	state State
}

// New returns a Machine in the Idle state.
func New(keys Keymap) *Machine {
	return &Machine{keys: keys}
}

// State returns the current match state.
func (m *Machine) State() State { return m.state }

// Keymap returns the bindings the machine was built with.
func (m *Machine) Keymap() Keymap { return m.keys }

// Reset drops a pending prefix.
func (m *Machine) Reset() { m.state = Idle }

// Feed consumes one keyboard byte.
func (m *Machine) Feed(b byte) Action {
	if m.state == Idle {
		if b == m.keys.Prefix {
			m.state = PrefixSeen
			return Action{Kind: Swallow}
		}
		return Action{Kind: Forward, Byte: b}
	}

	m.state = Idle
	if b == m.keys.Prefix {
		return Action{Kind: Forward, Byte: b}
	}
	if cmd, ok := m.keys.Commands[b]; ok {
		return Action{Kind: Execute, Command: cmd}
	}
	return Action{Kind: Swallow}
}

// ParseKey turns "ctrl-t", "^T", "C-t" or a single printable character into
// the byte the terminal sends for it.
func ParseKey(s string) (byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty key")
	}
	lower := strings.ToLower(s)
	for _, p := range []string{"ctrl-", "ctrl+", "c-", "^"} {
		if rest, ok := strings.CutPrefix(lower, p); ok && len(rest) == 1 {
			c := rest[0]
			switch {
			case c >= 'a' && c <= 'z':
				return c - 'a' + 1, nil
			case c >= '@' && c <= '_':
				return c - '@', nil
			}
			return 0, fmt.Errorf("no control code for %q", s)
		}
	}
	if len(s) == 1 {
		return s[0], nil
	}
	return 0, fmt.Errorf("unrecognized key %q", s)
}

// KeyName renders b for humans, e.g. "Ctrl-T" or "q".
func KeyName(b byte) string {
	switch {
	case b == 0x7f:
		return "DEL"
	case b == 0x1b:
		return "Esc"
	case b < 0x20:
		return "Ctrl-" + string(rune(b+'@'))
	case b < 0x7f:
		return string(rune(b))
	}
	return fmt.Sprintf("0x%02X", b)
}
