package session

import (
	"fmt"
	"io"
	"strings"

	"github.com/muesli/termenv"

	"github.com/luhtfiimanal/go-serial-console/internal/prefix"
)

const noticeTag = "[sercon]"

// notifier writes operator messages. Colors are dropped automatically when
// the writer is not a color terminal.
type notifier struct {
	w   io.Writer
	out *termenv.Output
}

func newNotifier(w io.Writer) *notifier {
	return &notifier{w: w, out: termenv.NewOutput(w)}
}

func (n *notifier) info(format string, args ...any)  { n.write("#5fafff", format, args...) }
func (n *notifier) warn(format string, args ...any)  { n.write("#ffaf00", format, args...) }
func (n *notifier) error(format string, args ...any) { n.write("#ff5f5f", format, args...) }

func (n *notifier) write(color, format string, args ...any) {
	msg := noticeTag + " " + fmt.Sprintf(format, args...)
	// raw mode: every line needs an explicit carriage return
	msg = strings.ReplaceAll(msg, "\n", "\r\n")
	styled := n.out.String(msg).Foreground(n.out.Color(color))
	fmt.Fprintf(n.w, "\r\n%s\r\n", styled)
}

func helpText(km prefix.Keymap) string {
	p := prefix.KeyName(km.Prefix)
	var b strings.Builder
	b.WriteString("commands (press " + p + " first):")
	for _, row := range []struct {
		cmd  prefix.Command
		desc string
	}{
		{prefix.CommandQuit, "quit"},
		{prefix.CommandSendFile, "send a file"},
		{prefix.CommandHelp, "show this help"},
	} {
		if keys := keyList(km, row.cmd); keys != "" {
			fmt.Fprintf(&b, "\n  %-16s %s", keys, row.desc)
		}
	}
	fmt.Fprintf(&b, "\n  %-16s send a literal %s", p, p)
	return b.String()
}

func keyList(km prefix.Keymap, cmd prefix.Command) string {
	var names []string
	for _, k := range km.KeysFor(cmd) {
		names = append(names, prefix.KeyName(k))
	}
	return strings.Join(names, "/")
}
