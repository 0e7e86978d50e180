package session

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

type promptEvent int

const (
	promptEdit promptEvent = iota
	promptSubmit
	promptCancel
)

// pathPrompt is a one-line editor for the send-file path. The keyboard is in
// raw mode, so it echoes what it accepts and writes CRLF line endings.
type pathPrompt struct {
	w    io.Writer
	line []byte
}

func newPathPrompt(w io.Writer) *pathPrompt {
	return &pathPrompt{w: w}
}

func (p *pathPrompt) begin(label string) {
	p.line = p.line[:0]
	io.WriteString(p.w, "\r\n"+label)
}

// feed consumes one keystroke. On promptSubmit the second result is the
// entered path with surrounding blanks removed and a leading ~ expanded.
func (p *pathPrompt) feed(b byte) (promptEvent, string) {
	switch b {
	case '\r', '\n':
		io.WriteString(p.w, "\r\n")
		return promptSubmit, expandHome(strings.TrimSpace(string(p.line)))
	case 0x03, 0x07, 0x1b: // Ctrl-C, Ctrl-G, Esc
		io.WriteString(p.w, "\r\n")
		return promptCancel, ""
	case 0x7f, 0x08:
		p.erase(1)
	case 0x15: // Ctrl-U
		p.erase(utf8.RuneCount(p.line))
	case 0x17: // Ctrl-W
		p.eraseWord()
	case '\t':
		text := string(p.line)
		if done := completePath(text); len(done) > len(text) {
			p.insert(done[len(text):])
		}
	default:
		if b >= 0x20 {
			p.insert(string([]byte{b}))
		}
	}
	return promptEdit, ""
}

func (p *pathPrompt) insert(s string) {
	p.line = append(p.line, s...)
	io.WriteString(p.w, s)
}

func (p *pathPrompt) erase(runes int) {
	for ; runes > 0 && len(p.line) > 0; runes-- {
		_, size := utf8.DecodeLastRune(p.line)
		p.line = p.line[:len(p.line)-size]
		io.WriteString(p.w, "\b \b")
	}
}

func (p *pathPrompt) eraseWord() {
	text := strings.TrimRight(string(p.line), "/ ")
	cut := strings.LastIndexAny(text, "/ ") + 1
	p.erase(utf8.RuneCount(p.line[cut:]))
}

// completePath extends input to the longest prefix shared by every directory
// entry it could name. Directories complete with a trailing slash.
func completePath(input string) string {
	dir, base := ".", input
	prefix := ""
	if i := strings.LastIndexByte(input, '/'); i >= 0 {
		prefix = input[:i+1]
		dir, base = expandHome(prefix), input[i+1:]
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return input
	}
	var matches []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base) {
			continue
		}
		if strings.HasPrefix(name, ".") && !strings.HasPrefix(base, ".") {
			continue
		}
		if isDir(filepath.Join(dir, name), e) {
			name += "/"
		}
		matches = append(matches, name)
	}
	if len(matches) == 0 {
		return input
	}
	sort.Strings(matches)
	return prefix + commonPrefix(matches)
}

func isDir(path string, e os.DirEntry) bool {
	if e.IsDir() {
		return true
	}
	if e.Type()&os.ModeSymlink != 0 {
		info, err := os.Stat(path)
		return err == nil && info.IsDir()
	}
	return false
}

// commonPrefix expects sorted input.
func commonPrefix(sorted []string) string {
	first, last := sorted[0], sorted[len(sorted)-1]
	n := 0
	for n < len(first) && n < len(last) && first[n] == last[n] {
		n++
	}
	return first[:n]
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
