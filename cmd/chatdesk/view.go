package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/kalambet/chatdesk/internal/chat"
)

const defaultWidth = 100

// terminalView prints a chat controller's updates to a terminal. Assistant
// replies are rendered as Markdown when the output is a color terminal.
type terminalView struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *glamour.TermRenderer
	busy     bool
	// idle is closed and replaced each time the view leaves the busy state.
	idle chan struct{}
}

func newTerminalView(out io.Writer) *terminalView {
	v := &terminalView{out: out, idle: make(chan struct{})}
	if f, ok := out.(*os.File); ok && !noColor && term.IsTerminal(int(f.Fd())) {
		width := defaultWidth
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
			width = w
		}
		if r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width-4),
		); err == nil {
			v.renderer = r
		}
	}
	return v
}

// AppendMessage prints assistant replies. User messages are already on
// screen, so only their attachment markers are echoed.
func (v *terminalView) AppendMessage(m chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch m.Role {
	case chat.RoleAssistant:
		fmt.Fprintln(v.out)
		fmt.Fprintln(v.out, colorize(colorMagenta+colorBold, "assistant"))
		fmt.Fprintln(v.out, v.render(m.Content))
	case chat.RoleUser:
		for _, line := range strings.Split(m.Content, "\n") {
			if strings.HasPrefix(line, "[📎") {
				fmt.Fprintln(v.out, colorize(colorGray, line))
			}
		}
	}
}

func (v *terminalView) render(text string) string {
	if v.renderer == nil {
		return text
	}
	out, err := v.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (v *terminalView) ShowStatus(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, colorize(colorGray, "· "+text))
}

func (v *terminalView) SetBusy(busy bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.busy = busy
	if !busy {
		close(v.idle)
		v.idle = make(chan struct{})
	}
}

// waitIdle blocks until no request is pending or ctx is done.
func (v *terminalView) waitIdle(ctx context.Context) {
	for {
		v.mu.Lock()
		busy, idle := v.busy, v.idle
		v.mu.Unlock()
		if !busy {
			return
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return
		}
	}
}

func (v *terminalView) Busy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.busy
}

// printf writes a REPL line under the view's lock so it does not interleave
// with controller output.
func (v *terminalView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}
