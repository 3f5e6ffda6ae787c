package cli

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

const (
	clearLine    = "\033[K"
	defaultWidth = 80
)

// printer serializes command output. On a terminal, progress lines are
// redrawn in place; elsewhere every line is kept.
type printer struct {
	out io.Writer
	fd  int
	tty bool

	mu   sync.Mutex
	open bool
}

func newPrinter(out io.Writer) *printer {
	p := &printer{out: out, fd: -1}
	if f, ok := out.(*os.File); ok {
		p.fd = int(f.Fd())
		p.tty = term.IsTerminal(p.fd)
	}
	return p
}

func (p *printer) width() int {
	if !p.tty {
		return 0
	}
	w, _, err := term.GetSize(p.fd)
	if err != nil || w <= 0 {
		return defaultWidth
	}
	return w
}

// Printf prints a complete line, ending any open progress line first.
func (p *printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	fmt.Fprintf(p.out, format, args...)
}

// Progress prints a progress line that the next Progress call replaces.
func (p *printer) Progress(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.tty {
		fmt.Fprintln(p.out, line)
		return
	}
	if w := p.width(); len(line) >= w {
		line = line[:w-1]
	}
	fmt.Fprint(p.out, "\r"+line+clearLine)
	p.open = true
}

// Finish ends an open progress line.
func (p *printer) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *printer) closeLocked() {
	if p.open {
		fmt.Fprintln(p.out)
		p.open = false
	}
}
