package console

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Console is a headless virtual terminal wired to the guest serial
// port. Guest output is written into a VT emulator so the rendered
// screen can be inspected during or after a run; replies the emulator
// generates for terminal queries are exposed through Read for feeding
// back as guest input.
type Console struct {
	emu *vt.SafeEmulator

	// Pipe used to expose VT-generated replies as an io.Reader.
	inR *io.PipeReader
	inW *io.PipeWriter

	// inputQ decouples VT reply generation from the downstream pipe
	// write so a slow reader cannot stall the emulator.
	inputQ chan []byte

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New builds a console with a cols by rows screen. Sizes below one
// fall back to an 80x25 grid.
func New(cols, rows int) *Console {
	if cols < 1 {
		cols = 80
	}
	if rows < 1 {
		rows = 25
	}

	emu := vt.NewSafeEmulator(cols, rows)
	disableVTQueriesThatBreakGuests(emu)

	inR, inW := io.Pipe()

	c := &Console{
		emu:     emu,
		inR:     inR,
		inW:     inW,
		inputQ:  make(chan []byte, 1024),
		closeCh: make(chan struct{}),
	}

	// VT -> pipe (replies).
	go c.readVTIntoQueue()
	go c.drainQueueToPipe()

	return c
}

// disableVTQueriesThatBreakGuests prevents the VT emulator from writing
// certain automatic "terminal replies" (like cursor position reports)
// into the input stream. Some guest userspace (notably minimal
// shells/prompts) can end up echoing these bytes, which appears as a
// constant stream of stuck input and breaks interactive sessions.
func disableVTQueriesThatBreakGuests(emu *vt.SafeEmulator) {
	if emu == nil {
		return
	}

	// Device Status Report (DSR): CSI n
	// We swallow CPR (n=6) and Operating Status (n=5) to avoid unsolicited replies.
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		switch n {
		case 5, 6:
			return true
		default:
			return false
		}
	})

	// DEC private DSR: CSI ? n
	// We swallow Extended Cursor Position Report (n=6).
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		if n == 6 {
			return true
		}
		return false
	})

	// Device Attributes: CSI c and CSI > c
	// Some programs probe terminal type and then (mis)use the replies as input.
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		// Only swallow the standard query form (CSI 0 c).
		if n == 0 {
			return true
		}
		return false
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		if n == 0 {
			return true
		}
		return false
	})
}

// Write implements io.Writer. It feeds bytes into the VT emulator
// (guest output).
func (c *Console) Write(p []byte) (int, error) {
	if c == nil || c.emu == nil {
		return 0, io.EOF
	}
	return c.emu.Write(p)
}

// Read implements io.Reader. It exposes the VT-generated reply stream.
func (c *Console) Read(p []byte) (int, error) {
	if c == nil || c.inR == nil {
		return 0, io.EOF
	}
	return c.inR.Read(p)
}

// Size returns the current screen dimensions.
func (c *Console) Size() (cols, rows int) {
	return c.emu.Width(), c.emu.Height()
}

// Resize changes the screen dimensions, normally when the hosting
// terminal window changes size.
func (c *Console) Resize(cols, rows int) {
	if cols < 1 || rows < 1 {
		return
	}
	c.emu.Resize(cols, rows)
}

// Screen returns the visible terminal contents as one string per row,
// with trailing blanks trimmed.
func (c *Console) Screen() []string {
	cols, rows := c.emu.Width(), c.emu.Height()

	lines := make([]string, rows)
	for y := 0; y < rows; y++ {
		var sb strings.Builder
		for x := 0; x < cols; {
			cell := c.emu.CellAt(x, y)
			w := 1
			content := " "

			if cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				if cell.Width > 1 {
					w = cell.Width
				}
			}

			sb.WriteString(content)
			x += w
		}
		lines[y] = strings.TrimRight(sb.String(), " ")
	}
	return lines
}

// String renders the screen as a single string, dropping trailing
// empty rows.
func (c *Console) String() string {
	lines := c.Screen()
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func (c *Console) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if c.emu != nil {
			_ = c.emu.Close()
		}
		if c.inW != nil {
			_ = c.inW.Close()
		}
		if c.inR != nil {
			_ = c.inR.Close()
		}
	})
	return nil
}

func (c *Console) readVTIntoQueue() {
	buf := make([]byte, 4096)
	for {
		n, err := c.emu.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case c.inputQ <- b:
			case <-c.closeCh:
				close(c.inputQ)
				return
			}
		}
		if err != nil {
			close(c.inputQ)
			return
		}
	}
}

func (c *Console) drainQueueToPipe() {
	for {
		select {
		case b, ok := <-c.inputQ:
			if !ok {
				_ = c.inW.Close()
				return
			}
			for len(b) > 0 {
				n, err := c.inW.Write(b)
				if n > 0 {
					b = b[n:]
				}
				if err != nil || n == 0 {
					return
				}
			}
		case <-c.closeCh:
			_ = c.inW.Close()
			return
		}
	}
}

// LineTracer is an io.Writer that logs guest console output one line
// at a time with escape sequences stripped. Tee the serial output
// through it to get a plain-text transcript alongside the screen
// capture.
type LineTracer struct {
	logger *slog.Logger
	buf    []byte
}

func NewLineTracer(logger *slog.Logger) *LineTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineTracer{logger: logger}
}

func (t *LineTracer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	for {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		t.emit(t.buf[:i])
		t.buf = t.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing output that did not end in a newline.
func (t *LineTracer) Flush() {
	if len(t.buf) > 0 {
		t.emit(t.buf)
		t.buf = nil
	}
}

func (t *LineTracer) emit(line []byte) {
	text := strings.TrimRight(ansi.Strip(string(line)), "\r")
	if text == "" {
		return
	}
	t.logger.Info("console", slog.String("line", text))
}
