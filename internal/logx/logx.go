// Package logx contains logging extensions.
package logx

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fatih/color"
)

// Handler implements [log.Handler] by emitting a compact, time-prefixed
// log format suitable for CLI tools. The zero value of this structure is
// invalid; construct using [NewHandlerWithDefaultSettings] and then
// optionally modify the public fields before using the handler.
type Handler struct {
	// Emoji is OPTIONAL and indicates whether to prepend
	// emojis to the log messages we emit.
	Emoji bool

	// Now is the MANDATORY function to compute the current time.
	Now func() time.Time

	// StartTime is the MANDATORY time when we started logging.
	StartTime time.Time

	// Writer is the MANDATORY writer where we emit logs.
	Writer io.Writer

	// mu serializes writes from multiple goroutines.
	mu sync.Mutex
}

// NewHandlerWithDefaultSettings constructs a new [*Handler] writing
// on [os.Stderr] and using [time.Now] to compute the current time.
func NewHandlerWithDefaultSettings() *Handler {
	now := time.Now()
	return &Handler{
		Emoji:     false,
		Now:       time.Now,
		StartTime: now,
		Writer:    os.Stderr,
	}
}

var _ log.Handler = &Handler{}

// HandleLog implements [log.Handler].
func (h *Handler) HandleLog(e *log.Entry) error {
	elapsed := h.Now().Sub(h.StartTime)
	line := fmt.Sprintf("[%10.6f] <%s> %s", elapsed.Seconds(), e.Level.String(), e.Message)
	for _, name := range e.Fields.Names() {
		line += fmt.Sprintf(" %s=%v", name, e.Fields.Get(name))
	}
	if h.Emoji {
		line = levelEmoji(e.Level) + line
	}
	line = levelColor(e.Level).Sprint(line)
	h.mu.Lock()
	_, err := fmt.Fprintln(h.Writer, line)
	h.mu.Unlock()
	return err
}

// levelColor maps a log level to the color used to print it.
func levelColor(level log.Level) *color.Color {
	switch level {
	case log.DebugLevel:
		return color.New(color.FgHiBlack)
	case log.WarnLevel:
		return color.New(color.FgYellow)
	case log.ErrorLevel, log.FatalLevel:
		return color.New(color.FgRed)
	default:
		return color.New()
	}
}

// levelEmoji maps a log level to the emoji used to prefix it.
func levelEmoji(level log.Level) string {
	switch level {
	case log.WarnLevel:
		return "🔥 "
	case log.ErrorLevel, log.FatalLevel:
		return "🚨 "
	default:
		return ""
	}
}
