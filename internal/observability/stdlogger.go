package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts a stdlib *log.Logger to the Logger interface. The daemon
// installs one at startup; library consumers may bring their own sink.
type StdLogger struct {
	l     *log.Logger
	debug bool
}

// NewStdLogger wraps the given stdlib logger. Debug entries are emitted only
// when debug is set.
func NewStdLogger(l *log.Logger, debug bool) *StdLogger {
	return &StdLogger{l: l, debug: debug}
}

func (s *StdLogger) Debug(msg string, fields ...Field) {
	if s.debug {
		s.print("DEBUG", msg, fields)
	}
}

func (s *StdLogger) Info(msg string, fields ...Field) { s.print("INFO", msg, fields) }

func (s *StdLogger) Error(msg string, fields ...Field) { s.print("ERROR", msg, fields) }

func (s *StdLogger) print(level, msg string, fields []Field) {
	if s.l == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	s.l.Print(b.String())
}
