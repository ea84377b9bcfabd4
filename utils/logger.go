package utils

import (
	"io"
	"log"
	"os"
)

// Logger is a component logger that mirrors output to a file so that lesson
// generation runs can be audited after the fact.
type Logger struct {
	logger *log.Logger
	prefix string
}

// NewLogger creates a logger writing to stdout and logs/<name>.log. The file
// sink is best-effort; if the directory cannot be created we log to stdout
// only.
func NewLogger(name string) *Logger {
	var out io.Writer = os.Stdout

	if err := os.MkdirAll("logs", 0o755); err == nil {
		file, err := os.OpenFile("logs/"+name+".log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			out = io.MultiWriter(os.Stdout, file)
		}
	}

	return &Logger{
		logger: log.New(out, "", log.LstdFlags),
		prefix: "[" + name + "] ",
	}
}

// Printf logs a formatted message with the component prefix
func (l *Logger) Printf(format string, args ...interface{}) {
	l.logger.Printf(l.prefix+format, args...)
}
