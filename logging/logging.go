package logging

import (
	"io"
	"log"
	"os"
)

// Logger is a small leveled logger over the standard log package.
type Logger struct {
	*log.Logger
}

// NewLogger creates a Logger writing to stdout.
func NewLogger() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

// NewLoggerTo creates a Logger writing to the given writer. Useful for
// silencing output in tests.
func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{
		Logger: log.New(w, "", log.LstdFlags),
	}
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.Printf("INFO: "+msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.Printf("ERROR: "+msg, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.Printf("DEBUG: "+msg, args...)
}
