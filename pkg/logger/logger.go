package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
)

type Logger struct {
	info   *log.Logger
	error  *log.Logger
	debug  *log.Logger
	fields string
}

var Default = New()

func New() *Logger {
	return &Logger{
		info:  log.New(os.Stdout, "[INFO] ", log.LstdFlags),
		error: log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
		debug: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags),
	}
}

// WithField returns a copy of l that prefixes every message with
// "key=value" context. Chain calls to attach more than one field.
func (l *Logger) WithField(key string, value any) *Logger {
	cp := *l
	field := fmt.Sprintf("%s=%v", key, value)
	if cp.fields == "" {
		cp.fields = field
	} else {
		cp.fields = cp.fields + " " + field
	}
	return &cp
}

func (l *Logger) format(format string) string {
	if l.fields == "" {
		return format
	}
	var b strings.Builder
	b.WriteString(l.fields)
	b.WriteByte(' ')
	b.WriteString(format)
	return b.String()
}

func (l *Logger) Info(format string, v ...any) {
	l.info.Printf(l.format(format), v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.error.Printf(l.format(format), v...)
}

func (l *Logger) Debug(format string, v ...any) {
	l.debug.Printf(l.format(format), v...)
}

func Info(format string, v ...any) {
	Default.Info(format, v...)
}

func Error(format string, v ...any) {
	Default.Error(format, v...)
}

func Debug(format string, v ...any) {
	Default.Debug(format, v...)
}

func WithField(key string, value any) *Logger {
	return Default.WithField(key, value)
}
