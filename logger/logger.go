// Package logger is a small leveled logger writing to the console and an
// optional size-rotated file.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	default:
		return "error"
	}
}

// ParseLevel maps a config string to a level.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Options configures Init.
type Options struct {
	Level      LogLevel
	File       string // empty disables the file sink
	MaxSizeMB  int
	MaxBackups int
	Console    bool
}

type sink struct {
	debug, info, warn, err *log.Logger
}

type Logger struct {
	console  *sink
	file     *sink
	rotator  *lumberjack.Logger
	minLevel LogLevel
}

var (
	defaultLogger *Logger
	once          sync.Once
	mu            sync.RWMutex
)

// ensureInitialized creates a console logger if Init was never called.
func ensureInitialized() {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if defaultLogger == nil {
			defaultLogger = &Logger{minLevel: DEBUG, console: newSink(os.Stdout, colorEnabled(os.Stdout))}
		}
	})
}

// Init replaces the process logger. At least one of Console or File must be set.
func Init(opts Options) error {
	var console io.Writer
	if opts.Console {
		console = os.Stdout
	}
	return initWith(opts, console)
}

func initWith(opts Options, console io.Writer) error {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()

	if defaultLogger != nil && defaultLogger.rotator != nil {
		defaultLogger.rotator.Close()
	}

	l := &Logger{minLevel: opts.Level}
	if opts.File != "" {
		l.rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		l.file = newSink(l.rotator, false)
	}
	if console != nil {
		l.console = newSink(console, colorEnabled(console))
	}
	if l.console == nil && l.file == nil {
		return fmt.Errorf("no output destination specified")
	}

	defaultLogger = l
	return nil
}

// SetOutput routes console output to w without colors. Tests use it to
// capture log lines.
func SetOutput(w io.Writer) {
	_ = initWith(Options{Level: DEBUG}, w)
}

// SetLevel sets the minimum log level. Messages below it are dropped.
func SetLevel(level LogLevel) {
	ensureInitialized()
	mu.Lock()
	defer mu.Unlock()
	defaultLogger.minLevel = level
}

func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newSink(w io.Writer, color bool) *sink {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	prefix := func(c, tag string) string {
		if color {
			return c + tag + colorReset
		}
		return tag
	}
	return &sink{
		debug: log.New(w, prefix(colorGray, "[DEBUG] "), flags),
		info:  log.New(w, prefix(colorReset, "[INFO]  "), flags),
		warn:  log.New(w, prefix(colorYellow, "[WARN]  "), flags),
		err:   log.New(w, prefix(colorRed, "[ERROR] "), flags),
	}
}

func (s *sink) pick(level LogLevel) *log.Logger {
	switch level {
	case DEBUG:
		return s.debug
	case INFO:
		return s.info
	case WARN:
		return s.warn
	default:
		return s.err
	}
}

// Close flushes and closes the rotating file sink, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger != nil && defaultLogger.rotator != nil {
		defaultLogger.rotator.Close()
		defaultLogger.rotator = nil
		defaultLogger.file = nil
	}
}

func output(level LogLevel, msg string) {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()

	l := defaultLogger
	if level < l.minLevel {
		return
	}
	if l.console != nil {
		l.console.pick(level).Output(3, msg)
	}
	if l.file != nil {
		l.file.pick(level).Output(3, msg)
	}
}

// Debug logs a debug message
func Debug(v ...interface{}) { output(DEBUG, fmt.Sprint(v...)) }

// Debugf logs a formatted debug message
func Debugf(format string, v ...interface{}) { output(DEBUG, fmt.Sprintf(format, v...)) }

func Info(v ...interface{}) { output(INFO, fmt.Sprint(v...)) }

func Infof(format string, v ...interface{}) { output(INFO, fmt.Sprintf(format, v...)) }

func Warn(v ...interface{}) { output(WARN, fmt.Sprint(v...)) }

func Warnf(format string, v ...interface{}) { output(WARN, fmt.Sprintf(format, v...)) }

func Error(v ...interface{}) { output(ERROR, fmt.Sprint(v...)) }

func Errorf(format string, v ...interface{}) { output(ERROR, fmt.Sprintf(format, v...)) }

// Fatal logs an error message and exits the program
func Fatal(v ...interface{}) {
	output(ERROR, fmt.Sprint(v...))
	Close()
	os.Exit(1)
}

// Fatalf logs a formatted error message and exits the program
func Fatalf(format string, v ...interface{}) {
	output(ERROR, fmt.Sprintf(format, v...))
	Close()
	os.Exit(1)
}
