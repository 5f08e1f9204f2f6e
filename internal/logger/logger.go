package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/natefinch/lumberjack"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levelNames = map[LogLevel]string{
	DEBUG:  "DEBUG",
	INFO:   "INFO",
	WARN:   "WARN",
	ERROR:  "ERROR",
	SILENT: "SILENT",
}

// FileConfig enables a rotated log file in addition to the console output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger provides leveled logging with module support
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	useColor bool
	colors   map[LogLevel]*color.Color
	console  *log.Logger
	file     *log.Logger
	closer   io.Closer
}

var defaultLogger *Logger
var once sync.Once

// Init initializes the global logger (call once at startup)
func Init(level LogLevel, output io.Writer, useColor bool, file *FileConfig) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor, file)
	})
}

// New creates a new Logger instance. A nil file config logs to output only.
func New(level LogLevel, output io.Writer, useColor bool, file *FileConfig) *Logger {
	if output == nil {
		output = os.Stderr
	}

	flags := log.Ldate | log.Ltime | log.Lmicroseconds

	l := &Logger{
		level:    level,
		useColor: useColor,
		colors: map[LogLevel]*color.Color{
			DEBUG: color.New(color.FgCyan),
			INFO:  color.New(color.FgGreen),
			WARN:  color.New(color.FgYellow),
			ERROR: color.New(color.FgRed, color.Bold),
		},
		console: log.New(output, "", flags),
	}

	if useColor {
		// Output may be a pipe (e.g. under a supervisor); honour the flag anyway.
		for _, c := range l.colors {
			c.EnableColor()
		}
	}

	if file != nil && file.Path != "" {
		rotated := &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   file.Compress,
		}
		l.file = log.New(rotated, "", flags)
		l.closer = rotated
	}

	return l
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Close releases the rotated log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.file = nil
	return err
}

func (l *Logger) log(level LogLevel, module string, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level || level >= SILENT {
		return
	}

	tag := fmt.Sprintf("[%s]", levelNames[level])
	plain := tag
	if module != "" {
		plain = fmt.Sprintf("%s [%s]", tag, module)
	}

	console := plain
	if l.useColor {
		console = l.colors[level].Sprint(tag)
		if module != "" {
			console = fmt.Sprintf("%s [%s]", console, module)
		}
	}

	message := fmt.Sprintf(format, args...)
	l.console.Printf("%s %s", console, message)
	if l.file != nil {
		l.file.Printf("%s %s", plain, message)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, format, args...)
}

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

// Close closes the global logger's rotated file.
func Close() error {
	if defaultLogger != nil {
		return defaultLogger.Close()
	}
	return nil
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(module, format, args...)
	}
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch s {
	case "debug", "DEBUG":
		return DEBUG, nil
	case "info", "INFO":
		return INFO, nil
	case "warn", "WARN", "warning", "WARNING":
		return WARN, nil
	case "error", "ERROR":
		return ERROR, nil
	case "silent", "SILENT", "none", "NONE":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
