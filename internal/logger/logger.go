package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/cropsense/cropsense/internal/config"
)

var (
	// Global logger instances
	InfoLogger  = log.New(os.Stdout, "", log.LstdFlags)
	ErrorLogger = log.New(os.Stderr, "", log.LstdFlags)
	DebugLogger = log.New(os.Stdout, "", log.LstdFlags)
	WarnLogger  = log.New(os.Stdout, "", log.LstdFlags)
	logFile     *os.File
	logLevel    atomic.Int32
)

// LogLevel constants
const (
	DEBUG = "debug"
	INFO  = "info"
	WARN  = "warn"
	ERROR = "error"
)

var levels = map[string]int32{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

func init() {
	logLevel.Store(levels[INFO])
}

// Init initializes the logging system using configuration. An empty log file
// name logs to the console only.
func Init(cfg config.LoggingConfig) error {
	SetLevel(cfg.LogLevel)

	var out []io.Writer
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.LogFile, err)
		}
		logFile = f
		out = append(out, f)
	}

	var stdout, stderr io.Writer = io.Discard, io.Discard
	if cfg.LogToConsole || logFile == nil {
		stdout, stderr = os.Stdout, os.Stderr
	}

	InfoLogger = log.New(io.MultiWriter(append(out, stdout)...), "", log.LstdFlags)
	DebugLogger = log.New(io.MultiWriter(append(out, stdout)...), "", log.LstdFlags)
	WarnLogger = log.New(io.MultiWriter(append(out, stdout)...), "", log.LstdFlags)
	ErrorLogger = log.New(io.MultiWriter(append(out, stderr)...), "", log.LstdFlags)

	Infof("log level: %s, file: %q, console: %t", cfg.LogLevel, cfg.LogFile, cfg.LogToConsole)
	return nil
}

// SetOutput redirects every level to w. Used by tests and by the CLI when
// stdout is the only sink.
func SetOutput(w io.Writer) {
	InfoLogger = log.New(w, "", 0)
	DebugLogger = log.New(w, "", 0)
	WarnLogger = log.New(w, "", 0)
	ErrorLogger = log.New(w, "", 0)
}

// SetLevel changes the minimum level; unknown names fall back to info.
func SetLevel(level string) {
	l, ok := levels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		l = levels[INFO]
	}
	logLevel.Store(l)
}

// Close closes the log file
func Close() error {
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

func shouldLog(messageLevel string) bool {
	return levels[messageLevel] >= logLevel.Load()
}

// Infof prints formatted text at info level
func Infof(format string, v ...interface{}) {
	if shouldLog(INFO) {
		InfoLogger.Printf(format, v...)
	}
}

// Debugf prints formatted debug text
func Debugf(format string, v ...interface{}) {
	if shouldLog(DEBUG) {
		DebugLogger.Printf("DEBUG: "+format, v...)
	}
}

// Warnf prints formatted warning text
func Warnf(format string, v ...interface{}) {
	if shouldLog(WARN) {
		WarnLogger.Printf("WARN: "+format, v...)
	}
}

// Errorf prints formatted error text (always logged regardless of level)
func Errorf(format string, v ...interface{}) {
	ErrorLogger.Printf("ERROR: "+format, v...)
}

// Fatalf prints formatted fatal error and exits (always logged)
func Fatalf(format string, v ...interface{}) {
	ErrorLogger.Printf("FATAL: "+format, v...)
	Close()
	os.Exit(1)
}
