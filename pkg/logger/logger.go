package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/killallgit/promptcanvas/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures a Logger
type Options struct {
	Level   LogLevel
	LogFile string // empty or "stderr" logs to stderr
	Format  string // console or json
	Persist bool   // append to an existing log file instead of truncating it
}

// Logger provides a unified logging interface over zap
type Logger struct {
	sugar     *zap.SugaredLogger
	file      *os.File
	component string
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Init initializes the default logger from the global config
func Init() error {
	settings := config.Get()

	l, err := New(Options{
		Level:   ParseLevel(settings.Logging.Level),
		LogFile: settings.Logging.LogFile,
		Format:  settings.Logging.Format,
		Persist: settings.Logging.Preserve,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	SetDefault(l)
	return nil
}

// New creates a new Logger instance
func New(opts Options) (*Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var (
		sink zapcore.WriteSyncer
		file *os.File
	)
	switch opts.LogFile {
	case "", "stderr":
		sink = zapcore.Lock(os.Stderr)
	default:
		logDir := filepath.Dir(opts.LogFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if opts.Persist {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}

		var err error
		file, err = os.OpenFile(opts.LogFile, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, sink, opts.Level.zapLevel())
	return &Logger{
		sugar: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar(),
		file:  file,
	}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// FromZap wraps an existing zap logger, mostly useful with zaptest/observer in tests
func FromZap(z *zap.Logger) *Logger {
	return &Logger{sugar: z.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// SetDefault replaces the package-level logger
func SetDefault(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

func current() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// WithComponent returns a logger tagged with a component name. It resolves the
// default logger lazily so package-level loggers created before Init still log.
func WithComponent(component string) *Logger {
	return &Logger{component: component}
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{sugar: l.base().With(keysAndValues...)}
}

func (l *Logger) base() *zap.SugaredLogger {
	s := l.sugar
	if s == nil {
		d := current()
		if d == nil || d.sugar == nil {
			return zap.NewNop().Sugar()
		}
		s = d.sugar
	}
	if l.component != "" {
		s = s.With("component", l.component)
	}
	return s
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.base().Debugw(msg, keysAndValues...)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.base().Infow(msg, keysAndValues...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.base().Warnw(msg, keysAndValues...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.base().Errorw(msg, keysAndValues...)
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	if l.sugar != nil {
		_ = l.sugar.Sync()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// ParseLevel converts a string level to LogLevel
func ParseLevel(levelStr string) LogLevel {
	switch levelStr {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Package-level convenience functions using the default logger

// Debug logs a debug message using the default logger
func Debug(msg string, keysAndValues ...interface{}) {
	WithComponent("").Debug(msg, keysAndValues...)
}

// Info logs an info message using the default logger
func Info(msg string, keysAndValues ...interface{}) {
	WithComponent("").Info(msg, keysAndValues...)
}

// Warn logs a warning message using the default logger
func Warn(msg string, keysAndValues ...interface{}) {
	WithComponent("").Warn(msg, keysAndValues...)
}

// Error logs an error message using the default logger
func Error(msg string, keysAndValues ...interface{}) {
	WithComponent("").Error(msg, keysAndValues...)
}

// Close closes the default logger
func Close() error {
	if l := current(); l != nil {
		return l.Close()
	}
	return nil
}
