// Package logging provides leveled real-time log output for the bot process.
// Shard lifecycles, subsystem exits and shutdown decisions are reported
// through the domain helpers at the bottom of this file so that every
// component logs the same keys.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects how log lines are rendered.
type Format string

const (
	// FormatCompact is the traditional single-line format:
	// LEVEL TIMESTAMP [component] message key=value ...
	FormatCompact Format = "compact"

	// FormatPretty renders a human-oriented console line with colored levels.
	FormatPretty Format = "pretty"

	// FormatJSON renders one JSON object per line.
	FormatJSON Format = "json"
)

// Logger provides structured logging to stderr.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	format    Format
	encoder   zapcore.Encoder
	component string
	traceID   string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// zapLevels maps levels to the encoder's level type.
var zapLevels = map[Level]zapcore.Level{
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
}

// New creates a new Logger writing compact lines to stderr at INFO.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stderr,
		minLevel: LevelInfo,
		format:   FormatCompact,
	}
}

// ParseLevel converts a case-insensitive level name into a Level.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return "", fmt.Errorf("unknown log level %q (use debug, info, warn or error)", s)
	}
	return level, nil
}

// ParseFormat converts a case-insensitive format name into a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCompact, FormatPretty, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown log format %q (use compact, pretty or json)", s)
	}
}

// clone copies the logger; derived loggers share the write lock.
func (l *Logger) clone() *Logger {
	c := *l
	return &c
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	return c
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := l.clone()
	c.traceID = traceID
	return c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// Level returns the minimum log level.
func (l *Logger) Level() Level {
	return l.minLevel
}

// SetOutput sets the output writer (default: stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// SetFormat selects the line format.
func (l *Logger) SetFormat(format Format) {
	l.format = format
	switch format {
	case FormatJSON:
		l.encoder = zapcore.NewJSONEncoder(encoderConfig(false))
	case FormatPretty:
		l.encoder = zapcore.NewConsoleEncoder(encoderConfig(true))
	default:
		l.encoder = nil
	}
}

func encoderConfig(color bool) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.NameKey = "component"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return levelPriority[level] >= levelPriority[l.minLevel]
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// sortedKeys returns field keys in a stable order.
func sortedKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for _, k := range sortedKeys(fields) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in the configured format.
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if !l.Enabled(level) {
		return
	}

	now := time.Now().UTC()

	var f map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		f = fields[0]
	}

	if l.encoder != nil {
		l.writeEncoded(level, now, msg, f)
		return
	}

	timestamp := now.Format("2006-01-02T15:04:05.000Z")
	fieldStr := formatFields(f)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// writeEncoded renders the entry through the zap encoder.
func (l *Logger) writeEncoded(level Level, now time.Time, msg string, fields map[string]interface{}) {
	zfields := make([]zapcore.Field, 0, len(fields)+1)
	if l.traceID != "" {
		zfields = append(zfields, zap.String("trace_id", l.traceID))
	}
	for _, k := range sortedKeys(fields) {
		zfields = append(zfields, zap.Any(k, fields[k]))
	}

	entry := zapcore.Entry{
		Level:      zapLevels[level],
		Time:       now,
		LoggerName: l.component,
		Message:    msg,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	buf, err := l.encoder.Clone().EncodeEntry(entry, zfields)
	if err != nil {
		fmt.Fprintf(l.output, "%-5s log encode error: %v\n", level, err)
		return
	}
	l.output.Write(buf.Bytes())
	buf.Free()
}

// --- Domain logging helpers ---
// Shared keys: shard, state, subsystem, duration, error.

// ShardState logs a shard state transition.
func (l *Logger) ShardState(shard string, from, to string) {
	l.Info("shard_state", map[string]interface{}{
		"shard": shard,
		"from":  from,
		"to":    to,
	})
}

// EventReceived logs an inbound gateway event (debug only).
func (l *Logger) EventReceived(shard, eventType string, seq int64) {
	if !l.Enabled(LevelDebug) {
		return
	}
	l.Debug("event_received", map[string]interface{}{
		"shard": shard,
		"type":  eventType,
		"seq":   seq,
	})
}

// ShardOutcome logs the final result of one shard loop.
func (l *Logger) ShardOutcome(shard string, events int64, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"shard":    shard,
		"events":   events,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("shard_error", fields)
		return
	}
	l.Info("shard_joined", fields)
}

// SubsystemExit logs a supervised subsystem returning.
func (l *Logger) SubsystemExit(name string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"subsystem": name,
		"duration":  duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("subsystem_failed", fields)
		return
	}
	l.Info("subsystem_exit", fields)
}

// ShutdownFired logs that the shutdown trigger was fired.
func (l *Logger) ShutdownFired(cause string, notified int) {
	l.Info("shutdown_fired", map[string]interface{}{
		"cause":    cause,
		"notified": notified,
	})
}
