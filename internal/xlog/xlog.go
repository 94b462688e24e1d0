// Package xlog is the colored console logger facade every package in this
// module logs through. It keeps the teacher's level names, timestamp
// prefix, and banner/section helpers, but backs them with logrus so every
// line also carries structured fields a log aggregator can index.
package xlog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ANSI color codes, one per level, matching the teacher's console logger.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorWhite  = "\033[37m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Logger wraps a logrus.Entry with the component name already attached as a
// structured field; With attaches further fields (e.g. a correlation ID).
type Logger struct {
	entry *logrus.Entry
}

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&consoleFormatter{})
	base.SetLevel(logrus.DebugLevel)
}

// SetLevel sets the minimum level that reaches the console.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// New returns a Logger scoped to a component name (e.g. "driver", "conn").
func New(component string) *Logger {
	return &Logger{entry: base.WithField("component", component)}
}

// With returns a copy of l with an additional structured field attached,
// e.g. l.With("conn", correlationID).
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logger) Fatal(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// consoleFormatter renders logrus entries the way the teacher's hand-rolled
// logger did: "[HH:MM:SS] [LEVEL] message key=value ...".
type consoleFormatter struct{}

func (f *consoleFormatter) Format(e *logrus.Entry) ([]byte, error) {
	color := levelColor(e.Level)
	line := fmt.Sprintf("%s[%s]%s %s[%-5s]%s %s",
		colorGray, e.Time.Format("15:04:05"), colorReset,
		color, levelName(e.Level), colorReset,
		e.Message)
	for k, v := range e.Data {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	line += "\n"
	return []byte(line), nil
}

func levelColor(l logrus.Level) string {
	switch l {
	case logrus.DebugLevel:
		return colorGray
	case logrus.WarnLevel:
		return colorYellow
	case logrus.ErrorLevel, logrus.FatalLevel:
		return colorRed
	default:
		return colorWhite
	}
}

func levelName(l logrus.Level) string {
	switch l {
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.FatalLevel:
		return "FATAL"
	default:
		return "INFO"
	}
}

// Banner prints the startup banner for cmd/ entrypoints.
func Banner(title, version string) {
	fmt.Printf("\n%s=== %s (v%s) ===%s\n\n", colorCyan, title, version, colorReset)
}

// Section prints a section header, used by cmd/ entrypoints to delimit
// startup phases in the console.
func Section(title string) {
	fmt.Printf("%s--- %s ---%s\n", colorCyan, title, colorReset)
}

// Success prints a green one-off success line outside the structured logger,
// for the same cosmetic purpose as the teacher's colored "done" lines.
func Success(format string, args ...interface{}) {
	fmt.Printf("%s%s%s\n", colorGreen, fmt.Sprintf(format, args...), colorReset)
}
