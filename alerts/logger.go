// Package alerts emits the detector's structured alert stream. Alerts are
// single-line JSON with a fixed field set, fanned out to stdout, an append
// log file, and syslog, with a monotonic-clock cooldown so an anomaly storm
// cannot flood the sinks.
package alerts

import (
	"fmt"
	"log/syslog"
	"os"
	"strings"
	"time"
)

// Level classifies an alert.
type Level int

const (
	Info Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert is one emitted alert, also handed to persistence and rule matching.
type Alert struct {
	Level       Level
	TimestampNs uint64
	PID         int
	Comm        string
	Score       float64
	Reason      string
}

// Logger owns the alert sinks. Stdout is always on; file and syslog are
// configured at init. Not safe for concurrent use; the detection loop is
// the only writer.
type Logger struct {
	file     *os.File
	sys      *syslog.Writer
	toStdout bool

	cooldown  time.Duration
	lastAlert time.Time
}

// New opens the configured sinks. A file that cannot be opened is a fatal
// init error; syslog failure degrades to the remaining sinks.
func New(filepath string, toFile, toSyslog bool, cooldownSec uint32) (*Logger, error) {
	l := &Logger{
		toStdout: true,
		cooldown: time.Duration(cooldownSec) * time.Second,
	}

	if toFile && filepath != "" {
		f, err := os.OpenFile(filepath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("alerts: open %s: %w", filepath, err)
		}
		l.file = f
	}

	if toSyslog {
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "cpu-guardian")
		if err != nil {
			fmt.Fprintf(os.Stderr, "[alerts] syslog unavailable: %v\n", err)
		} else {
			l.sys = w
		}
	}

	return l, nil
}

// Close flushes and releases the sinks.
func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if l.sys != nil {
		l.sys.Close()
		l.sys = nil
	}
}

// escapeJSON escapes quotes, backslashes, and control characters so
// untrusted process names cannot break the alert line.
func escapeJSON(in string) string {
	var b strings.Builder
	for _, c := range []byte(in) {
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20:
			fmt.Fprintf(&b, "\\u%04x", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Emit writes one alert to every sink unless the cooldown suppresses it.
// The cooldown is measured on the monotonic clock, immune to wall-time
// adjustments. Returns whether the alert was emitted.
func (l *Logger) Emit(a *Alert) bool {
	now := time.Now()
	if l.cooldown > 0 && !l.lastAlert.IsZero() && now.Sub(l.lastAlert) < l.cooldown {
		return false
	}
	l.lastAlert = now

	comm := a.Comm
	if comm == "" {
		comm = "unknown"
	}
	reason := a.Reason
	if reason == "" {
		reason = "unspecified"
	}

	line := fmt.Sprintf(
		`{"level":"%s","timestamp":%d,"pid":%d,"comm":"%s","anomaly_score":%.4f,"reason":"%s"}`+"\n",
		a.Level, a.TimestampNs, a.PID, escapeJSON(comm), a.Score, escapeJSON(reason))

	if l.toStdout {
		os.Stdout.WriteString(line)
	}

	if l.file != nil {
		if n, err := l.file.WriteString(line); err == nil && n < len(line) {
			l.file.WriteString(line[n:]) // one retry on a short write
		}
	}

	if l.sys != nil {
		switch a.Level {
		case Critical:
			l.sys.Crit(line)
		case Warning:
			l.sys.Warning(line)
		default:
			l.sys.Info(line)
		}
	}

	return true
}

// Infof writes an operational (non-alert) line to stdout and the log file.
func (l *Logger) Infof(format string, args ...interface{}) {
	msg := fmt.Sprintf("[cpu-guardian] "+format+"\n", args...)
	if l.toStdout {
		os.Stdout.WriteString(msg)
	}
	if l.file != nil {
		l.file.WriteString(msg)
	}
}
