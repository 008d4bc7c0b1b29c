package errors

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrorType buckets the failure modes the agent distinguishes between.
type ErrorType string

const (
	// TypeTransientIO covers missing files, permission races and unavailable
	// commands. Never fatal; the next cycle retries.
	TypeTransientIO ErrorType = "transient_io"
	// TypeParse covers a single malformed log or session line. Only that line
	// is skipped.
	TypeParse ErrorType = "parse"
	// TypeDelivery covers a failed POST to the collector. The payload is
	// spooled locally and the producer continues.
	TypeDelivery ErrorType = "delivery"
	// TypeFetchFailure covers a failed session enumeration. Distinct from
	// "zero active sessions" so it never triggers spurious logouts.
	TypeFetchFailure ErrorType = "fetch_failure"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// MonitorError is a structured error raised inside a monitor cycle.
type MonitorError struct {
	MonitorName string    `json:"monitor_name"`
	Type        ErrorType `json:"error_type"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    Severity  `json:"severity"`
	Recoverable bool      `json:"recoverable"`
	Cause       error     `json:"-"`
}

func (me *MonitorError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", me.MonitorName, me.Type, me.Message)
}

func (me *MonitorError) Unwrap() error {
	return me.Cause
}

// Log writes the error at a level matching its severity.
func (me *MonitorError) Log(logger *zerolog.Logger) {
	var ev *zerolog.Event
	switch me.Severity {
	case SeverityHigh:
		ev = logger.Error()
	case SeverityMedium:
		ev = logger.Warn()
	default:
		ev = logger.Debug()
	}
	ev.Str("monitor", me.MonitorName).
		Str("error_type", string(me.Type)).
		Bool("recoverable", me.Recoverable).
		AnErr("cause", me.Cause).
		Msg(me.Message)
}

func NewTransientIOError(monitorName, resource string, cause error) *MonitorError {
	return &MonitorError{
		MonitorName: monitorName,
		Type:        TypeTransientIO,
		Message:     fmt.Sprintf("resource unavailable: %s", resource),
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewParseError(monitorName, line string, cause error) *MonitorError {
	return &MonitorError{
		MonitorName: monitorName,
		Type:        TypeParse,
		Message:     fmt.Sprintf("unparseable line skipped: %.120s", line),
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewDeliveryError(monitorName, endpoint string, cause error) *MonitorError {
	return &MonitorError{
		MonitorName: monitorName,
		Type:        TypeDelivery,
		Message:     fmt.Sprintf("delivery failed, payload spooled: %s", endpoint),
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewFetchFailure(monitorName, source string, cause error) *MonitorError {
	return &MonitorError{
		MonitorName: monitorName,
		Type:        TypeFetchFailure,
		Message:     fmt.Sprintf("enumeration failed, keeping previous state: %s", source),
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}
