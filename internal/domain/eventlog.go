package domain

import (
	"strings"
	"time"
)

// LogKind is the severity or action tag of an event log entry.
type LogKind string

const (
	LogKindOK        LogKind = "OK"
	LogKindError     LogKind = "ERROR"
	LogKindException LogKind = "EXCEPTION"
	LogKindWarning   LogKind = "WARNING"
	LogKindCreate    LogKind = "CREATE"
	LogKindUpdate    LogKind = "UPDATE"
	LogKindDelete    LogKind = "DELETE"
)

// LogEntry is one durable event log row.
type LogEntry struct {
	Kind     LogKind
	Message  string
	Detail   string
	LoggedAt time.Time
}

// NewLogEntry builds an entry stamped with the current time.
func NewLogEntry(kind LogKind, message, detail string) LogEntry {
	return LogEntry{
		Kind:     kind,
		Message:  message,
		Detail:   SanitizeDetail(detail),
		LoggedAt: time.Now(),
	}
}

var detailReplacer = strings.NewReplacer("\r", "", "\n", "", "\t", "")

// SanitizeDetail strips line breaks and tabs so a detail stays on one row
// in operator tooling.
func SanitizeDetail(detail string) string {
	return detailReplacer.Replace(detail)
}
