package events

import (
	"time"
)

// Collector endpoint paths. Each producer posts to exactly one of these and
// spools to a fallback log named after it on delivery failure.
const (
	EndpointSecurityLogs   = "/api/v1/security_logs"
	EndpointFileIntegrity  = "/api/v1/file_integrity"
	EndpointCommandHistory = "/api/v1/command_history"
	EndpointSessions       = "/api/v1/sessions"
	EndpointCPUProcesses   = "/api/v1/cpu_processes"
	EndpointSystemStats    = "/api/v1/system_stats"
	EndpointAlerts         = "/api/v1/alerts"
)

// SecurityEventType classifies authentication log events.
type SecurityEventType string

const (
	EventFailedLogin        SecurityEventType = "failed_login"
	EventSuccessfulLogin    SecurityEventType = "successful_login"
	EventBruteForceDetected SecurityEventType = "brute_force_detected"
)

// SecurityEvent is produced by the auth log watcher and dispatched immediately.
type SecurityEvent struct {
	EventType   SecurityEventType `json:"event_type"`
	Username    string            `json:"username"`
	SourceIP    string            `json:"source_ip"`
	Description string            `json:"description"`
	Timestamp   time.Time         `json:"timestamp"`
}

// ChangeType is the kind of filesystem mutation observed by the integrity watcher.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// Checksum sentinels used when no content digest can be computed.
const (
	ChecksumDeleted    = "deleted"
	ChecksumUnreadable = "unreadable"
)

// FileChangeEvent attributes one filesystem mutation to a user, source IP and
// terminal. Checksum is a hex sha256 digest or one of the sentinels above.
type FileChangeEvent struct {
	FilePath   string     `json:"file_path"`
	Checksum   string     `json:"checksum"`
	ChangeType ChangeType `json:"change_type"`
	Username   string     `json:"username"`
	SourceIP   string     `json:"from_ip"`
	TTY        string     `json:"tty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// CommandEvent is one newly observed shell history line.
type CommandEvent struct {
	Username  string    `json:"username"`
	SourceIP  string    `json:"from_ip"`
	SessionID string    `json:"session_id"`
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState is the lifecycle state of a login session.
type SessionState string

const (
	SessionLogin  SessionState = "login"
	SessionActive SessionState = "active"
	SessionLogout SessionState = "logout"
)

// SessionEvent is a session record plus the lifecycle transition that produced
// it. Identity is (Username, TTY); SessionID additionally embeds the resolved
// source IP.
type SessionEvent struct {
	SessionID string       `json:"session_id"`
	Username  string       `json:"username"`
	TTY       string       `json:"tty"`
	SourceIP  string       `json:"from_ip"`
	LoginTime string       `json:"login_time"`
	Idle      string       `json:"idle"`
	JCPU      string       `json:"jcpu"`
	PCPU      string       `json:"pcpu"`
	Command   string       `json:"command"`
	Event     SessionState `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
}

// ProcessSample is one row of the periodic top-CPU process report.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	Username   string    `json:"username"`
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	Command    string    `json:"command"`
	TimeUsed   string    `json:"time_used"`
	SourceIP   string    `json:"from_ip"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemStats is a host-level telemetry snapshot.
type SystemStats struct {
	Hostname      string    `json:"hostname"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemPercent    float64   `json:"mem_percent"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	SourceIP      string    `json:"from_ip"`
	Timestamp     time.Time `json:"timestamp"`
}
