// Package session tracks connected observers, their per-process
// subscriptions, and fans bus events out to them.
package session

import (
	"time"

	"github.com/procflow/process-engine/types"
)

// MessageType is the transport-facing envelope type.
type MessageType string

const (
	MessageProcessUpdate      MessageType = "process_update"
	MessageLogStream          MessageType = "log_stream"
	MessageResourceUpdate     MessageType = "resource_update"
	MessageAgentInteraction   MessageType = "agent_interaction"
	MessageSystemNotification MessageType = "system_notification"
)

// Envelope is the transport message shape delivered to observers.
type Envelope struct {
	Type      MessageType `json:"type"`
	ProcessID string      `json:"process_id,omitempty"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sender delivers envelopes to one connected observer. A Send error
// is logged by the manager and never affects other sessions.
type Sender interface {
	Send(msg Envelope) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(msg Envelope) error

// Send implements Sender.
func (f SenderFunc) Send(msg Envelope) error {
	return f(msg)
}

// ClientConfig holds an observer's display and refresh preferences.
type ClientConfig struct {
	DisplayMode     string        `json:"display_mode,omitempty"`
	RefreshInterval time.Duration `json:"refresh_interval,omitempty"`
	MaxLogLines     int           `json:"max_log_lines,omitempty"`
}

// ClientConfigPatch updates only the fields that are set.
type ClientConfigPatch struct {
	DisplayMode     *string        `json:"display_mode,omitempty"`
	RefreshInterval *time.Duration `json:"refresh_interval,omitempty"`
	MaxLogLines     *int           `json:"max_log_lines,omitempty"`
}

// Session is one live observer connection.
type Session struct {
	ID            string
	UserID        string
	ConnectedAt   time.Time
	LastActivity  time.Time
	Subscriptions map[string]struct{}
	Config        ClientConfig
	Permissions   []string

	// monitorAll marks sessions that requested resource monitoring
	// without naming a process.
	monitorAll bool
	sender     Sender
}

// LogStreamQuery selects log entries for get_process_logs.
type LogStreamQuery struct {
	ProcessID string
	Level     types.LogLevel
	Since     *time.Time
	Tail      int
	Follow    bool
}
