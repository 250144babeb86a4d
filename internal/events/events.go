// Package events defines the event protocol spoken over a sandbox client
// connection: event names, the container status vocabulary, and the JSON
// envelope every message travels in.
package events

import "encoding/json"

// Client to server events.
const (
	CheckContainer  = "check-container"
	CreateContainer = "create-container"
	TerminalInput   = "terminal-input"
	TerminalResize  = "terminal-resize"
	StopContainer   = "stop-container"
)

// Server to client events.
const (
	SessionInfo     = "session-info"
	ContainerStatus = "container-status"
	ContainerOutput = "container-output"
	ContainerReady  = "container-ready"
	ContainerError  = "container-error"
)

// Status is the container state reported to a client through
// ContainerStatus events.
//
// Create and reconnect move none → starting → installing → running and then
// emit a ContainerReady event once input is safe. Explicit stop and expiry go
// running → stopping → stopped. Any failed step reports StatusError, from
// which a new create is always allowed.
type Status string

const (
	StatusNone       Status = "none"
	StatusStarting   Status = "starting"
	StatusInstalling Status = "installing"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// Envelope is the wire form of every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is the outgoing form of an Envelope.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Resize is the payload of a TerminalResize event.
type Resize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Info is the payload of a SessionInfo event.
type Info struct {
	PersistentID  string `json:"persistentId"`
	Reconnections int    `json:"reconnections"`
}

// Emitter delivers server events to one live client connection.
type Emitter interface {
	// ID identifies the connection; it is what a session records as its
	// current connection.
	ID() string
	// Emit sends one event. A nil payload sends the event without data.
	Emit(event string, payload any) error
}

// ErrorText renders msg the way error output is painted in the client
// terminal.
func ErrorText(msg string) string {
	return "\x1b[31m" + msg + "\x1b[0m\r\n"
}
