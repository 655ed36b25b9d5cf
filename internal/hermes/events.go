package hermes

import "time"

// FieldsUpdatedEvent is published whenever a session's fields or locks change.
type FieldsUpdatedEvent struct {
	SessionID string            `json:"session_id"`
	Fields    map[string]string `json:"fields"`
	Locked    []string          `json:"locked"`
	Missing   []string          `json:"missing"`
	Complete  bool              `json:"complete"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sources of a fields update.
const (
	SourceTurn    = "turn"
	SourceManual  = "manual"
	SourceRefresh = "refresh"
	SourceResume  = "resume"
)

// SessionCompletedEvent announces a finished intake handed off as a lead.
type SessionCompletedEvent struct {
	LeadID       string    `json:"lead_id"`
	SessionID    string    `json:"session_id"`
	Service      string    `json:"service"`
	Budget       string    `json:"budget"`
	Zipcode      string    `json:"zipcode"`
	Requirements string    `json:"requirements"`
	Location     string    `json:"location,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// AgentRegistration is announced once at startup.
type AgentRegistration struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// AssistantSettledEvent is emitted by the chat backend when an assistant
// reply has finished streaming.
type AssistantSettledEvent struct {
	SessionID string `json:"session_id"`
	TurnCount int    `json:"turn_count"`
}

// SessionResetEvent is emitted by the chat backend when a user starts over.
type SessionResetEvent struct {
	SessionID string `json:"session_id"`
}
