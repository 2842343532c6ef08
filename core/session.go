package core

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a unique identifier for sessions, messages and events.
func NewID() string { return uuid.NewString() }

// Session is one bounded interaction lifecycle. It is created on user or
// scheduler request, mutated only through orchestration events, and becomes
// immutable once EndReason is set.
type Session struct {
	ID         string      `json:"id"`
	Type       SessionType `json:"type"`
	ProviderID string      `json:"provider_id"`
	CreatedAt  time.Time   `json:"created_at"`

	// ScheduledExecutionTime is set for AUTOMATION sessions only.
	ScheduledExecutionTime *time.Time `json:"scheduled_execution_time,omitempty"`

	// EndReason is nil until the session reaches its terminal phase.
	EndReason *EndReason `json:"end_reason,omitempty"`

	// SeedID back-references the template that spawned an automation run.
	// Non-owning: deleting the seed does not affect past runs.
	SeedID string `json:"seed_id,omitempty"`
}

// NewChatSession creates an interactive session bound to a provider.
func NewChatSession(providerID string) *Session {
	return &Session{
		ID:         NewID(),
		Type:       SessionChat,
		ProviderID: providerID,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewAutomationSession creates an unattended run spawned from a seed, due at
// the given time.
func NewAutomationSession(seedID, providerID string, due time.Time) *Session {
	return &Session{
		ID:                     NewID(),
		Type:                   SessionAutomation,
		ProviderID:             providerID,
		CreatedAt:              time.Now().UTC(),
		ScheduledExecutionTime: &due,
		SeedID:                 seedID,
	}
}

// Ended reports whether the session has a terminal end reason.
func (s *Session) Ended() bool { return s.EndReason != nil }

// End sets the terminal reason. The first reason wins; later calls no-op so
// a cascade of failures cannot overwrite the original cause.
func (s *Session) End(reason EndReason) {
	if s.EndReason == nil {
		r := reason
		s.EndReason = &r
	}
}

// Clone returns an independent copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	if s.ScheduledExecutionTime != nil {
		t := *s.ScheduledExecutionTime
		c.ScheduledExecutionTime = &t
	}
	if s.EndReason != nil {
		r := *s.EndReason
		c.EndReason = &r
	}
	return &c
}

// Seed is a stored template for automation runs. The scheduler spawns an
// AUTOMATION session from each enabled seed whenever its cron schedule fires.
type Seed struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	Schedule   string `json:"schedule"` // cron expression, empty = manual only
	ProviderID string `json:"provider_id"`
	Enabled    bool   `json:"enabled"`
}

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a human-authored message.
	RoleUser Role = "USER"
	// RoleAI is a provider-authored message.
	RoleAI Role = "AI"
	// RoleSystem is an orchestrator-authored message (errors, guidance).
	RoleSystem Role = "SYSTEM"
)

// Message is one entry of a session's ordered, append-only transcript.
// Sequence is assigned by the repository on append and is monotonic per
// session. Messages are never edited after persistence.
type Message struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates an unsequenced message; the repository assigns Sequence.
func NewMessage(sessionID string, role Role, content string) Message {
	return Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
