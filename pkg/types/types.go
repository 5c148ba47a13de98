package types

import (
	"time"
)

// Role identifies which side of the relay a connection speaks for.
type Role string

const (
	RoleNone    Role = ""
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Valid reports whether r is one of the identifiable roles.
func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// QuestionStatus tracks whether a question reached a live doctor.
type QuestionStatus string

const (
	StatusPending QuestionStatus = "pending"
	StatusSent    QuestionStatus = "sent"
)

// QuestionSource records which path accepted a question.
type QuestionSource string

const (
	SourceLive     QuestionSource = "live"
	SourceFallback QuestionSource = "fallback"
)

// QueuedQuestion is one patient question kept for the process lifetime.
// ARCHITECTURAL DISCOVERY: records are append-only; nothing transitions status after creation.
type QueuedQuestion struct {
	ID         string         `json:"id"`
	ClientID   string         `json:"clientId"`
	Name       string         `json:"name"`
	Question   string         `json:"question"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     QuestionStatus `json:"status"`
	Source     QuestionSource `json:"source"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// PatientQuestion is the client-facing shape of a question, shared by the
// live relay payload, the fallback request body and doctor notifications.
type PatientQuestion struct {
	ClientID  string     `json:"clientId"`
	Name      string     `json:"name,omitempty"`
	Question  string     `json:"question"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ClientFacing strips server-side bookkeeping from a queued record.
func (q *QueuedQuestion) ClientFacing() PatientQuestion {
	ts := q.Timestamp
	return PatientQuestion{
		ClientID:  q.ClientID,
		Name:      q.Name,
		Question:  q.Question,
		Timestamp: &ts,
	}
}

// DoctorReply is the payload a doctor sends to answer a patient.
type DoctorReply struct {
	ToClientID string `json:"toClientId"`
	Text       string `json:"text"`
	FromName   string `json:"fromName,omitempty"`
}
