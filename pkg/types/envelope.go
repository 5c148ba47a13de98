package types

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType discriminates the JSON units exchanged over the live channel.
type EnvelopeType string

const (
	EnvelopeIdentify      EnvelopeType = "identify"
	EnvelopeMessage       EnvelopeType = "message"
	EnvelopeSystem        EnvelopeType = "system"
	EnvelopeDoctorStatus  EnvelopeType = "doctor-status"
	EnvelopeTanyaReceived EnvelopeType = "tanya-received"
)

// Envelope is the tagged union of everything that can travel over a connection.
// ParseEnvelope never returns a nil Envelope together with a nil error.
type Envelope interface {
	EnvelopeType() EnvelopeType
}

// Identify binds a role and client id to the sending connection.
type Identify struct {
	Role Role
	ID   string
}

// Message carries either an inbound payload (patient question or doctor
// reply, decoded according to the sender's role) or an outbound reply
// rendered for a patient.
type Message struct {
	Payload  json.RawMessage
	Text     string
	FromName string
}

// System is an informational notice for a patient.
type System struct {
	Text string
}

// DoctorStatus tells patients whether any doctor is connected.
type DoctorStatus struct {
	Online bool
}

// TanyaReceived notifies doctors about a new patient question.
type TanyaReceived struct {
	Payload PatientQuestion
}

// Unrecognized keeps the type tag of an envelope nobody knows how to handle.
type Unrecognized struct {
	Type EnvelopeType
}

func (Identify) EnvelopeType() EnvelopeType { return EnvelopeIdentify }
func (Message) EnvelopeType() EnvelopeType { return EnvelopeMessage }
func (System) EnvelopeType() EnvelopeType { return EnvelopeSystem }
func (DoctorStatus) EnvelopeType() EnvelopeType { return EnvelopeDoctorStatus }
func (TanyaReceived) EnvelopeType() EnvelopeType { return EnvelopeTanyaReceived }
func (u Unrecognized) EnvelopeType() EnvelopeType { return u.Type }

// wireEnvelope is the flat JSON shape shared by every envelope kind.
type wireEnvelope struct {
	Type     EnvelopeType    `json:"type"`
	Role     Role            `json:"role,omitempty"`
	ID       string          `json:"id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Text     string          `json:"text,omitempty"`
	FromName string          `json:"fromName,omitempty"`
	Online   *bool           `json:"online,omitempty"`
}

// ParseEnvelope decodes and validates one frame. Unknown type tags come back
// as Unrecognized with a nil error; anything structurally broken wraps
// ErrMalformedEnvelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	switch w.Type {
	case EnvelopeIdentify:
		if !w.Role.Valid() {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, ErrInvalidRole)
		}
		if w.Role == RolePatient && w.ID == "" {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, ErrMissingClientID)
		}
		return Identify{Role: w.Role, ID: w.ID}, nil
	case EnvelopeMessage:
		return Message{Payload: w.Payload, Text: w.Text, FromName: w.FromName}, nil
	case EnvelopeSystem:
		return System{Text: w.Text}, nil
	case EnvelopeDoctorStatus:
		if w.Online == nil {
			return nil, fmt.Errorf("%w: doctor-status without online flag", ErrMalformedEnvelope)
		}
		return DoctorStatus{Online: *w.Online}, nil
	case EnvelopeTanyaReceived:
		var q PatientQuestion
		if len(w.Payload) > 0 {
			if err := json.Unmarshal(w.Payload, &q); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
			}
		}
		return TanyaReceived{Payload: q}, nil
	default:
		return Unrecognized{Type: w.Type}, nil
	}
}

// PatientQuestion decodes the payload of a message sent by a patient.
// The caller validates after filling in connection-level defaults.
func (m Message) PatientQuestion() (PatientQuestion, error) {
	var q PatientQuestion
	if len(m.Payload) == 0 {
		return q, fmt.Errorf("%w: message without payload", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(m.Payload, &q); err != nil {
		return q, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return q, nil
}

// DoctorReply decodes the payload of a message sent by a doctor.
func (m Message) DoctorReply() (DoctorReply, error) {
	var r DoctorReply
	if len(m.Payload) == 0 {
		return r, fmt.Errorf("%w: message without payload", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(m.Payload, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := r.Validate(); err != nil {
		return r, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return r, nil
}

func (e Identify) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{Type: EnvelopeIdentify, Role: e.Role, ID: e.ID})
}

func (e Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{Type: EnvelopeMessage, Payload: e.Payload, Text: e.Text, FromName: e.FromName})
}

func (e System) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{Type: EnvelopeSystem, Text: e.Text})
}

func (e DoctorStatus) MarshalJSON() ([]byte, error) {
	online := e.Online
	return json.Marshal(wireEnvelope{Type: EnvelopeDoctorStatus, Online: &online})
}

func (e TanyaReceived) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Type: EnvelopeTanyaReceived, Payload: payload})
}

func (e Unrecognized) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{Type: e.Type})
}

// NewPatientMessage builds the envelope a patient client sends for a question.
func NewPatientMessage(q PatientQuestion) (Message, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return Message{}, err
	}
	return Message{Payload: payload}, nil
}

// NewDoctorMessage builds the envelope a doctor client sends for a reply.
func NewDoctorMessage(r DoctorReply) (Message, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return Message{}, err
	}
	return Message{Payload: payload}, nil
}
