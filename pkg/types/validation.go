package types

import "strings"

// Validate checks the fields a question cannot do without. Name and timestamp are optional.
func (q *PatientQuestion) Validate() error {
	if strings.TrimSpace(q.ClientID) == "" {
		return ErrMissingClientID
	}
	if strings.TrimSpace(q.Question) == "" {
		return ErrEmptyQuestion
	}
	return nil
}

// Validate checks that a doctor reply is addressable and non-empty.
func (r *DoctorReply) Validate() error {
	if r.ToClientID == "" || strings.TrimSpace(r.Text) == "" {
		return ErrEmptyReply
	}
	return nil
}
