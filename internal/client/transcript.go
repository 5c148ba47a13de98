package client

import (
	"fmt"
	"time"
)

// EntryKind says who a transcript line is attributed to.
type EntryKind string

const (
	EntryPatient EntryKind = "patient"
	EntryDoctor  EntryKind = "doctor"
	EntrySystem  EntryKind = "system"
)

// Entry is one rendered line of the conversation.
type Entry struct {
	Kind   EntryKind
	Author string
	Text   string
	At     time.Time
}

// String renders the entry for a terminal.
func (e Entry) String() string {
	stamp := e.At.Format("15:04")
	switch e.Kind {
	case EntrySystem:
		return fmt.Sprintf("[%s] * %s", stamp, e.Text)
	default:
		if e.Author == "" {
			return fmt.Sprintf("[%s] %s", stamp, e.Text)
		}
		return fmt.Sprintf("[%s] %s: %s", stamp, e.Author, e.Text)
	}
}
