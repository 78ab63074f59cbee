package models

import (
	"encoding/json"
	"time"
)

// Person is a participant of a meeting. Email identifies the person for calendar purposes.
type Person struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone"`
}

// CalendarEvent is a meeting to be written to a provider calendar.
// This is an internal representation, independent of any specific calendar provider.
type CalendarEvent struct {
	Type        string
	Title       string
	StartTime   time.Time
	EndTime     time.Time
	Description string
	Location    string
	Organizer   Person
	Attendees   []Person
}

// EventType carries the calendar ids an event type reads conflicts from and writes new events to.
// The two ids are independent and may name different calendars.
type EventType struct {
	ID                 int64
	Title              string
	Length             int // minutes
	ConflictCalendarID string
	AddCalendarID      string
}

// BusyInterval is a time range during which a person is unavailable.
type BusyInterval struct {
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	EventType *EventType `json:"eventType,omitempty"`
	Attendees []Person   `json:"attendees,omitempty"`
}

// Overlaps reports whether the interval intersects [start, end).
func (b BusyInterval) Overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && b.End.After(start)
}

// CredentialType tags the backend a credential belongs to.
type CredentialType string

const (
	CredentialGoogle    CredentialType = "google_calendar"
	CredentialOffice365 CredentialType = "office365_calendar"
	CredentialCalDAV    CredentialType = "caldav_calendar"
	CredentialInternal  CredentialType = "internal"
)

// InternalKey is the key payload of the internal booking-store credential.
const InternalKey = "default"

// Credential is a person's access to one calendar backend.
// Key is the provider-specific payload, kept opaque until an adapter decodes it.
type Credential struct {
	ID     int64
	Type   CredentialType
	Key    json.RawMessage
	UserID int64
	Owner  Person
}

// InternalCredential returns the sentinel credential that makes a user's own bookings
// participate in availability lookups.
func InternalCredential(userID int64, owner Person) Credential {
	key, _ := json.Marshal(InternalKey)
	return Credential{Type: CredentialInternal, Key: key, UserID: userID, Owner: owner}
}

// ProviderEventRecord is the provider's response for a written event, passed through as decoded JSON.
type ProviderEventRecord map[string]any

// User owns credentials, event types and bookings.
type User struct {
	ID       int64
	Name     string
	Email    string
	TimeZone string
}

// Person returns the user as a meeting participant.
func (u User) Person() Person {
	return Person{Name: u.Name, Email: u.Email, TimeZone: u.TimeZone}
}

// Booking is a meeting stored in the internal booking store.
type Booking struct {
	ID          int64
	UserID      int64
	EventTypeID *int64
	Title       string
	Description string
	StartTime   time.Time
	EndTime     time.Time
	UID         string // id of the mirrored event on the external calendar, if any
	Attendees   []Person
	EventType   *EventType
}
