package bookings

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"calendso/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "calendso.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store) (*models.User, *models.EventType, *models.EventType) {
	t.Helper()
	ctx := context.Background()
	u := &models.User{Name: "Owner", Email: "owner@example.com", TimeZone: "Europe/Berlin"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	intro := &models.EventType{Title: "Intro", Length: 30, ConflictCalendarID: "primary", AddCalendarID: "bookings"}
	if err := s.CreateEventType(ctx, u.ID, intro); err != nil {
		t.Fatalf("CreateEventType: %v", err)
	}
	deep := &models.EventType{Title: "Deep dive", Length: 60}
	if err := s.CreateEventType(ctx, u.ID, deep); err != nil {
		t.Fatalf("CreateEventType: %v", err)
	}
	return u, intro, deep
}

func book(t *testing.T, s *Store, userID int64, et *models.EventType, start time.Time, length time.Duration) *models.Booking {
	t.Helper()
	b := &models.Booking{
		UserID:    userID,
		Title:     "Meeting",
		StartTime: start,
		EndTime:   start.Add(length),
		Attendees: []models.Person{{Name: "Guest", Email: "guest@example.com", TimeZone: "UTC"}},
	}
	if et != nil {
		id := et.ID
		b.EventTypeID = &id
	}
	if err := s.CreateBooking(context.Background(), b); err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	return b
}

func TestFindBookings_RangeAndEventType(t *testing.T) {
	s := newTestStore(t)
	u, intro, deep := seed(t, s)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	book(t, s, u.ID, intro, day.Add(9*time.Hour), 30*time.Minute)
	book(t, s, u.ID, deep, day.Add(11*time.Hour), time.Hour)
	book(t, s, u.ID, intro, day.Add(23*time.Hour+30*time.Minute), time.Hour) // ends after the range
	book(t, s, u.ID, intro, day.Add(-time.Hour), 30*time.Minute)             // starts before the range

	ctx := context.Background()
	all, err := s.FindBookings(ctx, u.ID, day, day.AddDate(0, 0, 1), nil)
	if err != nil {
		t.Fatalf("FindBookings: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 bookings in range, got %d", len(all))
	}
	if all[0].EventType == nil || all[0].EventType.Title != "Intro" {
		t.Fatalf("event type not joined: %+v", all[0].EventType)
	}
	if len(all[0].Attendees) != 1 || all[0].Attendees[0].Email != "guest@example.com" {
		t.Fatalf("attendees not loaded: %+v", all[0].Attendees)
	}

	onlyDeep, err := s.FindBookings(ctx, u.ID, day, day.AddDate(0, 0, 1), &deep.ID)
	if err != nil {
		t.Fatalf("FindBookings: %v", err)
	}
	if len(onlyDeep) != 1 || !onlyDeep[0].StartTime.Equal(day.Add(11*time.Hour)) {
		t.Fatalf("unexpected filtered bookings %+v", onlyDeep)
	}
}

func TestCredentials_RoundTripAndUpdate(t *testing.T) {
	s := newTestStore(t)
	u, _, _ := seed(t, s)
	ctx := context.Background()

	google := &models.Credential{UserID: u.ID, Type: models.CredentialGoogle, Key: []byte(`{"access_token":"a"}`)}
	office := &models.Credential{UserID: u.ID, Type: models.CredentialOffice365, Key: []byte(`{"access_token":"b"}`)}
	for _, c := range []*models.Credential{google, office} {
		if err := s.CreateCredential(ctx, c); err != nil {
			t.Fatalf("CreateCredential: %v", err)
		}
	}

	office.Key = []byte(`{"access_token":"c"}`)
	if err := s.UpdateCredentialKey(ctx, *office); err != nil {
		t.Fatalf("UpdateCredentialKey: %v", err)
	}

	creds, err := s.FindCredentials(ctx, u.ID)
	if err != nil {
		t.Fatalf("FindCredentials: %v", err)
	}
	if len(creds) != 2 || creds[0].Type != models.CredentialGoogle || creds[1].Type != models.CredentialOffice365 {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	if string(creds[1].Key) != `{"access_token":"c"}` {
		t.Fatalf("key not updated: %s", creds[1].Key)
	}
	if creds[0].Owner.Email != "owner@example.com" || creds[0].Owner.TimeZone != "Europe/Berlin" {
		t.Fatalf("owner not filled: %+v", creds[0].Owner)
	}
}

func TestGetUserByEmail_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetUserByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteBooking(t *testing.T) {
	s := newTestStore(t)
	u, intro, _ := seed(t, s)
	b := book(t, s, u.ID, intro, time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC), 30*time.Minute)

	ctx := context.Background()
	if err := s.UpdateBookingUID(ctx, b.ID, "evt-1"); err != nil {
		t.Fatalf("UpdateBookingUID: %v", err)
	}
	got, err := s.GetBooking(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBooking: %v", err)
	}
	if got.UID != "evt-1" {
		t.Fatalf("uid not stored: %q", got.UID)
	}
	if err := s.DeleteBooking(ctx, b.ID); err != nil {
		t.Fatalf("DeleteBooking: %v", err)
	}
	if _, err := s.GetBooking(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCalendar_FetchBusy(t *testing.T) {
	s := newTestStore(t)
	u, intro, deep := seed(t, s)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	book(t, s, u.ID, intro, day.Add(9*time.Hour), 30*time.Minute)
	book(t, s, u.ID, deep, day.Add(10*time.Hour), time.Hour)

	cal := NewCalendar(nil, s, models.InternalCredential(u.ID, u.Person()))
	ctx := context.Background()

	busy, err := cal.FetchBusy(ctx, day, day.AddDate(0, 0, 1), intro)
	if err != nil {
		t.Fatalf("FetchBusy: %v", err)
	}
	if len(busy) != 1 || !busy[0].Start.Equal(day.Add(9*time.Hour)) {
		t.Fatalf("unexpected intervals %+v", busy)
	}
	if len(busy[0].Attendees) != 1 || busy[0].EventType == nil || busy[0].EventType.ID != intro.ID {
		t.Fatalf("interval lost booking details: %+v", busy[0])
	}

	all, err := cal.FetchBusy(ctx, day, day.AddDate(0, 0, 1), nil)
	if err != nil {
		t.Fatalf("FetchBusy: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both bookings without event type, got %d", len(all))
	}

	record, err := cal.CreateEvent(ctx, models.CalendarEvent{Title: "x"}, intro)
	if err != nil || record != nil {
		t.Fatalf("create must be a no-op, got %v, %v", record, err)
	}
}
