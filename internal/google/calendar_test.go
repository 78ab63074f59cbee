package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calendso/internal/models"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

func newTestCalendar(t *testing.T, srv *httptest.Server, token *oauth2.Token) *Calendar {
	t.Helper()
	key, err := EncodeToken(token)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	config := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL + "/token"},
	}
	cred := models.Credential{ID: 3, Type: models.CredentialGoogle, Key: key, UserID: 1}
	c, err := NewCalendar(context.Background(), nil, config, cred, option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return c
}

func liveToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "live", TokenType: "Bearer", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)}
}

func TestFetchBusy_NoConflictCalendar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s %s", r.Method, r.URL.Path)
	}))
	defer srv.Close()

	c := newTestCalendar(t, srv, liveToken())
	for _, et := range []*models.EventType{nil, {ID: 1}} {
		busy, err := c.FetchBusy(context.Background(), time.Now(), time.Now().Add(time.Hour), et)
		if err != nil {
			t.Fatalf("FetchBusy: %v", err)
		}
		if len(busy) != 0 {
			t.Fatalf("expected empty result, got %d", len(busy))
		}
	}
}

func TestFetchBusy_SkipsOwnEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/work@example.com/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("singleEvents") != "true" || q.Get("orderBy") != "startTime" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Get("timeMin") != "2025-01-15T00:00:00Z" || q.Get("timeMax") != "2025-01-16T00:00:00Z" {
			t.Errorf("unexpected range %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer live" {
			t.Errorf("unexpected auth header %q", got)
		}
		io.WriteString(w, `{"items":[
			{"id":"a","start":{"dateTime":"2025-01-15T09:00:00Z"},"end":{"dateTime":"2025-01-15T10:00:00Z"}},
			{"id":"b","start":{"dateTime":"2025-01-15T11:00:00Z"},"end":{"dateTime":"2025-01-15T11:30:00Z"},
			 "extendedProperties":{"private":{"calendso.eventType":"4"}}},
			{"id":"c","start":{"date":"2025-01-15"},"end":{"date":"2025-01-16"}},
			{"id":"d","start":{"dateTime":"2025-01-15T14:00:00+01:00"},"end":{"dateTime":"2025-01-15T15:00:00+01:00"}}
		]}`)
	}))
	defer srv.Close()

	c := newTestCalendar(t, srv, liveToken())
	et := &models.EventType{ID: 4, ConflictCalendarID: "work@example.com", AddCalendarID: "bookings@example.com"}
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	busy, err := c.FetchBusy(context.Background(), day, day.AddDate(0, 0, 1), et)
	if err != nil {
		t.Fatalf("FetchBusy: %v", err)
	}
	if len(busy) != 2 {
		t.Fatalf("expected 2 intervals, got %d", len(busy))
	}
	if !busy[0].Start.Equal(day.Add(9 * time.Hour)) {
		t.Fatalf("unexpected first start %s", busy[0].Start)
	}
	if !busy[1].Start.Equal(day.Add(13 * time.Hour)) {
		t.Fatalf("unexpected second start %s", busy[1].Start)
	}
	if busy[0].EventType != et {
		t.Fatalf("interval should carry the event type")
	}
}

func TestFetchBusy_FollowsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			io.WriteString(w, `{"nextPageToken":"p2","items":[
				{"start":{"dateTime":"2025-01-15T09:00:00Z"},"end":{"dateTime":"2025-01-15T10:00:00Z"}}]}`)
			return
		}
		io.WriteString(w, `{"items":[
			{"start":{"dateTime":"2025-01-15T12:00:00Z"},"end":{"dateTime":"2025-01-15T13:00:00Z"}}]}`)
	}))
	defer srv.Close()

	c := newTestCalendar(t, srv, liveToken())
	et := &models.EventType{ID: 1, ConflictCalendarID: "primary"}
	busy, err := c.FetchBusy(context.Background(), time.Now(), time.Now().Add(time.Hour), et)
	if err != nil {
		t.Fatalf("FetchBusy: %v", err)
	}
	if len(busy) != 2 {
		t.Fatalf("expected intervals from both pages, got %d", len(busy))
	}
}

func TestFetchBusy_RefreshesExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer fresh" {
			t.Errorf("expected refreshed token, got %q", got)
		}
		io.WriteString(w, `{"items":[]}`)
	}))
	defer srv.Close()

	expired := liveToken()
	expired.Expiry = time.Now().Add(-time.Hour)
	c := newTestCalendar(t, srv, expired)

	et := &models.EventType{ID: 1, ConflictCalendarID: "primary"}
	if _, err := c.FetchBusy(context.Background(), time.Now(), time.Now().Add(time.Hour), et); err != nil {
		t.Fatalf("FetchBusy: %v", err)
	}

	cred, refreshed := c.Credential()
	if !refreshed {
		t.Fatalf("expected refreshed credential")
	}
	token, err := decodeToken(cred.Key)
	if err != nil {
		t.Fatalf("decode refreshed key: %v", err)
	}
	if token.AccessToken != "fresh" || token.RefreshToken != "refresh" {
		t.Fatalf("unexpected refreshed token %+v", token)
	}
}

func TestFetchBusy_RefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		t.Errorf("calendar must not be called after a failed refresh")
	}))
	defer srv.Close()

	expired := liveToken()
	expired.Expiry = time.Now().Add(-time.Hour)
	c := newTestCalendar(t, srv, expired)

	et := &models.EventType{ID: 1, ConflictCalendarID: "primary"}
	_, err := c.FetchBusy(context.Background(), time.Now(), time.Now().Add(time.Hour), et)
	var authErr *models.AuthRefreshError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthRefreshError, got %v", err)
	}
	if authErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", authErr.StatusCode)
	}
}

func TestFetchBusy_RefreshHonoursCallDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		t.Errorf("calendar must not be called without a token")
	}))
	defer srv.Close()
	defer close(release)

	expired := liveToken()
	expired.Expiry = time.Now().Add(-time.Hour)
	c := newTestCalendar(t, srv, expired)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	started := time.Now()
	et := &models.EventType{ID: 1, ConflictCalendarID: "primary"}
	_, err := c.FetchBusy(ctx, time.Now(), time.Now().Add(time.Hour), et)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("refresh ignored the call deadline, took %s", elapsed)
	}
}

func TestCreateEvent_WritesToAddCalendar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/calendars/bookings@example.com/events" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var ev calendar.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		if ev.Summary != "Intro call" || ev.Location != "" {
			t.Errorf("unexpected event %+v", ev)
		}
		if !strings.HasPrefix(ev.Description, "Agenda\n") || !strings.Contains(ev.Description, `"email":"guest@example.com"`) {
			t.Errorf("attendees not appended to description: %q", ev.Description)
		}
		if ev.Start.TimeZone != "Europe/Berlin" || ev.Start.DateTime != "2025-01-15T09:00:00Z" {
			t.Errorf("unexpected start %+v", ev.Start)
		}
		if !strings.Contains(string(body), `"useDefault":false`) {
			t.Errorf("reminders must disable defaults: %s", body)
		}
		if len(ev.Reminders.Overrides) != 1 || ev.Reminders.Overrides[0].Minutes != 60 || ev.Reminders.Overrides[0].Method != "email" {
			t.Errorf("unexpected reminders %+v", ev.Reminders)
		}
		if ev.ExtendedProperties.Private[EventTypeProperty] != "4" {
			t.Errorf("missing event type marker: %+v", ev.ExtendedProperties)
		}
		io.WriteString(w, `{"id":"evt-1","status":"confirmed"}`)
	}))
	defer srv.Close()

	c := newTestCalendar(t, srv, liveToken())
	et := &models.EventType{ID: 4, ConflictCalendarID: "work@example.com", AddCalendarID: "bookings@example.com"}
	record, err := c.CreateEvent(context.Background(), models.CalendarEvent{
		Title:       "Intro call",
		Description: "Agenda",
		StartTime:   time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC),
		Organizer:   models.Person{Email: "owner@example.com", TimeZone: "Europe/Berlin"},
		Attendees:   []models.Person{{Name: "Guest", Email: "guest@example.com", TimeZone: "UTC"}},
	}, et)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if record["id"] != "evt-1" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestUpdateAndDelete_SendUpdates(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.URL.Path != "/calendars/primary/events/evt-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("sendUpdates") != "all" {
			t.Errorf("expected sendUpdates=all, got %s", r.URL.RawQuery)
		}
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		io.WriteString(w, `{"id":"evt-1"}`)
	}))
	defer srv.Close()

	c := newTestCalendar(t, srv, liveToken())
	ev := models.CalendarEvent{
		Title:     "Moved",
		StartTime: time.Date(2025, 1, 16, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 1, 16, 9, 30, 0, 0, time.UTC),
		Organizer: models.Person{Email: "owner@example.com", TimeZone: "UTC"},
	}
	if _, err := c.UpdateEvent(context.Background(), "evt-1", ev, nil); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	if err := c.DeleteEvent(context.Background(), "evt-1", nil); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if len(methods) != 2 || methods[0] != http.MethodPut || methods[1] != http.MethodDelete {
		t.Fatalf("unexpected methods %v", methods)
	}
}

func TestDeleteEvent_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":404,"message":"Not Found"}}`)
	}))
	defer srv.Close()

	c := newTestCalendar(t, srv, liveToken())
	err := c.DeleteEvent(context.Background(), "missing", nil)
	var provErr *models.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d", provErr.StatusCode)
	}
}

func TestDecodeToken_MillisecondExpiry(t *testing.T) {
	token, err := decodeToken([]byte(`{"access_token":"a","refresh_token":"r","expiry_date":1736931600000}`))
	if err != nil {
		t.Fatalf("decodeToken: %v", err)
	}
	if !token.Expiry.Equal(time.UnixMilli(1736931600000)) {
		t.Fatalf("unexpected expiry %s", token.Expiry)
	}
	if _, err := decodeToken([]byte(`{}`)); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
